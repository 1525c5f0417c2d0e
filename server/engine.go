// Package server implements the server half of the SMTP session: parsing
// incoming commands, dispatching by session state, and rendering
// responses, with no I/O of its own. Grounded end to end on
// abligh-goms/goms/inboundconnection.go's Process/Send/Receive/serveLoop,
// restructured around an explicit ByteBuf/Transport pair instead of a
// blocking bufio.ReadWriter.
package server

import (
	"log"

	"github.com/abligh/smtpkit/buf"
	"github.com/abligh/smtpkit/datacodec"
	"github.com/abligh/smtpkit/grammar"
	"github.com/abligh/smtpkit/protoerr"
	"github.com/abligh/smtpkit/session"
	"github.com/abligh/smtpkit/transaction"
	"github.com/abligh/smtpkit/transport"
)

// Handlers are the hook points spec.md §4.4 describes in place of the
// teacher's wider InboundTransactionProcessor: one on-handshake
// listener, one on-transaction listener exposing partial transactions,
// and one DATA-complete handler, which is the single extension point
// that decides whether mail is accepted.
type Handlers struct {
	// OnHandshake fires after a successful HELO/EHLO, before the 250
	// reply is rendered.
	OnHandshake func(e *Engine, domain string)
	// OnTransaction fires after MAIL and after each accepted RCPT,
	// letting a caller observe (but not reject) the transaction as it
	// is built up.
	OnTransaction func(e *Engine, txn *transaction.Transaction)
	// OnDataComplete fires once the DATA terminator has been seen. Its
	// return value becomes the final response for the DATA command. A
	// nil OnDataComplete yields the spec's default: 554 "Message
	// handler not implemented".
	OnDataComplete func(e *Engine, txn *transaction.Transaction) grammar.Response
}

// Engine is the server half of one SMTP session. It is not safe for
// concurrent use; HandleIO is the single externally invoked method; per
// spec.md §5 it is driven by repeated external calls as bytes arrive.
type Engine struct {
	Config   Config
	Table    *grammar.Table
	Handlers Handlers
	Logger   *log.Logger

	transport    transport.Transport
	state        session.State
	clientDomain string
	txn          *transaction.Transaction
	badCommands  int
	pendingFlush bool // a pipelineable response is buffered but not yet flushed
}

// New constructs a server Engine bound to t. table selects the enabled
// verb set; a nil table enables every verb this toolkit knows about.
func New(t transport.Transport, table *grammar.Table, cfg Config, handlers Handlers, logger *log.Logger) *Engine {
	if table == nil {
		table = grammar.NewDefaultTable()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		Config:   cfg.WithDefaults(),
		Table:    table,
		Handlers: handlers,
		Logger:   logger,

		transport: t,
		state:     session.Connect,
	}
}

// State reports the engine's current session state.
func (e *Engine) State() session.State { return e.state }

// Transaction returns the in-progress transaction, or nil if none.
func (e *Engine) Transaction() *transaction.Transaction { return e.txn }

// HandleIO drives the session forward: greeting on first call, fetching
// bytes, parsing as many complete commands (or DATA lines) as are
// buffered, and dispatching each. It returns whether any forward
// progress was made, so a caller loop can tell idle polls from useful
// ones.
func (e *Engine) HandleIO() bool {
	progress := false

	if e.state == session.Connect {
		e.sendResponse(220, e.Config.Greeting)
		e.state = session.Handshake
		progress = true
	}

	if n, _ := e.transport.Fetch(0); n > 0 {
		progress = true
	}

	input := e.transport.Input()
	for {
		if e.state == session.Data {
			res := datacodec.Decode(input.Unread())
			if res.Consumed == 0 && !res.Terminated {
				e.flushIfDrained(input)
				break
			}
			input.Advance(res.Consumed)
			progress = true
			if len(res.Data) > 0 && e.txn != nil {
				if e.Config.MessageSizeLimit > 0 && e.txn.Body.Size()+int64(len(res.Data)) > e.Config.MessageSizeLimit {
					e.sendResponse(552, "Message size exceeds fixed maximum message size")
					e.resetTransaction()
					e.state = session.Ready
					continue
				}
				e.txn.Body.Write(res.Data)
			}
			if res.Terminated {
				e.state = session.DataComplete
				resp := e.runDataComplete()
				e.sendResponse(resp.Code, resp.Lines...)
				e.resetTransaction()
				e.state = session.Ready
			}
			continue
		}

		cmd, warnings, err := grammar.ParseCommandIfComplete(input, e.Table)
		for _, w := range warnings {
			e.Logger.Printf("[DEBUG] %s", w)
		}
		if err == protoerr.ErrIncomplete {
			if e.Config.LineLengthLimit > 0 && input.Len() > e.Config.LineLengthLimit {
				e.sendResponse(500, "Line too long")
				e.state = session.Abort
				progress = true
				break
			}
			e.flushIfDrained(input)
			break
		}
		progress = true
		if err != nil {
			e.handleParseError(err)
			continue
		}
		if !cmd.Spec.States.Has(e.state) {
			e.sendBadCommandResponse(503, "Bad sequence of commands")
			continue
		}
		e.dispatch(cmd)
	}

	if input.Final().Kind == buf.EOF && e.state != session.Quit {
		e.sendResponse(503, "Unexpected EOF, terminating connection")
		e.state = session.Abort
		progress = true
	}

	if e.state == session.Abort {
		e.resetTransaction()
	}

	return progress
}

// flushIfDrained flushes a response deferred by sendPipelineableResponse
// once the input buffer holds nothing more to process, mirroring
// abligh-goms's Receive()-time "c.needsFlush && c.rd.Buffered() == 0"
// check: a pipelined batch of commands produces one flush, not one per
// response.
func (e *Engine) flushIfDrained(input *buf.ByteBuf) {
	if e.pendingFlush && input.Len() == 0 {
		e.transport.Flush(false)
		e.pendingFlush = false
	}
}

func (e *Engine) runDataComplete() grammar.Response {
	if e.Handlers.OnDataComplete != nil {
		return e.Handlers.OnDataComplete(e, e.txn)
	}
	return grammar.Single(554, "Message handler not implemented")
}

func (e *Engine) handleParseError(err error) {
	switch ge := err.(type) {
	case *protoerr.GrammarError:
		e.sendBadCommandResponse(ge.Code, ge.Message)
	default:
		e.sendBadCommandResponse(500, err.Error())
	}
}

// sendBadCommandResponse counts one malformed, unknown, or out-of-sequence
// command toward Config.MaxBadCommands, sending code/message unless the
// limit is exceeded, in which case it sends 421 and aborts instead.
// Grounded on abligh-goms's unrecognisedCommands counter
// (maxUnrecognisedCommands = 20), generalized to also count sequence
// errors since those equally indicate a confused client.
func (e *Engine) sendBadCommandResponse(code int, message string) {
	e.badCommands++
	if e.badCommands > e.Config.MaxBadCommands {
		e.sendResponse(421, "Too many errors, closing connection")
		e.state = session.Abort
		return
	}
	e.sendResponse(code, message)
}

func (e *Engine) dispatch(cmd grammar.Command) {
	switch cmd.Verb {
	case grammar.HELO:
		e.clientDomain = cmd.Domain
		e.resetTransaction()
		if e.Handlers.OnHandshake != nil {
			e.Handlers.OnHandshake(e, cmd.Domain)
		}
		e.sendResponse(250, e.Config.ServerDomain)
		e.state = session.Ready
	case grammar.EHLO:
		e.clientDomain = cmd.Domain
		e.resetTransaction()
		if e.Handlers.OnHandshake != nil {
			e.Handlers.OnHandshake(e, cmd.Domain)
		}
		lines := []string{e.Config.ServerDomain}
		for _, kw := range e.Config.ServerEHLOKeywords {
			lines = append(lines, e.Config.KeywordRenderer(kw))
		}
		e.sendResponse(250, lines...)
		e.state = session.Ready
	case grammar.MAIL:
		e.txn = transaction.New(e.identity(), cmd.Reverse, e.Config.SpillThreshold)
		if e.Handlers.OnTransaction != nil {
			e.Handlers.OnTransaction(e, e.txn)
		}
		e.state = session.Mail
		e.sendPipelineableResponse(250, "OK")
	case grammar.RCPT:
		if e.txn == nil {
			e.sendResponse(503, "Bad sequence of commands")
			return
		}
		if len(e.txn.ForwardPaths) >= e.Config.RecipientLimit {
			e.sendResponse(452, "Too many recipients")
			return
		}
		e.txn.AddForwardPath(cmd.Forward)
		if e.Handlers.OnTransaction != nil {
			e.Handlers.OnTransaction(e, e.txn)
		}
		e.sendPipelineableResponse(250, "OK")
	case grammar.DATA:
		if e.txn == nil || !e.txn.HasForwardPaths() {
			e.sendResponse(554, "No valid recipients")
			return
		}
		e.sendResponse(354, "End data with <CR><LF>.<CR><LF>")
	case grammar.QUIT:
		e.state = session.Quit
		e.sendResponse(221, "Goodbye")
	case grammar.RSET:
		e.resetTransaction()
		if e.state == session.Mail {
			e.state = session.Ready
		}
		e.sendPipelineableResponse(250, "OK")
	case grammar.NOOP:
		e.sendResponse(250, "OK")
	}
}

func (e *Engine) resetTransaction() {
	if e.txn != nil {
		e.txn.Close()
	}
	e.txn = nil
}

func (e *Engine) identity() transaction.Identity {
	return transaction.Identity{
		ServerHELO:         e.Config.ServerHELO,
		ServerEHLOKeywords: e.Config.ServerEHLOKeywords,
		ServerDomain:       e.Config.ServerDomain,
		ServerAddress:      e.Config.ServerAddress,
		ClientHELO:         e.clientDomain,
	}
}

// sendResponse renders code/lines into the output buffer and flushes,
// applying spec.md §4.4's three state-transition special cases: 354
// switches the session into DATA mode, and 221/421 trigger a graceful
// half-close flush.
func (e *Engine) sendResponse(code int, lines ...string) {
	resp := grammar.Response{Code: code, Lines: lines}
	e.transport.Output().Append(grammar.RenderResponse(resp))
	if code == 354 {
		e.state = session.Data
	}
	e.pendingFlush = false
	if code == 221 || code == 421 {
		e.transport.Flush(true)
		return
	}
	e.transport.Flush(false)
}

// sendPipelineableResponse renders code/lines into the output buffer but
// defers the flush, marking it for flushIfDrained to pick up once the
// input buffer is drained. Grounded on abligh-goms's Send/canPipeline:
// MAIL and RCPT success and RSET set canPipeline there; doNOOP's comment
// ("oddly not pipelineable") excludes NOOP from this set here too.
func (e *Engine) sendPipelineableResponse(code int, lines ...string) {
	resp := grammar.Response{Code: code, Lines: lines}
	e.transport.Output().Append(grammar.RenderResponse(resp))
	e.pendingFlush = true
}
