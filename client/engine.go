// Package client implements the client half of the SMTP session: issuing
// commands, maintaining a FIFO pending-request queue, and correlating
// responses, with no I/O of its own. The teacher (abligh-goms) has no
// client half; this package follows the server engine's idiom (same
// table-driven legality check, same logging conventions) per spec.md
// §4.5, cross-checked against the verb/parameter table shape in
// HouzuoGuo-laitos's protocol.go and the observable EHLO→MAIL→RCPT→
// DATA→QUIT conversation shape of nazwhale-from-my-domain's deliver.go.
package client

import (
	"log"
	"strings"

	"github.com/abligh/smtpkit/buf"
	"github.com/abligh/smtpkit/datacodec"
	"github.com/abligh/smtpkit/grammar"
	"github.com/abligh/smtpkit/protoerr"
	"github.com/abligh/smtpkit/session"
	"github.com/abligh/smtpkit/transport"
)

// Result is what a PendingRequest resolves to: the response it
// correlates to, or a transport/parse error.
type Result struct {
	Response grammar.Response
	Err      error
}

// PendingRequest is one outstanding command awaiting its response.
// Command is nil for the implicit sentinel entry that accepts the
// server's initial greeting.
type PendingRequest struct {
	Command *grammar.Command
	body    []byte // preloaded DATA body, if any

	resultCh chan Result
}

// Engine is the client half of one SMTP session. It is not safe for
// concurrent use.
type Engine struct {
	Logger *log.Logger

	transport transport.Transport
	table     *grammar.Table
	state     session.State
	queue     []*PendingRequest

	serverGreeting string
	serverHELO     string
	dataEncoder    *datacodec.Encoder
	greetingCh     chan Result
}

// New constructs a client Engine bound to t, with a sentinel entry
// already queued to receive the server's greeting.
func New(t transport.Transport, table *grammar.Table, logger *log.Logger) *Engine {
	if table == nil {
		table = grammar.NewDefaultTable()
	}
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		Logger:    logger,
		transport: t,
		table:     table,
		state:     session.Connect,
	}
	e.greetingCh = make(chan Result, 1)
	e.queue = []*PendingRequest{{resultCh: e.greetingCh}}
	return e
}

// State reports the engine's current session state.
func (e *Engine) State() session.State { return e.state }

// ServerHELO returns the domain the server announced in its HELO/EHLO
// reply, once received.
func (e *Engine) ServerHELO() string { return e.serverHELO }

// ServerGreeting returns the server's initial greeting text (its
// response lines joined by "\n"), once received.
func (e *Engine) ServerGreeting() string { return e.serverGreeting }

// Greeting returns the channel that resolves with the server's initial
// 220 response.
func (e *Engine) Greeting() <-chan Result { return e.greetingCh }

// HELO issues a HELO command.
func (e *Engine) HELO(domain string) <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.HELO, Domain: domain}, nil)
}

// EHLO issues an EHLO command.
func (e *Engine) EHLO(domain string) <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.EHLO, Domain: domain}, nil)
}

// MailFrom issues a MAIL FROM command.
func (e *Engine) MailFrom(route grammar.EnvelopeRoute) <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.MAIL, Reverse: route}, nil)
}

// RcptTo issues a RCPT TO command.
func (e *Engine) RcptTo(route grammar.EnvelopeRoute) <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.RCPT, Forward: route}, nil)
}

// Rset issues a RSET command.
func (e *Engine) Rset() <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.RSET}, nil)
}

// Noop issues a NOOP command.
func (e *Engine) Noop() <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.NOOP}, nil)
}

// Quit issues a QUIT command.
func (e *Engine) Quit() <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.QUIT}, nil)
}

// Data issues DATA with a complete, already-known message body: once
// the server returns 354 the engine dot-stuffs and writes the whole
// body plus terminator itself, and the channel resolves with the
// server's final accept/reject response, not the intermediate 354. For
// a body assembled incrementally, use DataStart/WriteData/EndData
// instead.
func (e *Engine) Data(body []byte) <-chan Result {
	if len(body) == 0 {
		protoerr.Panic("client: Data requires a non-empty preloaded body; use DataStart for streaming")
	}
	return e.sendCommand(grammar.Command{Verb: grammar.DATA}, body)
}

// DataStart issues DATA without a preloaded body. The returned channel
// resolves with the server's 354 (or rejection); once in state Data,
// the caller streams the body with WriteData and finishes with EndData.
func (e *Engine) DataStart() <-chan Result {
	return e.sendCommand(grammar.Command{Verb: grammar.DATA}, nil)
}

// WriteData dot-stuffs and appends p to the output buffer. Only legal
// in state Data, i.e. after DataStart's 354 has been observed.
func (e *Engine) WriteData(p []byte) {
	if e.state != session.Data {
		protoerr.Panic("client: WriteData called outside state data (current: %v)", e.state)
	}
	if e.dataEncoder == nil {
		e.dataEncoder = datacodec.NewEncoder()
	}
	out := e.transport.Output()
	dst := e.dataEncoder.Write(nil, p)
	out.Append(dst)
}

// EndData appends the "." terminator, transitions locally to
// data_complete, flushes, and returns a channel resolving with the
// server's final response to the DATA command. It requires the encoder
// to be positioned at the start of a line, per spec.md §4.7.
func (e *Engine) EndData() (<-chan Result, error) {
	if e.state != session.Data {
		protoerr.Panic("client: EndData called outside state data (current: %v)", e.state)
	}
	if e.dataEncoder == nil {
		e.dataEncoder = datacodec.NewEncoder()
	}
	term, err := e.dataEncoder.Terminator()
	if err != nil {
		return nil, err
	}
	e.transport.Output().Append(term)
	e.dataEncoder = nil
	e.state = session.DataComplete
	e.transport.Flush(false)

	req := &PendingRequest{
		Command:  &grammar.Command{Verb: grammar.DATA},
		resultCh: make(chan Result, 1),
	}
	e.queue = append(e.queue, req)
	e.HandleIO()
	return req.resultCh, nil
}

// sendCommand checks state legality, renders and queues cmd, and drives
// HandleIO once for synchronous progress, per spec.md §4.5 steps 1-4.
func (e *Engine) sendCommand(cmd grammar.Command, body []byte) <-chan Result {
	spec := e.table.Spec(cmd.Verb)
	if spec == nil {
		protoerr.Panic("client: verb %v not enabled in this engine's table", cmd.Verb)
	}
	if !spec.States.Has(e.state) {
		protoerr.Panic("client: verb %v illegal in state %v", cmd.Verb, e.state)
	}
	cmd.Spec = spec
	e.transport.Output().Append(spec.Render(cmd))
	e.transport.Flush(false)

	cmdCopy := cmd
	req := &PendingRequest{Command: &cmdCopy, resultCh: make(chan Result, 1), body: body}
	e.queue = append(e.queue, req)
	e.HandleIO()
	return req.resultCh
}

// HandleIO fetches available bytes and correlates as many complete
// responses as are buffered to the front of the pending-request queue.
// It returns whether any forward progress was made.
func (e *Engine) HandleIO() bool {
	progress := false
	if n, _ := e.transport.Fetch(0); n > 0 {
		progress = true
	}

	input := e.transport.Input()
	for len(e.queue) > 0 {
		resp, err := grammar.ParseResponseIfComplete(input)
		if err == protoerr.ErrIncomplete {
			break
		}
		progress = true
		req := e.queue[0]
		e.queue = e.queue[1:]

		if err != nil {
			req.resultCh <- Result{Err: err}
			close(req.resultCh)
			e.state = session.Abort
			continue
		}

		requeue := e.updateStateAfterResponse(req, resp)
		if requeue {
			e.queue = append([]*PendingRequest{req}, e.queue...)
			continue
		}
		req.resultCh <- Result{Response: resp}
		close(req.resultCh)
	}

	if input.Final().Kind == buf.EOF && input.Len() == 0 && e.state != session.Quit {
		e.state = session.Abort
		progress = true
	}
	return progress
}

// updateStateAfterResponse applies spec.md §4.5's transition table and
// reports whether req should be re-queued (the DATA-with-preloaded-body
// case: the 354 triggers the body write but the caller's channel isn't
// resolved until the real final response arrives).
func (e *Engine) updateStateAfterResponse(req *PendingRequest, resp grammar.Response) bool {
	if resp.Code == 421 {
		e.state = session.Quit
		return false
	}

	if req.Command == nil {
		if resp.Code == 220 {
			e.state = session.Handshake
			e.serverGreeting = strings.Join(resp.Lines, "\n")
		}
		return false
	}

	switch req.Command.Verb {
	case grammar.HELO, grammar.EHLO:
		if resp.Code == 250 && len(resp.Lines) > 0 {
			e.serverHELO = resp.Lines[0]
			e.state = session.Ready
		}
	case grammar.MAIL:
		if resp.Code == 250 {
			e.state = session.Mail
		}
	case grammar.DATA:
		if e.state == session.Mail && resp.Code == 354 {
			e.state = session.Data
			if req.body != nil {
				e.streamPreloadedBody(req.body)
				return true
			}
			return false
		}
		if e.state == session.DataComplete {
			e.state = session.Ready
		}
	case grammar.QUIT:
		if resp.Code == 221 {
			e.state = session.Quit
		}
	case grammar.RSET:
		if resp.Code == 250 && e.state == session.Mail {
			e.state = session.Ready
		}
	}
	return false
}

// streamPreloadedBody stuffs body and its terminator directly to the
// output buffer, then locally advances to data_complete, implementing
// the auto-stuffing half of spec.md §4.5's DATA transition.
func (e *Engine) streamPreloadedBody(body []byte) {
	enc := datacodec.NewEncoder()
	out := e.transport.Output()
	out.Append(enc.Write(nil, body))
	term, err := enc.Terminator()
	if err != nil {
		// body did not end on a line boundary; close the orphan line
		// the same way an interactive caller's last WriteData would.
		out.Append(enc.Write(nil, []byte("\n")))
		term, _ = enc.Terminator()
	}
	out.Append(term)
	e.state = session.DataComplete
	e.transport.Flush(false)
}
