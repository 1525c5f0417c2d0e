// Package protoerr is the shared error taxonomy for the grammar, server,
// and client packages, following spec.md's §7 error kinds. Incomplete is
// never returned by the engines' methods; it is the "need more bytes"
// signal the grammar parsers return to the engines.
package protoerr

import "fmt"

// ErrIncomplete signals that a parser needs more bytes to make progress.
// It is not a protocol error and is never turned into a wire reply.
var ErrIncomplete = &incompleteError{}

type incompleteError struct{}

func (*incompleteError) Error() string { return "protoerr: incomplete, need more bytes" }

// GrammarError is a malformed command or response. Code is the SMTP
// numeric reply a server should send for it.
type GrammarError struct {
	Code    int
	Message string
}

func (e *GrammarError) Error() string { return fmt.Sprintf("%d %s", e.Code, e.Message) }

// NewGrammarError builds a GrammarError whose Message is format applied
// to args; a caller chains a deeper error's message by passing it as one
// of the args.
func NewGrammarError(code int, format string, args ...interface{}) *GrammarError {
	return &GrammarError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SequenceError is a syntactically valid command illegal in the current
// session state. Servers reply 503 to it.
type SequenceError struct {
	Verb string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("protoerr: %s out of sequence", e.Verb)
}

// UnknownCommand is a verb absent from the active command table.
type UnknownCommand struct {
	Verb string
}

func (e *UnknownCommand) Error() string {
	return fmt.Sprintf("protoerr: unknown command %q", e.Verb)
}

// TransportError wraps a fatal read/write error from a transport's
// source or sink. Observing one transitions a session to abort.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("protoerr: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolAbort signals end-of-stream observed while the session was not
// in its quit state.
type ProtocolAbort struct{}

func (*ProtocolAbort) Error() string { return "protoerr: unexpected eof, aborting" }

// ProgrammerError is a synchronous, call-site failure: the caller invoked
// a command method illegal in the engine's current state. It is never a
// wire-level event, so it panics rather than returning an error, matching
// the teacher's "this should be impossible" table-lookup failures.
type ProgrammerError struct {
	Message string
}

func (e *ProgrammerError) Error() string { return "protoerr: programmer error: " + e.Message }

// Panic raises a ProgrammerError with the given message.
func Panic(format string, args ...interface{}) {
	panic(&ProgrammerError{Message: fmt.Sprintf(format, args...)})
}
