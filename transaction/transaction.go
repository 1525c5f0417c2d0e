package transaction

import "github.com/abligh/smtpkit/grammar"

// Identity snapshots the session's identifying strings at the moment
// MAIL was accepted, per spec.md §4.6.
type Identity struct {
	ServerHELO         string
	ServerEHLOKeywords []grammar.EHLOKeyword
	ServerDomain       string
	ServerAddress      string
	ClientHELO         string
	ClientDomain       string
	ClientAddress      string
}

// Transaction carries one MAIL…DATA envelope: the session identity at
// MAIL time, the reverse path, the accumulated forward paths, and the
// body sink DATA bytes are delivered to.
type Transaction struct {
	Identity     Identity
	ReversePath  grammar.EnvelopeRoute
	ForwardPaths []grammar.EnvelopeRoute
	Body         *BodySink
}

// New starts a transaction for a freshly accepted MAIL command.
func New(identity Identity, reversePath grammar.EnvelopeRoute, spillThreshold int64) *Transaction {
	return &Transaction{
		Identity:    identity,
		ReversePath: reversePath,
		Body:        NewBodySink(spillThreshold),
	}
}

// AddForwardPath records one accepted RCPT TO route.
func (t *Transaction) AddForwardPath(route grammar.EnvelopeRoute) {
	t.ForwardPaths = append(t.ForwardPaths, route)
}

// HasForwardPaths reports whether at least one RCPT has been accepted,
// the precondition spec.md §4.4 places on DATA.
func (t *Transaction) HasForwardPaths() bool {
	return len(t.ForwardPaths) > 0
}

// Close releases any temporary file backing the transaction's body.
func (t *Transaction) Close() error {
	if t.Body == nil {
		return nil
	}
	return t.Body.Close()
}
