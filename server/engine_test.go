package server

import (
	"strings"
	"testing"

	"github.com/abligh/smtpkit/buf"
	"github.com/abligh/smtpkit/grammar"
	"github.com/abligh/smtpkit/session"
	"github.com/abligh/smtpkit/transaction"
)

// testTransport lets a test feed input directly into the engine and
// inspect output without a real socket or MemPipe.
type testTransport struct {
	in, out    *buf.ByteBuf
	flushCount int
}

func newTestTransport() *testTransport {
	return &testTransport{in: buf.New(), out: buf.New()}
}

func (t *testTransport) Fetch(hint int) (int, error) { return 0, nil }
func (t *testTransport) Flush(eof bool) (int, error) {
	t.flushCount++
	if eof {
		t.out.SetFinal(buf.Finality{Kind: buf.EOF})
	}
	return 0, nil
}
func (t *testTransport) Input() *buf.ByteBuf  { return t.in }
func (t *testTransport) Output() *buf.ByteBuf { return t.out }

// drain returns and consumes everything currently in the output buffer.
func drain(t *testTransport) string {
	s := string(t.out.Unread())
	t.out.Advance(t.out.Len())
	return s
}

func newTestEngine(handlers Handlers) (*Engine, *testTransport) {
	tr := newTestTransport()
	cfg := Config{ServerDomain: "mail.example.com"}.WithDefaults()
	e := New(tr, nil, cfg, handlers, nil)
	return e, tr
}

func TestGreetingOnFirstHandleIO(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	if !e.HandleIO() {
		t.Fatal("expected progress")
	}
	out := drain(tr)
	if out != "220 Email::MTA::Toolkit server on mail.example.com\r\n" {
		t.Fatalf("unexpected greeting: %q", out)
	}
	if e.State() != session.Handshake {
		t.Fatalf("expected handshake state, got %v", e.State())
	}
}

func TestEHLOAdvertisesKeywords(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.Config.ServerEHLOKeywords = []grammar.EHLOKeyword{
		{Name: "PIPELINING"},
		{Name: "SIZE", Value: "10485760"},
	}
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	out := drain(tr)
	want := "250-mail.example.com\r\n250-PIPELINING\r\n250 SIZE 10485760\r\n"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
	if e.State() != session.Ready {
		t.Fatalf("expected ready, got %v", e.State())
	}
}

func TestMailFromNullPath(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)

	tr.in.Append([]byte("MAIL FROM:<>\r\n"))
	e.HandleIO()
	out := drain(tr)
	if out != "250 OK\r\n" {
		t.Fatalf("got %q", out)
	}
	txn := e.Transaction()
	if txn == nil || !txn.ReversePath.IsNullPath() {
		t.Fatalf("expected null reverse path, got %+v", txn)
	}
}

func TestOutOfSequenceRCPT(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)

	tr.in.Append([]byte("RCPT TO:<x@y.com>\r\n"))
	e.HandleIO()
	out := drain(tr)
	if out != "503 Bad sequence of commands\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Ready {
		t.Fatalf("state should be unchanged, got %v", e.State())
	}
}

func TestFullTransactionAndDataPhase(t *testing.T) {
	var deliveredBody []byte
	var deliveredForward []grammar.EnvelopeRoute
	e, tr := newTestEngine(Handlers{
		OnDataComplete: func(e *Engine, txn *transaction.Transaction) grammar.Response {
			r, _ := txn.Body.Reader()
			deliveredForward = txn.ForwardPaths
			buf := make([]byte, 4096)
			n, _ := r.Read(buf)
			deliveredBody = buf[:n]
			return grammar.Single(250, "2.0.0 OK: queued")
		},
	})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("MAIL FROM:<a@b.com>\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("RCPT TO:<x@y.com>\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("DATA\r\n"))
	e.HandleIO()
	out := drain(tr)
	if out != "354 End data with <CR><LF>.<CR><LF>\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Data {
		t.Fatalf("expected data state, got %v", e.State())
	}

	tr.in.Append([]byte("Foo\r\n..Line starting with dot\r\n.\r\n"))
	e.HandleIO()
	out = drain(tr)
	if out != "250 2.0.0 OK: queued\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Ready {
		t.Fatalf("expected ready after DATA, got %v", e.State())
	}
	if string(deliveredBody) != "Foo\r\n.Line starting with dot\r\n" {
		t.Fatalf("unstuffed body wrong: %q", deliveredBody)
	}
	if len(deliveredForward) != 1 || deliveredForward[0].Mailbox != "x@y.com" {
		t.Fatalf("unexpected forward paths: %+v", deliveredForward)
	}
}

func TestDataWithoutRecipients(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("MAIL FROM:<a@b.com>\r\n"))
	e.HandleIO()
	drain(tr)

	tr.in.Append([]byte("DATA\r\n"))
	e.HandleIO()
	out := drain(tr)
	if out != "554 No valid recipients\r\n" {
		t.Fatalf("got %q", out)
	}
}

func TestQuitTriggersEOFFlush(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)

	tr.in.Append([]byte("QUIT\r\n"))
	e.HandleIO()
	out := drain(tr)
	if out != "221 Goodbye\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Quit {
		t.Fatalf("expected quit, got %v", e.State())
	}
	if tr.out.Final().Kind != buf.EOF {
		t.Fatalf("expected output half-close after 221, got %v", tr.out.Final())
	}
}

func TestBadCommandAbortThreshold(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.Config.MaxBadCommands = 2
	e.HandleIO()
	drain(tr)

	for i := 0; i < 3; i++ {
		tr.in.Append([]byte("BOGUS\r\n"))
		e.HandleIO()
		drain(tr)
	}
	if e.State() != session.Abort {
		t.Fatalf("expected abort after exceeding MaxBadCommands, got %v", e.State())
	}
}

func TestPipelinedMailRcptBatchOneFlush(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)

	tr.flushCount = 0
	tr.in.Append([]byte("MAIL FROM:<a@b.com>\r\nRCPT TO:<x@y.com>\r\nRSET\r\n"))
	e.HandleIO()
	out := drain(tr)
	want := "250 OK\r\n250 OK\r\n250 OK\r\n"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
	if tr.flushCount != 1 {
		t.Fatalf("expected one batched flush for the pipelined trio, got %d", tr.flushCount)
	}
}

func TestNoopFlushesImmediatelyEvenWhenPipelined(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)

	tr.flushCount = 0
	tr.in.Append([]byte("NOOP\r\nNOOP\r\n"))
	e.HandleIO()
	drain(tr)
	if tr.flushCount != 2 {
		t.Fatalf("expected NOOP to flush immediately every time, got %d flushes", tr.flushCount)
	}
}

func TestLineLengthLimitAbortsConnection(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.Config.LineLengthLimit = 16
	e.HandleIO()
	drain(tr)

	tr.in.Append([]byte("EHLO " + strings.Repeat("x", 64)))
	e.HandleIO()
	out := drain(tr)
	if out != "500 Line too long\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Abort {
		t.Fatalf("expected abort, got %v", e.State())
	}
}

func TestMessageSizeLimitRejectsOversizeBody(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.Config.MessageSizeLimit = 8
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("EHLO client.example.com\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("MAIL FROM:<a@b.com>\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("RCPT TO:<x@y.com>\r\n"))
	e.HandleIO()
	drain(tr)
	tr.in.Append([]byte("DATA\r\n"))
	e.HandleIO()
	drain(tr)

	tr.in.Append([]byte("this line is far longer than the limit\r\n.\r\n"))
	e.HandleIO()
	out := drain(tr)
	if out != "552 Message size exceeds fixed maximum message size\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Ready {
		t.Fatalf("expected ready after oversize rejection, got %v", e.State())
	}
	if e.Transaction() != nil {
		t.Fatalf("expected transaction reset after oversize rejection")
	}
}

func TestUnexpectedEOFAborts(t *testing.T) {
	e, tr := newTestEngine(Handlers{})
	e.HandleIO()
	drain(tr)
	tr.in.SetFinal(buf.Finality{Kind: buf.EOF})
	e.HandleIO()
	out := drain(tr)
	if out != "503 Unexpected EOF, terminating connection\r\n" {
		t.Fatalf("got %q", out)
	}
	if e.State() != session.Abort {
		t.Fatalf("expected abort, got %v", e.State())
	}
}
