package grammar

import (
	"fmt"
	"testing"

	"github.com/abligh/smtpkit/buf"
	"github.com/abligh/smtpkit/protoerr"
	"github.com/abligh/smtpkit/session"
)

func TestParseHELO(t *testing.T) {
	b := buf.New()
	b.Append([]byte("EHLO client.example.com\r\n"))
	table := NewDefaultTable()
	cmd, warnings, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if cmd.Verb != EHLO || cmd.Domain != "client.example.com" {
		t.Fatalf("got %+v", cmd)
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer fully consumed, %d bytes left", b.Len())
	}
}

func TestParseBareLFWarns(t *testing.T) {
	b := buf.New()
	b.Append([]byte("QUIT\n"))
	table := NewDefaultTable()
	cmd, warnings, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Verb != QUIT {
		t.Fatalf("got %+v", cmd)
	}
	if len(warnings) != 1 || warnings[0] != "missing CR" {
		t.Fatalf("expected missing CR warning, got %v", warnings)
	}
}

func TestFramingIdempotence(t *testing.T) {
	full := "MAIL FROM:<a@b.com>\r\n"
	table := NewDefaultTable()
	for n := 0; n < len(full); n++ {
		b := buf.New()
		b.Append([]byte(full[:n]))
		_, _, err := ParseCommandIfComplete(b, table)
		if err != protoerr.ErrIncomplete {
			t.Fatalf("prefix %d: expected Incomplete, got %v", n, err)
		}
		if b.Len() != n {
			t.Fatalf("prefix %d: incomplete parse must not consume bytes", n)
		}
	}
	b := buf.New()
	b.Append([]byte(full))
	cmd, _, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("full parse: %v", err)
	}
	if cmd.Verb != MAIL || cmd.Reverse.Mailbox != "a@b.com" {
		t.Fatalf("got %+v", cmd)
	}
	// subsequent read on drained buffer is incomplete again
	_, _, err = ParseCommandIfComplete(b, table)
	if err != protoerr.ErrIncomplete {
		t.Fatalf("expected incomplete after drain, got %v", err)
	}
}

func TestUnknownVsUnimplementedCommand(t *testing.T) {
	table := NewTable(HELO, EHLO, QUIT) // MAIL not enabled
	b := buf.New()
	b.Append([]byte("MAIL FROM:<a@b.com>\r\n"))
	_, _, err := ParseCommandIfComplete(b, table)
	ge, ok := err.(*protoerr.GrammarError)
	if !ok || ge.Code != 502 {
		t.Fatalf("expected 502 for known-but-disabled verb, got %v", err)
	}

	b2 := buf.New()
	b2.Append([]byte("FROBNICATE\r\n"))
	_, _, err = ParseCommandIfComplete(b2, table)
	ge, ok = err.(*protoerr.GrammarError)
	if !ok || ge.Code != 500 {
		t.Fatalf("expected 500 for unknown verb, got %v", err)
	}
}

func TestMailFromNullPath(t *testing.T) {
	table := NewDefaultTable()
	b := buf.New()
	b.Append([]byte("MAIL FROM:<>\r\n"))
	cmd, _, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Reverse.Mailbox != "" || !cmd.Reverse.IsNullPath() {
		t.Fatalf("expected null path, got %+v", cmd.Reverse)
	}
}

func TestRcptPostmaster(t *testing.T) {
	table := NewDefaultTable()
	b := buf.New()
	b.Append([]byte("RCPT TO:<Postmaster>\r\n"))
	cmd, _, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cmd.Forward.IsPostmaster() {
		t.Fatalf("expected postmaster recipient, got %+v", cmd.Forward)
	}
}

func TestCustomMailboxValidatorRejectsMailbox(t *testing.T) {
	table := NewDefaultTable()
	table.Validator = func(local, domain string) error {
		if domain != "example.com" {
			return fmt.Errorf("domain %q not accepted here", domain)
		}
		return nil
	}
	b := buf.New()
	b.Append([]byte("MAIL FROM:<a@other.org>\r\n"))
	_, _, err := ParseCommandIfComplete(b, table)
	ge, ok := err.(*protoerr.GrammarError)
	if !ok || ge.Code != 501 {
		t.Fatalf("expected 501 grammar error, got %v", err)
	}
}

func TestCustomMailboxValidatorAcceptsMailbox(t *testing.T) {
	table := NewDefaultTable()
	table.Validator = func(local, domain string) error {
		if domain != "example.com" {
			return fmt.Errorf("domain %q not accepted here", domain)
		}
		return nil
	}
	b := buf.New()
	b.Append([]byte("RCPT TO:<a@example.com>\r\n"))
	cmd, _, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Forward.Mailbox != "a@example.com" {
		t.Fatalf("got %+v", cmd.Forward)
	}
}

func TestMailParams(t *testing.T) {
	table := NewDefaultTable()
	b := buf.New()
	b.Append([]byte("MAIL FROM:<a@b.com> SIZE=12345 BODY=8BITMIME\r\n"))
	cmd, _, err := ParseCommandIfComplete(b, table)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v, has, ok := cmd.Reverse.Parameters.Get("size"); !ok || !has || v != "12345" {
		t.Fatalf("expected SIZE param, got %v %v %v", v, has, ok)
	}
	if _, has, ok := cmd.Reverse.Parameters.Get("BODY"); !ok || !has {
		t.Fatalf("expected BODY param")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	table := NewDefaultTable()
	cases := []string{
		"HELO client.example.com\r\n",
		"EHLO [192.168.1.1]\r\n",
		"MAIL FROM:<a@b.com>\r\n",
		"MAIL FROM:<>\r\n",
		"RCPT TO:<postmaster>\r\n",
		"RCPT TO:<x@y.com> NOTIFY=SUCCESS\r\n",
		"DATA\r\n",
		"QUIT\r\n",
		"RSET\r\n",
		"NOOP\r\n",
	}
	for _, line := range cases {
		b := buf.New()
		b.Append([]byte(line))
		cmd, _, err := ParseCommandIfComplete(b, table)
		if err != nil {
			t.Fatalf("%q: parse: %v", line, err)
		}
		rendered := cmd.Spec.Render(cmd)
		b2 := buf.New()
		b2.Append(rendered)
		cmd2, _, err := ParseCommandIfComplete(b2, table)
		if err != nil {
			t.Fatalf("%q: reparse rendered %q: %v", line, rendered, err)
		}
		if cmd2.Verb != cmd.Verb || cmd2.Domain != cmd.Domain ||
			cmd2.Reverse.Mailbox != cmd.Reverse.Mailbox || cmd2.Forward.Mailbox != cmd.Forward.Mailbox {
			t.Fatalf("%q: round trip mismatch: %+v != %+v", line, cmd2, cmd)
		}
	}
}

func TestSequenceStates(t *testing.T) {
	table := NewDefaultTable()
	spec := table.Spec(RCPT)
	if spec == nil {
		t.Fatal("expected RCPT spec")
	}
	if !spec.States.Has(session.Mail) {
		t.Fatalf("RCPT should be legal in mail state")
	}
}
