package transport

import (
	"testing"

	"github.com/abligh/smtpkit/buf"
)

func TestFetchAppendsToInput(t *testing.T) {
	a, b := NewMemPipePair()
	tr := NewBuffered(a, a)
	_, _ = b.Write([]byte("hello"))
	n, err := tr.Fetch(0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if n != 5 || string(tr.Input().Unread()) != "hello" {
		t.Fatalf("fetch did not append bytes, got n=%d unread=%q", n, tr.Input().Unread())
	}
}

func TestFetchWouldBlockReturnsZeroNoFinal(t *testing.T) {
	a, _ := NewMemPipePair()
	tr := NewBuffered(a, a)
	n, err := tr.Fetch(0)
	if err != nil || n != 0 {
		t.Fatalf("expected transient empty read, got n=%d err=%v", n, err)
	}
	if tr.Input().Final().Kind != buf.Open {
		t.Fatalf("would-block must not set final")
	}
}

func TestFlushDrainsOutputAndEOFHalfCloses(t *testing.T) {
	a, b := NewMemPipePair()
	tr := NewBuffered(a, a)
	tr.Output().Append([]byte("bye"))
	n, err := tr.Flush(true)
	if err != nil || n != 3 {
		t.Fatalf("flush: n=%d err=%v", n, err)
	}
	if tr.Output().Final().Kind != buf.EOF {
		t.Fatalf("expected output finality EOF after drained eof-flush")
	}
	// the peer should see the bytes, then EOF once it drains them
	peer := NewBuffered(b, b)
	peer.Fetch(0)
	if string(peer.Input().Unread()) != "bye" {
		t.Fatalf("peer did not receive bytes, got %q", peer.Input().Unread())
	}
	peer.Input().Advance(3)
	peer.Fetch(0)
	if peer.Input().Final().Kind != buf.EOF {
		t.Fatalf("expected peer to observe eof after half-close and drain")
	}
}

func TestFlushWithoutEOFLeavesOutputOpen(t *testing.T) {
	a, _ := NewMemPipePair()
	tr := NewBuffered(a, a)
	tr.Output().Append([]byte("x"))
	// MemPipe always accepts every byte, so a partly drained flush can't
	// be staged here; this checks that eof=false never half-closes.
	tr.Flush(false)
	if tr.Output().Final().Kind != buf.Open {
		t.Fatalf("flush without eof must not mark final")
	}
}
