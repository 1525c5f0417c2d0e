// Package transport supplies the buffered, non-blocking I/O abstraction
// shared by the client and server protocol engines. Engines never touch a
// socket directly; they read and write through a Transport's ByteBufs, and
// something outside the engine (an event loop, a blocking goroutine, a
// test harness) is responsible for calling Fetch and Flush when bytes are
// available or need to be sent.
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/abligh/smtpkit/buf"
)

// DefaultFetchHint is the number of bytes Fetch asks the source for when
// the caller does not specify a hint.
const DefaultFetchHint = 65536

// ErrWouldBlock is returned by non-socket Sources/Sinks (such as MemPipe)
// to signal the same transient, try-again-later condition that EAGAIN
// signals for a real file descriptor.
var ErrWouldBlock = errors.New("transport: would block")

// Source is the read half of a transport's backing connection.
type Source interface {
	Read(p []byte) (int, error)
}

// Sink is the write half of a transport's backing connection. Sinks that
// support a write-side half-close also implement HalfCloser; for sinks
// that don't, Flush(true) only marks the output buffer EOF.
type Sink interface {
	Write(p []byte) (int, error)
}

// HalfCloser is implemented by sinks that support a write-side shutdown
// without tearing down the whole connection, such as *net.TCPConn.
type HalfCloser interface {
	CloseWrite() error
}

// Transport is the contract the protocol engines need from whatever moves
// their bytes. A TLS implementation of this interface multiplexes
// handshake records across Fetch/Flush and is otherwise indistinguishable
// to an engine from a plain socket.
type Transport interface {
	// Fetch reads up to hint bytes (DefaultFetchHint if hint is 0) from
	// the source into the input buffer, returning the number appended.
	Fetch(hint int) (int, error)
	// Flush writes pending output to the sink, dropping flushed bytes
	// from the output buffer and returning the number removed. If eof
	// is true and the output buffer drains during this call, the sink
	// is half-closed and the output buffer's finality becomes EOF.
	Flush(eof bool) (int, error)
	Input() *buf.ByteBuf
	Output() *buf.ByteBuf
}

// isTransientErr reports whether err is a transient, retry-later
// condition (interrupted syscall, would-block, read/write deadline) as
// opposed to a fatal one such as a closed or reset connection.
func isTransientErr(err error) bool {
	if errors.Is(err, ErrWouldBlock) {
		return true
	}
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// Buffered is a Transport built from a pair of buf.ByteBufs and an
// arbitrary Source/Sink. It performs no buffering of its own beyond what
// buf.ByteBuf already provides; Fetch and Flush are thin, transient-error
// aware wrappers around one Read/Write call each.
type Buffered struct {
	in, out *buf.ByteBuf
	src     Source
	sink    Sink
}

// NewBuffered builds a Buffered transport over the given source and sink,
// which are commonly the same net.Conn.
func NewBuffered(src Source, sink Sink) *Buffered {
	return &Buffered{in: buf.New(), out: buf.New(), src: src, sink: sink}
}

func (t *Buffered) Input() *buf.ByteBuf  { return t.in }
func (t *Buffered) Output() *buf.ByteBuf { return t.out }

// Fetch implements Transport.
func (t *Buffered) Fetch(hint int) (int, error) {
	if t.in.Final().Kind != buf.Open {
		return 0, nil
	}
	if hint <= 0 {
		hint = DefaultFetchHint
	}
	scratch := make([]byte, hint)
	n, err := t.src.Read(scratch)
	if n > 0 {
		t.in.Append(scratch[:n])
	}
	if err != nil {
		if err == io.EOF {
			t.in.SetFinal(buf.Finality{Kind: buf.EOF})
			return n, nil
		}
		if isTransientErr(err) {
			return n, nil
		}
		t.in.SetFinal(buf.Finality{Kind: buf.Error, Err: err})
		return n, err
	}
	if n == 0 {
		t.in.SetFinal(buf.Finality{Kind: buf.EOF})
	}
	return n, nil
}

// Flush implements Transport.
func (t *Buffered) Flush(eof bool) (int, error) {
	pending := t.out.Unread()
	if len(pending) == 0 {
		if eof {
			t.shutdownWrite()
		}
		return 0, nil
	}
	n, err := t.sink.Write(pending)
	if n > 0 {
		t.out.Advance(n)
	}
	if err != nil {
		if isTransientErr(err) {
			return n, nil
		}
		t.out.SetFinal(buf.Finality{Kind: buf.Error, Err: err})
		return n, err
	}
	if eof && t.out.Len() == 0 {
		t.shutdownWrite()
	}
	return n, nil
}

func (t *Buffered) shutdownWrite() {
	if hc, ok := t.sink.(HalfCloser); ok {
		_ = hc.CloseWrite()
	}
	t.out.SetFinal(buf.Finality{Kind: buf.EOF})
}
