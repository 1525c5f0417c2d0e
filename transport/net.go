package transport

import "net"

// NewConn builds a Buffered transport directly over a net.Conn, which is
// the common case: TCP, Unix sockets, and *tls.Conn (STARTTLS or implicit
// TLS) all satisfy net.Conn and therefore Source and Sink unmodified.
func NewConn(conn net.Conn) *Buffered {
	return NewBuffered(conn, conn)
}
