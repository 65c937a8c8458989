package server

import (
	"bufio"
	"bytes"
	"net"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

// detectProtocol peeks at the first bytes to determine protocol type.
// Raw TCP frames start with a varint length followed by the 0x0a event tag,
// which never matches an HTTP method.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	peek, err := reader.Peek(4)
	if err != nil {
		return protocolTCP, reader, err
	}

	for _, m := range httpMethods {
		if bytes.HasPrefix(peek, m) {
			return protocolHTTP, reader, nil
		}
	}
	return protocolTCP, reader, nil
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

// connListener hands sniffed HTTP connections to an http.Server.
type connListener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:   addr,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// push delivers conn to Accept. It reports false once the listener is closed.
func (l *connListener) push(conn net.Conn) bool {
	select {
	case l.conns <- conn:
		return true
	case <-l.closed:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
