package server

import (
	"bufio"
	"net"
	"time"

	"github.com/mvplite/littlechat/pkg/protocol"
)

// tcpFrameConn adapts a net.Conn to the frameConn interface using the
// newline framing from pkg/protocol.
type tcpFrameConn struct {
	conn  net.Conn
	br    *bufio.Reader
	limit int
}

func newTCPFrameConn(conn net.Conn, limit int) *tcpFrameConn {
	return &tcpFrameConn{
		conn:  conn,
		br:    bufio.NewReader(conn),
		limit: limit,
	}
}

func (c *tcpFrameConn) ReadFrame() (string, error) {
	return protocol.ReadFrame(c.br, c.limit)
}

func (c *tcpFrameConn) WriteFrame(frame string) error {
	return protocol.WriteFrame(c.conn, frame)
}

func (c *tcpFrameConn) Close() error {
	return c.conn.Close()
}

func (c *tcpFrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *tcpFrameConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}
