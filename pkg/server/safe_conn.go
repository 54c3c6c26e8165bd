package server

import (
	"net"
	"sync"
	"time"
)

// frameConn abstracts the transport framing. TCP connections carry
// newline-delimited frames; WebSocket connections carry one frame per
// message. Everything above this interface is transport-agnostic.
type frameConn interface {
	// ReadFrame returns the next inbound frame, without its delimiter.
	ReadFrame() (string, error)
	// WriteFrame sends one frame.
	WriteFrame(frame string) error
	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
}

// SafeConn wraps a frameConn with automatic write synchronization to prevent
// concurrent writes from interleaving frames on the wire.
//
// Under load, multiple goroutines (the session's own handler and broadcast
// senders) may try to write to the same connection simultaneously. Without
// synchronization their frames interleave, corrupting the stream. SafeConn
// encapsulates the connection and its write mutex so writing without proper
// synchronization is impossible.
//
// Close is idempotent: the registry and the session's own read loop may both
// tear a connection down, and the underlying handle must be closed exactly
// once.
type SafeConn struct {
	fc        frameConn
	mu        sync.Mutex // Protects writes to fc
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps a frameConn with write synchronization.
func NewSafeConn(fc frameConn) *SafeConn {
	return &SafeConn{fc: fc}
}

// WriteFrame sends one frame with automatic write synchronization. This is
// the ONLY way to write to the connection - the raw conn is private.
func (sc *SafeConn) WriteFrame(frame string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.fc.WriteFrame(frame)
}

// ReadFrame reads the next frame. Reads don't need write synchronization;
// each connection has exactly one reader (its session goroutine).
func (sc *SafeConn) ReadFrame() (string, error) {
	return sc.fc.ReadFrame()
}

// Close closes the underlying connection exactly once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.fc.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.fc.RemoteAddr()
}

// SetReadDeadline bounds the next ReadFrame. Used for the handshake so a
// silent connection cannot hold a goroutine forever.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.fc.SetReadDeadline(t)
}
