// Package wireconn wraps a client net.Conn in a buffered, peekable reader
// whose inner transport may be replaced exactly once — by a TLS server
// connection, once the TLS Interceptor completes a handshake. Downstream
// code depends only on this handle, never on the concrete transport,
// mirroring the teacher's proxy/internal/conn.WrapClientConn.
package wireconn

import (
	"bufio"
	"errors"
	"net"
	"sync"

	uuid "github.com/satori/go.uuid"
)

// ErrAlreadyUpgraded is returned by Upgrade when called a second time.
var ErrAlreadyUpgraded = errors.New("wireconn: transport already upgraded")

// Conn is a client connection with a buffered, peekable read side and a
// transport that may be swapped exactly once (plaintext -> TLS).
type Conn struct {
	ID uuid.UUID

	mu        sync.Mutex
	inner     net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	upgraded  bool
	closeOnce sync.Once
	closeErr  error
	closeCh   chan struct{}
}

// New wraps c with a buffered reader/writer of bufSize bytes.
func New(c net.Conn, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &Conn{
		ID:      uuid.NewV4(),
		inner:   c,
		r:       bufio.NewReaderSize(c, bufSize),
		w:       bufio.NewWriterSize(c, bufSize),
		closeCh: make(chan struct{}),
	}
}

// Reader returns the current buffered reader. Valid until the next Upgrade.
func (c *Conn) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r
}

// Writer returns the current buffered writer. Valid until the next Upgrade.
func (c *Conn) Writer() *bufio.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w
}

// Peek returns the next n bytes without consuming them, per the TLS
// ClientHello detection requirement: the bytes must remain available for
// the subsequent TLS handshake read.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.Reader().Peek(n)
}

// Underlying returns the current concrete net.Conn (for RemoteAddr,
// SetDeadline, and the like).
func (c *Conn) Underlying() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner
}

// Read reads from the current buffered reader, so bytes already peeked are
// delivered before anything else read from the transport.
func (c *Conn) Read(p []byte) (int, error) {
	return c.Reader().Read(p)
}

// Write writes p through the current buffered writer and flushes it.
func (c *Conn) Write(p []byte) (int, error) {
	w := c.Writer()
	n, err := w.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.Flush()
}

// Upgrade replaces the inner transport exactly once. The old buffered
// reader is dropped: bytes still buffered in it reach the new transport
// only if that transport itself reads through it (as the TLS Interceptor's
// handshake does for a peeked ClientHello). After Upgrade, reads/writes go
// through the new transport (normally a *tls.Conn wrapping the same
// underlying socket).
func (c *Conn) Upgrade(newTransport net.Conn, bufSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upgraded {
		return ErrAlreadyUpgraded
	}
	if bufSize <= 0 {
		bufSize = 4096
	}
	c.inner = newTransport
	c.r = bufio.NewReaderSize(newTransport, bufSize)
	c.w = bufio.NewWriterSize(newTransport, bufSize)
	c.upgraded = true
	return nil
}

// Upgraded reports whether Upgrade has already run.
func (c *Conn) Upgraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upgraded
}

// CloseChan is closed exactly once, when Close first runs.
func (c *Conn) CloseChan() <-chan struct{} { return c.closeCh }

// Close closes the current transport. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.inner
		c.mu.Unlock()
		c.closeErr = conn.Close()
		close(c.closeCh)
	})
	return c.closeErr
}
