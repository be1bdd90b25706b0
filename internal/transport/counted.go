package transport

import (
	"io"
	"sync/atomic"
	"time"
)

// Counted wraps a connection and counts the bytes moved in each direction.
type Counted struct {
	io.ReadWriteCloser
	in  atomic.Uint64
	out atomic.Uint64
}

// Count wraps rw.
func Count(rw io.ReadWriteCloser) *Counted {
	return &Counted{ReadWriteCloser: rw}
}

func (c *Counted) Read(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Read(p)
	c.in.Add(uint64(n))
	return n, err
}

func (c *Counted) Write(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Write(p)
	c.out.Add(uint64(n))
	return n, err
}

// SetWriteDeadline forwards to the wrapped connection when it supports
// write deadlines.
func (c *Counted) SetWriteDeadline(t time.Time) error {
	if d, ok := c.ReadWriteCloser.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

// Bytes returns the bytes read and written so far.
func (c *Counted) Bytes() (in, out uint64) {
	return c.in.Load(), c.out.Load()
}
