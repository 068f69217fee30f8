package device

import (
	"errors"
	"io"

	"github.com/slackhq/vringh"
)

// Chain is the descriptor chain currently handled by a [Handler]. It reads
// from the readable buffers and writes into the writable buffers of the chain.
// A Chain is only valid during the Handle call it was passed to.
type Chain struct {
	// Head is the index of the first descriptor of the chain.
	Head uint16

	riov, wiov *vringh.IOV
	pull       func(riov *vringh.IOV, dst []byte) (int, error)
	push       func(wiov *vringh.IOV, src []byte) (int, error)
}

// Read implements [io.Reader] over the readable buffers of the chain.
func (c *Chain) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.pull(c.riov, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements [io.Writer] over the writable buffers of the chain. When
// they are full, it returns [io.ErrShortWrite] and the number of bytes that
// still fit.
func (c *Chain) Write(p []byte) (int, error) {
	n, err := c.push(c.wiov, p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Readable returns the number of bytes left to read.
func (c *Chain) Readable() int {
	return c.riov.Remaining()
}

// Writable returns the number of bytes that can still be written.
func (c *Chain) Writable() int {
	return c.wiov.Remaining()
}

// Handler processes descriptor chains. It returns the number of bytes written
// into the chain, which is reported to the driver.
type Handler interface {
	Handle(c *Chain) (uint32, error)
}

// HandlerFunc adapts a function to a [Handler].
type HandlerFunc func(c *Chain) (uint32, error)

func (f HandlerFunc) Handle(c *Chain) (uint32, error) {
	return f(c)
}

// Echo is a [Handler] that copies the readable bytes of a chain into its
// writable buffers. Bytes that do not fit are dropped. It is not safe for
// concurrent use.
type Echo struct {
	buf []byte
}

// NewEcho returns an [Echo] that copies through a buffer of bufSize bytes.
func NewEcho(bufSize int) *Echo {
	return &Echo{buf: make([]byte, max(bufSize, 1))}
}

func (e *Echo) Handle(c *Chain) (uint32, error) {
	var written uint32
	for {
		n, err := c.Read(e.buf)
		if n > 0 {
			w, werr := c.Write(e.buf[:n])
			written += uint32(w)
			if errors.Is(werr, io.ErrShortWrite) {
				return written, nil
			}
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
