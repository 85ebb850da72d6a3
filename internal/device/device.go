// Package device opens the byte stream that connects the host to the
// microcontroller and locates the adapter it is attached to.
package device

import "io"

// Port is a full-duplex byte stream to the controller.
// Read returning (0, nil) or an error means the link is gone.
type Port interface {
	io.ReadWriteCloser
}

// Drainer is implemented by ports that can block until every written byte
// has left the transmit buffer.
type Drainer interface {
	Drain() error
}

// Drain flushes p if it supports it and is a no-op otherwise.
func Drain(p io.Writer) error {
	if d, ok := p.(Drainer); ok {
		return d.Drain()
	}
	return nil
}
