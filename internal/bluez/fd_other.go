//go:build !unix

package bluez

import "rfcomm-monitor/internal/stream"

// NewTransport is not available without Unix file descriptors.
func NewTransport(fd int, name string) (stream.Transport, error) {
	return nil, ErrNotSupported
}
