//go:build unix

package bluez

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"rfcomm-monitor/internal/stream"
)

// NewTransport takes ownership of fd and returns it as a pollable file, so
// that read deadlines can interrupt a blocked read.
func NewTransport(fd int, name string) (stream.Transport, error) {
	if fd < 0 {
		return nil, stream.ErrTransportUnavailable
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set non-blocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, stream.ErrTransportUnavailable
	}
	return f, nil
}
