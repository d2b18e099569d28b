//go:build !linux

package rfcomm

import (
	"context"

	"rfcomm-monitor/internal/stream"
)

func dial(context.Context, [6]byte, uint8) (stream.Transport, error) {
	return nil, ErrNotSupported
}
