//go:build !linux

package bluez

import (
	"context"

	"github.com/google/uuid"
)

// New returns a manager whose methods all fail with ErrNotSupported.
func New() Mgr {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) StartServer(context.Context, ServerOptions) error { return ErrNotSupported }

func (unsupported) Accept(context.Context) (int, Device, error) {
	return 0, Device{}, ErrNotSupported
}

func (unsupported) Scan(context.Context, uuid.UUID) ([]Device, error) { return nil, ErrNotSupported }

func (unsupported) StopDiscovery(context.Context, string) error { return ErrNotSupported }

func (unsupported) Connect(context.Context, Device, uuid.UUID) (int, error) {
	return 0, ErrNotSupported
}

func (unsupported) Close() error { return nil }
