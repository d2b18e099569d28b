package bluez

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"rfcomm-monitor/internal/stream"
)

// Dialer connects to remote devices through a Mgr. Remote identifiers are
// MAC addresses or Device1 object paths.
type Dialer struct {
	Mgr     Mgr
	Adapter string
	Logger  *slog.Logger
}

// CancelDiscovery stops discovery on the dialer's adapter.
func (d *Dialer) CancelDiscovery(ctx context.Context) error {
	return d.Mgr.StopDiscovery(ctx, d.Adapter)
}

// Dial asks BlueZ to connect service on remote and wraps the resulting FD.
func (d *Dialer) Dial(ctx context.Context, remote string, service uuid.UUID) (stream.Transport, error) {
	dev, err := ResolveDevice(d.Adapter, remote)
	if err != nil {
		return nil, err
	}
	fd, err := d.Mgr.Connect(ctx, dev, service)
	if err != nil {
		return nil, err
	}
	if d.Logger != nil {
		d.Logger.Debug("rfcomm fd ready", "path", dev.Path, "fd", fd)
	}
	return NewTransport(fd, "rfcomm:"+dev.MAC)
}
