// Package rfcomm dials RFCOMM channels directly with an AF_BLUETOOTH socket,
// bypassing the BlueZ profile manager. The channel must be known up front;
// there is no SDP lookup.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"rfcomm-monitor/internal/stream"
)

// ErrNotSupported is returned on platforms without Bluetooth sockets.
var ErrNotSupported = errors.New("rfcomm: not supported on this platform")

// DiscoveryCanceller stops device discovery before a dial.
type DiscoveryCanceller interface {
	StopDiscovery(ctx context.Context, adapter string) error
}

// Dialer connects to a fixed RFCOMM channel on the remote device.
type Dialer struct {
	// Channel is the RFCOMM channel (1-30).
	Channel uint8

	// Discovery, when set, is asked to stop discovery on Adapter before
	// every dial.
	Discovery DiscoveryCanceller
	Adapter   string
}

// CancelDiscovery forwards to Discovery when configured.
func (d *Dialer) CancelDiscovery(ctx context.Context) error {
	if d.Discovery == nil {
		return nil
	}
	return d.Discovery.StopDiscovery(ctx, d.Adapter)
}

// Dial connects to remote, a MAC address. The service identifier only
// documents intent; the channel selects the service.
func (d *Dialer) Dial(ctx context.Context, remote string, service uuid.UUID) (stream.Transport, error) {
	if d.Channel < 1 || d.Channel > 30 {
		return nil, fmt.Errorf("rfcomm: invalid channel %d", d.Channel)
	}
	addr, err := ParseAddr(remote)
	if err != nil {
		return nil, err
	}
	return dial(ctx, addr, d.Channel)
}

// ParseAddr parses a MAC address into the little-endian byte order the
// kernel expects in a Bluetooth socket address.
func ParseAddr(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != len(out) {
		return out, fmt.Errorf("rfcomm: invalid device address %q", s)
	}
	for i := range out {
		out[i] = hw[len(hw)-1-i]
	}
	return out, nil
}
