// Package bluez prepares RFCOMM file descriptors through the BlueZ D-Bus API
// and adapts them into read transports.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Callers must serialize StartServer, Accept, Scan, StopDiscovery and
// Connect. Close is safe to call concurrently and is idempotent.
package bluez

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22

	// DefaultAdapter is the adapter used to build device paths from MAC addresses.
	DefaultAdapter = "hci0"
)

// SPPUUID is the Serial Port Profile UUID, the service most serial sensors
// advertise.
var SPPUUID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")

// ErrNotSupported is returned on platforms without BlueZ.
var ErrNotSupported = errors.New("bluez: not supported on this platform")

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path  string // required: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string // optional: Bluetooth device address
	Name  string // optional: Device1.Name
	Alias string // optional: Device1.Alias
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
	// Service is the UUID to register. Zero means SPPUUID.
	Service uuid.UUID
}

// Mgr is the single public interface for discovery and connections.
// Responsibilities end at preparing FDs for the caller; reconnect policy
// belongs to the caller.
type Mgr interface {
	// StartServer registers a profile with Role="server".
	// After a successful call, use Accept to wait for exactly one incoming connection.
	// State/usage constraints:
	//   - Must be called before Accept; calling Accept without a prior StartServer returns an error.
	//   - Calling StartServer more than once returns an error.
	//   - A Mgr instance is single-role: if Connect has been used on this instance,
	//     StartServer returns an error (and vice versa).
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until a connection is established or ctx is canceled.
	// It returns the peer device information and a Unix file descriptor (FD) that the caller owns.
	//   - Accept may be called at most once. Later incoming connections are rejected
	//     and their FDs closed.
	//   - If called before StartServer or after Close, returns an error.
	Accept(ctx context.Context) (fd int, remote Device, err error)

	// Scan discovers nearby devices advertising service and returns a snapshot list,
	// collected until ctx is done.
	//   - Each returned Device has a non-empty Path.
	//   - After Close returns an error.
	Scan(ctx context.Context, service uuid.UUID) ([]Device, error)

	// StopDiscovery stops device discovery on the named adapter, or on every
	// adapter when adapter is empty.
	StopDiscovery(ctx context.Context, adapter string) error

	// Connect initiates an outgoing connection to service on the given device.
	// A client-side profile (Role="client") is registered once per service.
	// If pairing is required, a pre-registered BlueZ Agent (external to this package) must handle it.
	// The returned FD is owned by the caller.
	//   - dev.Path must be non-empty.
	//   - Connect may be called again after a previous FD was closed; calls
	//     must not overlap.
	//   - Errors wrapping context.Canceled or context.DeadlineExceeded may be returned.
	Connect(ctx context.Context, dev Device, service uuid.UUID) (fd int, err error)

	// Close releases resources held by the manager (e.g., D-Bus objects, signal subscriptions).
	//   - Safe for concurrent use; redundant calls are allowed (idempotent).
	//   - After Close, all other methods return an error.
	Close() error
}
