// Package connmgr owns the connection to one remote device: it dials the
// transport, runs the read session for the connected period and tears both
// down in order.
//
// Thread-safety: all methods are safe for concurrent use. Connect and
// Disconnect never block the caller; requests are queued and executed one at
// a time by a single goroutine, so a disconnect issued while a connect is in
// flight runs after it.
package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rfcomm-monitor/internal/frame"
	"rfcomm-monitor/internal/stream"
)

const (
	// DefaultConnectTimeout bounds a single dial.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultMaxRetainedChars is the display-side history cap handed to the
	// collaborator.
	DefaultMaxRetainedChars = 50000
)

var (
	// ErrConnectFailed reports a failed connect attempt. It wraps the dial
	// or session start error.
	ErrConnectFailed = errors.New("connmgr: connect failed")

	// ErrInvalidState reports an operation the current state forbids, such as
	// any request after Close. It also matches frame.ErrInvalidState.
	ErrInvalidState error = invalidStateError{}
)

type invalidStateError struct{}

func (invalidStateError) Error() string { return "connmgr: invalid state" }

func (invalidStateError) Is(target error) bool { return target == frame.ErrInvalidState }

// State is the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting

	// StateClosed is terminal; the manager accepts no further requests.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Status is delivered on every state transition. Err is set when the
// transition was caused by a failure (ErrConnectFailed, stream.ErrStreamIO).
type Status struct {
	State State
	Err   error
}

// Result completes a Connect or Disconnect request.
type Result struct {
	// State after the request was handled.
	State State
	// Err is nil on success and on no-op requests.
	Err error
}

// Dialer opens the transport to a remote device.
type Dialer interface {
	// CancelDiscovery stops any device discovery on the local adapter.
	// Discovery slows down or breaks RFCOMM connection setup, so it is
	// called before every Dial. Errors are logged and otherwise ignored.
	CancelDiscovery(ctx context.Context) error

	// Dial connects to the service identified by service on the remote
	// device. The returned transport is owned by the manager until it is
	// closed on disconnect. Errors wrapping ctx.Err() may be returned.
	Dial(ctx context.Context, remote string, service uuid.UUID) (stream.Transport, error)
}

// Config wires a Manager to its collaborator.
type Config struct {
	// OnRecord receives every decoded record in order. It is called from the
	// read session goroutine and must not call back into the manager
	// synchronously.
	OnRecord func(text string)

	// OnStatus is called on every state transition from the manager
	// goroutine.
	OnStatus func(Status)

	// OnSessionEnd is called once for each completed user-initiated
	// disconnect. The collaborator should end the session instead of
	// reconnecting.
	OnSessionEnd func()

	ConnectTimeout time.Duration

	// ChunkSize and PollInterval are passed to the read session.
	ChunkSize    int
	PollInterval time.Duration

	// MaxRetainedChars is not interpreted by the manager; it is carried for
	// the collaborator's display.
	MaxRetainedChars int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MaxRetainedChars <= 0 {
		c.MaxRetainedChars = DefaultMaxRetainedChars
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}
