// Package lifecycle drives a connection manager the way a foreground UI
// would: connect on resume, disconnect on pause, end the session on quit.
// A stream lost while running is reconnected with exponential backoff.
package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rfcomm-monitor/internal/connmgr"
	"rfcomm-monitor/internal/stream"
)

// Options configures a Controller.
type Options struct {
	Remote  string
	Service uuid.UUID

	// Reconnect enables automatic reconnection after a lost stream.
	Reconnect    bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64

	// OnStatus, when set, receives every manager status after the
	// controller has acted on it.
	OnStatus func(connmgr.Status)

	Logger *slog.Logger
}

// Controller owns a connmgr.Manager for one session. A session ends on Quit
// or when a connect that was not a reconnect attempt fails.
type Controller struct {
	opts Options
	mgr  *connmgr.Manager
	log  *slog.Logger

	mu           sync.Mutex
	backoff      *Backoff
	timer        *time.Timer
	paused       bool
	reconnecting bool
	ended        bool
	err          error
	done         chan struct{}
}

// New builds the manager from dialer and cfg. cfg.OnStatus and
// cfg.OnSessionEnd are taken over by the controller; use Options.OnStatus
// to observe transitions.
func New(dialer connmgr.Dialer, cfg connmgr.Config, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Controller{
		opts:    opts,
		log:     logger,
		backoff: NewBackoff(opts.InitialDelay, opts.MaxDelay, opts.Jitter),
		done:    make(chan struct{}),
	}
	cfg.OnStatus = c.onStatus
	cfg.OnSessionEnd = func() { c.end(nil) }
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	c.mgr = connmgr.New(dialer, cfg)
	return c
}

// Manager exposes the underlying manager.
func (c *Controller) Manager() *connmgr.Manager { return c.mgr }

// Done is closed when the session has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns why the session ended: nil after Quit, the connect error after
// a failed connect.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Resume connects unless the session has ended.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.paused = false
	c.reconnecting = false
	c.stopTimerLocked()
	c.log.Debug("resumed")
	c.mgr.Connect(c.opts.Remote, c.opts.Service)
}

// Pause disconnects without ending the session.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.paused = true
	c.reconnecting = false
	c.stopTimerLocked()
	c.log.Debug("paused")
	c.mgr.Disconnect(false)
}

// Quit disconnects and ends the session.
func (c *Controller) Quit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.reconnecting = false
	c.mgr.Disconnect(true)
}

// Close releases the manager.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
	return c.mgr.Close()
}

func (c *Controller) onStatus(s connmgr.Status) {
	var failed error
	c.mu.Lock()
	switch {
	case s.State == connmgr.StateConnected:
		c.backoff.Reset()
		c.reconnecting = false
	case s.State == connmgr.StateDisconnected && errors.Is(s.Err, stream.ErrStreamIO):
		if c.opts.Reconnect && !c.paused && !c.ended {
			c.reconnecting = true
			c.scheduleLocked()
		} else {
			c.log.Info("stream lost", "error", s.Err)
		}
	case s.State == connmgr.StateDisconnected && errors.Is(s.Err, connmgr.ErrConnectFailed):
		if c.reconnecting && !c.paused && !c.ended {
			c.scheduleLocked()
		} else if !c.paused {
			failed = s.Err
		}
	}
	c.mu.Unlock()

	if failed != nil {
		c.log.Error("could not connect to device", "remote", c.opts.Remote, "service", c.opts.Service.String(), "error", failed)
		c.end(failed)
	}
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Controller) scheduleLocked() {
	c.stopTimerLocked()
	delay := c.backoff.Next()
	c.log.Info("reconnecting", "attempt", c.backoff.Attempts(), "delay", delay)
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.ended || c.paused || !c.reconnecting {
			return
		}
		c.mgr.Connect(c.opts.Remote, c.opts.Service)
	})
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	c.reconnecting = false
	c.stopTimerLocked()
	close(c.done)
}
