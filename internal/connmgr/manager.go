package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"rfcomm-monitor/internal/stream"
)

type opKind int

const (
	opConnect opKind = iota
	opDisconnect
)

type request struct {
	op            opKind
	remote        string
	service       uuid.UUID
	userInitiated bool
	reply         chan Result
}

// connection is the transport and read session of one connected period.
// Only the run goroutine touches it.
type connection struct {
	remote  string
	service uuid.UUID
	t       stream.Transport
	session *stream.Session
}

// Manager drives the connect/disconnect state machine for one remote device.
type Manager struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	// ctx is canceled by Close and aborts an in-flight dial.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []request
	closed bool
	wake   chan struct{}
	done   chan struct{}

	stateMu sync.RWMutex
	state   State
	session *stream.Session

	conn *connection
}

// New starts a manager in StateDisconnected. Call Close to release it.
func New(dialer Dialer, cfg Config) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}
	go m.run()
	return m
}

// Connect queues a connect to the service on the remote device. It is a
// no-op while connecting or connected. The returned channel receives exactly
// one Result.
func (m *Manager) Connect(remote string, service uuid.UUID) <-chan Result {
	return m.submit(request{op: opConnect, remote: remote, service: service})
}

// Disconnect queues a disconnect. When userInitiated is set, OnSessionEnd
// fires after the connection is down.
func (m *Manager) Disconnect(userInitiated bool) <-chan Result {
	return m.submit(request{op: opDisconnect, userInitiated: userInitiated})
}

// State returns the current state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Session returns the active read session, or nil when not connected.
func (m *Manager) Session() *stream.Session {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.session
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Close disconnects if needed and stops the manager. Queued requests resolve
// with ErrInvalidState. Close must not be called from a callback.
func (m *Manager) Close() error {
	m.mu.Lock()
	first := !m.closed
	m.closed = true
	m.mu.Unlock()
	if first {
		m.cancel()
	}
	<-m.done
	return nil
}

func (m *Manager) submit(req request) <-chan Result {
	req.reply = make(chan Result, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		req.reply <- Result{State: StateClosed, Err: fmt.Errorf("%w: manager closed", ErrInvalidState)}
		return req.reply
	}
	m.queue = append(m.queue, req)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return req.reply
}

func (m *Manager) next() (request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return request{}, false
	}
	req := m.queue[0]
	m.queue[0] = request{}
	m.queue = m.queue[1:]
	return req, true
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		var lost <-chan struct{}
		if m.conn != nil {
			lost = m.conn.session.Done()
		}

		select {
		case <-m.ctx.Done():
			m.shutdown()
			return
		case <-m.wake:
			for m.ctx.Err() == nil {
				req, ok := m.next()
				if !ok {
					break
				}
				req.reply <- m.handle(req)
			}
		case <-lost:
			m.sessionLost()
		}
	}
}

func (m *Manager) handle(req request) Result {
	switch req.op {
	case opConnect:
		return m.connect(req)
	case opDisconnect:
		return m.disconnect(req)
	default:
		return Result{State: m.State(), Err: fmt.Errorf("%w: unknown request %d", ErrInvalidState, req.op)}
	}
}

func (m *Manager) connect(req request) Result {
	if st := m.State(); st == StateConnecting || st == StateConnected {
		m.log.Debug("connect ignored", "state", st)
		return Result{State: st}
	}

	log := m.log.With("remote", req.remote, "service", req.service.String())
	m.setState(StateConnecting, nil)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.dialer.CancelDiscovery(ctx); err != nil {
		log.Debug("cancel discovery failed", "error", err)
	}

	t, err := m.dialer.Dial(ctx, req.remote, req.service)
	if err != nil {
		return m.connectFailed(log, err)
	}

	session, err := stream.Start(t, stream.Options{
		OnRecord:     m.cfg.OnRecord,
		ChunkSize:    m.cfg.ChunkSize,
		PollInterval: m.cfg.PollInterval,
		Logger:       log,
	})
	if err != nil {
		if t != nil {
			_ = t.Close()
		}
		return m.connectFailed(log, err)
	}

	m.conn = &connection{
		remote:  req.remote,
		service: req.service,
		t:       t,
		session: session,
	}
	m.stateMu.Lock()
	m.session = session
	m.stateMu.Unlock()
	m.setState(StateConnected, nil)
	log.Info("connected", "session_id", session.ID())
	return Result{State: StateConnected}
}

func (m *Manager) connectFailed(log *slog.Logger, cause error) Result {
	err := fmt.Errorf("%w: %w", ErrConnectFailed, cause)
	log.Warn("connect failed", "error", cause)
	m.setState(StateDisconnected, err)
	return Result{State: StateDisconnected, Err: err}
}

func (m *Manager) disconnect(req request) Result {
	if m.conn != nil {
		m.teardown(nil)
	}
	if req.userInitiated && m.cfg.OnSessionEnd != nil {
		m.cfg.OnSessionEnd()
	}
	return Result{State: m.State()}
}

// sessionLost handles a read session that ended on its own.
func (m *Manager) sessionLost() {
	err := m.conn.session.Err()
	m.log.Warn("read session ended", "remote", m.conn.remote, "session_id", m.conn.session.ID(), "error", err)
	m.teardown(err)
}

// teardown stops the read session before closing the transport. The read
// loop must have exited before the handle goes away.
func (m *Manager) teardown(cause error) {
	c := m.conn
	m.setState(StateDisconnecting, cause)

	c.session.Stop()
	if err := c.t.Close(); err != nil {
		m.log.Debug("close transport", "remote", c.remote, "error", err)
	}

	m.conn = nil
	m.stateMu.Lock()
	m.session = nil
	m.stateMu.Unlock()
	m.setState(StateDisconnected, cause)
	m.log.Info("disconnected", "remote", c.remote, "bytes_read", c.session.BytesRead(), "records", c.session.Records())
}

func (m *Manager) shutdown() {
	if m.conn != nil {
		m.teardown(nil)
	}
	for {
		req, ok := m.next()
		if !ok {
			break
		}
		req.reply <- Result{State: StateClosed, Err: fmt.Errorf("%w: manager closed", ErrInvalidState)}
	}
	m.setState(StateClosed, nil)
}

func (m *Manager) setState(s State, err error) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(Status{State: s, Err: err})
	}
}
