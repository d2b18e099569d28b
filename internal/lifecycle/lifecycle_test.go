package lifecycle

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rfcomm-monitor/internal/connmgr"
	"rfcomm-monitor/internal/stream"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Zero(t, b.Attempts())
	assert.Equal(t, InitialBackoff, b.Current())
}

func TestBackoffJitter(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, JitterFactor)
	for range 20 {
		b.Reset()
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

// flakyDialer connects through net.Pipe unless failing is set.
type flakyDialer struct {
	mu      sync.Mutex
	peers   []net.Conn
	failing atomic.Bool
	dials   atomic.Int32
}

func (d *flakyDialer) CancelDiscovery(context.Context) error { return nil }

func (d *flakyDialer) Dial(_ context.Context, _ string, _ uuid.UUID) (stream.Transport, error) {
	d.dials.Add(1)
	if d.failing.Load() {
		return nil, errors.New("page timeout")
	}
	local, peer := net.Pipe()
	d.mu.Lock()
	d.peers = append(d.peers, peer)
	d.mu.Unlock()
	return local, nil
}

func (d *flakyDialer) dropLast(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.peers)
	require.NoError(t, d.peers[len(d.peers)-1].Close())
}

func newController(t *testing.T, d connmgr.Dialer, reconnect bool) *Controller {
	t.Helper()
	c := New(d, connmgr.Config{PollInterval: 10 * time.Millisecond}, Options{
		Remote:       "00:11:22:33:44:55",
		Service:      uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb"),
		Reconnect:    reconnect,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitState(t *testing.T, c *Controller, want connmgr.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Manager().State() == want
	}, 3*time.Second, 5*time.Millisecond, "state %s", want)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestResumeThenQuit(t *testing.T) {
	c := newController(t, &flakyDialer{}, true)

	c.Resume()
	waitState(t, c, connmgr.StateConnected)

	c.Quit()
	waitDone(t, c)
	assert.NoError(t, c.Err())
	assert.Equal(t, connmgr.StateDisconnected, c.Manager().State())
}

func TestFailedConnectEndsSession(t *testing.T) {
	d := &flakyDialer{}
	d.failing.Store(true)
	c := newController(t, d, true)

	c.Resume()
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), connmgr.ErrConnectFailed)
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestReconnectAfterStreamLoss(t *testing.T) {
	d := &flakyDialer{}
	c := newController(t, d, true)

	c.Resume()
	waitState(t, c, connmgr.StateConnected)

	// Fail a few reconnect attempts before letting one through.
	d.failing.Store(true)
	d.dropLast(t)
	require.Eventually(t, func() bool { return d.dials.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	select {
	case <-c.Done():
		t.Fatal("reconnect failure ended the session")
	default:
	}

	d.failing.Store(false)
	waitState(t, c, connmgr.StateConnected)
	require.Eventually(t, func() bool { return c.backoffAttempts() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPauseStopsReconnect(t *testing.T) {
	d := &flakyDialer{}
	c := newController(t, d, true)

	c.Resume()
	waitState(t, c, connmgr.StateConnected)

	d.failing.Store(true)
	d.dropLast(t)
	require.Eventually(t, func() bool { return d.dials.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)

	c.Pause()
	waitState(t, c, connmgr.StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	dials := d.dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, d.dials.Load())

	d.failing.Store(false)
	c.Resume()
	waitState(t, c, connmgr.StateConnected)
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	d := &flakyDialer{}
	c := newController(t, d, false)

	c.Resume()
	waitState(t, c, connmgr.StateConnected)

	d.dropLast(t)
	waitState(t, c, connmgr.StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, d.dials.Load())

	select {
	case <-c.Done():
		t.Fatal("stream loss ended the session")
	default:
	}
}

func (c *Controller) backoffAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Attempts()
}
