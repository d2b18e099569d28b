//go:build linux

package bluez

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"rfcomm-monitor/internal/stream"
)

// fakeMgr hands out one end of a socketpair instead of an RFCOMM socket.
type fakeMgr struct {
	Mgr
	peer       int
	err        error
	gotDev     Device
	gotService uuid.UUID
	stopped    string
}

func (f *fakeMgr) Connect(ctx context.Context, dev Device, service uuid.UUID) (int, error) {
	f.gotDev, f.gotService = dev, service
	if f.err != nil {
		return 0, f.err
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	f.peer = fds[1]
	return fds[0], nil
}

func (f *fakeMgr) StopDiscovery(ctx context.Context, adapter string) error {
	f.stopped = adapter
	return nil
}

func TestDialerWrapsFD(t *testing.T) {
	m := &fakeMgr{}
	d := &Dialer{Mgr: m, Adapter: "hci1"}

	require.NoError(t, d.CancelDiscovery(context.Background()))
	assert.Equal(t, "hci1", m.stopped)

	tr, err := d.Dial(context.Background(), "00:11:22:33:44:55", SPPUUID)
	require.NoError(t, err)
	defer tr.Close()
	defer unix.Close(m.peer)

	assert.Equal(t, "/org/bluez/hci1/dev_00_11_22_33_44_55", m.gotDev.Path)
	assert.Equal(t, SPPUUID, m.gotService)

	_, err = unix.Write(m.peer, []byte("OK\n"))
	require.NoError(t, err)

	records := make(chan string, 1)
	s, err := stream.Start(tr, stream.Options{OnRecord: func(text string) { records <- text }})
	require.NoError(t, err)

	select {
	case got := <-records:
		assert.Equal(t, "OK", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no record read from fd transport")
	}

	// The descriptor is pollable, so Stop interrupts the blocked read.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the read")
	}
	assert.NoError(t, s.Err())
}

func TestDialerErrors(t *testing.T) {
	cause := errors.New("org.bluez.Error.Failed")
	d := &Dialer{Mgr: &fakeMgr{err: cause}}

	_, err := d.Dial(context.Background(), "00:11:22:33:44:55", SPPUUID)
	assert.ErrorIs(t, err, cause)

	_, err = d.Dial(context.Background(), "bogus", SPPUUID)
	assert.Error(t, err)
}

func TestNewTransportInvalidFD(t *testing.T) {
	_, err := NewTransport(-1, "rfcomm")
	assert.ErrorIs(t, err, stream.ErrTransportUnavailable)
}
