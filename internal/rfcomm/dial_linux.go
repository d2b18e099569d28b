//go:build linux

package rfcomm

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"rfcomm-monitor/internal/stream"
)

// connectPoll bounds each poll(2) wait so ctx is rechecked regularly.
const connectPoll = 100 * time.Millisecond

func dial(ctx context.Context, addr [6]byte, channel uint8) (stream.Transport, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm: socket: %w", err)
	}

	if err := connect(ctx, fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%x/%d", addr, channel))
	if f == nil {
		_ = unix.Close(fd)
		return nil, stream.ErrTransportUnavailable
	}
	return f, nil
}

// connect runs a non-blocking connect(2) and waits for completion while
// honoring ctx.
func connect(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
	default:
		return fmt.Errorf("rfcomm: connect: %w", err)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rfcomm: connect canceled: %w", err)
		}
		n, err := unix.Poll(pfd, int(connectPoll/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("rfcomm: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("rfcomm: getsockopt: %w", err)
		}
		if soErr != 0 {
			return fmt.Errorf("rfcomm: connect: %w", unix.Errno(soErr))
		}
		return nil
	}
}
