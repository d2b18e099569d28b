// Package stream runs the read loop of one connected period: it pulls bytes
// from a transport, frames them into records and hands each record to a
// callback.
//
// The loop uses a blocking read bounded by a read deadline. Stop wakes the
// read by moving the deadline into the past and then waits for the loop to
// exit, so the caller may close the transport as soon as Stop returns.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rfcomm-monitor/internal/frame"
)

const (
	// DefaultChunkSize is the size of the per-read working buffer.
	DefaultChunkSize = 1024

	// DefaultPollInterval bounds how long a single read may block before the
	// loop checks for cancellation again.
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrTransportUnavailable is returned by Start when there is nothing to
	// read from.
	ErrTransportUnavailable = errors.New("stream: transport unavailable")

	// ErrStreamIO wraps the read error that ended a session.
	ErrStreamIO = errors.New("stream: read failed")
)

// Transport is the byte stream a session reads from. *os.File on a pollable
// descriptor and net.Conn both satisfy it.
type Transport interface {
	io.ReadCloser
	SetReadDeadline(t time.Time) error
}

// Options configures a session.
type Options struct {
	// OnRecord receives every decoded record, in arrival order, on the
	// session goroutine.
	OnRecord func(text string)

	ChunkSize    int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Session is the handle of a running read loop.
type Session struct {
	id     string
	t      Transport
	opts   Options
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce  sync.Once
	err       error
	bytesRead atomic.Int64
	records   atomic.Int64
}

// Start launches the read loop on t. The session does not own t: closing
// the transport stays with the caller, after Stop has returned.
func Start(t Transport, opts Options) (*Session, error) {
	if t == nil {
		return nil, ErrTransportUnavailable
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		t:      t,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.log = logger.With("session_id", s.id)

	go s.run(ctx)
	s.log.Debug("read session started", "chunk_size", opts.ChunkSize, "poll_interval", opts.PollInterval)
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Done is closed once the read loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the loop ended. It is nil while running and after a clean
// Stop; otherwise it wraps ErrStreamIO.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// BytesRead returns the number of bytes consumed from the transport.
func (s *Session) BytesRead() int64 { return s.bytesRead.Load() }

// Records returns the number of records delivered.
func (s *Session) Records() int64 { return s.records.Load() }

// Stop cancels the loop and blocks until it has exited. It is safe to call
// more than once and after the loop ended on its own.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		// Wake a read that is blocked until the poll deadline.
		_ = s.t.SetReadDeadline(time.Now())
	})
	<-s.done
}

func (s *Session) run(ctx context.Context) {
	dec := frame.New()
	defer close(s.done)
	defer dec.Close()

	buf := make([]byte, s.opts.ChunkSize)
	for {
		if ctx.Err() != nil {
			s.log.Debug("read session stopped", "bytes_read", s.bytesRead.Load(), "pending", dec.Buffered())
			return
		}
		if err := s.t.SetReadDeadline(time.Now().Add(s.opts.PollInterval)); err != nil {
			s.fail(err)
			return
		}
		n, err := s.t.Read(buf)
		if n > 0 {
			s.bytesRead.Add(int64(n))
			records, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				s.fail(ferr)
				return
			}
			for _, r := range records {
				s.records.Add(1)
				if s.opts.OnRecord != nil {
					s.opts.OnRecord(r)
				}
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		if dec.Buffered() > 0 {
			s.log.Debug("dropping unterminated bytes", "pending", dec.Buffered())
		}
		s.fail(err)
		return
	}
}

func (s *Session) fail(err error) {
	s.err = fmt.Errorf("%w: %w", ErrStreamIO, err)
	s.log.Warn("read session failed", "error", err, "bytes_read", s.bytesRead.Load())
}
