//go:build linux

package main

import (
	"io"
	"log/slog"
	"sync"
)

// Display prints records and keeps the most recent text, trimmed from the
// front once it exceeds the retention limit. The limit counts characters,
// not bytes.
type Display struct {
	mu          sync.Mutex
	w           io.Writer
	live        bool
	max         int
	log         *slog.Logger
	writeFailed bool
	history     []rune
}

// NewDisplay writes records to w when live is set and retains at most
// maxChars characters of history. A nil logger discards write errors.
func NewDisplay(w io.Writer, maxChars int, live bool, logger *slog.Logger) *Display {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Display{w: w, live: live, max: maxChars, log: logger}
}

// Record appends one record as a line.
func (d *Display) Record(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := text + "\n"
	if d.live {
		if _, err := io.WriteString(d.w, line); err != nil && !d.writeFailed {
			d.writeFailed = true
			d.log.Error("write record", "error", err)
		}
	}
	d.history = append(d.history, []rune(line)...)
	if over := len(d.history) - d.max; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

// Clear drops the retained history.
func (d *Display) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = d.history[:0]
}

// Text returns the retained history.
func (d *Display) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.history)
}

// Len returns the number of retained characters.
func (d *Display) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}
