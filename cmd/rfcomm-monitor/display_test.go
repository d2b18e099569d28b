//go:build linux

package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"rfcomm-monitor/internal/config"
)

func TestDisplayLive(t *testing.T) {
	var out bytes.Buffer
	d := NewDisplay(&out, 100, true, nil)
	d.Record("OK")
	d.Record("ABC")
	assert.Equal(t, "OK\nABC\n", out.String())
	assert.Equal(t, "OK\nABC\n", d.Text())
	assert.Equal(t, 7, d.Len())
}

func TestDisplayTrimsHistory(t *testing.T) {
	var out bytes.Buffer
	d := NewDisplay(&out, 8, false, nil)
	d.Record("first")
	d.Record("second")

	assert.Empty(t, out.String())
	assert.Equal(t, "\nsecond\n", d.Text())
	assert.Equal(t, 8, d.Len())

	d.Clear()
	assert.Zero(t, d.Len())
}

func TestDisplayTrimsWholeCharacters(t *testing.T) {
	var out bytes.Buffer
	d := NewDisplay(&out, 2, false, nil)
	d.Record("\uFFFD\uFFFD")

	text := d.Text()
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, "\uFFFD\n", text)
	assert.Equal(t, 2, d.Len())

	d.Record("ab\uFFFD")
	assert.Equal(t, "\uFFFD\n", d.Text())
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestDisplayLogsWriteErrorOnce(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	w := &failingWriter{}
	d := NewDisplay(w, 100, true, logger)

	d.Record("one")
	d.Record("two")

	assert.Equal(t, 2, w.writes)
	assert.Equal(t, 1, strings.Count(logs.String(), "write record"))
	assert.Contains(t, logs.String(), "broken pipe")
	assert.Equal(t, "one\ntwo\n", d.Text())
}

func TestMonitorFlagsOverride(t *testing.T) {
	f := newMonitorFlags()
	err := f.set.Parse([]string{"--device", "00:11:22:33:44:55", "--transport", "socket", "--channel", "4", "--no-reconnect"})
	assert.NoError(t, err)

	cfg := config.Default()
	f.apply(&cfg)
	assert.Equal(t, "00:11:22:33:44:55", cfg.Device)
	assert.EqualValues(t, "socket", cfg.Transport)
	assert.EqualValues(t, 4, cfg.Channel)
	assert.False(t, cfg.Reconnect.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLogOutput(t *testing.T) {
	out := logOutput(config.LogFileConfig{})
	assert.NoError(t, out.Close())

	path := filepath.Join(t.TempDir(), "monitor.log")
	out = logOutput(config.LogFileConfig{Path: path, MaxSizeMB: 1})
	_, err := io.WriteString(out, "hello\n")
	assert.NoError(t, err)
	assert.NoError(t, out.Close())
	assert.FileExists(t, path)
}
