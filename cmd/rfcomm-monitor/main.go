//go:build linux
//
// rfcomm-monitor prints newline-terminated text records streamed by a
// Bluetooth serial device (Linux only).
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - RegisterProfile usually needs root: run with `sudo` if needed.
//
// Modes
// 1) Monitor a device (default):
//     sudo rfcomm-monitor monitor --device AA:BB:CC:DD:EE:FF
//     sudo rfcomm-monitor --config /etc/rfcomm-monitor.yaml
//   Records are printed to stdout as they arrive. Signals drive the session:
//     SIGINT/SIGTERM  disconnect and exit
//     SIGUSR1         pause (disconnect, keep running)
//     SIGUSR2         resume (connect again)
//     SIGHUP          clear the retained history
//   A lost stream is reconnected with backoff unless --no-reconnect is set.
//   A failed first connect ends the session.
//
// 2) Scan for devices advertising the service:
//     rfcomm-monitor scan --timeout 15s
//
// 3) Serve (emulate a sensor): accept one connection and copy stdin to it:
//     sudo rfcomm-monitor serve --name VibrationSensor < samples.txt
//
// Notes
// - With --transport socket the RFCOMM channel is dialed directly and
//   --channel must match the device; no SDP lookup is done.
// - WSL is generally unsupported unless you pass through a USB BT adapter and run bluetoothd in WSL2.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"rfcomm-monitor/internal/bluez"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	mode := "monitor"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode, args = args[0], args[1:]
	}
	switch strings.ToLower(mode) {
	case "monitor":
		return runMonitor(args)
	case "scan":
		return runScan(args)
	case "serve", "server":
		return runServe(args)
	default:
		return fmt.Errorf("unknown mode: %s (want monitor, scan or serve)", mode)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// signalContext is canceled on SIGINT/SIGTERM or after timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func parseService(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid service uuid %q: %w", s, err)
	}
	return u, nil
}

func runScan(args []string) error {
	flags := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	timeout := flags.Duration("timeout", 15*time.Second, "how long to collect discovery results")
	service := flags.String("uuid", bluez.SPPUUID.String(), "service UUID the devices must advertise")
	if err := flags.Parse(args); err != nil {
		return err
	}
	svc, err := parseService(*service)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(*timeout)
	defer cancel()

	m := bluez.New()
	defer m.Close()

	devs, err := m.Scan(ctx, svc)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devs) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for i, d := range devs {
		fmt.Printf("[%d] Path=%s MAC=%s Name=%s Alias=%s\n", i, d.Path, d.MAC, d.Name, d.Alias)
	}
	return nil
}

func runServe(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	name := flags.String("name", "VibrationSensor", "service name registered with SDP")
	service := flags.String("uuid", bluez.SPPUUID.String(), "service UUID to register")
	timeout := flags.Duration("timeout", 2*time.Minute, "how long to wait for a connection")
	logLevel := flags.String("log-level", "info", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	logger := newLogger(level)
	svc, err := parseService(*service)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(*timeout)
	defer cancel()

	m := bluez.New()
	defer m.Close()

	if err := m.StartServer(ctx, bluez.ServerOptions{ServiceName: *name, Service: svc}); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("server registered", "name", *name, "service", svc.String(), "channel", bluez.DefaultRFCOMMChannel)

	fd, peer, err := m.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	conn := os.NewFile(uintptr(fd), "rfcomm:"+peer.MAC)
	defer conn.Close()
	logger.Info("accepted", "peer", peer.MAC, "path", peer.Path, "fd", strconv.Itoa(fd))

	n, err := io.Copy(conn, bufio.NewReader(os.Stdin))
	logger.Info("input exhausted", "bytes", n)
	return err
}
