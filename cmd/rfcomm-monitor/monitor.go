//go:build linux

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"rfcomm-monitor/internal/bluez"
	"rfcomm-monitor/internal/config"
	"rfcomm-monitor/internal/connmgr"
	"rfcomm-monitor/internal/lifecycle"
	"rfcomm-monitor/internal/rfcomm"
)

// monitorFlags overlays command-line values on the loaded configuration.
type monitorFlags struct {
	set *pflag.FlagSet

	configPath  string
	device      string
	service     string
	transport   string
	adapter     string
	channel     uint8
	maxChars    int
	logLevel    string
	logFile     string
	noReconnect bool
	quiet       bool
}

func newMonitorFlags() *monitorFlags {
	f := &monitorFlags{set: pflag.NewFlagSet("monitor", pflag.ContinueOnError)}
	f.set.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	f.set.StringVarP(&f.device, "device", "d", "", "remote MAC address or BlueZ object path")
	f.set.StringVar(&f.service, "uuid", "", "service UUID (default: Serial Port Profile)")
	f.set.StringVar(&f.transport, "transport", "", "bluez or socket")
	f.set.StringVar(&f.adapter, "adapter", "", "local adapter, e.g. hci0")
	f.set.Uint8Var(&f.channel, "channel", 0, "RFCOMM channel (socket transport)")
	f.set.IntVar(&f.maxChars, "max-chars", 0, "characters of history to retain")
	f.set.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.set.StringVar(&f.logFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	f.set.BoolVar(&f.noReconnect, "no-reconnect", false, "do not reconnect after a lost stream")
	f.set.BoolVarP(&f.quiet, "quiet", "q", false, "do not print records live; print the retained history on exit")
	return f
}

func (f *monitorFlags) apply(cfg *config.Config) {
	if f.set.Changed("device") {
		cfg.Device = f.device
	}
	if f.set.Changed("uuid") {
		cfg.Service = f.service
	}
	if f.set.Changed("transport") {
		cfg.Transport = config.Transport(f.transport)
	}
	if f.set.Changed("adapter") {
		cfg.Adapter = f.adapter
	}
	if f.set.Changed("channel") {
		cfg.Channel = f.channel
	}
	if f.set.Changed("max-chars") {
		cfg.MaxRetainedChars = f.maxChars
	}
	if f.set.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.set.Changed("log-file") {
		cfg.LogFile.Path = f.logFile
	}
	if f.noReconnect {
		cfg.Reconnect.Enabled = false
	}
}

func runMonitor(args []string) error {
	flags := newMonitorFlags()
	if err := flags.set.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := cfg.SlogLevel()
	service, _ := cfg.ServiceUUID()
	out := logOutput(cfg.LogFile)
	defer out.Close()
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	mgr := bluez.New()
	defer mgr.Close()
	dialer := newDialer(cfg, mgr, logger)

	var display *Display
	ctrl := lifecycle.New(dialer, connmgr.Config{
		OnRecord:         func(text string) { display.Record(text) },
		ConnectTimeout:   cfg.ConnectTimeout,
		ChunkSize:        cfg.Read.ChunkSize,
		PollInterval:     cfg.Read.PollInterval,
		MaxRetainedChars: cfg.MaxRetainedChars,
		Logger:           logger,
	}, lifecycle.Options{
		Remote:       cfg.Device,
		Service:      service,
		Reconnect:    cfg.Reconnect.Enabled,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Jitter:       cfg.Reconnect.Jitter,
		OnStatus: func(s connmgr.Status) {
			if s.Err != nil {
				logger.Warn("status", "state", s.State.String(), "error", s.Err)
				return
			}
			logger.Info("status", "state", s.State.String())
		},
		Logger: logger,
	})
	defer ctrl.Close()
	display = NewDisplay(os.Stdout, ctrl.Manager().Config().MaxRetainedChars, !flags.quiet, logger)

	sig := make(chan os.Signal, 4)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sig)

	logger.Info("connecting", "device", cfg.Device, "service", service.String(), "transport", string(cfg.Transport))
	ctrl.Resume()

	for {
		select {
		case <-ctrl.Done():
			if flags.quiet {
				fmt.Print(display.Text())
			}
			logger.Info("session ended", "retained_chars", display.Len())
			if err := ctrl.Err(); err != nil {
				return fmt.Errorf("could not connect to device; check that it is a serial device and the service UUID is correct: %w", err)
			}
			return nil
		case s := <-sig:
			switch s {
			case syscall.SIGUSR1:
				ctrl.Pause()
			case syscall.SIGUSR2:
				ctrl.Resume()
			case syscall.SIGHUP:
				display.Clear()
			default:
				ctrl.Quit()
			}
		}
	}
}

// logOutput returns stderr, or a rotating file when a path is configured.
func logOutput(c config.LogFileConfig) io.WriteCloser {
	if c.Path == "" {
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func newDialer(cfg config.Config, mgr bluez.Mgr, logger *slog.Logger) connmgr.Dialer {
	if cfg.Transport == config.TransportSocket {
		return &rfcomm.Dialer{
			Channel:   cfg.Channel,
			Discovery: mgr,
			Adapter:   cfg.Adapter,
		}
	}
	return &bluez.Dialer{
		Mgr:     mgr,
		Adapter: cfg.Adapter,
		Logger:  logger,
	}
}
