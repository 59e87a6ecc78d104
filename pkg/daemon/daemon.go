// Package daemon implements the ipprovd daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/psaab/ipprov/pkg/api"
	"github.com/psaab/ipprov/pkg/config"
	"github.com/psaab/ipprov/pkg/logging"
	"github.com/psaab/ipprov/pkg/session"
	"github.com/psaab/ipprov/pkg/timer"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	APIAddr    string // overrides the config file listen address when set
	Debug      bool
}

// Daemon is the main ipprov daemon.
type Daemon struct {
	opts    Options
	conf    *config.Config
	events  *logging.EventBuffer
	handler *logging.TeeSlogHandler
	mgr     *session.Manager
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/ipprov/ipprov.conf"
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	conf, err := config.Read(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.conf = conf
	if d.opts.APIAddr != "" {
		conf.APIListen = d.opts.APIAddr
	}

	d.events = logging.NewEventBuffer(conf.EventBufferSize)
	d.handler = logging.NewTeeSlogHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: d.logLevel()}),
		d.events)
	defer d.handler.Close()
	log := slog.New(d.handler)
	slog.SetDefault(log)

	log.Info("starting ipprov daemon",
		"config", d.opts.ConfigFile,
		"interfaces", len(conf.Interfaces),
		"pid", os.Getpid())

	d.applySyslogConfig()

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	d.mgr = session.NewManager(conf, timer.Real(), session.LogCallbacks{Log: log}, log)
	if err := d.mgr.StartAll(); err != nil {
		return fmt.Errorf("start sessions: %w", err)
	}
	defer d.mgr.Shutdown()

	srv := api.NewServer(api.Config{
		Addr:     conf.APIListen,
		Sessions: d.mgr,
		EventBuf: d.events,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("API server: %w", err)
		}
	case <-ctx.Done():
		log.Info("signal received, shutting down")
		<-errCh
	}

	log.Info("shutdown complete")
	return runErr
}

// logLevel resolves the effective slog level from flags and config.
func (d *Daemon) logLevel() slog.Level {
	if d.opts.Debug {
		return slog.LevelDebug
	}
	switch d.conf.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applySyslogConfig constructs syslog clients from the config and hands
// them to the tee handler.
func (d *Daemon) applySyslogConfig() {
	if len(d.conf.Syslog) == 0 {
		return
	}
	var clients []*logging.SyslogClient
	for _, srv := range d.conf.Syslog {
		client, err := logging.NewSyslogClient(srv.Host, srv.Port)
		if err != nil {
			slog.Warn("failed to create syslog client",
				"host", srv.Host, "port", srv.Port, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(srv.Severity)
		slog.Info("syslog server configured",
			"host", srv.Host, "port", srv.Port, "severity", srv.Severity)
		clients = append(clients, client)
	}
	if len(clients) > 0 {
		d.handler.SetClients(clients)
	}
}
