package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/loykin/livesync"
	"github.com/loykin/livesync/internal/config"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runServe runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, flags *ServeFlags, out io.Writer) error {
	cfg, err := livesync.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logger := livesync.NewLogger(cfg)
	slog.SetDefault(logger)

	var routerOpts []livesync.RouterOption
	routerOpts = append(routerOpts, livesync.WithRouterLogger(logger))
	if cfg.Metrics.Enabled {
		if err := livesync.RegisterMetricsDefault(); err != nil {
			logger.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := livesync.ServeMetrics(cfg.Metrics.Listen); err != nil {
					logger.Error("metrics server stopped", "addr", cfg.Metrics.Listen, "error", err)
				}
			}()
		} else {
			routerOpts = append(routerOpts, livesync.WithRouterMetrics())
		}
	}

	store, err := livesync.OpenStore(cfg.Store.DSN, cfg.Store.PollInterval, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	sinks, err := livesync.OpenHistorySinks(cfg.History.Sinks)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open history sinks: %w", err)
	}
	defer func() { _ = livesync.CloseHistorySinks(sinks) }()

	svc := livesync.New(store, livesync.Options{
		Monitor:      cfg.Monitor,
		Logger:       logger,
		HistorySinks: sinks,
		CloseStore:   true,
	})
	defer func() { _ = svc.Close() }()

	boot := newConfiguredListeners(svc, logger)
	if !svc.Start(ctx) {
		logger.Warn("document store unreachable at startup; configured listeners start on reconnect", "dsn", redactDSN(cfg.Store.DSN))
	}
	boot.start(ctx, cfg.Listeners)

	protocol := "HTTP"
	if cfg.Server.TLS.Enabled {
		protocol = "HTTPS"
	}
	server, err := livesync.NewHTTPSServer(cfg.Server.Listen, cfg.Server.BasePath, svc, cfg.Server.TLS, routerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create %s server: %w", protocol, err)
	}
	_, _ = fmt.Fprintf(out, "Starting livesync %s server on %s%s\n", protocol, cfg.Server.Listen, cfg.Server.BasePath)

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")
	return server.Close()
}

// configuredListeners starts the [[listeners]] declared in config. Their
// snapshots are logged. Listeners that fail to start (typically because the
// store is down at boot) are retried on every transition to connected.
type configuredListeners struct {
	svc    *livesync.Service
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	pending []config.ListenerConfig
}

func newConfiguredListeners(svc *livesync.Service, logger *slog.Logger) *configuredListeners {
	c := &configuredListeners{svc: svc, logger: logger, ctx: context.Background()}
	svc.OnStateChange(func(_, next livesync.ConnectionState) {
		if next == livesync.StateConnected {
			c.retry()
		}
	})
	return c
}

func (c *configuredListeners) start(ctx context.Context, listeners []config.ListenerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.pending = c.startLocked(listeners)
}

func (c *configuredListeners) retry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 || c.ctx.Err() != nil {
		return
	}
	c.logger.Info("retrying configured listeners", "count", len(c.pending))
	c.pending = c.startLocked(c.pending)
}

// pendingCount returns the number of configured listeners not yet started.
func (c *configuredListeners) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *configuredListeners) startLocked(listeners []config.ListenerConfig) []config.ListenerConfig {
	var failed []config.ListenerConfig
	for _, lc := range listeners {
		collection := lc.Collection
		cb := func(recs []livesync.Record, _ livesync.Snapshot) {
			c.logger.Info("listener snapshot", "collection", collection, "documents", len(recs))
		}
		onErr := func(err error) {
			c.logger.Warn("listener error", "collection", collection, "error", err)
		}
		id, err := c.svc.StartListener(c.ctx, collection, lc.Options(), cb, onErr, lc.ID)
		if err != nil {
			if !errors.Is(err, livesync.ErrInvalidQuery) {
				failed = append(failed, lc)
			}
			c.logger.Error("failed to start configured listener", "collection", collection, "id", lc.ID, "error", err)
			continue
		}
		c.logger.Info("configured listener started", "id", id, "collection", collection)
	}
	return failed
}
