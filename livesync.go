package livesync

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/livesync/internal/config"
	"github.com/loykin/livesync/internal/docstore"
	storefactory "github.com/loykin/livesync/internal/docstore/factory"
	"github.com/loykin/livesync/internal/docstore/memory"
	"github.com/loykin/livesync/internal/docstore/sqlstore"
	"github.com/loykin/livesync/internal/history"
	historyfactory "github.com/loykin/livesync/internal/history/factory"
	"github.com/loykin/livesync/internal/metrics"
	"github.com/loykin/livesync/internal/monitor"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/registry"
	iapi "github.com/loykin/livesync/internal/server"
	"github.com/loykin/livesync/internal/service"
	"github.com/loykin/livesync/internal/snapshot"
	tlsconf "github.com/loykin/livesync/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Service = service.Service

type Options = service.Options

type ConnectionStatus = service.ConnectionStatus

type MonitorConfig = monitor.Config

type ConnectionState = monitor.State

type QueryOptions = query.Options

type Clause = query.Clause

type Order = query.Order

type Record = snapshot.Record

type Snapshot = docstore.Snapshot

type Provider = docstore.Provider

type ListenerInfo = registry.Info

type Callback = registry.Callback

type ErrorCallback = registry.ErrorCallback

type DeliveryError = registry.DeliveryError

type HistorySink = history.Sink

type Config = cfg.Config

type Router = iapi.Router

type RouterOption = iapi.Option

type TLSOptions = tlsconf.Options

// Query operators and directions.
const (
	OpEqual            = query.OpEqual
	OpNotEqual         = query.OpNotEqual
	OpLess             = query.OpLess
	OpLessOrEqual      = query.OpLessOrEqual
	OpGreater          = query.OpGreater
	OpGreaterOrEqual   = query.OpGreaterOrEqual
	OpArrayContains    = query.OpArrayContains
	OpArrayContainsAny = query.OpArrayContainsAny
	OpIn               = query.OpIn
	OpNotIn            = query.OpNotIn

	Asc  = query.Asc
	Desc = query.Desc

	StateDisconnected = monitor.StateDisconnected
	StateConnected    = monitor.StateConnected
)

var (
	ErrInvalidQuery = query.ErrInvalidQuery
	ErrNotFound     = docstore.ErrNotFound
	ErrUnavailable  = docstore.ErrUnavailable
)

// New builds a subscription manager over store. Call Start to run the
// startup probe and heartbeat.
func New(store Provider, opts Options) *Service { return service.New(store, opts) }

// NewMemoryStore returns a process-local document store.
func NewMemoryStore() Provider { return memory.New() }

// OpenStore opens a document store by DSN: "memory://", "sqlite://<path>",
// a bare path, or a postgres:// URL.
func OpenStore(dsn string, pollInterval time.Duration, logger *slog.Logger) (Provider, error) {
	return storefactory.NewFromDSN(dsn, sqlstore.Options{PollInterval: pollInterval, Logger: logger})
}

// OpenHistorySinks opens one sink per DSN. On error the sinks opened so far
// are closed.
func OpenHistorySinks(dsns []string) ([]HistorySink, error) {
	sinks := make([]HistorySink, 0, len(dsns))
	for _, dsn := range dsns {
		s, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = CloseHistorySinks(sinks)
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// CloseHistorySinks closes every sink that holds resources.
func CloseHistorySinks(sinks []HistorySink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewLogger builds the service logger described by the [log] section.
func NewLogger(c *Config) *slog.Logger {
	return c.Log.Logger().NewSlogger()
}

// NewRouter returns embeddable HTTP handlers for svc.
func NewRouter(svc *Service, basePath string, opts ...RouterOption) *Router {
	return iapi.NewRouter(svc, basePath, opts...)
}

func WithRouterLogger(l *slog.Logger) RouterOption { return iapi.WithLogger(l) }
func WithRouterMetrics() RouterOption             { return iapi.WithMetrics() }
func WithPingInterval(d time.Duration) RouterOption {
	return iapi.WithPingInterval(d)
}

// NewHTTPServer starts an HTTP server exposing the API of svc.
func NewHTTPServer(addr, basePath string, svc *Service, opts ...RouterOption) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(svc, basePath, opts...))
}

// NewHTTPSServer starts an HTTPS server exposing the API of svc. It falls
// back to plain HTTP when tlsOpts is disabled.
func NewHTTPSServer(addr, basePath string, svc *Service, tlsOpts TLSOptions, opts ...RouterOption) (*http.Server, error) {
	tc, err := tlsconf.Setup(tlsOpts)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return NewHTTPServer(addr, basePath, svc, opts...)
	}
	return iapi.NewTLSServer(addr, tc, iapi.NewRouter(svc, basePath, opts...))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
