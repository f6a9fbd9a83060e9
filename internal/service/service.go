// Package service ties the registry, monitor and mutation gateway together
// behind one caller-facing surface.
package service

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/history"
	"github.com/loykin/livesync/internal/monitor"
	"github.com/loykin/livesync/internal/mutation"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/registry"
)

// ConnectionStatus is the monitor status plus the number of live listeners.
type ConnectionStatus struct {
	IsConnected         bool `json:"isConnected" yaml:"is_connected"`
	ConsecutiveFailures int  `json:"consecutiveFailures" yaml:"consecutive_failures"`
	HeartbeatActive     bool `json:"heartbeatActive" yaml:"heartbeat_active"`
	ActiveListenerCount int  `json:"activeListenerCount" yaml:"active_listener_count"`
}

// Options configures a Service.
type Options struct {
	Monitor      monitor.Config
	Logger       *slog.Logger
	HistorySinks []history.Sink
	// CloseStore makes Close also close the provider.
	CloseStore bool
}

// Service is the real-time subscription manager.
type Service struct {
	store    docstore.Provider
	reg      *registry.Registry
	mon      *monitor.Monitor
	writes   *mutation.Gateway
	logger   *slog.Logger
	closeSt  bool
	closeMu  sync.Mutex
	isClosed bool
}

// New wires a service over store. The heartbeat is not running until Start.
func New(store docstore.Provider, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.New(store, logger)
	mon := monitor.New(opts.Monitor, store, reg, logger)
	if len(opts.HistorySinks) > 0 {
		reg.SetHistorySinks(opts.HistorySinks...)
		mon.SetHistorySinks(opts.HistorySinks...)
	}
	return &Service{
		store:   store,
		reg:     reg,
		mon:     mon,
		writes:  mutation.New(store, logger),
		logger:  logger,
		closeSt: opts.CloseStore,
	}
}

// Start runs the startup probe and schedules the heartbeat. It reports the
// initial connectivity.
func (s *Service) Start(ctx context.Context) bool { return s.mon.Start(ctx) }

// StartListener subscribes to collection. See registry.Registry.Start.
func (s *Service) StartListener(ctx context.Context, collection string, opts query.Options, cb registry.Callback, onErr registry.ErrorCallback, id string) (string, error) {
	return s.reg.Start(ctx, collection, opts, cb, onErr, id)
}

// StartListenerExclusive is StartListener without replacing an existing id.
// The returned stop function only removes the listener this call created.
func (s *Service) StartListenerExclusive(ctx context.Context, collection string, opts query.Options, cb registry.Callback, onErr registry.ErrorCallback, id string) (string, func() bool, error) {
	return s.reg.StartExclusive(ctx, collection, opts, cb, onErr, id)
}

// StopListener cancels one listener and reports whether it existed.
func (s *Service) StopListener(id string) bool { return s.reg.Stop(id) }

// StopAll halts the heartbeat, then cancels every listener. A tick in flight
// cannot revive a listener afterwards.
func (s *Service) StopAll() {
	s.mon.Stop()
	s.reg.StopAll()
}

func (s *Service) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	return s.writes.Add(ctx, collection, data)
}

func (s *Service) Update(ctx context.Context, collection, id string, data map[string]any) error {
	return s.writes.Update(ctx, collection, id, data)
}

func (s *Service) Remove(ctx context.Context, collection, id string) error {
	return s.writes.Remove(ctx, collection, id)
}

// GetConnectionStatus snapshots the connection state.
func (s *Service) GetConnectionStatus() ConnectionStatus {
	st := s.mon.Status()
	return ConnectionStatus{
		IsConnected:         st.IsConnected,
		ConsecutiveFailures: st.ConsecutiveFailures,
		HeartbeatActive:     st.HeartbeatActive,
		ActiveListenerCount: s.reg.Count(),
	}
}

// GetActiveListeners lists listeners sorted by id.
func (s *Service) GetActiveListeners() []registry.Info { return s.reg.Active() }

// GetListener returns one listener.
func (s *Service) GetListener(id string) (registry.Info, bool) { return s.reg.Get(id) }

// Reconnect forces a probe and, on success, restarts every listener.
func (s *Service) Reconnect(ctx context.Context) bool { return s.mon.Reconnect(ctx) }

// OnStateChange registers a connectivity transition hook.
func (s *Service) OnStateChange(fn func(old, new monitor.State)) { s.mon.OnStateChange(fn) }

// MonitorConfig returns the effective heartbeat configuration.
func (s *Service) MonitorConfig() monitor.Config { return s.mon.Config() }

// Close stops everything. The store is closed too when CloseStore was set.
// Close is idempotent.
func (s *Service) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.isClosed {
		return nil
	}
	s.isClosed = true
	s.StopAll()
	s.logger.Info("service closed")
	if s.closeSt {
		return s.store.Close()
	}
	return nil
}
