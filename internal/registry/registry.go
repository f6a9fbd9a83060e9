// Package registry owns the set of live subscriptions and their store handles.
package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/history"
	"github.com/loykin/livesync/internal/metrics"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/snapshot"
)

var (
	// ErrRegistrationFailed wraps store failures while establishing a subscription.
	ErrRegistrationFailed = errors.New("subscription registration failed")
	// ErrCallbackPanic is reported when a snapshot callback panics.
	ErrCallbackPanic = errors.New("snapshot callback panicked")
	// ErrNilCallback is returned by Start when no snapshot callback is given.
	ErrNilCallback = errors.New("snapshot callback required")
	// ErrIDInUse is returned by StartExclusive when the id is already registered.
	ErrIDInUse = errors.New("subscription id already in use")
)

type registerMode uint8

const (
	modeReplace registerMode = iota
	modeRestart
	modeExclusive
)

// HistoryTimeout bounds one lifecycle event dispatch to the history sinks.
const HistoryTimeout = 2 * time.Second

// Callback receives every delivered snapshot, normalized and raw.
type Callback func(records []snapshot.Record, raw docstore.Snapshot)

// ErrorCallback receives setup and delivery failures.
type ErrorCallback func(err error)

// DeliveryError is passed to the error callback when a live subscription
// fails mid-stream. The subscription stays registered.
type DeliveryError struct {
	SubscriptionID string
	Collection     string
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("subscription %s on %s: %v", e.SubscriptionID, e.Collection, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Info describes a registered subscription.
type Info struct {
	ID         string        `json:"id" yaml:"id"`
	Collection string        `json:"collection" yaml:"collection"`
	Options    query.Options `json:"options" yaml:"options"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	Restarts   int           `json:"restarts" yaml:"restarts"`
}

// Registry is the single source of truth for which subscriptions exist.
type Registry struct {
	mu        sync.RWMutex
	provider  docstore.Provider
	logger    *slog.Logger
	histSinks []history.Sink
	entries   map[string]*entry

	restarting atomic.Bool
	gens       atomic.Uint64
}

type entry struct {
	id         string
	collection string
	opts       query.Options
	q          query.Query
	cb         Callback
	onErr      ErrorCallback
	startedAt  time.Time
	restarts   int
	// gen identifies one Start call and survives restarts.
	gen uint64

	handle docstore.Handle
	// active gates every callback; it is cleared before the handle is cancelled.
	active atomic.Bool
	// deliverMu is held across the active check and the callback.
	deliverMu sync.Mutex
	// deliverer is the goroutine running a callback, 0 when idle.
	deliverer atomic.Uint64
}

// cancel deactivates e, cancels its handle and waits for an in-flight
// callback to return. Called from inside e's own callback it does not wait.
func (e *entry) cancel() {
	e.active.Store(false)
	if e.handle != nil {
		e.handle.Cancel()
	}
	if d := e.deliverer.Load(); d != 0 && d == goroutineID() {
		return
	}
	// wait for a running callback
	e.deliverMu.Lock()
	e.deliverMu.Unlock()
}

// guard runs fn while holding e's delivery lock, provided e is still active.
func (e *entry) guard(fn func()) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if !e.active.Load() {
		return
	}
	e.deliverer.Store(goroutineID())
	defer e.deliverer.Store(0)
	fn()
}

func (e *entry) info() Info {
	return Info{ID: e.id, Collection: e.collection, Options: e.opts.Clone(), StartedAt: e.startedAt, Restarts: e.restarts}
}

// New creates a registry over provider. A nil logger uses slog.Default().
func New(provider docstore.Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		provider: provider,
		logger:   logger.With("component", "registry"),
		entries:  make(map[string]*entry),
	}
}

// SetHistorySinks configures external history sinks (OpenSearch, ClickHouse, etc.).
// Passing nil or no sinks clears the list.
func (r *Registry) SetHistorySinks(sinks ...history.Sink) {
	r.mu.Lock()
	r.histSinks = append([]history.Sink(nil), sinks...)
	r.mu.Unlock()
}

// NewID generates a subscription id of the form
// {collection}_{unixMillis}_{9 lowercase base-36 characters}.
func NewID(collection string) string {
	u := uuid.New()
	s := strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
	if len(s) < 9 {
		s = strings.Repeat("0", 9-len(s)) + s
	}
	return fmt.Sprintf("%s_%d_%s", collection, time.Now().UnixMilli(), s[len(s)-9:])
}

// Start builds the query, registers it with the store and records the entry
// under id (generated when empty). Starting an id that is already registered
// replaces that subscription once the new registration succeeds.
//
// On failure Start returns "" and the error, and also passes the error to
// onErr before returning.
func (r *Registry) Start(ctx context.Context, collection string, opts query.Options, cb Callback, onErr ErrorCallback, id string) (string, error) {
	e, err := r.start(ctx, collection, opts, cb, onErr, id, modeReplace)
	if err != nil {
		return "", err
	}
	return e.id, nil
}

// StartExclusive is Start without replacement: it fails with ErrIDInUse when
// id is already registered. The returned stop function removes the
// subscription only while it is still the one this call registered, so a
// later Start that replaced it is left alone.
func (r *Registry) StartExclusive(ctx context.Context, collection string, opts query.Options, cb Callback, onErr ErrorCallback, id string) (string, func() bool, error) {
	e, err := r.start(ctx, collection, opts, cb, onErr, id, modeExclusive)
	if err != nil {
		return "", nil, err
	}
	return e.id, func() bool { return r.stop(e.id, e.gen) }, nil
}

func (r *Registry) start(ctx context.Context, collection string, opts query.Options, cb Callback, onErr ErrorCallback, id string, mode registerMode) (*entry, error) {
	fail := func(err error) (*entry, error) {
		if onErr != nil {
			onErr(err)
		}
		return nil, err
	}
	if cb == nil {
		return fail(ErrNilCallback)
	}
	q, err := query.Build(collection, opts)
	if err != nil {
		return fail(err)
	}
	if id == "" {
		id = NewID(collection)
	}
	e := &entry{
		id:         id,
		collection: collection,
		opts:       opts.Clone(),
		q:          q,
		cb:         cb,
		onErr:      onErr,
		startedAt:  time.Now().UTC(),
		gen:        r.gens.Add(1),
	}
	if err := r.register(ctx, e, mode); err != nil {
		return fail(err)
	}
	r.logger.Info("subscription started", "id", id, "collection", collection, "query", q.String())
	metrics.IncSubscriptionStart(collection)
	r.emit(history.EventSubscribe, e, nil)
	return e, nil
}

// register subscribes e with the store and installs it. Any entry currently
// stored under the id is paused during the call, then cancelled on success or
// resumed on failure. In restart mode e is installed only if the paused
// entry is still registered, so a concurrent Stop wins. In exclusive mode an
// existing entry makes the call fail with ErrIDInUse.
func (r *Registry) register(ctx context.Context, e *entry, mode registerMode) error {
	r.mu.RLock()
	old := r.entries[e.id]
	r.mu.RUnlock()
	if old != nil && mode == modeExclusive {
		return fmt.Errorf("%w: %s", ErrIDInUse, e.id)
	}
	if old != nil {
		old.active.Store(false)
	}

	e.active.Store(true)
	h, err := r.provider.Subscribe(ctx, e.q,
		func(s docstore.Snapshot) { r.deliver(e, s) },
		func(err error) { r.fail(e, err) },
	)
	if err != nil {
		e.active.Store(false)
		if old != nil {
			r.mu.Lock()
			if r.entries[e.id] == old {
				old.active.Store(true)
			}
			r.mu.Unlock()
		}
		return fmt.Errorf("%w: %s on %s: %w", ErrRegistrationFailed, e.id, e.collection, err)
	}
	e.handle = h

	r.mu.Lock()
	cur := r.entries[e.id]
	if mode == modeExclusive && cur != nil {
		r.mu.Unlock()
		e.cancel()
		return fmt.Errorf("%w: %s", ErrIDInUse, e.id)
	}
	if mode == modeRestart && cur != old {
		r.mu.Unlock()
		e.cancel()
		return nil
	}
	r.entries[e.id] = e
	n := len(r.entries)
	r.mu.Unlock()

	if cur != nil {
		cur.cancel()
	}
	if old != nil && old != cur {
		old.cancel()
	}
	metrics.SetActiveSubscriptions(n)
	return nil
}

func (r *Registry) deliver(e *entry, snap docstore.Snapshot) {
	if !e.active.Load() {
		return
	}
	records := snapshot.Normalize(snap)
	metrics.ObserveSnapshot(e.collection, len(records))
	e.guard(func() {
		defer func() {
			if p := recover(); p != nil {
				r.report(e, fmt.Errorf("%w: %v", ErrCallbackPanic, p))
			}
		}()
		e.cb(records, snap)
	})
}

func (r *Registry) fail(e *entry, err error) {
	if !e.active.Load() {
		return
	}
	e.guard(func() { r.report(e, err) })
}

// report routes a delivery failure to the subscription's error callback.
// Without one the error is swallowed. History is recorded after the callback.
func (r *Registry) report(e *entry, err error) {
	derr := &DeliveryError{SubscriptionID: e.id, Collection: e.collection, Err: err}
	metrics.IncDeliveryError(e.collection)
	defer r.emit(history.EventDeliveryError, e, err)
	if e.onErr == nil {
		r.logger.Debug("delivery error without handler", "id", e.id, "error", err)
		return
	}
	r.logger.Warn("delivery error", "id", e.id, "collection", e.collection, "error", err)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("error callback panicked", "id", e.id, "panic", p)
		}
	}()
	e.onErr(derr)
}

// Stop cancels the subscription and removes it. It reports whether the id
// was registered. Once Stop returns no further callback starts for the id.
func (r *Registry) Stop(id string) bool { return r.stop(id, 0) }

// stop removes id; a non-zero gen must match the registered entry.
func (r *Registry) stop(id string, gen uint64) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && gen != 0 && e.gen != gen {
		ok = false
	}
	if ok {
		e.active.Store(false)
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	r.logger.Info("subscription stopped", "id", id, "collection", e.collection)
	metrics.IncSubscriptionStop(e.collection)
	metrics.SetActiveSubscriptions(n)
	r.emit(history.EventUnsubscribe, e, nil)
	return true
}

// StopAll cancels every handle and clears the registry.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		e.active.Store(false)
		all = append(all, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	var wg sync.WaitGroup
	for _, e := range all {
		e.cancel()
		metrics.IncSubscriptionStop(e.collection)
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.emit(history.EventUnsubscribe, e, nil)
		}(e)
	}
	wg.Wait()
	metrics.SetActiveSubscriptions(0)
	if len(all) > 0 {
		r.logger.Info("all subscriptions stopped", "count", len(all))
	}
}

// RestartAll re-registers every entry with its original collection, options
// and callbacks under the same id. It reports false without doing anything
// when another restart cycle is already running. Entries whose re-registration
// fails stay registered and their error callback receives the failure.
func (r *Registry) RestartAll(ctx context.Context) bool {
	if !r.restarting.CompareAndSwap(false, true) {
		r.logger.Debug("restart already in progress")
		return false
	}
	defer r.restarting.Store(false)

	r.mu.RLock()
	targets := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	var restarted, failed int
	for _, old := range targets {
		e := &entry{
			id:         old.id,
			collection: old.collection,
			opts:       old.opts,
			q:          old.q,
			cb:         old.cb,
			onErr:      old.onErr,
			startedAt:  old.startedAt,
			restarts:   old.restarts + 1,
			gen:        old.gen,
		}
		if err := r.register(ctx, e, modeRestart); err != nil {
			failed++
			r.logger.Warn("subscription restart failed", "id", old.id, "error", err)
			r.report(old, err)
			continue
		}
		restarted++
		metrics.IncSubscriptionRestart(e.collection)
		r.emit(history.EventRestart, e, nil)
	}
	r.logger.Info("subscriptions restarted", "restarted", restarted, "failed", failed)
	return true
}

// Restarting reports whether a restart cycle is running.
func (r *Registry) Restarting() bool { return r.restarting.Load() }

// Active lists registered subscriptions sorted by id.
func (r *Registry) Active() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the subscription registered under id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) emit(t history.EventType, e *entry, err error) {
	r.mu.RLock()
	sinks := append([]history.Sink(nil), r.histSinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	evt := history.NewEvent(t)
	evt.SubscriptionID = e.id
	evt.Collection = e.collection
	evt.Query = e.q.String()
	if err != nil {
		evt.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), HistoryTimeout)
	defer cancel()
	history.Dispatch(ctx, r.logger, sinks, evt)
}
