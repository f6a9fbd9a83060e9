package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/query"
)

// Store is an in-process docstore.Provider. It backs tests and "memory://"
// DSNs and can simulate connectivity loss with SetOffline.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Document
	subs        map[uint64]*subscription
	nextSub     uint64
	offline     bool
	closed      bool
	now         func() time.Time

	runOnceCalls atomic.Int64
}

type subscription struct {
	id         uint64
	q          query.Query
	onSnapshot func(docstore.Snapshot)
	onError    func(error)
	notify     chan struct{}
	errs       chan error
	done       chan struct{}
	cancelled  atomic.Bool
	once       sync.Once
	owner      *Store
}

// New creates an empty store using the wall clock as server time.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Document),
		subs:        make(map[uint64]*subscription),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the server clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetOffline toggles simulated connectivity. While offline, RunOnce and
// writes fail with docstore.ErrUnavailable and every subscription receives
// that error once. Going back online re-delivers current snapshots.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	changed := s.offline != offline
	s.offline = offline
	subs := s.subsLocked()
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, sub := range subs {
		if offline {
			sub.pushErr(docstore.ErrUnavailable)
		} else {
			sub.poke()
		}
	}
}

// Offline reports the simulated connectivity state.
func (s *Store) Offline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline
}

// RunOnceCalls returns how many RunOnce calls were made.
func (s *Store) RunOnceCalls() int64 { return s.runOnceCalls.Load() }

// Subscriptions returns the number of live subscriptions.
func (s *Store) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Seed stores documents as-is, keeping their UpdatedAt, and notifies
// subscribers of the collection. Intended for tests and fixtures.
func (s *Store) Seed(collection string, docs ...docstore.Document) {
	s.mu.Lock()
	coll := s.collectionLocked(collection)
	for _, d := range docs {
		d.Fields = docstore.CloneFields(d.Fields)
		coll[d.ID] = d
	}
	subs := s.subsFor(collection)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.poke()
	}
}

func (s *Store) Subscribe(ctx context.Context, q query.Query, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	if s.offline {
		s.mu.Unlock()
		return nil, docstore.ErrUnavailable
	}
	s.nextSub++
	sub := &subscription{
		id:         s.nextSub,
		q:          q,
		onSnapshot: onSnapshot,
		onError:    onError,
		notify:     make(chan struct{}, 1),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
		owner:      s,
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	sub.poke() // initial snapshot
	go sub.run()
	return sub, nil
}

func (s *Store) RunOnce(ctx context.Context, q query.Query) (docstore.Snapshot, error) {
	s.runOnceCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.Snapshot{}, docstore.ErrClosed
	}
	if s.offline {
		return docstore.Snapshot{}, docstore.ErrUnavailable
	}
	return s.snapshotLocked(q), nil
}

func (s *Store) Write(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", docstore.ErrClosed
	}
	if s.offline {
		s.mu.Unlock()
		return "", docstore.ErrUnavailable
	}
	now := s.now()
	coll := s.collectionLocked(collection)
	fields := docstore.ResolveServerTimestamps(data, now)
	if id == "" {
		id = uuid.NewString()
	} else if existing, ok := coll[id]; ok {
		merged := docstore.CloneFields(existing.Fields)
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	} else {
		s.mu.Unlock()
		return "", fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	coll[id] = docstore.Document{ID: id, Fields: fields, UpdatedAt: now}
	subs := s.subsFor(collection)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.poke()
	}
	return id, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	if s.offline {
		s.mu.Unlock()
		return docstore.ErrUnavailable
	}
	coll := s.collections[collection]
	if _, ok := coll[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	delete(coll, id)
	subs := s.subsFor(collection)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.poke()
	}
	return nil
}

// Close cancels every subscription and rejects further calls.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subsLocked()
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	return nil
}

func (s *Store) collectionLocked(name string) map[string]docstore.Document {
	coll := s.collections[name]
	if coll == nil {
		coll = make(map[string]docstore.Document)
		s.collections[name] = coll
	}
	return coll
}

func (s *Store) subsLocked() []*subscription {
	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *Store) subsFor(collection string) []*subscription {
	out := make([]*subscription, 0)
	for _, sub := range s.subs {
		if sub.q.Collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) snapshotLocked(q query.Query) docstore.Snapshot {
	coll := s.collections[q.Collection]
	docs := make([]docstore.Document, 0, len(coll))
	for _, d := range coll {
		d.Fields = docstore.CloneFields(d.Fields)
		docs = append(docs, d)
	}
	return docstore.Snapshot{
		Collection: q.Collection,
		Documents:  docstore.Evaluate(q, docs),
		ReadAt:     s.now(),
	}
}

func (s *Store) removeSub(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.cancelled.Store(true)
		close(sub.done)
		sub.owner.removeSub(sub.id)
	})
}

func (sub *subscription) poke() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscription) pushErr(err error) {
	select {
	case sub.errs <- err:
	default:
	}
}

// run delivers coalesced snapshots and errors on a single goroutine.
func (sub *subscription) run() {
	for {
		select {
		case <-sub.done:
			return
		case err := <-sub.errs:
			if !sub.cancelled.Load() && sub.onError != nil {
				sub.onError(err)
			}
		case <-sub.notify:
			sub.owner.mu.RLock()
			offline := sub.owner.offline
			var snap docstore.Snapshot
			if !offline {
				snap = sub.owner.snapshotLocked(sub.q)
			}
			sub.owner.mu.RUnlock()
			if offline || sub.cancelled.Load() {
				continue
			}
			sub.onSnapshot(snap)
		}
	}
}
