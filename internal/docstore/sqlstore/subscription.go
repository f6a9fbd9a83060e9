package sqlstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/query"
)

type subscription struct {
	id         uint64
	q          query.Query
	onSnapshot func(docstore.Snapshot)
	onError    func(error)
	owner      *Store

	notify    chan struct{}
	done      chan struct{}
	cancelled atomic.Bool
	once      sync.Once
}

// Subscribe delivers the current result set, then a fresh snapshot after
// every write through this store and whenever polling sees the collection
// revision move.
func (s *Store) Subscribe(ctx context.Context, q query.Query, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Handle, error) {
	if s.closed.Load() {
		return nil, docstore.ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextID++
	sub := &subscription{
		id:         s.nextID,
		q:          q,
		onSnapshot: onSnapshot,
		onError:    onError,
		owner:      s,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	sub.poke()
	go sub.run()
	return sub, nil
}

// Subscriptions returns the number of live subscriptions.
func (s *Store) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.cancelled.Store(true)
		close(sub.done)
		sub.owner.mu.Lock()
		delete(sub.owner.subs, sub.id)
		sub.owner.mu.Unlock()
	})
}

func (sub *subscription) poke() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	t := time.NewTicker(sub.owner.poll)
	defer t.Stop()
	var (
		lastRev int64 = -1
		failing bool
	)
	for {
		force := false
		select {
		case <-sub.done:
			return
		case <-sub.notify:
			force = true
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), sub.owner.poll+5*time.Second)
		rev, err := sub.owner.revision(ctx, sub.q.Collection)
		if err == nil && (force || failing || rev != lastRev) {
			var snap docstore.Snapshot
			snap, err = sub.owner.RunOnce(ctx, sub.q)
			if err == nil {
				lastRev = rev
				failing = false
				if !sub.cancelled.Load() {
					sub.onSnapshot(snap)
				}
			}
		}
		cancel()

		if err != nil && !failing {
			// report once per outage
			failing = true
			sub.owner.logger.Debug("subscription poll failed", "collection", sub.q.Collection, "error", err)
			if !sub.cancelled.Load() && sub.onError != nil {
				sub.onError(err)
			}
		}
	}
}
