package docstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/loykin/livesync/internal/query"
)

// Store errors.
var (
	ErrNotFound    = errors.New("document not found")
	ErrClosed      = errors.New("store closed")
	ErrUnavailable = errors.New("store unavailable")
)

type serverTimestamp struct{}

func (serverTimestamp) String() string { return "<server timestamp>" }

// ServerTimestamp is a write-time placeholder. Stores replace every field
// holding it with their own clock reading at the moment of the write.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ResolveServerTimestamps returns a copy of data where every top-level
// ServerTimestamp sentinel is replaced with now.
func ResolveServerTimestamps(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsServerTimestamp(v) {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}

// Document is one stored entry as delivered by a store.
// UpdatedAt is store metadata (the store's clock at the last write), not a field.
type Document struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Snapshot is one complete result set for a query.
type Snapshot struct {
	Collection string     `json:"collection"`
	Documents  []Document `json:"documents"`
	ReadAt     time.Time  `json:"readAt"`
}

// Len returns the number of documents in the snapshot.
func (s Snapshot) Len() int { return len(s.Documents) }

// Handle cancels a live subscription. Cancel is idempotent and, once it
// returns, no further snapshot or error callback starts for the subscription.
type Handle interface {
	Cancel()
}

// Provider is the remote document store consumed by the subscription manager.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Subscribe starts pushing snapshots for q. The first snapshot carries the
	// current result set; later ones follow every change. Callbacks for one
	// subscription are never invoked concurrently.
	Subscribe(ctx context.Context, q query.Query, onSnapshot func(Snapshot), onError func(error)) (Handle, error)
	// RunOnce executes q a single time.
	RunOnce(ctx context.Context, q query.Query) (Snapshot, error)
	// Write creates (id == "") or merges into a document and returns its id.
	Write(ctx context.Context, collection, id string, data map[string]any) (string, error)
	// Delete removes a document.
	Delete(ctx context.Context, collection, id string) error
	Close() error
}

// Evaluate filters, sorts and limits docs according to q. Without an explicit
// order, the most recently updated documents come first (ties by id), so a
// limit keeps the newest entries.
func Evaluate(q query.Query, docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Match(d.Fields) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if n, ok := q.CompareField(out[i].Fields, out[j].Fields); ok {
			if n != 0 {
				return n < 0
			}
			return out[i].ID < out[j].ID
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Max > 0 && len(out) > q.Max {
		out = out[:q.Max]
	}
	return out
}

// CloneFields returns a shallow copy of a document field map.
func CloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
