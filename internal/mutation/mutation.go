// Package mutation writes documents with server-assigned timestamps.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/metrics"
	"github.com/loykin/livesync/internal/query"
)

// Field names stamped on every write.
const (
	FieldLastModified = "lastModified"
	FieldTimestamp    = "timestamp"
	FieldRealtime     = "isRealtime"
)

// Op names a write operation.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// ErrInvalidWrite is wrapped when a write is rejected before reaching the store.
var ErrInvalidWrite = errors.New("invalid write")

// WriteError reports a failed write. Writes are never retried.
type WriteError struct {
	Op         Op
	Collection string
	ID         string
	Err        error
}

func (e *WriteError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer is the store capability the gateway needs.
type Writer interface {
	Write(ctx context.Context, collection, id string, data map[string]any) (string, error)
	Delete(ctx context.Context, collection, id string) error
}

// Gateway stamps and forwards writes.
type Gateway struct {
	store  Writer
	logger *slog.Logger
}

func New(store Writer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{store: store, logger: logger.With("component", "mutation")}
}

// Add creates a document and returns its store-assigned id. lastModified and
// timestamp are set to the store clock.
func (g *Gateway) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := validate(collection, "", false); err != nil {
		return "", g.fail(OpAdd, collection, "", err)
	}
	fields := stamp(data)
	fields[FieldTimestamp] = docstore.ServerTimestamp
	id, err := g.store.Write(ctx, collection, "", fields)
	if err != nil {
		return "", g.fail(OpAdd, collection, "", err)
	}
	metrics.IncWrite(string(OpAdd), nil)
	g.logger.Debug("document added", "collection", collection, "id", id)
	return id, nil
}

// Update merges data into an existing document and refreshes lastModified.
func (g *Gateway) Update(ctx context.Context, collection, id string, data map[string]any) error {
	if err := validate(collection, id, true); err != nil {
		return g.fail(OpUpdate, collection, id, err)
	}
	if _, err := g.store.Write(ctx, collection, id, stamp(data)); err != nil {
		return g.fail(OpUpdate, collection, id, err)
	}
	metrics.IncWrite(string(OpUpdate), nil)
	g.logger.Debug("document updated", "collection", collection, "id", id)
	return nil
}

// Remove deletes a document.
func (g *Gateway) Remove(ctx context.Context, collection, id string) error {
	if err := validate(collection, id, true); err != nil {
		return g.fail(OpRemove, collection, id, err)
	}
	if err := g.store.Delete(ctx, collection, id); err != nil {
		return g.fail(OpRemove, collection, id, err)
	}
	metrics.IncWrite(string(OpRemove), nil)
	g.logger.Debug("document removed", "collection", collection, "id", id)
	return nil
}

func (g *Gateway) fail(op Op, collection, id string, err error) error {
	metrics.IncWrite(string(op), err)
	g.logger.Warn("write failed", "op", op, "collection", collection, "id", id, "error", err)
	return &WriteError{Op: op, Collection: collection, ID: id, Err: err}
}

// stamp copies data and adds the server-side lastModified and realtime marker.
// Caller-supplied values for those fields are overwritten.
func stamp(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	out[FieldLastModified] = docstore.ServerTimestamp
	out[FieldRealtime] = true
	return out
}

func validate(collection, id string, needID bool) error {
	if err := query.ValidateCollection(collection); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWrite, err)
	}
	if needID && strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: document id required", ErrInvalidWrite)
	}
	if strings.ContainsAny(id, "/") {
		return fmt.Errorf("%w: document id %q must not contain '/'", ErrInvalidWrite, id)
	}
	return nil
}
