// Package sqlstore persists documents in a relational database and serves
// live subscriptions by re-evaluating queries after local writes and on a
// poll interval.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/query"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = time.Second

// Options tunes a Store.
type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Store implements docstore.Provider on SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	dialect dialect
	poll    time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed atomic.Bool
}

// OpenSQLite opens a SQLite database file. Use ":memory:" for a private
// in-memory database.
func OpenSQLite(path string, opts Options) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open(sqliteDialect.driver, p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and avoids writer contention
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	return open(db, sqliteDialect, opts)
}

// OpenPostgres opens a PostgreSQL database through the pgx stdlib driver.
func OpenPostgres(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	return open(db, postgresDialect, opts)
}

func open(db *sql.DB, d dialect, opts Options) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: d,
		poll:    opts.PollInterval,
		logger:  opts.Logger,
		subs:    make(map[uint64]*subscription),
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sqlstore", "dialect", d.name)
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, q := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) RunOnce(ctx context.Context, q query.Query) (docstore.Snapshot, error) {
	if s.closed.Load() {
		return docstore.Snapshot{}, docstore.ErrClosed
	}
	docs, err := s.load(ctx, q.Collection)
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}
	return docstore.Snapshot{
		Collection: q.Collection,
		Documents:  docstore.Evaluate(q, docs),
		ReadAt:     time.Now().UTC(),
	}, nil
}

func (s *Store) load(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT id, fields, updated_at_ns FROM documents WHERE collection=?;`), collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]docstore.Document, 0)
	for rows.Next() {
		var (
			id  string
			raw string
			ns  int64
		)
		if err := rows.Scan(&id, &raw, &ns); err != nil {
			return nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("document %s/%s: %w", collection, id, err)
		}
		out = append(out, docstore.Document{ID: id, Fields: fields, UpdatedAt: time.Unix(0, ns).UTC()})
	}
	return out, rows.Err()
}

func (s *Store) revision(ctx context.Context, collection string) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`
		SELECT rev FROM collection_revisions WHERE collection=?;`), collection).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rev, err
}

// Write creates (id == "") or merges into a document. Server timestamp
// placeholders resolve to the database clock.
func (s *Store) Write(ctx context.Context, collection, id string, data map[string]any) (string, error) {
	if s.closed.Load() {
		return "", docstore.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	now, err := s.dialect.now(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("read server clock: %w", err)
	}
	fields := docstore.ResolveServerTimestamps(data, now)

	if id == "" {
		id = uuid.NewString()
		raw, err := encodeFields(fields)
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.bind(`
			INSERT INTO documents(collection, id, fields, updated_at_ns) VALUES(?, ?, ?, ?);`),
			collection, id, raw, now.UnixNano()); err != nil {
			return "", err
		}
	} else {
		var current string
		err := tx.QueryRowContext(ctx, s.dialect.bind(`
			SELECT fields FROM documents WHERE collection=? AND id=?;`), collection, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		if err != nil {
			return "", err
		}
		merged, err := decodeFields(current)
		if err != nil {
			return "", err
		}
		for k, v := range fields {
			merged[k] = v
		}
		raw, err := encodeFields(merged)
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, s.dialect.bind(`
			UPDATE documents SET fields=?, updated_at_ns=? WHERE collection=? AND id=?;`),
			raw, now.UnixNano(), collection, id); err != nil {
			return "", err
		}
	}
	if _, err := tx.ExecContext(ctx, s.dialect.bind(s.dialect.upsertRev), collection); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.notify(collection)
	return id, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if s.closed.Load() {
		return docstore.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.dialect.bind(`
		DELETE FROM documents WHERE collection=? AND id=?;`), collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.bind(s.dialect.upsertRev), collection); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify(collection)
	return nil
}

// Close cancels every subscription and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	return s.db.Close()
}

func (s *Store) notify(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.q.Collection == collection {
			sub.poke()
		}
	}
}

func encodeFields(m map[string]any) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(raw string) (map[string]any, error) {
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}
