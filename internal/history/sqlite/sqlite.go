package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/livesync/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per-connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subscription_history(
			event_id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			subscription_id TEXT NOT NULL DEFAULT '',
			collection TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '',
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_history_sub ON subscription_history(subscription_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_history(event_id, occurred_at, event, subscription_id, collection, query, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.SubscriptionID, e.Collection, e.Query, errText)
	return err
}

// Count returns the number of stored events of the given type for a subscription.
// An empty subscriptionID counts across all subscriptions.
func (s *Sink) Count(ctx context.Context, t history.EventType, subscriptionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscription_history
		WHERE event = ? AND (? = '' OR subscription_id = ?);`,
		string(t), subscriptionID, subscriptionID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
