package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name   string
	driver string
	schema []string
	// nowQuery returns the database clock.
	nowQuery  string
	parseNow  func(v any) (time.Time, error)
	numbered  bool
	upsertRev string
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS documents(
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			fields TEXT NOT NULL,
			updated_at_ns INTEGER NOT NULL,
			PRIMARY KEY(collection, id)
		);`,
		`CREATE TABLE IF NOT EXISTS collection_revisions(
			collection TEXT PRIMARY KEY,
			rev INTEGER NOT NULL
		);`,
	},
	nowQuery: `SELECT strftime('%Y-%m-%dT%H:%M:%fZ','now');`,
	parseNow: func(v any) (time.Time, error) {
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			return time.Time{}, fmt.Errorf("unexpected clock value %T", v)
		}
		return time.Parse("2006-01-02T15:04:05.000Z", s)
	},
	upsertRev: `INSERT INTO collection_revisions(collection, rev) VALUES(?, 1)
		ON CONFLICT(collection) DO UPDATE SET rev = rev + 1;`,
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "pgx",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS documents(
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			fields TEXT NOT NULL,
			updated_at_ns BIGINT NOT NULL,
			PRIMARY KEY(collection, id)
		);`,
		`CREATE TABLE IF NOT EXISTS collection_revisions(
			collection TEXT PRIMARY KEY,
			rev BIGINT NOT NULL
		);`,
	},
	nowQuery: `SELECT now();`,
	parseNow: func(v any) (time.Time, error) {
		t, ok := v.(time.Time)
		if !ok {
			return time.Time{}, fmt.Errorf("unexpected clock value %T", v)
		}
		return t.UTC(), nil
	},
	numbered: true,
	upsertRev: `INSERT INTO collection_revisions(collection, rev) VALUES(?, 1)
		ON CONFLICT(collection) DO UPDATE SET rev = collection_revisions.rev + 1;`,
}

// bind rewrites ? placeholders to $n for numbered dialects.
func (d dialect) bind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d dialect) now(ctx context.Context, q queryer) (time.Time, error) {
	var v any
	if err := q.QueryRowContext(ctx, d.nowQuery).Scan(&v); err != nil {
		return time.Time{}, err
	}
	return d.parseNow(v)
}
