package factory

import (
	"errors"
	"strings"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/docstore/memory"
	"github.com/loykin/livesync/internal/docstore/sqlstore"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://" (process-local, lost on exit)
//   - sqlite:   "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string, opts sqlstore.Options) (docstore.Provider, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "memory://") {
		return memory.New(), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return sqlstore.OpenPostgres(d, opts)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sqlstore.OpenSQLite(d[len("sqlite://"):], opts)
	}
	return sqlstore.OpenSQLite(d, opts)
}
