package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/snapshot"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(":memory:", Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBind(t *testing.T) {
	assert.Equal(t, "a=? AND b=?", sqliteDialect.bind("a=? AND b=?"))
	assert.Equal(t, "a=$1 AND b=$2", postgresDialect.bind("a=? AND b=?"))
}

func TestSQLite_CRUD(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	id, err := s.Write(ctx, "projects", "", map[string]any{"name": "a", "n": 1, "at": docstore.ServerTimestamp})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := s.RunOnce(ctx, query.New("projects"))
	require.NoError(t, err)
	require.Len(t, snap.Documents, 1)
	d := snap.Documents[0]
	assert.Equal(t, id, d.ID)
	assert.Equal(t, "a", d.Fields["name"])
	assert.Equal(t, float64(1), d.Fields["n"])
	at := snapshot.ParseTime(d.Fields["at"])
	assert.WithinDuration(t, time.Now(), at, time.Minute)
	assert.WithinDuration(t, at, d.UpdatedAt, time.Millisecond)

	_, err = s.Write(ctx, "projects", id, map[string]any{"name": "b"})
	require.NoError(t, err)
	snap, err = s.RunOnce(ctx, query.New("projects"))
	require.NoError(t, err)
	assert.Equal(t, "b", snap.Documents[0].Fields["name"])
	assert.Equal(t, float64(1), snap.Documents[0].Fields["n"], "merge keeps other fields")

	_, err = s.Write(ctx, "projects", "missing", map[string]any{"x": 1})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "projects", id))
	assert.ErrorIs(t, s.Delete(ctx, "projects", id), docstore.ErrNotFound)
	snap, err = s.RunOnce(ctx, query.New("projects"))
	require.NoError(t, err)
	assert.Empty(t, snap.Documents)
}

func TestSQLite_QueryEvaluation(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	for _, n := range []int{3, 1, 2} {
		_, err := s.Write(ctx, "nums", "", map[string]any{"n": n})
		require.NoError(t, err)
	}
	q, err := query.Build("nums", query.Options{
		Where:   []query.Clause{{Field: "n", Operator: query.OpGreater, Value: 1}},
		OrderBy: &query.Order{Field: "n", Direction: query.Asc},
	})
	require.NoError(t, err)
	snap, err := s.RunOnce(ctx, q)
	require.NoError(t, err)
	require.Len(t, snap.Documents, 2)
	assert.Equal(t, float64(2), snap.Documents[0].Fields["n"])
	assert.Equal(t, float64(3), snap.Documents[1].Fields["n"])
}

type snaps struct {
	mu  sync.Mutex
	got []docstore.Snapshot
}

func (s *snaps) add(snap docstore.Snapshot) {
	s.mu.Lock()
	s.got = append(s.got, snap)
	s.mu.Unlock()
}

func (s *snaps) lastLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return -1
	}
	return s.got[len(s.got)-1].Len()
}

func TestSQLite_SubscribeLocalWrites(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	rec := &snaps{}
	h, err := s.Subscribe(ctx, query.New("c"), rec.add, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.lastLen() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = s.Write(ctx, "c", "", map[string]any{"v": 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.lastLen() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Cancel()
	h.Cancel()
	assert.Equal(t, 0, s.Subscriptions())
}

func TestSQLite_PollSeesExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.db")
	a, err := OpenSQLite(path, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := OpenSQLite(path, Options{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	rec := &snaps{}
	_, err = a.Subscribe(ctx, query.New("c"), rec.add, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.lastLen() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = b.Write(ctx, "c", "", map[string]any{"v": 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.lastLen() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSQLite_Closed(t *testing.T) {
	s, err := OpenSQLite(":memory:", Options{})
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), query.New("c"), func(docstore.Snapshot) {}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Subscriptions())

	_, err = s.RunOnce(context.Background(), query.New("c"))
	assert.ErrorIs(t, err, docstore.ErrClosed)
	_, err = s.Write(context.Background(), "c", "", nil)
	assert.ErrorIs(t, err, docstore.ErrClosed)
	assert.ErrorIs(t, s.Delete(context.Background(), "c", "x"), docstore.ErrClosed)
	_, err = s.Subscribe(context.Background(), query.New("c"), func(docstore.Snapshot) {}, nil)
	assert.ErrorIs(t, err, docstore.ErrClosed)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("  ", Options{})
	assert.Error(t, err)
}
