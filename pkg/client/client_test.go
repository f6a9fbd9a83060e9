package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/docstore/memory"
	"github.com/loykin/livesync/internal/monitor"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/server"
	"github.com/loykin/livesync/internal/service"
	"github.com/loykin/livesync/internal/snapshot"
)

func newDaemon(t *testing.T) (*Client, *service.Service, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New()
	svc := service.New(st, service.Options{Monitor: monitor.Config{Interval: time.Hour}, CloseStore: true})
	svc.Start(context.Background())
	ts := httptest.NewServer(server.NewRouter(svc, "/api").Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close()
	})
	return New(Config{BaseURL: ts.URL + "/api/"}), svc, st
}

func TestClient_StatusAndDocuments(t *testing.T) {
	c, _, st := newDaemon(t)
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
	assert.True(t, status.HeartbeatActive)

	id, err := c.Add(ctx, "projects", map[string]any{"name": "alpha"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, c.Update(ctx, "projects", id, map[string]any{"name": "beta"}))
	snap, err := st.RunOnce(ctx, query.New("projects"))
	require.NoError(t, err)
	require.Len(t, snap.Documents, 1)
	assert.Equal(t, "beta", snap.Documents[0].Fields["name"])

	require.NoError(t, c.Remove(ctx, "projects", id))
	err = c.Remove(ctx, "projects", id)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClient_ListenersAndReconnect(t *testing.T) {
	c, svc, st := newDaemon(t)
	ctx := context.Background()
	noop := func([]snapshot.Record, docstore.Snapshot) {}
	_, err := svc.StartListener(ctx, "tasks", query.Options{Limit: 3}, noop, nil, "board")
	require.NoError(t, err)

	list, err := c.Listeners(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "board", list[0].ID)
	assert.Equal(t, 3, list[0].Options.Limit)

	l, err := c.GetListener(ctx, "board")
	require.NoError(t, err)
	assert.Equal(t, "tasks", l.Collection)

	existed, err := c.StopListener(ctx, "board")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = c.StopListener(ctx, "board")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = c.GetListener(ctx, "board")
	assert.Error(t, err)

	st.SetOffline(true)
	ok, err := c.Reconnect(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	st.SetOffline(false)
	ok, err = c.Reconnect(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_InvalidWrite(t *testing.T) {
	c, _, _ := newDaemon(t)
	_, err := c.Add(context.Background(), "bad..name", map[string]any{"a": 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
}

func TestClient_Watch(t *testing.T) {
	c, svc, _ := newDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Watch(ctx, WatchRequest{
			Collection: "tasks",
			ID:         "cli-watch",
			Where:      []Clause{{Field: "done", Operator: "==", Value: false}},
		}, func(ev Event) { events <- ev })
	}()

	select {
	case ev := <-events:
		assert.Equal(t, "snapshot", ev.Type)
		assert.Equal(t, "cli-watch", ev.ListenerID)
		assert.Empty(t, ev.Records)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	_, err := svc.Add(context.Background(), "tasks", map[string]any{"done": false, "title": "write docs"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for found := false; !found; {
		select {
		case ev := <-events:
			if len(ev.Records) == 1 {
				assert.Equal(t, "write docs", ev.Records[0].Fields["title"])
				found = true
			}
		case <-deadline:
			t.Fatal("write not delivered")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	require.Eventually(t, func() bool { return svc.GetConnectionStatus().ActiveListenerCount == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestClient_WatchRejected(t *testing.T) {
	c, _, _ := newDaemon(t)
	err := c.Watch(context.Background(), WatchRequest{Collection: "tasks", Limit: -1}, func(Event) {})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	assert.Error(t, c.Watch(context.Background(), WatchRequest{}, func(Event) {}))
}

func TestWatchURL(t *testing.T) {
	c := New(Config{BaseURL: "https://example.com/api"})
	raw, err := c.watchURL(WatchRequest{
		Collection: "projects",
		Where:      []Clause{{Field: "n", Operator: ">=", Value: 3}, {Field: "s", Operator: "==", Value: "a,b"}},
		OrderBy:    &Order{Field: "createdAt", Direction: "desc"},
		Limit:      5,
	})
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/api/ws/projects", u.Path)
	q := u.Query()
	assert.Equal(t, []string{"n,>=,3", `s,==,"a,b"`}, q["where"])
	assert.Equal(t, "createdAt,desc", q.Get("order"))
	assert.Equal(t, "5", q.Get("limit"))
}
