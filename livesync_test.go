package livesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestFacadeListenAndWrite(t *testing.T) {
	svc := New(NewMemoryStore(), Options{Monitor: MonitorConfig{Interval: time.Hour}, CloseStore: true})
	defer func() { _ = svc.Close() }()
	if !svc.Start(context.Background()) {
		t.Fatalf("memory store should be reachable")
	}

	var mu sync.Mutex
	var last []Record
	cb := func(recs []Record, _ Snapshot) {
		mu.Lock()
		last = recs
		mu.Unlock()
	}
	opts := QueryOptions{Where: []Clause{{Field: "done", Operator: OpEqual, Value: false}}, OrderBy: &Order{Field: "title", Direction: Asc}}
	id, err := svc.StartListener(context.Background(), "tasks", opts, cb, nil, "")
	if err != nil || id == "" {
		t.Fatalf("start listener: %q %v", id, err)
	}
	for _, title := range []string{"b", "a"} {
		if _, err := svc.Add(context.Background(), "tasks", map[string]any{"title": title, "done": false}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(last)
		first := ""
		if n > 0 {
			first, _ = last[0].Fields["title"].(string)
		}
		mu.Unlock()
		if n == 2 && first == "a" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ordered snapshot with 2 records, got %d (first %q)", n, first)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := svc.GetConnectionStatus(); st.ActiveListenerCount != 1 || !st.IsConnected {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestOpenStoreAndHistorySinks(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore("sqlite://"+filepath.Join(dir, "docs.db"), 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	sinks, err := OpenHistorySinks([]string{"sqlite://" + filepath.Join(dir, "history.db")})
	if err != nil {
		t.Fatalf("open sinks: %v", err)
	}
	svc := New(st, Options{HistorySinks: sinks, CloseStore: true})
	if _, err := svc.Add(context.Background(), "projects", map[string]any{"name": "x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := CloseHistorySinks(sinks); err != nil {
		t.Fatalf("close sinks: %v", err)
	}

	if _, err := OpenHistorySinks([]string{"sqlite://" + filepath.Join(dir, "h2.db"), "bogus://x"}); err == nil {
		t.Fatalf("expected error for unsupported sink DSN")
	}
}

func TestLoadConfigAndHTTPServer(t *testing.T) {
	file := filepath.Join(t.TempDir(), "livesync.toml")
	if err := os.WriteFile(file, []byte("[server]\nbase_path = \"/v1\"\n[log]\nlevel = \"debug\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if NewLogger(c) == nil {
		t.Fatalf("nil logger")
	}

	svc := New(NewMemoryStore(), Options{Monitor: c.Monitor})
	defer func() { _ = svc.Close() }()
	ts := httptest.NewServer(NewRouter(svc, c.Server.BasePath, WithRouterLogger(NewLogger(c))).Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	srv, err := NewHTTPServer("127.0.0.1:0", "/v1", svc)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	_ = srv.Close()
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("second register should be a no-op: %v", err)
	}
	svc := New(NewMemoryStore(), Options{})
	defer func() { _ = svc.Close() }()
	if _, err := svc.Add(context.Background(), "projects", map[string]any{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "livesync_mutation_writes_total") {
			found = true
		}
	}
	if !found {
		t.Fatalf("write counter not exported")
	}
}
