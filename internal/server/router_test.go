package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/docstore/memory"
	"github.com/loykin/livesync/internal/monitor"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/service"
	"github.com/loykin/livesync/internal/snapshot"
)

func newTestService(t *testing.T) (*service.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc := service.New(st, service.Options{Monitor: monitor.Config{Interval: time.Hour}, CloseStore: true})
	svc.Start(context.Background())
	t.Cleanup(func() { _ = svc.Close() })
	return svc, st
}

func setupRouter(t *testing.T, base string) (http.Handler, *service.Service, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, st := newTestService(t)
	return NewRouter(svc, base, WithMetrics()).Handler(), svc, st
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h, _, _ := setupRouter(t, "/api/")
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st service.ConnectionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.IsConnected || !st.HeartbeatActive || st.ActiveListenerCount != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !strings.Contains(rec.Body.String(), `"activeListenerCount":0`) {
		t.Fatalf("expected camelCase fields: %s", rec.Body.String())
	}
}

func TestDocumentsCRUD(t *testing.T) {
	h, _, st := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/documents/projects", map[string]any{"name": "p1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var added addResp
	_ = json.Unmarshal(rec.Body.Bytes(), &added)
	if added.ID == "" {
		t.Fatalf("missing id: %s", rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPut, "/documents/projects/"+added.ID, map[string]any{"name": "p2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap, err := st.RunOnce(context.Background(), query.New("projects"))
	if err != nil || len(snap.Documents) != 1 || snap.Documents[0].Fields["name"] != "p2" {
		t.Fatalf("unexpected store state: %+v %v", snap, err)
	}

	rec = doReq(t, h, http.MethodDelete, "/documents/projects/"+added.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodDelete, "/documents/projects/"+added.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second remove expected 404, got %d", rec.Code)
	}
}

func TestDocumentErrors(t *testing.T) {
	h, _, st := setupRouter(t, "")
	req := httptest.NewRequest(http.MethodPost, "/documents/projects", strings.NewReader("{bad"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON expected 400, got %d", rec.Code)
	}

	rec = doReq(t, h, http.MethodPost, "/documents/bad..name", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid collection expected 400, got %d", rec.Code)
	}

	st.SetOffline(true)
	rec = doReq(t, h, http.MethodPost, "/documents/projects", map[string]any{"a": 1})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("store failure expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	var e errorResp
	_ = json.Unmarshal(rec.Body.Bytes(), &e)
	if !strings.Contains(e.Error, "unavailable") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestListenersAndStop(t *testing.T) {
	h, svc, _ := setupRouter(t, "/api")
	noop := func([]snapshot.Record, docstore.Snapshot) {}
	if _, err := svc.StartListener(context.Background(), "projects", query.Options{Limit: 2}, noop, nil, "fixed"); err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := doReq(t, h, http.MethodGet, "/api/listeners", nil)
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("listeners: %s %v", rec.Body.String(), err)
	}
	if list[0]["id"] != "fixed" || list[0]["collection"] != "projects" {
		t.Fatalf("unexpected listener: %v", list[0])
	}

	rec = doReq(t, h, http.MethodGet, "/api/listeners/fixed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get listener expected 200, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodDelete, "/api/listeners/fixed", nil)
	var sr stopResp
	_ = json.Unmarshal(rec.Body.Bytes(), &sr)
	if !sr.OK || !sr.Existed {
		t.Fatalf("stop: %s", rec.Body.String())
	}
	rec = doReq(t, h, http.MethodDelete, "/api/listeners/fixed", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &sr)
	if !sr.OK || sr.Existed {
		t.Fatalf("second stop: %s", rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, "/api/listeners/fixed", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get stopped listener expected 404, got %d", rec.Code)
	}
}

func TestReconnect(t *testing.T) {
	h, _, st := setupRouter(t, "")
	st.SetOffline(true)
	rec := doReq(t, h, http.MethodPost, "/reconnect", nil)
	var rr reconnectResp
	_ = json.Unmarshal(rec.Body.Bytes(), &rr)
	if !rr.OK || rr.Connected {
		t.Fatalf("offline reconnect: %s", rec.Body.String())
	}
	st.SetOffline(false)
	rec = doReq(t, h, http.MethodPost, "/reconnect", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &rr)
	if !rr.Connected {
		t.Fatalf("online reconnect: %s", rec.Body.String())
	}
}

func TestNotFoundAndMetrics(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics expected 200, got %d", rec.Code)
	}
}

func TestNewServerStartClose(t *testing.T) {
	svc, _ := newTestService(t)
	srv, err := NewServer("127.0.0.1:0", NewRouter(svc, "/x"))
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	_ = srv.Close()
}
