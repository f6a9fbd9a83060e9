package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/registry"
	"github.com/loykin/livesync/internal/snapshot"
)

// Event types written to watch streams.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

// WatchEvent is one message on a watch stream.
type WatchEvent struct {
	Type       string            `json:"type"`
	ListenerID string            `json:"listenerId"`
	Collection string            `json:"collection"`
	Records    []snapshot.Record `json:"records,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ParseWatchQuery decodes watch options from URL parameters:
//
//	where=field,op,value   (repeatable; value is JSON when it parses, else a string)
//	order=field[,asc|desc]
//	limit=n
func ParseWatchQuery(params map[string][]string) (query.Options, error) {
	var opts query.Options
	for _, w := range params["where"] {
		parts := strings.SplitN(w, ",", 3)
		if len(parts) != 3 {
			return opts, fmt.Errorf("where %q: expected field,op,value", w)
		}
		opts.Where = append(opts.Where, query.Clause{
			Field:    strings.TrimSpace(parts[0]),
			Operator: query.Operator(strings.TrimSpace(parts[1])),
			Value:    parseValue(parts[2]),
		})
	}
	if o := first(params["order"]); o != "" {
		field, dir, _ := strings.Cut(o, ",")
		opts.OrderBy = &query.Order{Field: strings.TrimSpace(field), Direction: query.Direction(strings.ToLower(strings.TrimSpace(dir)))}
	}
	if l := first(params["limit"]); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return opts, fmt.Errorf("limit %q: %w", l, err)
		}
		opts.Limit = n
	}
	return opts, nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// mailbox keeps only the newest pending event. Snapshots are complete result
// sets, so a slow reader skips intermediate ones.
type mailbox struct {
	mu      sync.Mutex
	pending *WatchEvent
	ready   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(ev WatchEvent) {
	m.mu.Lock()
	m.pending = &ev
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (WatchEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return WatchEvent{}, false
	}
	ev := *m.pending
	m.pending = nil
	return ev, true
}

// startWatch starts a listener feeding box and returns its id and a stop
// function that removes only this watch's listener. An id that is already
// registered is rejected. Setup failures are returned, not delivered to box.
func (r *Router) startWatch(ctx context.Context, collection string, opts query.Options, id string, box *mailbox) (string, func() bool, error) {
	if id == "" {
		id = registry.NewID(collection)
	}
	cb := func(recs []snapshot.Record, _ docstore.Snapshot) {
		box.put(WatchEvent{Type: EventSnapshot, ListenerID: id, Collection: collection, Records: recs})
	}
	onErr := func(err error) {
		var derr *registry.DeliveryError
		if errors.As(err, &derr) {
			box.put(WatchEvent{Type: EventError, ListenerID: id, Collection: collection, Error: err.Error()})
		}
	}
	return r.svc.StartListenerExclusive(ctx, collection, opts, cb, onErr, id)
}

// watchParams reads the collection, options and optional listener id.
func watchParams(c *gin.Context) (string, query.Options, string, error) {
	id := c.Query("id")
	if id != "" && !isSafeName(id) {
		return "", query.Options{}, "", fmt.Errorf("invalid id %q: allowed [A-Za-z0-9._-] and no '..'", id)
	}
	opts, err := ParseWatchQuery(c.Request.URL.Query())
	return c.Param("collection"), opts, id, err
}

func (r *Router) handleWatch(c *gin.Context) {
	ctx := c.Request.Context()
	collection, opts, wantID, err := watchParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	box := newMailbox()
	id, stop, err := r.startWatch(ctx, collection, opts, wantID, box)
	if err != nil {
		writeError(c, err)
		return
	}
	r.logger.Debug("watch opened", "listener", id, "collection", collection, "remote", c.ClientIP())
	defer func() {
		stop()
		r.logger.Debug("watch closed", "listener", id)
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ping := time.NewTicker(r.pingInterval)
	defer ping.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ping.C:
			c.SSEvent("ping", gin.H{"listenerId": id})
			return true
		case <-box.ready:
			if ev, ok := box.take(); ok {
				c.SSEvent(ev.Type, ev)
			}
			return true
		}
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

func (r *Router) handleWebSocket(c *gin.Context) {
	// validate before upgrading so errors are plain HTTP responses
	collection, opts, wantID, err := watchParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if _, err := query.Build(collection, opts); err != nil {
		writeError(c, err)
		return
	}
	if _, taken := r.svc.GetListener(wantID); wantID != "" && taken {
		writeError(c, fmt.Errorf("%w: %s", registry.ErrIDInUse, wantID))
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	box := newMailbox()
	id, stop, err := r.startWatch(ctx, collection, opts, wantID, box)
	if err != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = ws.WriteJSON(WatchEvent{Type: EventError, Collection: collection, Error: err.Error()})
		return
	}
	defer func() {
		stop()
		r.logger.Debug("websocket closed", "listener", id)
	}()

	// reader: detects client close
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(r.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-box.ready:
			ev, ok := box.take()
			if !ok {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				r.logger.Debug("websocket write failed", "listener", id, "error", err)
				return
			}
		}
	}
}
