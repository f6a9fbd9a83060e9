package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/metrics"
	"github.com/loykin/livesync/internal/mutation"
	"github.com/loykin/livesync/internal/query"
	"github.com/loykin/livesync/internal/registry"
	"github.com/loykin/livesync/internal/service"
)

// Router provides embeddable HTTP handlers for the subscription manager.
// Endpoints:
//
//	GET    {basePath}/status
//	GET    {basePath}/listeners
//	GET    {basePath}/listeners/:id
//	DELETE {basePath}/listeners/:id
//	POST   {basePath}/reconnect
//	POST   {basePath}/documents/:collection              body: JSON object
//	PUT    {basePath}/documents/:collection/:id          body: JSON object
//	DELETE {basePath}/documents/:collection/:id
//	GET    {basePath}/watch/:collection                  Server-Sent Events
//	GET    {basePath}/ws/:collection                     WebSocket
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc          *service.Service
	basePath     string
	logger       *slog.Logger
	withMetrics  bool
	pingInterval time.Duration
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option {
	return func(r *Router) { r.withMetrics = true }
}

// WithPingInterval sets the keep-alive period of watch streams.
func WithPingInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.pingInterval = d
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/listeners, ...
func NewRouter(svc *service.Service, basePath string, opts ...Option) *Router {
	r := &Router{
		svc:          svc,
		basePath:     sanitizeBase(basePath),
		logger:       slog.Default(),
		pingInterval: 15 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "http")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.NoRoute(func(c *gin.Context) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not found"})
	})
	if r.withMetrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/listeners", r.handleListeners)
	group.GET("/listeners/:id", r.handleListener)
	group.DELETE("/listeners/:id", r.handleStopListener)
	group.POST("/reconnect", r.handleReconnect)
	group.POST("/documents/:collection", r.handleAdd)
	group.PUT("/documents/:collection/:id", r.handleUpdate)
	group.DELETE("/documents/:collection/:id", r.handleRemove)
	group.GET("/watch/:collection", r.handleWatch)
	group.GET("/ws/:collection", r.handleWebSocket)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The caller owns the returned server and should Shutdown or Close it.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: watch streams stay open
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// NewTLSServer is NewServer over HTTPS. tlsCfg must provide certificates,
// e.g. through GetCertificate.
func NewTLSServer(addr string, tlsCfg *tls.Config, r *Router) (*http.Server, error) {
	if tlsCfg == nil {
		return nil, errors.New("nil TLS config")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("https server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type stopResp struct {
	OK      bool `json:"ok"`
	Existed bool `json:"existed"`
}

type reconnectResp struct {
	OK        bool `json:"ok"`
	Connected bool `json:"connected"`
}

type addResp struct {
	ID string `json:"id"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.GetConnectionStatus())
}

func (r *Router) handleListeners(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.GetActiveListeners())
}

func (r *Router) handleListener(c *gin.Context) {
	info, ok := r.svc.GetListener(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "listener not found"})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleStopListener(c *gin.Context) {
	existed := r.svc.StopListener(c.Param("id"))
	writeJSON(c, http.StatusOK, stopResp{OK: true, Existed: existed})
}

func (r *Router) handleReconnect(c *gin.Context) {
	ok := r.svc.Reconnect(c.Request.Context())
	writeJSON(c, http.StatusOK, reconnectResp{OK: true, Connected: ok})
}

func (r *Router) handleAdd(c *gin.Context) {
	data, ok := bindDocument(c)
	if !ok {
		return
	}
	id, err := r.svc.Add(c.Request.Context(), c.Param("collection"), data)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, addResp{ID: id})
}

func (r *Router) handleUpdate(c *gin.Context) {
	data, ok := bindDocument(c)
	if !ok {
		return
	}
	if err := r.svc.Update(c.Request.Context(), c.Param("collection"), c.Param("id"), data); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRemove(c *gin.Context) {
	if err := r.svc.Remove(c.Request.Context(), c.Param("collection"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func bindDocument(c *gin.Context) (map[string]any, bool) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return nil, false
	}
	return data, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, mutation.ErrInvalidWrite),
		errors.Is(err, registry.ErrNilCallback):
		return http.StatusBadRequest
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrIDInUse):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
