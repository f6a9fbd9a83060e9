package client

import (
	"fmt"
	"time"
)

// ConnectionStatus mirrors GET /status.
type ConnectionStatus struct {
	IsConnected         bool `json:"isConnected" yaml:"is_connected"`
	ConsecutiveFailures int  `json:"consecutiveFailures" yaml:"consecutive_failures"`
	HeartbeatActive     bool `json:"heartbeatActive" yaml:"heartbeat_active"`
	ActiveListenerCount int  `json:"activeListenerCount" yaml:"active_listener_count"`
}

// Clause is a single filter of a watch query.
type Clause struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// Order sorts watch results.
type Order struct {
	Field     string `json:"field" yaml:"field"`
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// QueryOptions is the query a listener was started with.
type QueryOptions struct {
	Where   []Clause `json:"where,omitempty" yaml:"where,omitempty"`
	OrderBy *Order   `json:"orderBy,omitempty" yaml:"order_by,omitempty"`
	Limit   int      `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Listener describes one active subscription on the daemon.
type Listener struct {
	ID         string       `json:"id" yaml:"id"`
	Collection string       `json:"collection" yaml:"collection"`
	Options    QueryOptions `json:"options" yaml:"options"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	Restarts   int          `json:"restarts" yaml:"restarts"`
}

// Record is one normalized document of a snapshot.
type Record struct {
	ID           string         `json:"id" yaml:"id"`
	Fields       map[string]any `json:"fields" yaml:"fields"`
	LastModified time.Time      `json:"lastModified" yaml:"last_modified"`
}

// Event is one message of a watch stream. Type is "snapshot" or "error".
type Event struct {
	Type       string   `json:"type" yaml:"type"`
	ListenerID string   `json:"listenerId" yaml:"listener_id"`
	Collection string   `json:"collection" yaml:"collection"`
	Records    []Record `json:"records,omitempty" yaml:"records,omitempty"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// WatchRequest selects what to watch.
type WatchRequest struct {
	Collection string
	ID         string // optional listener id
	Where      []Clause
	OrderBy    *Order
	Limit      int
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type okResponse struct {
	OK bool `json:"ok"`
}

type stopResponse struct {
	OK      bool `json:"ok"`
	Existed bool `json:"existed"`
}

type reconnectResponse struct {
	OK        bool `json:"ok"`
	Connected bool `json:"connected"`
}

type addResponse struct {
	ID string `json:"id"`
}
