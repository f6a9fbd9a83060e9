package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventSubscribe)
	assert.Equal(t, EventSubscribe, e.Type)
	assert.False(t, e.OccurredAt.IsZero())
	id, err := ulid.Parse(e.ID)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(e.OccurredAt), id.Time())
}

func TestNewEvent_IDsSortByTime(t *testing.T) {
	a := NewEvent(EventConnected)
	b := NewEvent(EventDisconnected)
	assert.NotEqual(t, a.ID, b.ID)
	assert.LessOrEqual(t, a.ID[:10], b.ID[:10])
}

func TestDispatch_ContinuesAfterFailure(t *testing.T) {
	bad := &captureSink{err: errors.New("down")}
	good := &captureSink{}
	e := NewEvent(EventRestart)
	Dispatch(context.Background(), nil, []Sink{bad, good}, e)
	assert.Len(t, bad.events, 1)
	require.Len(t, good.events, 1)
	assert.Equal(t, e.ID, good.events[0].ID)
}
