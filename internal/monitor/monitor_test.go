package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/livesync/internal/docstore"
	"github.com/loykin/livesync/internal/docstore/memory"
	"github.com/loykin/livesync/internal/query"
)

var errDown = errors.New("down")

// scriptedProber returns the scripted results in order, then fallback.
type scriptedProber struct {
	mu       sync.Mutex
	script   []error
	fallback error
	calls    int
	last     query.Query
}

func (p *scriptedProber) RunOnce(_ context.Context, q query.Query) (docstore.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = q
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		return docstore.Snapshot{}, err
	}
	return docstore.Snapshot{}, p.fallback
}

func (p *scriptedProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingRestarter struct{ n atomic.Int32 }

func (r *countingRestarter) RestartAll(context.Context) bool {
	r.n.Add(1)
	return true
}

// manual keeps the ticker from firing during the test.
var manual = Config{Interval: time.Hour}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestConfigDefaults(t *testing.T) {
	m := New(Config{}, &scriptedProber{}, nil, nil)
	cfg := m.Config()
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, "_health", cfg.SentinelCollection)
}

func TestStart_InitialStateFromProbe(t *testing.T) {
	p := &scriptedProber{}
	m := New(manual, p, nil, nil)
	defer m.Stop()

	assert.Equal(t, Status{}, m.Status())
	assert.True(t, m.Start(context.Background()))
	assert.Equal(t, Status{IsConnected: true, HeartbeatActive: true}, m.Status())
	assert.Equal(t, "_health", p.last.Collection)
	assert.Equal(t, 1, p.last.Max)

	// second start is a no-op
	assert.True(t, m.Start(context.Background()))
	assert.Equal(t, 1, p.Calls())
}

func TestStart_InitialFailureCounts(t *testing.T) {
	m := New(manual, &scriptedProber{fallback: errDown}, nil, nil)
	defer m.Stop()
	assert.False(t, m.Start(context.Background()))
	assert.Equal(t, Status{ConsecutiveFailures: 1, HeartbeatActive: true}, m.Status())
}

func TestTick_FailStopAfterMaxRetries(t *testing.T) {
	p := &scriptedProber{script: []error{nil}, fallback: errDown}
	r := &countingRestarter{}
	m := New(manual, p, r, nil)
	ctx := context.Background()
	require.True(t, m.Start(ctx))

	for i := 0; i < 3; i++ {
		assert.False(t, m.Tick(ctx))
	}
	st := m.Status()
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.False(t, st.HeartbeatActive)
	assert.False(t, st.IsConnected)

	calls := p.Calls()
	assert.False(t, m.Tick(ctx), "no probing after fail-stop")
	assert.Equal(t, calls, p.Calls())
	assert.Equal(t, int32(0), r.n.Load())
}

func TestHeartbeat_FailStopWithTicker(t *testing.T) {
	p := &scriptedProber{script: []error{nil}, fallback: errDown}
	m := New(Config{Interval: 5 * time.Millisecond, MaxRetries: 3}, p, nil, nil)
	require.True(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return !m.HeartbeatActive() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, m.Status().ConsecutiveFailures)
	calls := p.Calls()
	assert.Equal(t, 4, calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, p.Calls())
}

func TestTick_RecoveryResetsAndRestartsOnce(t *testing.T) {
	p := &scriptedProber{script: []error{nil, errDown, errDown, nil, nil}}
	r := &countingRestarter{}
	m := New(manual, p, r, nil)
	ctx := context.Background()
	var transitions []string
	m.OnStateChange(func(old, new State) { transitions = append(transitions, old.String()+">"+new.String()) })
	require.True(t, m.Start(ctx))

	m.Tick(ctx)
	m.Tick(ctx)
	assert.Equal(t, 2, m.Status().ConsecutiveFailures)
	assert.True(t, m.HeartbeatActive())

	assert.True(t, m.Tick(ctx))
	assert.Equal(t, 0, m.Status().ConsecutiveFailures)
	assert.Equal(t, int32(1), r.n.Load())

	// steady connected state does not restart again
	assert.True(t, m.Tick(ctx))
	assert.Equal(t, int32(1), r.n.Load())
	assert.Equal(t, []string{"CONNECTED>DISCONNECTED", "DISCONNECTED>CONNECTED"}, transitions)
	m.Stop()
}

func TestReconnect_AfterFailStop(t *testing.T) {
	p := &scriptedProber{script: []error{nil, errDown, errDown, errDown, errDown, nil}}
	r := &countingRestarter{}
	m := New(manual, p, r, nil)
	ctx := context.Background()
	require.True(t, m.Start(ctx))
	for i := 0; i < 3; i++ {
		m.Tick(ctx)
	}
	require.False(t, m.HeartbeatActive())

	// failing reconnect keeps the heartbeat stopped
	assert.False(t, m.Reconnect(ctx))
	assert.Equal(t, Status{ConsecutiveFailures: 1}, m.Status())
	assert.Equal(t, int32(0), r.n.Load())

	assert.True(t, m.Reconnect(ctx))
	assert.Equal(t, Status{IsConnected: true, HeartbeatActive: true}, m.Status())
	assert.Equal(t, int32(1), r.n.Load())
	m.Stop()
	m.Stop()
	assert.False(t, m.HeartbeatActive())
}

type panickingProber struct{}

func (panickingProber) RunOnce(context.Context, query.Query) (docstore.Snapshot, error) {
	panic("driver bug")
}

func TestProbe_PanicCountsAsFailure(t *testing.T) {
	m := New(manual, panickingProber{}, nil, nil)
	assert.False(t, m.Probe(context.Background()))
}

type slowProber struct{}

func (slowProber) RunOnce(ctx context.Context, _ query.Query) (docstore.Snapshot, error) {
	<-ctx.Done()
	return docstore.Snapshot{}, ctx.Err()
}

func TestProbe_Timeout(t *testing.T) {
	m := New(Config{Interval: time.Hour, ProbeTimeout: 20 * time.Millisecond}, slowProber{}, nil, nil)
	start := time.Now()
	assert.False(t, m.Probe(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryStoreOfflineDrivesTransitions(t *testing.T) {
	st := memory.New()
	r := &countingRestarter{}
	m := New(manual, st, r, nil)
	ctx := context.Background()
	require.True(t, m.Start(ctx))
	defer m.Stop()

	st.SetOffline(true)
	m.Tick(ctx)
	assert.Equal(t, StateDisconnected, m.State())

	st.SetOffline(false)
	m.Tick(ctx)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int32(1), r.n.Load())
}
