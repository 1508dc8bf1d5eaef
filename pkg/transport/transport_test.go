package transport

import (
	"context"
	"testing"
	"time"

	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistrySkipsDisabledAndOrdersByPriority(t *testing.T) {
	servers := []types.Server{
		{Name: "low", Priority: 1, Enabled: true, MaxConnections: 2},
		{Name: "disabled", Priority: 99, Enabled: false, MaxConnections: 2},
		{Name: "high", Priority: 10, Enabled: true, MaxConnections: 2},
	}
	r := NewRegistry(servers, DefaultConfig())

	require.Len(t, r.pools, 2)
	assert.Equal(t, "high", r.pools[0].server.Name)
	assert.Equal(t, "low", r.pools[1].server.Name)
}

func TestIsRetryableClassifiesTransportKinds(t *testing.T) {
	retryable := xerrors.New("op", xerrors.TransportRetryable, nil)
	terminal := xerrors.New("op", xerrors.TransportTerminal, nil)

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(terminal))
}

func TestBackoffSleepHonorsCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backoffSleep(ctx, cfg, 1)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Cancelled))
}

func TestLeadingStatusCodeParsesStandardError(t *testing.T) {
	code, ok := leadingStatusCode("502 posting refused")
	require.True(t, ok)
	assert.Equal(t, 502, code)

	_, ok = leadingStatusCode("connection reset")
	assert.False(t, ok)
}

func TestRegistryRetrieveWithNoPoolsReturnsError(t *testing.T) {
	// No live server in this environment: a fresh Registry with no pools
	// (no servers configured) must simply report the "no servers"
	// condition rather than panic.
	r := NewRegistry(nil, DefaultConfig())
	_, err := r.Retrieve(context.Background(), "<msg@id>", "alt.test")
	require.Error(t, err)
}

func TestPoolAcquireTimesOutWhenSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = 50 * time.Millisecond
	p := NewPool(types.Server{Name: "only", MaxConnections: 1}, cfg)
	p.count = 1 // the pool's single slot is already in use, nothing idle to hand out

	start := time.Now()
	_, err := p.acquire(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.ResourceExhausted))
	assert.True(t, IsRetryable(err), "pool exhaustion must be retryable so Registry fails over to the next server")
	assert.GreaterOrEqual(t, elapsed, cfg.WaitTimeout)
}

func TestPoolAcquireCancellationReleasesPromptly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = time.Hour
	p := NewPool(types.Server{Name: "only", MaxConnections: 1}, cfg)
	p.count = 1

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.acquire(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Cancelled))
	assert.Less(t, elapsed, time.Second, "cancellation must release the waiter promptly, not wait out WaitTimeout")
}

func TestPoolAcquireWakesOnRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = time.Second
	p := NewPool(types.Server{Name: "only", MaxConnections: 1}, cfg)
	p.count = 1

	freed := &conn{state: StateInUse, lastUse: time.Now()}
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.release(freed, false)
	}()

	start := time.Now()
	c, err := p.acquire(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Same(t, freed, c)
	assert.Less(t, elapsed, cfg.WaitTimeout)
}
