// Package transport drives the multi-server connection pools that post and
// retrieve articles on the message-oriented network. Every upstream server
// gets its own Pool; callers never see a raw net.Conn, only the
// post/retrieve/search operations below.
package transport

import (
	"context"
	"time"

	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// ConnState mirrors the connection lifecycle exactly.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
	StateInUse        ConnState = "in_use"
	StateBroken       ConnState = "broken"
)

// Config tunes retry/backoff/timeout behavior shared by every Pool.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	IdleTTL      time.Duration
	DialTimeout  time.Duration
	WaitTimeout  time.Duration
}

// DefaultConfig matches the spec's "bounded attempt count with exponential
// backoff and jitter" language with conservative, commodity-hardware values.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		IdleTTL:     90 * time.Second,
		DialTimeout: 10 * time.Second,
		WaitTimeout: 30 * time.Second,
	}
}

// Registry holds one Pool per configured server, ordered by priority
// (highest first), and is the only component in the process allowed to
// open a raw connection — every other component borrows through it.
type Registry struct {
	cfg   Config
	pools []*Pool
}

// NewRegistry builds a Pool per enabled server, sorted by descending
// Priority (ties keep input order).
func NewRegistry(servers []types.Server, cfg Config) *Registry {
	r := &Registry{cfg: cfg}
	ordered := make([]types.Server, 0, len(servers))
	for _, s := range servers {
		if s.Enabled {
			ordered = append(ordered, s)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority > ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, s := range ordered {
		r.pools = append(r.pools, NewPool(s, cfg))
	}
	return r
}

// Post posts body under subject to group, failing over across servers in
// priority order on retryable errors, per spec §4.D server selection.
func (r *Registry) Post(ctx context.Context, subject, group string, body []byte) (string, error) {
	if len(r.pools) == 0 {
		return "", xerrors.New("transport.Registry.Post", xerrors.ResourceExhausted, nil)
	}
	var lastErr error
	attempts := 0
	for _, pool := range r.pools {
		if attempts >= r.cfg.MaxAttempts {
			break
		}
		id, err := pool.post(ctx, subject, group, body)
		attempts++
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
		if waitErr := backoffSleep(ctx, r.cfg, attempts); waitErr != nil {
			return "", waitErr
		}
	}
	return "", lastErr
}

// Retrieve fetches the body for messageID, failing over the same way Post
// does.
func (r *Registry) Retrieve(ctx context.Context, messageID, group string) ([]byte, error) {
	if len(r.pools) == 0 {
		return nil, xerrors.New("transport.Registry.Retrieve", xerrors.ResourceExhausted, nil)
	}
	var lastErr error
	attempts := 0
	for _, pool := range r.pools {
		if attempts >= r.cfg.MaxAttempts {
			break
		}
		body, err := pool.retrieve(ctx, messageID, group)
		attempts++
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if waitErr := backoffSleep(ctx, r.cfg, attempts); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, lastErr
}

// Search is best-effort, hits only the primary (highest-priority) pool, and
// is never relied on for correctness per spec §4.D.
func (r *Registry) Search(ctx context.Context, group, subjectPattern string, limit int) ([]string, error) {
	if len(r.pools) == 0 {
		return nil, nil
	}
	return r.pools[0].search(ctx, group, subjectPattern, limit)
}

// Ready reports whether the registry has at least one enabled upstream
// server pool to hand out connections from. Health/readiness probes use
// this as the transport component's liveness signal, since a registry
// with zero pools can never complete a Post or Retrieve.
func (r *Registry) Ready() bool {
	return len(r.pools) > 0
}

// Close tears down every pool's idle connections.
func (r *Registry) Close() {
	for _, p := range r.pools {
		p.Close()
	}
}
