package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/shardkeep/shardkeep/pkg/types"
	"github.com/shardkeep/shardkeep/pkg/xerrors"
	"github.com/shardkeep/shardkeep/pkg/xlog"
)

var log = xlog.WithComponent("transport")

// conn wraps one authenticated session to a single server.
type conn struct {
	text    *textproto.Conn
	raw     net.Conn
	state   ConnState
	lastUse time.Time
}

// Pool is the warm connection pool for one configured server, capped at
// server.MaxConnections, per spec §4.D.
type Pool struct {
	server types.Server
	cfg    Config

	mu      sync.Mutex
	idle    []*conn
	count   int
	waiters chan struct{} // closed and replaced whenever a slot may have freed
}

// NewPool constructs an (initially empty) pool for server; connections are
// dialed lazily on first use.
func NewPool(server types.Server, cfg Config) *Pool {
	return &Pool{server: server, cfg: cfg, waiters: make(chan struct{})}
}

// wake must be called with p.mu held, whenever an idle connection becomes
// available or count drops below the server's ceiling, so any acquire
// blocked in the wait loop below re-checks immediately instead of idling
// out to its full WaitTimeout.
func (p *Pool) wake() {
	close(p.waiters)
	p.waiters = make(chan struct{})
}

// acquire hands out a ready connection, reusing an idle one or dialing a
// fresh one while count is under the server's ceiling. Once the pool is
// saturated, the caller blocks on the next wake (a release or a dial
// failure freeing a slot) up to cfg.WaitTimeout; context cancellation
// releases the waiter promptly, per spec §4.D.
func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	deadline := time.Now().Add(p.cfg.WaitTimeout)
	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if time.Since(c.lastUse) > p.cfg.IdleTTL {
				p.count--
				c.close()
				continue
			}
			c.state = StateInUse
			p.mu.Unlock()
			return c, nil
		}
		if p.count < p.server.MaxConnections {
			p.count++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.count--
				p.wake()
				p.mu.Unlock()
				return nil, err
			}
			return c, nil
		}
		wake := p.waiters
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, xerrors.New("transport.Pool.acquire", xerrors.ResourceExhausted, fmt.Errorf("timed out waiting for a free connection to %s", p.server.Name))
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, xerrors.New("transport.Pool.acquire", xerrors.ResourceExhausted, fmt.Errorf("timed out waiting for a free connection to %s", p.server.Name))
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.New("transport.Pool.acquire", xerrors.Cancelled, ctx.Err())
		}
	}
}

func (p *Pool) release(c *conn, broken bool) {
	if broken {
		c.state = StateBroken
		c.close()
		p.mu.Lock()
		p.count--
		p.wake()
		p.mu.Unlock()
		return
	}
	c.state = StateReady
	c.lastUse = time.Now()
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.wake()
	p.mu.Unlock()
}

func (p *Pool) dial(ctx context.Context) (*conn, error) {
	addr := fmt.Sprintf("%s:%d", p.server.Host, p.server.Port)
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}

	var raw net.Conn
	var err error
	if p.server.TLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer}
		raw, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, classifyDialErr(err)
	}

	text := textproto.NewConn(raw)
	if _, _, err := text.ReadCodeLine(200); err != nil {
		text.Close()
		return nil, xerrors.New("transport.Pool.dial", xerrors.TransportRetryable, err)
	}

	if p.server.Username != "" {
		if err := authenticate(text, p.server.Username, p.server.Password); err != nil {
			text.Close()
			return nil, err
		}
	}

	return &conn{text: text, raw: raw, state: StateReady, lastUse: time.Now()}, nil
}

func authenticate(text *textproto.Conn, user, pass string) error {
	id, err := text.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return xerrors.New("transport.authenticate", xerrors.TransportRetryable, err)
	}
	text.StartResponse(id)
	code, _, err := text.ReadCodeLine(381)
	text.EndResponse(id)
	if err != nil && code != 281 {
		id, err = text.Cmd("AUTHINFO PASS %s", pass)
		if err != nil {
			return xerrors.New("transport.authenticate", xerrors.TransportRetryable, err)
		}
		text.StartResponse(id)
		_, _, err = text.ReadCodeLine(281)
		text.EndResponse(id)
		if err != nil {
			return xerrors.New("transport.authenticate", xerrors.TransportTerminal, err)
		}
	}
	return nil
}

func (c *conn) close() {
	if c.text != nil {
		c.text.Close()
	}
}

// healthCheck performs the lightweight group-select call the spec requires
// before a connection is handed out.
func (p *Pool) healthCheck(c *conn) error {
	group := p.server.DefaultGroup
	if group == "" {
		return nil
	}
	id, err := c.text.Cmd("GROUP %s", group)
	if err != nil {
		return xerrors.New("transport.Pool.healthCheck", xerrors.TransportRetryable, err)
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	if _, _, err := c.text.ReadCodeLine(211); err != nil {
		return xerrors.New("transport.Pool.healthCheck", xerrors.TransportRetryable, err)
	}
	return nil
}

// Close discards all idle connections.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.close()
	}
	p.idle = nil
	p.count = 0
	p.wake()
}

func (p *Pool) withConn(ctx context.Context, fn func(*conn) error) error {
	c, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	if err := p.healthCheck(c); err != nil {
		p.release(c, true)
		return err
	}

	deadline, ok := ctx.Deadline()
	if ok {
		c.raw.SetDeadline(deadline)
	}

	done := make(chan error, 1)
	go func() { done <- fn(c) }()

	select {
	case err := <-done:
		p.release(c, err != nil)
		return err
	case <-ctx.Done():
		p.release(c, true)
		log.Debug().Str("server", p.server.Name).Msg("transport operation cancelled, connection discarded")
		return xerrors.New("transport.Pool.withConn", xerrors.Cancelled, ctx.Err())
	}
}
