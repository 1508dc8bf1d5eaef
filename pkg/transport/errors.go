package transport

import (
	"context"
	"crypto/rand"
	"math/big"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// classifyDialErr maps a raw dial failure into the spec's retryable/
// terminal taxonomy: timeouts and connection resets are transient,
// everything else about the network itself is treated as retryable too
// since a dial failure never carries server-policy information.
func classifyDialErr(err error) error {
	return xerrors.New("transport.dial", xerrors.TransportRetryable, err)
}

// classifyProtocolErr inspects an NNTP-style status-line error. textproto's
// *textproto.Error carries the numeric code directly; codes ≥500 (rejected
// by policy, authentication failure) are terminal, everything else
// (4xx temporary failures, read/parse errors) is retryable.
func classifyProtocolErr(err error, context string) error {
	if pe, ok := err.(*textproto.Error); ok && pe.Code >= 500 {
		return xerrors.New("transport."+context, xerrors.TransportTerminal, err)
	}
	if code, ok := leadingStatusCode(err.Error()); ok && code >= 500 {
		return xerrors.New("transport."+context, xerrors.TransportTerminal, err)
	}
	return xerrors.New("transport."+context, xerrors.TransportRetryable, err)
}

func leadingStatusCode(msg string) (int, bool) {
	fields := strings.Fields(msg)
	if len(fields) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsRetryable reports whether err should feed the failover/backoff loop.
// A pool exhausted on one server (ResourceExhausted) fails over to the
// next rather than surfacing outright, matching a retryable transport
// error; a genuinely saturated registry still ends the loop once every
// pool has been tried up to MaxAttempts.
func IsRetryable(err error) bool {
	return xerrors.Is(err, xerrors.TransportRetryable) || xerrors.Is(err, xerrors.ResourceExhausted) || isNetTimeout(err)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	if e, ok := err.(net.Error); ok {
		ne = e
		return ne.Timeout()
	}
	return false
}

// backoffSleep waits an exponential, jittered delay before the next
// failover attempt, honoring ctx cancellation.
func backoffSleep(ctx context.Context, cfg Config, attempt int) error {
	delay := cfg.BaseBackoff << uint(attempt-1)
	if delay > cfg.MaxBackoff || delay <= 0 {
		delay = cfg.MaxBackoff
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(delay)+1))
	if err == nil {
		delay = delay/2 + time.Duration(jitter.Int64())
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return xerrors.New("transport.backoffSleep", xerrors.Cancelled, ctx.Err())
	}
}
