package clients

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/vitwit/x402-facilitator/types"
)

// RetryPolicy bounds the attempts made for one RPC round trip.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// RetryPolicyFromConfig fills zero fields of cfg with defaults.
func RetryPolicyFromConfig(cfg types.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoff > 0 {
		p.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.AttemptTimeout > 0 {
		p.AttemptTimeout = cfg.AttemptTimeout
	}
	return p
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-transient error or the
// attempts run out. Exhausted transient failures become RPC_UNAVAILABLE or
// RPC_TIMEOUT.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return asInfrastructure(op, err, lastErr)
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := fn(actx)
		cancel()

		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return asInfrastructure(op, ctx.Err(), lastErr)
		case <-t.C:
		}
	}
	return asInfrastructure(op, lastErr, lastErr)
}

// retryValue is Do for calls returning a value.
func retryValue[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func asInfrastructure(op string, cause, last error) error {
	if last == nil {
		last = cause
	}
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	if isTimeout(cause) || isTimeout(last) {
		return types.NewX402Error(types.ErrRPCTimeout, op+" timed out", last)
	}
	return types.NewX402Error(types.ErrRPCUnavailable, op+" failed", last)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTransient reports whether err is worth retrying: timeouts, connection
// failures and HTTP 429/5xx responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if isTimeout(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var httpErr ethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// rate limited by the node
	var ethErr ethrpc.Error
	if errors.As(err, &ethErr) {
		return ethErr.ErrorCode() == -32005
	}
	var solErr *jsonrpc.RPCError
	if errors.As(err, &solErr) {
		return solErr.Code == -32005 || solErr.Code == 429
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"too many requests", "429", "502", "503", "504", "bad gateway",
		"service unavailable", "gateway timeout", "i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isRevert reports whether err is an EVM execution revert.
func isRevert(err error) bool {
	var ethErr ethrpc.Error
	if errors.As(err, &ethErr) && ethErr.ErrorCode() == 3 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
