package clients

import (
	"context"
	"strings"
	"sync"

	"github.com/vitwit/x402-facilitator/types"
)

// NonceManager hands out account nonces for one (network, signer) pair.
// Send holds the lock across allocation, signing and broadcast so
// transactions leave in nonce order; callers poll for confirmation after
// Send returns.
type NonceManager struct {
	mu      sync.Mutex
	next    uint64
	synced  bool
	pending func(ctx context.Context) (uint64, error)
}

// NewNonceManager syncs lazily from pending, normally PendingNonceAt.
func NewNonceManager(pending func(ctx context.Context) (uint64, error)) *NonceManager {
	return &NonceManager{pending: pending}
}

// Send calls broadcast with the next nonce. The nonce is consumed only when
// broadcast succeeds. A plain nonce collision resyncs and retries once; any
// other failure, including an X402Error, resyncs on the next call.
func (m *NonceManager) Send(ctx context.Context, broadcast func(ctx context.Context, nonce uint64) error) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if !m.synced {
			n, err := m.pending(ctx)
			if err != nil {
				return 0, err
			}
			m.next, m.synced = n, true
		}

		nonce := m.next
		err := broadcast(ctx, nonce)
		if err == nil {
			m.next++
			return nonce, nil
		}
		m.synced = false
		// coded errors are final: the broadcast may already have landed
		if attempt == 0 && types.ErrorCode(err) == "" && isNonceCollision(err) {
			continue
		}
		return 0, err
	}
}

// Reset forces a resync before the next allocation.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	m.synced = false
	m.mu.Unlock()
}

func isNonceCollision(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
