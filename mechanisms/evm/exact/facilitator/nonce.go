package facilitator

import (
	"context"
	"sync"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// nonceManager serializes submissions from the relayer account and hands out
// account nonces in order. The chain's pending nonce is read once and then
// tracked locally; a failed broadcast resets it so the next submission
// resynchronizes with the node.
type nonceManager struct {
	mu      sync.Mutex
	client  evm.ChainClient
	address string
	next    uint64
	synced  bool
}

func newNonceManager(client evm.ChainClient, address string) *nonceManager {
	return &nonceManager{client: client, address: address}
}

// withNonce runs submit holding the account lock with the next nonce. The
// nonce is consumed only when submit returns nil.
func (m *nonceManager) withNonce(ctx context.Context, submit func(nonce uint64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synced {
		pending, err := m.client.PendingNonceAt(ctx, m.address)
		if err != nil {
			return err
		}
		m.next = pending
		m.synced = true
	}

	if err := submit(m.next); err != nil {
		m.synced = false
		return err
	}
	m.next++
	return nil
}
