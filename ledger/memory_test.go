package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

func newPurchase(id string) *Purchase {
	return &Purchase{
		ID:        id,
		Domain:    id + ".com",
		Years:     1,
		Amount:    evm.MustParseAmount("12.99"),
		Status:    StatusPending,
		CreatedAt: epoch,
		ExpiresAt: epoch.Add(DefaultPurchaseTTL),
		UpdatedAt: epoch,
		Nonce:     NonceFor(id),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newPurchase("a")))
	assert.ErrorIs(t, s.Create(ctx, newPurchase("a")), ErrDuplicatePurchase)

	p, err := s.Get(ctx, "a")
	require.NoError(t, err)
	p.Amount.SetInt64(1)

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, evm.MustParseAmount("12.99"), again.Amount, "Get must not alias stored state")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, clawd.ErrPurchaseNotFound)
}

func TestMemoryStoreTransitionCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newPurchase("a")))

	p, err := s.Transition(ctx, "a", []Status{StatusPending}, StatusProcessing, func(q *Purchase) error {
		q.Domain = "hijacked.com"
		q.Amount = evm.MustParseAmount("0.01")
		q.LastError = "noted"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, "a.com", p.Domain)
	assert.Equal(t, evm.MustParseAmount("12.99"), p.Amount)
	assert.Equal(t, "noted", p.LastError)

	current, err := s.Transition(ctx, "a", []Status{StatusPending}, StatusProcessing, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)
	require.NotNil(t, current)
	assert.Equal(t, StatusProcessing, current.Status)
}

func TestMemoryStoreTransitionExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newPurchase("a")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(ctx, "a", payable, StatusProcessing, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStoreTxHashUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newPurchase("a")))
	require.NoError(t, s.Create(ctx, newPurchase("b")))

	hash := "0x" + "AB00000000000000000000000000000000000000000000000000000000000001"
	setHash := func(h string) Mutation {
		return func(q *Purchase) error {
			q.TxHash = h
			return nil
		}
	}

	_, err := s.Transition(ctx, "a", []Status{StatusPending}, StatusProcessing, setHash(hash))
	require.NoError(t, err)

	_, err = s.Transition(ctx, "b", []Status{StatusPending}, StatusProcessing, setHash(hash))
	assert.ErrorIs(t, err, ErrTxHashInUse)
	b, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status, "a rejected transition must not change the record")

	// Recording the same hash again on its owner is fine.
	_, err = s.Transition(ctx, "a", []Status{StatusProcessing}, StatusProcessing, setHash(hash))
	require.NoError(t, err)

	found, err := s.FindByTxHash(ctx, "0xab00000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "a", found.ID)
}

func TestMemoryStoreGrants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner := "0x1111111111111111111111111111111111111111"

	for i, id := range []string{"old", "new"} {
		require.NoError(t, s.Create(ctx, newPurchase(id)))
		_, err := s.Transition(ctx, id, []Status{StatusPending}, StatusProcessing, nil)
		require.NoError(t, err)
		p, err := s.CompleteWithGrant(ctx, id, &DomainGrant{
			Domain:       id + ".COM",
			OwnerWallet:  owner,
			RegisteredAt: epoch.Add(time.Duration(i) * time.Hour),
			PurchaseID:   id,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, p.Status)
	}

	grants, err := s.ListGrantsByOwner(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "new.com", grants[0].Domain)

	_, err = s.CompleteWithGrant(ctx, "old", &DomainGrant{Domain: "old.com"}, nil)
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, s.UpdateGrantNameservers(ctx, "old.com", []string{"ns1.example.net"}))
	g, err := s.GetGrant(ctx, "OLD.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns1.example.net"}, g.Nameservers)

	assert.ErrorIs(t, s.UpdateGrantNameservers(ctx, "none.com", nil), clawd.ErrGrantNotFound)
}

func TestStatusEdges(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusPaymentFailed, StatusProcessing))
	assert.False(t, CanTransition(StatusExpired, StatusProcessing))
	assert.False(t, CanTransition(StatusCompleted, StatusProcessing))
	assert.False(t, CanTransition(StatusProcessing, StatusExpired))
	assert.False(t, CanTransition(StatusRegistrationFailed, StatusAwaitingPayment))

	for _, s := range []Status{StatusCompleted, StatusExpired, StatusRegistrationFailed, StatusError} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusProcessing.Expirable())
	assert.True(t, StatusError.NeedsReconciliation())
}
