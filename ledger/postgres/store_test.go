//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	"github.com/noahlevine1717/clawd-domain-marketplace/pkg/testutil/containers"
)

var epoch = time.Date(2026, 1, 28, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	require.NoError(t, Migrate(context.Background(), pg.Pool))
	return NewStore(pg.Pool)
}

func newPurchase(domain string) *ledger.Purchase {
	id := uuid.NewString()
	return &ledger.Purchase{
		ID:         id,
		Domain:     domain,
		Years:      1,
		Amount:     evm.MustParseAmount("12.99"),
		Status:     ledger.StatusPending,
		CreatedAt:  epoch,
		ExpiresAt:  epoch.Add(ledger.DefaultPurchaseTTL),
		UpdatedAt:  epoch,
		Nonce:      ledger.NonceFor(id),
		Registrant: json.RawMessage(`{"first_name":"Ada"}`),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, pg.Pool))
	require.NoError(t, Migrate(ctx, pg.Pool))

	var count int
	require.NoError(t, pg.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestStoreRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := newPurchase("clawd-test.com")
	require.NoError(t, s.Create(ctx, p))
	assert.ErrorIs(t, s.Create(ctx, p), ledger.ErrDuplicatePurchase)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Domain, got.Domain)
	assert.Equal(t, p.Amount, got.Amount)
	assert.Equal(t, p.Nonce, got.Nonce)
	assert.JSONEq(t, string(p.Registrant), string(got.Registrant))
	assert.True(t, p.ExpiresAt.Equal(got.ExpiresAt))
	assert.Empty(t, got.TxHash)

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, clawd.ErrPurchaseNotFound)
	_, err = s.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, clawd.ErrPurchaseNotFound)
}

func TestStoreTransition(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := newPurchase("clawd-test.com")
	require.NoError(t, s.Create(ctx, p))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.ProcessingSince.IsZero(), "Expected NULL processing_since on a fresh purchase")

	since := p.CreatedAt.Add(time.Minute)
	next, err := s.Transition(ctx, p.ID, []ledger.Status{ledger.StatusPending}, ledger.StatusProcessing, func(q *ledger.Purchase) error {
		q.TxHash = "0xAB00000000000000000000000000000000000000000000000000000000000001"
		q.Amount = evm.MustParseAmount("0.01")
		q.ProcessingSince = since
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessing, next.Status)
	got, err = s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, since.Equal(got.ProcessingSince), "Expected processing_since %v, got %v", since, got.ProcessingSince)
	assert.Equal(t, "0xab00000000000000000000000000000000000000000000000000000000000001", next.TxHash)
	assert.Equal(t, evm.MustParseAmount("12.99"), next.Amount)

	current, err := s.Transition(ctx, p.ID, []ledger.Status{ledger.StatusPending}, ledger.StatusProcessing, nil)
	assert.ErrorIs(t, err, ledger.ErrStatusConflict)
	require.NotNil(t, current)
	assert.Equal(t, ledger.StatusProcessing, current.Status)

	found, err := s.FindByTxHash(ctx, "0xAB00000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	listed, err := s.ListByStatus(ctx, ledger.StatusProcessing, ledger.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, p.ID, listed[0].ID)
}

func TestStoreTxHashUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a, b := newPurchase("a.com"), newPurchase("b.com")
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	setHash := func(q *ledger.Purchase) error {
		q.TxHash = "0x00000000000000000000000000000000000000000000000000000000000000ff"
		return nil
	}
	_, err := s.Transition(ctx, a.ID, []ledger.Status{ledger.StatusPending}, ledger.StatusProcessing, setHash)
	require.NoError(t, err)

	_, err = s.Transition(ctx, b.ID, []ledger.Status{ledger.StatusPending}, ledger.StatusProcessing, setHash)
	assert.ErrorIs(t, err, ledger.ErrTxHashInUse)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
}

func TestStoreTransitionSingleWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := newPurchase("race.com")
	require.NoError(t, s.Create(ctx, p))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, p.ID, []ledger.Status{ledger.StatusPending, ledger.StatusAwaitingPayment}, ledger.StatusProcessing, nil)
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStoreCompleteWithGrant(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	owner := "0x1111111111111111111111111111111111111111"
	p := newPurchase("owned.com")
	require.NoError(t, s.Create(ctx, p))
	_, err := s.Transition(ctx, p.ID, []ledger.Status{ledger.StatusPending}, ledger.StatusProcessing, nil)
	require.NoError(t, err)

	grant := &ledger.DomainGrant{
		Domain:       "Owned.com",
		OwnerWallet:  owner,
		RegisteredAt: epoch,
		ExpiresAt:    epoch.AddDate(1, 0, 0),
		Nameservers:  []string{"ns1.porkbun.com", "ns2.porkbun.com"},
		PurchaseID:   p.ID,
	}
	done, err := s.CompleteWithGrant(ctx, p.ID, grant, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, done.Status)

	_, err = s.CompleteWithGrant(ctx, p.ID, grant, nil)
	assert.ErrorIs(t, err, ledger.ErrStatusConflict)

	g, err := s.GetGrant(ctx, "OWNED.COM")
	require.NoError(t, err)
	assert.Equal(t, "owned.com", g.Domain)
	assert.Equal(t, grant.Nameservers, g.Nameservers)
	assert.True(t, grant.ExpiresAt.Equal(g.ExpiresAt))

	grants, err := s.ListGrantsByOwner(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	require.NoError(t, s.UpdateGrantNameservers(ctx, "owned.com", []string{"ns1.example.net"}))
	g, err = s.GetGrant(ctx, "owned.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns1.example.net"}, g.Nameservers)

	_, err = s.GetGrant(ctx, "missing.com")
	assert.ErrorIs(t, err, clawd.ErrGrantNotFound)
	assert.ErrorIs(t, s.UpdateGrantNameservers(ctx, "missing.com", nil), clawd.ErrGrantNotFound)
}
