package ledger

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
)

// MemoryStore is a Store held in process memory, used in mock mode and tests.
type MemoryStore struct {
	mu        sync.Mutex
	purchases map[string]*Purchase
	txIndex   map[string]string
	grants    map[string]*DomainGrant
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
		txIndex:   make(map[string]string),
		grants:    make(map[string]*DomainGrant),
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.ID]; ok {
		return ErrDuplicatePurchase
	}
	s.purchases[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, clawd.ErrPurchaseNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status, mutate Mutation) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to, mutate)
}

// transitionLocked applies a compare-and-set. Must be called with lock held.
func (s *MemoryStore) transitionLocked(id string, from []Status, to Status, mutate Mutation) (*Purchase, error) {
	current, ok := s.purchases[id]
	if !ok {
		return nil, clawd.ErrPurchaseNotFound
	}
	if !slices.Contains(from, current.Status) {
		return current.Clone(), ErrStatusConflict
	}

	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	// Identity and price are fixed at creation.
	next.ID, next.Domain, next.Years = current.ID, current.Domain, current.Years
	next.Amount, next.Nonce, next.CreatedAt = current.Amount, current.Nonce, current.CreatedAt
	next.Status = to

	if hash := strings.ToLower(next.TxHash); hash != "" && hash != strings.ToLower(current.TxHash) {
		if owner, ok := s.txIndex[hash]; ok && owner != id {
			return nil, ErrTxHashInUse
		}
		s.txIndex[hash] = id
	}

	s.purchases[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) CompleteWithGrant(ctx context.Context, id string, grant *DomainGrant, mutate Mutation) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.transitionLocked(id, []Status{StatusProcessing}, StatusCompleted, mutate)
	if err != nil {
		return p, err
	}
	g := grant.Clone()
	g.Domain = strings.ToLower(g.Domain)
	s.grants[g.Domain] = g
	return p, nil
}

func (s *MemoryStore) FindByTxHash(ctx context.Context, txHash string) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.txIndex[strings.ToLower(txHash)]
	if !ok {
		return nil, clawd.ErrPurchaseNotFound
	}
	return s.purchases[id].Clone(), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Purchase
	for _, p := range s.purchases {
		if slices.Contains(statuses, p.Status) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, domain string) (*DomainGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[strings.ToLower(domain)]
	if !ok {
		return nil, clawd.ErrGrantNotFound
	}
	return g.Clone(), nil
}

func (s *MemoryStore) ListGrantsByOwner(ctx context.Context, wallet string) ([]*DomainGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DomainGrant
	for _, g := range s.grants {
		if strings.EqualFold(g.OwnerWallet, wallet) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	return out, nil
}

func (s *MemoryStore) UpdateGrantNameservers(ctx context.Context, domain string, nameservers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[strings.ToLower(domain)]
	if !ok {
		return clawd.ErrGrantNotFound
	}
	g.Nameservers = append([]string(nil), nameservers...)
	return nil
}

var _ Store = (*MemoryStore)(nil)
