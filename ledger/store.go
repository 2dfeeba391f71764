package ledger

import (
	"context"
	"errors"
)

var (
	// ErrStatusConflict is returned by Transition when the purchase is no
	// longer in one of the expected states. The current record is returned
	// alongside it.
	ErrStatusConflict = errors.New("ledger: purchase status changed concurrently")

	// ErrTxHashInUse is returned when recording a transaction hash that is
	// already recorded on another purchase.
	ErrTxHashInUse = errors.New("ledger: transaction hash already recorded on another purchase")

	// ErrDuplicatePurchase is returned by Create for an id that exists.
	ErrDuplicatePurchase = errors.New("ledger: purchase already exists")
)

// Mutation edits a purchase inside a transition. Returning an error aborts
// the transition and leaves the record untouched.
type Mutation func(p *Purchase) error

// Store persists purchases and domain grants. Implementations must make
// Transition an atomic compare-and-set on status.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id string) (*Purchase, error)

	// Transition moves purchase id to status to if its current status is one
	// of from, applying mutate first. from may contain to, which records
	// evidence without changing status. On a status mismatch it returns the
	// current record and ErrStatusConflict.
	Transition(ctx context.Context, id string, from []Status, to Status, mutate Mutation) (*Purchase, error)

	// CompleteWithGrant moves id from processing to completed and writes the
	// grant, replacing any grant for the same domain, in one step.
	CompleteWithGrant(ctx context.Context, id string, grant *DomainGrant, mutate Mutation) (*Purchase, error)

	// FindByTxHash returns the purchase that recorded txHash, or
	// clawd.ErrPurchaseNotFound.
	FindByTxHash(ctx context.Context, txHash string) (*Purchase, error)

	// ListByStatus returns purchases in any of statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Purchase, error)

	GetGrant(ctx context.Context, domain string) (*DomainGrant, error)
	ListGrantsByOwner(ctx context.Context, wallet string) ([]*DomainGrant, error)
	UpdateGrantNameservers(ctx context.Context, domain string, nameservers []string) error
}
