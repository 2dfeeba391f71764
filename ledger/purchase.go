// Package ledger is the authoritative record of a purchase's lifecycle. It
// is the only component that asks the registrar to register a domain, and it
// does so only after settlement has been established on chain.
package ledger

import (
	"encoding/json"
	"math/big"
	"slices"
	"time"
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusPending            Status = "pending"
	StatusAwaitingPayment    Status = "awaiting_payment"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusPaymentFailed      Status = "payment_failed"
	StatusRegistrationFailed Status = "registration_failed"
	StatusError              Status = "error"
	StatusExpired            Status = "expired"
)

// edges lists every permitted status change.
var edges = map[Status][]Status{
	StatusPending:         {StatusAwaitingPayment, StatusProcessing, StatusExpired},
	StatusAwaitingPayment: {StatusProcessing, StatusExpired},
	StatusProcessing: {
		StatusCompleted,
		StatusPaymentFailed,
		StatusAwaitingPayment,
		StatusRegistrationFailed,
		StatusError,
	},
	StatusPaymentFailed: {StatusAwaitingPayment, StatusProcessing, StatusExpired},
}

// expirable are the states an offer can expire from: no funds have moved.
var expirable = []Status{StatusPending, StatusAwaitingPayment, StatusPaymentFailed}

// payable are the states a proof submission can start from.
var payable = []Status{StatusPending, StatusAwaitingPayment, StatusPaymentFailed}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	return slices.Contains(edges[from], to)
}

// Terminal reports whether nothing moves the purchase out of s.
func (s Status) Terminal() bool {
	return len(edges[s]) == 0
}

// Expirable reports whether s may still lapse into expired.
func (s Status) Expirable() bool {
	return slices.Contains(expirable, s)
}

// NeedsReconciliation reports whether funds may have moved without delivery.
func (s Status) NeedsReconciliation() bool {
	return s == StatusRegistrationFailed || s == StatusError
}

// Purchase is one offer to sell a domain for a fixed USDC amount.
type Purchase struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	Years  int    `json:"years"`
	// Amount is in USDC units (6 decimals).
	Amount    *big.Int  `json:"amount"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// ProcessingSince is when the purchase last entered processing.
	ProcessingSince time.Time `json:"processing_since,omitzero"`
	// Nonce binds legacy settled references to this purchase.
	Nonce      string          `json:"nonce"`
	Registrant json.RawMessage `json:"registrant,omitempty"`

	// Settlement evidence. Payer is only ever a verified transfer sender.
	Payer     string `json:"payer,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	Signature string `json:"signature,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// NonceFor derives the challenge nonce of a purchase id.
func NonceFor(id string) string {
	return "clawd-" + id
}

// Expired reports whether the offer window has closed at now.
func (p *Purchase) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ProcessingStarted is ProcessingSince, or CreatedAt for rows written before
// it was tracked.
func (p *Purchase) ProcessingStarted() time.Time {
	if p.ProcessingSince.IsZero() {
		return p.CreatedAt
	}
	return p.ProcessingSince
}

// Clone returns a deep copy, so callers never alias store state.
func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Amount != nil {
		cp.Amount = new(big.Int).Set(p.Amount)
	}
	if p.Registrant != nil {
		cp.Registrant = append(json.RawMessage(nil), p.Registrant...)
	}
	return &cp
}

// DomainGrant records who owns a domain sold through the marketplace.
type DomainGrant struct {
	Domain       string    `json:"domain_name"`
	OwnerWallet  string    `json:"owner_wallet"`
	RegisteredAt time.Time `json:"registered_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Nameservers  []string  `json:"nameservers"`
	PurchaseID   string    `json:"purchase_id"`
}

func (g *DomainGrant) Clone() *DomainGrant {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Nameservers = append([]string(nil), g.Nameservers...)
	return &cp
}
