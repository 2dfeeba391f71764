// Package registrar is the boundary to the domain registrar. Porkbun talks to
// the real API; Fake is a deterministic stand-in selected in mock mode.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"
)

// Status is the registrar's verdict on a request.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// DefaultNameservers are assigned to newly registered domains.
var DefaultNameservers = []string{"ns1.porkbun.com", "ns2.porkbun.com"}

// ErrDomainNotInAccount is returned when the registrar does not manage the domain.
var ErrDomainNotInAccount = errors.New("registrar: domain not found in account")

// Registration is the result of Register. A non-nil Registration with
// StatusError means the registrar answered and refused; an error return means
// the outcome is unknown.
type Registration struct {
	Status      Status    `json:"status"`
	Domain      string    `json:"domain"`
	Expiration  time.Time `json:"expiration"`
	Nameservers []string  `json:"nameservers"`
	Message     string    `json:"message,omitempty"`
}

// Availability is the answer to a domain check. Registration and Renewal are
// the registrar's own cost in USDC units, nil when it did not quote one.
type Availability struct {
	Domain       string
	Available    bool
	Premium      bool
	Registration *big.Int
	Renewal      *big.Int
}

// AuthCode carries a transfer-out code, or instructions for fetching it by
// hand when the registrar has no API for it.
type AuthCode struct {
	Code           string   `json:"auth_code,omitempty"`
	ManualRequired bool     `json:"manual_required,omitempty"`
	Instructions   []string `json:"instructions,omitempty"`
	DashboardURL   string   `json:"dashboard_url,omitempty"`
}

// DNSRecord is a record in the registrar's DNS zone.
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Prio    int    `json:"prio,omitempty"`
}

// Registrant is the ICANN contact that becomes the legal owner of a domain.
type Registrant struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Country   string `json:"country"`
}

// DecodeRegistrant parses an opaque registrant payload, falling back to def
// for a missing payload and filling missing fields from it.
func DecodeRegistrant(raw json.RawMessage, def Registrant) (Registrant, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return def, nil
	}
	r := def
	if err := json.Unmarshal(raw, &r); err != nil {
		return Registrant{}, err
	}
	if r.Country == "" {
		r.Country = "US"
	}
	return r, nil
}

// Registrar registers domains. It is the only call the purchase ledger makes
// after settlement.
type Registrar interface {
	Register(ctx context.Context, domain string, years int, registrant json.RawMessage) (*Registration, error)
}

// Client is the full registrar surface used by the HTTP API.
type Client interface {
	Registrar

	Check(ctx context.Context, domain string) (*Availability, error)
	AuthCode(ctx context.Context, domain string) (*AuthCode, error)
	UpdateNameservers(ctx context.Context, domain string, nameservers []string) error
	ListDNS(ctx context.Context, domain string) ([]DNSRecord, error)
	CreateDNS(ctx context.Context, domain string, record DNSRecord) (string, error)
	DeleteDNS(ctx context.Context, domain, recordID string) error
}
