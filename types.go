package clawd

import (
	"math/big"
	"strings"
)

// ProofKind tags which shape of payment evidence a client presented.
type ProofKind int

const (
	// ProofUnrecognized means no supported wire format matched.
	ProofUnrecognized ProofKind = iota
	// ProofSettledReference points at a transaction that is already on chain.
	ProofSettledReference
	// ProofUnsettledAuthorization carries a signed EIP-3009 authorization that
	// still has to be relayed.
	ProofUnsettledAuthorization
)

func (k ProofKind) String() string {
	switch k {
	case ProofSettledReference:
		return "settled_reference"
	case ProofUnsettledAuthorization:
		return "unsettled_authorization"
	default:
		return "unrecognized"
	}
}

// SettledReference is a transaction hash the client claims pays for a purchase.
// DeclaredPayer is informational only and never trusted. Recipient and Nonce
// are echoed back by attribute-list clients from the challenge; when present
// they must match the purchase.
type SettledReference struct {
	TxHash        string `json:"txHash"`
	DeclaredPayer string `json:"declaredPayer,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	// Legacy marks an x402 attribute-list reference. Those must echo the
	// challenge recipient and nonce.
	Legacy bool `json:"legacy,omitempty"`
}

// UnsettledAuthorization is a signed transferWithAuthorization the service relays.
type UnsettledAuthorization struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value"`
	ValidAfter  int64    `json:"validAfter"`
	ValidBefore int64    `json:"validBefore"`
	Nonce       string   `json:"nonce"`
	Signature   string   `json:"signature"`
}

// Key identifies the authorization on chain: the token contract tracks
// (authorizer, nonce) pairs and rejects a second use.
func (a *UnsettledAuthorization) Key() string {
	return strings.ToLower(a.From) + ":" + strings.ToLower(a.Nonce)
}

// Proof is the decoded form of a payment header. Exactly one of Settled and
// Authorization is set unless Kind is ProofUnrecognized, in which case Reason
// explains why each format was rejected.
type Proof struct {
	Kind          ProofKind
	Settled       *SettledReference
	Authorization *UnsettledAuthorization
	Reason        string
}
