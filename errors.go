package clawd

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by what the purchase flow may do next.
type ErrorKind string

const (
	// KindDecode means the payment proof could not be understood; the purchase
	// goes back to awaiting_payment.
	KindDecode ErrorKind = "decode"
	// KindVerification means settlement could not be established from valid
	// evidence; the purchase moves to payment_failed and may be retried.
	KindVerification ErrorKind = "verification"
	// KindRelayInfra covers relayer gas, RPC and confirmation problems. Retryable,
	// but a submitted transaction must not be resubmitted blindly.
	KindRelayInfra ErrorKind = "relay_infra"
	// KindPostSettlement means funds moved but the domain was not delivered.
	// Never retried automatically.
	KindPostSettlement ErrorKind = "post_settlement"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the client may present payment evidence again.
func (e *PaymentError) Retryable() bool {
	return e.Kind != KindPostSettlement
}

// Common error codes
const (
	ErrCodePaymentRequired     = "payment_required"
	ErrCodeUnrecognizedProof   = "unrecognized_payment_proof"
	ErrCodeInvalidPayment      = "invalid_payment"
	ErrCodeInsufficientFunds   = "insufficient_funds"
	ErrCodeRecipientMismatch   = "recipient_mismatch"
	ErrCodeSignatureInvalid    = "signature_invalid"
	ErrCodePaymentExpired      = "payment_expired"
	ErrCodeTransactionReused   = "transaction_already_used"
	ErrCodeSettlementFailed    = "settlement_failed"
	ErrCodeSettlementPending   = "settlement_pending"
	ErrCodeRelayerUnavailable  = "relayer_unavailable"
	ErrCodeRegistrationFailed  = "registration_failed"
	ErrCodeRegistrationErrored = "registration_error"
)

// NewPaymentError creates a new payment error
func NewPaymentError(kind ErrorKind, code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// AsPaymentError unwraps err into a *PaymentError when it is one.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Purchase lifecycle errors
var (
	ErrPurchaseNotFound  = errors.New("clawd: purchase not found")
	ErrPurchaseBusy      = errors.New("clawd: payment for this purchase is already being processed")
	ErrPurchaseExpired   = errors.New("clawd: purchase has expired")
	ErrInvalidTransition = errors.New("clawd: invalid purchase status transition")
	ErrGrantNotFound     = errors.New("clawd: domain not found")
	ErrNotDomainOwner    = errors.New("clawd: wallet does not own this domain")
)
