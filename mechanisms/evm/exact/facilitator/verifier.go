// Package facilitator establishes settlement of USDC payments on Base, either
// by verifying a transaction the payer already mined or by relaying a signed
// EIP-3009 authorization and paying its gas.
package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

const (
	// DefaultReceiptAttempts bounds receipt polling for settled references.
	DefaultReceiptAttempts = 30
	// DefaultReceiptBackoff is the fixed delay between receipt polls.
	DefaultReceiptBackoff = 2 * time.Second
)

// VerifyOutcome is the result of checking a settled transaction.
type VerifyOutcome struct {
	Verified      bool            `json:"verified"`
	TxHash        string          `json:"txHash"`
	SettledAmount *big.Int        `json:"settledAmount,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	Kind          clawd.ErrorKind `json:"kind,omitempty"`
}

// Unknown reports whether the outcome could not be decided either way, such as
// an RPC failure or a transaction that is not yet visible.
func (o VerifyOutcome) Unknown() bool {
	return !o.Verified && (o.Kind == clawd.KindRelayInfra || o.Reason == ErrTransactionNotFound)
}

// Verifier confirms that a mined transaction moved at least the expected
// amount of USDC to the treasury.
type Verifier struct {
	client   evm.ChainClient
	asset    evm.AssetInfo
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
	hooks    *Hooks
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithReceiptPolling sets how many times, and how far apart, the receipt is
// requested before the transaction is reported as not found.
func WithReceiptPolling(attempts int, backoff time.Duration) VerifierOption {
	return func(v *Verifier) {
		if attempts > 0 {
			v.attempts = attempts
		}
		v.backoff = backoff
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithVerifierHooks attaches lifecycle hooks.
func WithVerifierHooks(h *Hooks) VerifierOption {
	return func(v *Verifier) {
		v.hooks = h
	}
}

// NewVerifier creates a Verifier for USDC on Base.
func NewVerifier(client evm.ChainClient, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		client:   client,
		asset:    evm.BaseUSDC,
		attempts: DefaultReceiptAttempts,
		backoff:  DefaultReceiptBackoff,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks txHash for a Transfer of at least expectedAmount (in token
// units) to expectedRecipient.
//
// Every Transfer log in the receipt is considered: logs to other recipients
// and underpayments are skipped, and the first qualifying log wins. When no
// log qualifies but some paid the treasury too little, the reason carries the
// shortfall of the closest one.
func (v *Verifier) Verify(ctx context.Context, txHash string, expectedAmount *big.Int, expectedRecipient string) VerifyOutcome {
	start := time.Now()
	outcome := v.verify(ctx, txHash, expectedAmount, expectedRecipient)
	v.hooks.afterVerifyDone(ctx, txHash, outcome, time.Since(start))

	fields := []zap.Field{
		zap.String("tx_hash", txHash),
		zap.Bool("verified", outcome.Verified),
		zap.String("expected_amount", evm.FormatUSDC(expectedAmount)),
	}
	if outcome.Verified {
		v.logger.Info("transfer verified", append(fields, zap.String("sender", outcome.Sender))...)
	} else {
		v.logger.Warn("transfer not verified", append(fields, zap.String("reason", outcome.Reason), zap.String("error", outcome.Error))...)
	}
	return outcome
}

func (v *Verifier) verify(ctx context.Context, txHash string, expectedAmount *big.Int, expectedRecipient string) VerifyOutcome {
	fail := func(kind clawd.ErrorKind, reason, msg string) VerifyOutcome {
		return VerifyOutcome{TxHash: txHash, Reason: reason, Error: msg, Kind: kind}
	}

	if !clawd.IsTxHash(txHash) {
		return fail(clawd.KindDecode, ErrInvalidTxHash, "invalid transaction hash format")
	}
	if expectedAmount == nil || expectedAmount.Sign() <= 0 {
		return fail(clawd.KindVerification, ErrInvalidRequiredAmount, "expected amount must be positive")
	}
	if !clawd.IsWalletAddress(expectedRecipient) {
		return fail(clawd.KindVerification, ErrInvalidRequiredReceiver, "invalid treasury address")
	}

	receipt, err := v.pollReceipt(ctx, txHash)
	if err != nil {
		return fail(clawd.KindRelayInfra, ErrFailedToGetReceipt, fmt.Sprintf("verification error: %v", err))
	}
	if receipt == nil {
		return fail(clawd.KindVerification, ErrTransactionNotFound, "transaction not found")
	}
	if receipt.Status != evm.TxStatusSuccess {
		return fail(clawd.KindVerification, ErrTransactionFailed, "transaction failed")
	}

	var closest *evm.TransferEvent
	for _, l := range receipt.Logs {
		transfer, ok := evm.DecodeTransferLog(l, v.asset.Address)
		if !ok || !clawd.SameAddress(transfer.To, expectedRecipient) {
			continue
		}
		if transfer.Value.Cmp(expectedAmount) >= 0 {
			return VerifyOutcome{
				Verified:      true,
				TxHash:        txHash,
				SettledAmount: transfer.Value,
				Sender:        transfer.From,
				Recipient:     transfer.To,
			}
		}
		if closest == nil || transfer.Value.Cmp(closest.Value) > 0 {
			t := transfer
			closest = &t
		}
	}

	if closest != nil {
		shortfall := new(big.Int).Sub(expectedAmount, closest.Value)
		out := fail(clawd.KindVerification, ErrInsufficientAmount, fmt.Sprintf(
			"amount %s is less than expected %s (short by %s)",
			evm.FormatUSDC(closest.Value), evm.FormatUSDC(expectedAmount), evm.FormatUSDC(shortfall),
		))
		out.SettledAmount = closest.Value
		out.Sender = closest.From
		out.Recipient = closest.To
		return out
	}
	return fail(clawd.KindVerification, ErrNoMatchingTransfer, "no matching USDC transfer found")
}

// pollReceipt asks for the receipt up to v.attempts times. It returns nil, nil
// when the transaction never showed up, and the last RPC error when every
// attempt failed.
func (v *Verifier) pollReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	var lastErr error
	for attempt := 1; attempt <= v.attempts; attempt++ {
		receipt, err := v.client.GetReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			lastErr = err
			v.logger.Debug("receipt poll failed", zap.String("tx_hash", txHash), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			lastErr = nil
		}

		if attempt == v.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.backoff):
		}
	}
	return nil, lastErr
}
