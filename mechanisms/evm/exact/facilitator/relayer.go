package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/extensions/idempotency"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// DefaultConfirmationTimeout is how long the relayer waits for its
// transaction to be mined before reporting an unknown outcome.
const DefaultConfirmationTimeout = 60 * time.Second

// RelayStatus is the terminal state of a relay attempt.
type RelayStatus string

const (
	// RelayRejected means nothing was broadcast.
	RelayRejected RelayStatus = "rejected"
	// RelaySuccess means the transfer was mined and succeeded.
	RelaySuccess RelayStatus = "success"
	// RelayReverted means the transfer was mined but reverted.
	RelayReverted RelayStatus = "reverted"
	// RelayTimeout means the transfer was broadcast but no receipt arrived in
	// time. It may still be mined; the authorization nonce guarantees it can
	// be mined at most once.
	RelayTimeout RelayStatus = "timeout"
)

// RelayOutcome is the result of Relayer.Execute.
type RelayOutcome struct {
	Status   RelayStatus     `json:"status"`
	Verified bool            `json:"verified"`
	TxHash   string          `json:"txHash,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     clawd.ErrorKind `json:"kind,omitempty"`
	// Replayed is set when the outcome was recorded by an earlier call for the
	// same authorization instead of being produced by this one.
	Replayed bool `json:"-"`
}

// final reports whether later calls for the same authorization should get
// this outcome back instead of trying again.
func (o RelayOutcome) final() bool {
	return o.Status == RelaySuccess || o.Status == RelayTimeout
}

// Relayer submits payer-signed transferWithAuthorization calls from a
// gas-paying account.
type Relayer struct {
	client         evm.ChainClient
	signer         evm.TransactionSigner
	asset          evm.AssetInfo
	nonces         *nonceManager
	guard          *idempotency.Guard
	clock          clawd.Clock
	confirmTimeout time.Duration
	minBalance     *big.Int
	checkAuthState bool
	logger         *zap.Logger
	hooks          *Hooks
}

// RelayerOption configures a Relayer.
type RelayerOption func(*Relayer)

// WithGuard sets the idempotency guard keyed by (authorizer, nonce). Use a
// Redis-backed guard when several instances share one relayer key.
func WithGuard(g *idempotency.Guard) RelayerOption {
	return func(r *Relayer) {
		r.guard = g
	}
}

// WithClock sets the clock used to check authorization windows.
func WithClock(c clawd.Clock) RelayerOption {
	return func(r *Relayer) {
		r.clock = c
	}
}

// WithConfirmationTimeout sets the hard wait for a receipt after broadcast.
func WithConfirmationTimeout(d time.Duration) RelayerOption {
	return func(r *Relayer) {
		r.confirmTimeout = d
	}
}

// WithMinRelayerBalance sets the native balance below which submissions are refused.
func WithMinRelayerBalance(wei *big.Int) RelayerOption {
	return func(r *Relayer) {
		r.minBalance = wei
	}
}

// WithAuthorizationStateCheck toggles the authorizationState lookup made
// before gas estimation.
func WithAuthorizationStateCheck(enabled bool) RelayerOption {
	return func(r *Relayer) {
		r.checkAuthState = enabled
	}
}

// WithRelayerLogger sets the logger for relay attempts.
func WithRelayerLogger(logger *zap.Logger) RelayerOption {
	return func(r *Relayer) {
		r.logger = logger
	}
}

// WithRelayerHooks attaches observers to relay attempts.
func WithRelayerHooks(h *Hooks) RelayerOption {
	return func(r *Relayer) {
		r.hooks = h
	}
}

// NewRelayer creates a relayer for USDC on Base that pays gas from signer.
func NewRelayer(client evm.ChainClient, signer evm.TransactionSigner, opts ...RelayerOption) *Relayer {
	r := &Relayer{
		client:         client,
		signer:         signer,
		asset:          evm.BaseUSDC,
		clock:          clawd.SystemClock{},
		confirmTimeout: DefaultConfirmationTimeout,
		minBalance:     evm.MinRelayerBalance,
		checkAuthState: true,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guard == nil {
		r.guard = idempotency.NewGuard()
	}
	r.nonces = newNonceManager(client, signer.Address())
	return r
}

// Address returns the gas-paying account.
func (r *Relayer) Address() string {
	return r.signer.Address()
}

// Balance returns the relayer account's native balance.
func (r *Relayer) Balance(ctx context.Context) (*big.Int, error) {
	return r.client.BalanceAt(ctx, r.signer.Address())
}

// Execute validates auth against the expected recipient and amount (in token
// units), relays it, and waits for confirmation.
//
// Checks that need no chain access run first, so an expired or mismatched
// authorization never costs gas. At most one caller relays a given
// authorization at a time; a mined or unconfirmed outcome is replayed to later
// callers rather than broadcast again.
func (r *Relayer) Execute(ctx context.Context, auth *clawd.UnsettledAuthorization, expectedRecipient string, expectedAmount *big.Int) RelayOutcome {
	start := time.Now()
	outcome := r.execute(ctx, auth, expectedRecipient, expectedAmount)

	payer := ""
	if auth != nil {
		payer = auth.From
	}
	r.hooks.afterRelayDone(ctx, payer, outcome, time.Since(start))

	fields := []zap.Field{
		zap.String("payer", payer),
		zap.String("status", string(outcome.Status)),
		zap.String("tx_hash", outcome.TxHash),
		zap.Bool("replayed", outcome.Replayed),
	}
	switch outcome.Status {
	case RelaySuccess:
		r.logger.Info("relayed transfer confirmed", fields...)
	case RelayRejected:
		r.logger.Warn("relay rejected", append(fields, zap.String("reason", outcome.Reason), zap.String("error", outcome.Error))...)
	default:
		r.logger.Error("relayed transfer not confirmed", append(fields, zap.String("reason", outcome.Reason), zap.String("error", outcome.Error))...)
	}
	return outcome
}

func (r *Relayer) execute(ctx context.Context, auth *clawd.UnsettledAuthorization, expectedRecipient string, expectedAmount *big.Int) RelayOutcome {
	if out, ok := r.validate(auth, expectedRecipient, expectedAmount); !ok {
		return out
	}

	raw, replayed, err := r.guard.Do(ctx, auth.Key(), func(ctx context.Context) ([]byte, bool, error) {
		out := r.submit(ctx, auth)
		b, err := json.Marshal(out)
		if err != nil {
			return nil, false, err
		}
		return b, out.final(), nil
	})
	if raw == nil {
		return rejected(clawd.KindRelayInfra, ErrIdempotencyStore, fmt.Sprintf("relay coordination failed: %v", err))
	}
	if err != nil {
		r.logger.Error("idempotency store error after relay", zap.String("payer", auth.From), zap.Error(err))
	}

	var out RelayOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return rejected(clawd.KindRelayInfra, ErrIdempotencyStore, fmt.Sprintf("corrupt relay record: %v", err))
	}
	out.Replayed = replayed
	return out
}

// validate runs the checks that need no chain access.
func (r *Relayer) validate(auth *clawd.UnsettledAuthorization, expectedRecipient string, expectedAmount *big.Int) (RelayOutcome, bool) {
	if auth == nil || auth.Value == nil {
		return rejected(clawd.KindDecode, ErrInvalidPayload, "missing authorization"), false
	}
	if expectedAmount == nil || expectedAmount.Sign() <= 0 {
		return rejected(clawd.KindVerification, ErrInvalidRequiredAmount, "expected amount must be positive"), false
	}
	if !clawd.SameAddress(auth.To, expectedRecipient) {
		return rejected(clawd.KindVerification, ErrRecipientMismatch,
			fmt.Sprintf("recipient mismatch: %s != %s", auth.To, expectedRecipient)), false
	}
	if auth.Value.Cmp(expectedAmount) < 0 {
		shortfall := new(big.Int).Sub(expectedAmount, auth.Value)
		return rejected(clawd.KindVerification, ErrInsufficientAmount, fmt.Sprintf(
			"amount %s is less than expected %s (short by %s)",
			evm.FormatUSDC(auth.Value), evm.FormatUSDC(expectedAmount), evm.FormatUSDC(shortfall),
		)), false
	}

	now := r.clock.Now().Unix()
	if now < auth.ValidAfter {
		return rejected(clawd.KindVerification, ErrValidAfterInFuture,
			fmt.Sprintf("authorization not yet valid (validAfter: %d)", auth.ValidAfter)), false
	}
	if now > auth.ValidBefore {
		return rejected(clawd.KindVerification, ErrValidBeforeExpired,
			fmt.Sprintf("authorization expired (validBefore: %d)", auth.ValidBefore)), false
	}
	return RelayOutcome{}, true
}

// submit performs the chain-facing part of a relay.
func (r *Relayer) submit(ctx context.Context, auth *clawd.UnsettledAuthorization) RelayOutcome {
	relayer := r.signer.Address()

	balance, err := r.client.BalanceAt(ctx, relayer)
	if err != nil {
		return rejected(clawd.KindRelayInfra, ErrFailedToGetBalance, fmt.Sprintf("failed to get relayer balance: %v", err))
	}
	if balance.Cmp(r.minBalance) < 0 {
		r.logger.Error("relayer has insufficient native balance", zap.String("relayer", relayer), zap.String("balance_wei", balance.String()))
		return rejected(clawd.KindRelayInfra, ErrInsufficientRelayerGas, "relayer has insufficient gas, please try again later")
	}

	sig, err := evm.SplitSignature(auth.Signature)
	if err != nil {
		return rejected(clawd.KindVerification, ErrInvalidSignatureFormat, err.Error())
	}
	nonce, err := evm.Nonce32(auth.Nonce)
	if err != nil {
		return rejected(clawd.KindDecode, ErrInvalidPayload, err.Error())
	}

	if r.checkAuthState {
		used, err := r.client.AuthorizationState(ctx, r.asset.Address, auth.From, nonce)
		switch {
		case err != nil:
			r.logger.Warn("authorizationState lookup failed", zap.String("payer", auth.From), zap.Error(err))
		case used:
			return rejected(clawd.KindVerification, ErrNonceAlreadyUsed, "authorization has already been used")
		}
	}

	call := evm.TransferCall{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       auth.Value,
		ValidAfter:  big.NewInt(auth.ValidAfter),
		ValidBefore: big.NewInt(auth.ValidBefore),
		Nonce:       nonce,
		Sig:         sig,
	}
	data, err := evm.PackTransferWithAuthorization(call)
	if err != nil {
		return rejected(clawd.KindDecode, ErrInvalidPayload, err.Error())
	}

	token := common.HexToAddress(r.asset.Address)
	from := common.HexToAddress(relayer)
	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err != nil {
		return rejected(clawd.KindVerification, ErrTransactionWouldFail, "transaction would fail: "+truncate(err.Error(), 100))
	}

	chainID, err := r.client.ChainID(ctx)
	if err != nil {
		return rejected(clawd.KindRelayInfra, ErrFailedToBuildTx, err.Error())
	}

	var signed *types.Transaction
	err = r.nonces.withNonce(ctx, func(accountNonce uint64) error {
		gasPrice, err := r.client.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
		if feeCap.Cmp(evm.PriorityFee) < 0 {
			feeCap = new(big.Int).Set(evm.PriorityFee)
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     accountNonce,
			GasTipCap: evm.PriorityFee,
			GasFeeCap: feeCap,
			Gas:       gas * 12 / 10,
			To:        &token,
			Value:     big.NewInt(0),
			Data:      data,
		})
		signed, err = r.signer.SignTransaction(tx, chainID)
		if err != nil {
			return err
		}
		return r.client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return rejected(clawd.KindRelayInfra, ErrFailedToExecuteTransfer, "execution failed: "+truncate(err.Error(), 100))
	}

	txHash := signed.Hash().Hex()
	r.logger.Info("submitted transferWithAuthorization",
		zap.String("tx_hash", txHash),
		zap.String("payer", auth.From),
		zap.Uint64("account_nonce", signed.Nonce()),
		zap.Uint64("gas", signed.Gas()),
	)

	// The broadcast cannot be recalled, so the wait must outlive the caller.
	receipt, err := r.client.WaitForReceipt(context.WithoutCancel(ctx), txHash, r.confirmTimeout)
	if err != nil {
		if errors.Is(err, evm.ErrReceiptTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return RelayOutcome{Status: RelayTimeout, TxHash: txHash, Reason: ErrConfirmationTimeout,
				Error: "transaction sent but not confirmed in time", Kind: clawd.KindRelayInfra}
		}
		r.logger.Warn("receipt lookup failed after broadcast", zap.String("tx_hash", txHash), zap.Error(err))
		return RelayOutcome{Status: RelayTimeout, TxHash: txHash, Reason: ErrReceiptLookupFailed,
			Error: "transaction sent but receipt lookup failed: " + truncate(err.Error(), 100), Kind: clawd.KindRelayInfra}
	}
	if receipt.Status != evm.TxStatusSuccess {
		return RelayOutcome{Status: RelayReverted, TxHash: txHash, Reason: ErrTransactionFailed, Error: "transaction reverted", Kind: clawd.KindVerification}
	}
	return RelayOutcome{Status: RelaySuccess, Verified: true, TxHash: txHash, Sender: common.HexToAddress(auth.From).Hex()}
}

func rejected(kind clawd.ErrorKind, reason, msg string) RelayOutcome {
	return RelayOutcome{Status: RelayRejected, Reason: reason, Error: msg, Kind: kind}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
