package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// SubmitMode controls what the simulated chain does with a broadcast transaction.
type SubmitMode int

const (
	// SubmitMine executes the transaction immediately.
	SubmitMine SubmitMode = iota
	// SubmitRevert mines the transaction with status 0 and no effects.
	SubmitRevert
	// SubmitHold accepts the transaction but withholds the receipt until Release.
	SubmitHold
)

// Revert reasons returned by the simulated USDC contract.
const (
	RevertAuthorizationUsed = "FiatTokenV2: authorization is used or canceled"
	RevertNotYetValid       = "FiatTokenV2: authorization is not yet valid"
	RevertExpired           = "FiatTokenV2: authorization is expired"
	RevertInvalidSignature  = "FiatTokenV2: invalid signature"
	RevertInsufficientFunds = "ERC20: transfer amount exceeds balance"
)

const simulatedTransferGas = 78_000

// Simulated is a deterministic in-memory chain holding one EIP-3009 token.
// It validates relayed calls the way the token contract does so the relayer
// can be exercised end to end without a node.
type Simulated struct {
	mu sync.Mutex

	chainID  *big.Int
	asset    evm.AssetInfo
	clock    clawd.Clock
	gasPrice *big.Int
	autoFund bool
	poll     time.Duration

	block         uint64
	receipts      map[string]*evm.TransactionReceipt
	held          map[string]*types.Transaction
	native        map[string]*big.Int
	tokens        map[string]*big.Int
	authUsed      map[string]bool
	accountNonces map[string]uint64
	sent          []*types.Transaction

	mode        SubmitMode
	estimateErr error
	sendErr     error
}

// SimulatedOption configures a Simulated chain.
type SimulatedOption func(*Simulated)

// WithClock sets the clock used for authorization windows.
func WithClock(clock clawd.Clock) SimulatedOption {
	return func(s *Simulated) {
		s.clock = clock
	}
}

// WithAutoFund gives every account an unlimited token balance. Used in mock
// mode, where payers are not seeded.
func WithAutoFund() SimulatedOption {
	return func(s *Simulated) {
		s.autoFund = true
	}
}

// WithSimulatedPollInterval sets how often WaitForReceipt looks for a receipt.
func WithSimulatedPollInterval(d time.Duration) SimulatedOption {
	return func(s *Simulated) {
		s.poll = d
	}
}

// NewSimulated creates a chain with Base's chain ID and USDC.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		chainID:       new(big.Int).Set(evm.ChainIDBase),
		asset:         evm.BaseUSDC,
		clock:         clawd.SystemClock{},
		gasPrice:      big.NewInt(10_000_000),
		poll:          5 * time.Millisecond,
		block:         1,
		receipts:      make(map[string]*evm.TransactionReceipt),
		held:          make(map[string]*types.Transaction),
		native:        make(map[string]*big.Int),
		tokens:        make(map[string]*big.Int),
		authUsed:      make(map[string]bool),
		accountNonces: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(s string) string { return strings.ToLower(s) }

// SetBalance sets the native balance of address.
func (s *Simulated) SetBalance(address string, wei *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.native[key(address)] = new(big.Int).Set(wei)
}

// SetTokenBalance sets the token balance of address in token units.
func (s *Simulated) SetTokenBalance(address string, units *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key(address)] = new(big.Int).Set(units)
}

// TokenBalance returns the token balance of address.
func (s *Simulated) TokenBalance(address string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.tokens[key(address)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// AddReceipt registers a mined transaction, for verifying settled references.
func (s *Simulated) AddReceipt(receipt *evm.TransactionReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if receipt.BlockNumber == 0 {
		s.block++
		receipt.BlockNumber = s.block
	}
	s.receipts[key(receipt.TxHash)] = receipt
}

// SetSubmitMode changes how later broadcasts are handled.
func (s *Simulated) SetSubmitMode(mode SubmitMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// FailEstimate makes EstimateGas return err until cleared with nil.
func (s *Simulated) FailEstimate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimateErr = err
}

// FailSend makes SendTransaction return err until cleared with nil.
func (s *Simulated) FailSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns every transaction accepted by SendTransaction, in order.
func (s *Simulated) Sent() []*types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Transaction, len(s.sent))
	copy(out, s.sent)
	return out
}

// Release mines a transaction previously withheld by SubmitHold.
func (s *Simulated) Release(txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.held[key(txHash)]
	if !ok {
		return fmt.Errorf("no held transaction %s", txHash)
	}
	delete(s.held, key(txHash))
	s.mineLocked(tx, false)
	return nil
}

func (s *Simulated) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func (s *Simulated) GetReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[key(txHash)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *Simulated) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*evm.TransactionReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if r, _ := s.GetReceipt(ctx, txHash); r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, evm.ErrReceiptTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Simulated) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.estimateErr != nil {
		return 0, s.estimateErr
	}
	if msg.To == nil || !strings.EqualFold(msg.To.Hex(), s.asset.Address) {
		return 21_000, nil
	}
	call, err := evm.UnpackTransferWithAuthorization(msg.Data)
	if err != nil {
		return 0, fmt.Errorf("execution reverted: %w", err)
	}
	if reason := s.checkTransferLocked(call); reason != "" {
		return 0, fmt.Errorf("execution reverted: %s", reason)
	}
	return simulatedTransferGas, nil
}

func (s *Simulated) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.native[key(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (s *Simulated) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountNonces[key(address)], nil
}

func (s *Simulated) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.gasPrice), nil
}

func (s *Simulated) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	sender, err := types.Sender(types.LatestSignerForChainID(s.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	from := key(sender.Hex())
	expected := s.accountNonces[from]
	switch {
	case tx.Nonce() < expected:
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", expected, tx.Nonce())
	case tx.Nonce() > expected:
		return fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", expected, tx.Nonce())
	}
	s.accountNonces[from] = expected + 1
	s.sent = append(s.sent, tx)

	switch s.mode {
	case SubmitHold:
		s.held[key(tx.Hash().Hex())] = tx
	case SubmitRevert:
		s.mineLocked(tx, true)
	default:
		s.mineLocked(tx, false)
	}
	return nil
}

func (s *Simulated) AuthorizationState(ctx context.Context, token, authorizer string, nonce [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authUsed[authKey(authorizer, nonce)], nil
}

// mineLocked executes tx and records its receipt. Must be called with lock held.
func (s *Simulated) mineLocked(tx *types.Transaction, forceRevert bool) {
	s.block++
	receipt := &evm.TransactionReceipt{
		Status:      evm.TxStatusFailed,
		BlockNumber: s.block,
		TxHash:      tx.Hash().Hex(),
	}
	defer func() { s.receipts[key(receipt.TxHash)] = receipt }()

	if forceRevert || tx.To() == nil || !strings.EqualFold(tx.To().Hex(), s.asset.Address) {
		return
	}
	call, err := evm.UnpackTransferWithAuthorization(tx.Data())
	if err != nil || s.checkTransferLocked(call) != "" {
		return
	}

	from, to := key(call.From.Hex()), key(call.To.Hex())
	s.authUsed[authKey(call.From.Hex(), call.Nonce)] = true
	if !s.autoFund {
		s.tokens[from] = new(big.Int).Sub(s.tokens[from], call.Value)
	}
	if s.tokens[to] == nil {
		s.tokens[to] = big.NewInt(0)
	}
	s.tokens[to] = new(big.Int).Add(s.tokens[to], call.Value)

	receipt.Status = evm.TxStatusSuccess
	receipt.Logs = []evm.Log{evm.NewTransferLog(s.asset.Address, call.From.Hex(), call.To.Hex(), call.Value)}
}

// checkTransferLocked mirrors the token contract's require statements.
func (s *Simulated) checkTransferLocked(call evm.TransferCall) string {
	now := s.clock.Now().Unix()
	if s.authUsed[authKey(call.From.Hex(), call.Nonce)] {
		return RevertAuthorizationUsed
	}
	if now <= call.ValidAfter.Int64() {
		return RevertNotYetValid
	}
	if now >= call.ValidBefore.Int64() {
		return RevertExpired
	}
	if !evm.IsSigner(call.Authorization(), call.SignatureHex(), s.chainID, s.asset) {
		return RevertInvalidSignature
	}
	if !s.autoFund {
		balance := s.tokens[key(call.From.Hex())]
		if balance == nil || balance.Cmp(call.Value) < 0 {
			return RevertInsufficientFunds
		}
	}
	return ""
}

func authKey(authorizer string, nonce [32]byte) string {
	return key(authorizer) + ":" + evm.BytesToHex(nonce[:])
}

var _ evm.ChainClient = (*Simulated)(nil)
