package evm

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptTimeout is returned by WaitForReceipt when no receipt appeared in
// time. The transaction may still be mined later.
var ErrReceiptTimeout = errors.New("evm: timed out waiting for transaction receipt")

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data
// as it travels in the x402 payment header.
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex)
	Value       string `json:"value"`       // Amount in token units as string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// ExactEIP3009Payload represents the exact payment payload for EVM networks
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature,omitempty"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Log is an event emitted by a mined transaction.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    []byte   `json:"data"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	From        string `json:"from,omitempty"`
	Logs        []Log  `json:"logs"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// ChainClient is the read/write access to the chain used by the verifier,
// the relayer and the reconciliation sweep.
type ChainClient interface {
	// ChainID returns the chain ID of the connected network
	ChainID(ctx context.Context) (*big.Int, error)

	// GetReceipt returns the receipt for txHash, or nil and no error when the
	// transaction is unknown or not yet mined.
	GetReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// WaitForReceipt blocks until txHash is mined or timeout elapses, in which
	// case it returns ErrReceiptTimeout.
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*TransactionReceipt, error)

	// EstimateGas simulates msg and returns the gas it would use. An error means
	// the call would revert.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// BalanceAt returns the native balance of address.
	BalanceAt(ctx context.Context, address string) (*big.Int, error)

	PendingNonceAt(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// AuthorizationState reports whether the token contract has already consumed
	// (authorizer, nonce).
	AuthorizationState(ctx context.Context, token, authorizer string, nonce [32]byte) (bool, error)
}

// TransactionSigner signs transactions for the relayer's gas-paying account.
type TransactionSigner interface {
	// Address returns the account address
	Address() string

	SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
