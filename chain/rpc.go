// Package chain provides the evm.ChainClient implementations: an RPC-backed
// client for Base and a deterministic in-memory chain for tests and mock mode.
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
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// DefaultPollInterval is the fixed backoff between receipt polls.
const DefaultPollInterval = 2 * time.Second

// RPCClient implements evm.ChainClient over JSON-RPC.
type RPCClient struct {
	client       *ethclient.Client
	pollInterval time.Duration
	logger       *zap.Logger

	chainIDOnce sync.Once
	chainID     *big.Int
	chainIDErr  error
}

// RPCOption configures an RPCClient.
type RPCOption func(*RPCClient)

// WithPollInterval sets the backoff between receipt polls.
func WithPollInterval(d time.Duration) RPCOption {
	return func(c *RPCClient) {
		c.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RPCOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// Dial connects to rpcURL and checks the endpoint answers.
func Dial(ctx context.Context, rpcURL string, opts ...RPCOption) (*RPCClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	c := &RPCClient{
		client:       client,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := c.ChainID(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.client.Close()
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDOnce.Do(func() {
		c.chainID, c.chainIDErr = c.client.ChainID(ctx)
		if c.chainIDErr != nil {
			c.chainIDErr = fmt.Errorf("failed to get chain ID: %w", c.chainIDErr)
		}
	})
	return c.chainID, c.chainIDErr
}

func (c *RPCClient) GetReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return convertReceipt(receipt), nil
}

// WaitForReceipt polls at the configured interval until the receipt appears
// or timeout elapses. RPC errors while polling are logged and retried.
func (c *RPCClient) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*evm.TransactionReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("receipt poll failed", zap.String("tx_hash", txHash), zap.Error(err))
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

func (c *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.client.EstimateGas(ctx, msg)
}

func (c *RPCClient) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (c *RPCClient) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	nonce, err := c.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	return nil
}

func (c *RPCClient) AuthorizationState(ctx context.Context, token, authorizer string, nonce [32]byte) (bool, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(evm.AuthorizationStateABI)))
	if err != nil {
		return false, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(evm.FunctionAuthorizationState, common.HexToAddress(authorizer), nonce)
	if err != nil {
		return false, fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(token)
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to call authorizationState: %w", err)
	}

	output, err := contractABI.Unpack(evm.FunctionAuthorizationState, result)
	if err != nil {
		return false, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(output) == 0 {
		return false, fmt.Errorf("empty authorizationState result")
	}
	used, ok := output[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

func convertReceipt(r *types.Receipt) *evm.TransactionReceipt {
	out := &evm.TransactionReceipt{
		Status: r.Status,
		TxHash: r.TxHash.Hex(),
		Logs:   make([]evm.Log, 0, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out.Logs = append(out.Logs, evm.Log{
			Address: l.Address.Hex(),
			Topics:  topics,
			Data:    l.Data,
		})
	}
	return out
}

var _ evm.ChainClient = (*RPCClient)(nil)
