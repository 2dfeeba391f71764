// Package evm provides the Base USDC primitives behind the exact payment
// scheme: EIP-3009 TransferWithAuthorization encoding, EIP-712 signer
// recovery, Transfer log decoding and token amount formatting.
package evm

import (
	"context"
	"errors"
	"fmt"
)

// ErrWrongChain is returned by RequireBase when the client is connected to a
// network other than Base mainnet.
var ErrWrongChain = errors.New("evm: client is not connected to Base")

// RequireBase checks that client reports Base's chain ID.
func RequireBase(ctx context.Context, client ChainClient) error {
	id, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if id.Cmp(ChainIDBase) != 0 {
		return fmt.Errorf("%w: got chain %s, want %s", ErrWrongChain, id, ChainIDBase)
	}
	return nil
}
