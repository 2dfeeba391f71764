package facilitator

import (
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/chain"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	signers "github.com/noahlevine1717/clawd-domain-marketplace/signers/evm"
)

const (
	treasury   = "0x742D35cc6634C0532925a3B844bc9E7595f5BE91"
	relayerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type fixture struct {
	chain   *chain.Simulated
	relayer *signers.RelayerSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	rs, err := signers.NewRelayerSignerFromPrivateKey(relayerKey)
	require.NoError(t, err)

	sim := chain.NewSimulated()
	sim.SetBalance(rs.Address(), oneEther)
	return &fixture{chain: sim, relayer: rs}
}

// newPayer creates a funded wallet holding units of USDC.
func (f *fixture) newPayer(t *testing.T, units *big.Int) *signers.ClientSigner {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := signers.NewClientSigner(key, crypto.PubkeyToAddress(key.PublicKey))
	f.chain.SetTokenBalance(payer.Address(), units)
	return payer
}

func (f *fixture) newRelayer(opts ...RelayerOption) *Relayer {
	opts = append([]RelayerOption{WithConfirmationTimeout(time.Second)}, opts...)
	return NewRelayer(f.chain, f.relayer, opts...)
}

// authorize signs a transfer of value from payer to to, valid for ten minutes.
func authorize(t *testing.T, payer *signers.ClientSigner, to string, value *big.Int) *clawd.UnsettledAuthorization {
	t.Helper()

	payload, err := payer.SignAuthorization(to, value, 10*time.Minute)
	require.NoError(t, err)
	auth, err := evm.FromEIP3009(payload.Authorization, payload.Signature)
	require.NoError(t, err)
	return auth
}

// authorizeWindow signs an authorization with an explicit validity window.
func authorizeWindow(t *testing.T, payer *signers.ClientSigner, value *big.Int, validAfter, validBefore int64) *clawd.UnsettledAuthorization {
	t.Helper()

	auth := &clawd.UnsettledAuthorization{
		From:        payer.Address(),
		To:          treasury,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       evm.BytesToHex(crypto.Keccak256([]byte(payer.Address()), big.NewInt(validBefore).Bytes())),
	}
	sig, err := payer.Sign(evm.ToEIP3009(auth))
	require.NoError(t, err)
	auth.Signature = sig
	return auth
}

// transferReceipt builds a successful receipt carrying logs.
func transferReceipt(logs ...evm.Log) *evm.TransactionReceipt {
	var buf [32]byte
	_, _ = rand.Read(buf[:])
	hash := common.BytesToHash(buf[:])
	return &evm.TransactionReceipt{
		Status: evm.TxStatusSuccess,
		TxHash: hash.Hex(),
		Logs:   logs,
	}
}

func usdcLog(from, to, amount string) evm.Log {
	return evm.NewTransferLog(evm.USDCBase, from, to, evm.MustParseAmount(amount))
}

func randomAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
