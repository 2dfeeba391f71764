package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	signers "github.com/noahlevine1717/clawd-domain-marketplace/signers/evm"
)

const treasury = "0x742D35cc6634C0532925a3B844bc9E7595f5BE91"

func signedCall(t *testing.T, value *big.Int, validFor time.Duration) (*signers.ClientSigner, []byte) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := signers.NewClientSigner(key, crypto.PubkeyToAddress(key.PublicKey))

	payload, err := payer.SignAuthorization(treasury, value, validFor)
	require.NoError(t, err)
	auth, err := evm.FromEIP3009(payload.Authorization, payload.Signature)
	require.NoError(t, err)
	sig, err := evm.SplitSignature(auth.Signature)
	require.NoError(t, err)
	nonce, err := evm.Nonce32(auth.Nonce)
	require.NoError(t, err)

	data, err := evm.PackTransferWithAuthorization(evm.TransferCall{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       auth.Value,
		ValidAfter:  big.NewInt(auth.ValidAfter),
		ValidBefore: big.NewInt(auth.ValidBefore),
		Nonce:       nonce,
		Sig:         sig,
	})
	require.NoError(t, err)
	return payer, data
}

func relayTx(t *testing.T, nonce uint64, data []byte) *types.Transaction {
	t.Helper()

	key, err := crypto.HexToECDSA("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	token := common.HexToAddress(evm.USDCBase)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   evm.ChainIDBase,
		Nonce:     nonce,
		GasTipCap: evm.PriorityFee,
		GasFeeCap: big.NewInt(20_000_000),
		Gas:       100_000,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(evm.ChainIDBase), key)
	require.NoError(t, err)
	return signed
}

func TestSimulatedMinesTransfer(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	value := evm.MustParseAmount("12.99")
	payer, data := signedCall(t, value, time.Hour)
	sim.SetTokenBalance(payer.Address(), evm.MustParseAmount("20"))

	token := common.HexToAddress(evm.USDCBase)
	gas, err := sim.EstimateGas(ctx, ethereum.CallMsg{To: &token, Data: data})
	require.NoError(t, err)
	assert.Equal(t, uint64(simulatedTransferGas), gas)

	tx := relayTx(t, 0, data)
	require.NoError(t, sim.SendTransaction(ctx, tx))

	receipt, err := sim.WaitForReceipt(ctx, tx.Hash().Hex(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(evm.TxStatusSuccess), receipt.Status)
	require.Len(t, receipt.Logs, 1)

	transfer, ok := evm.DecodeTransferLog(receipt.Logs[0], evm.USDCBase)
	require.True(t, ok)
	assert.Equal(t, payer.Address(), transfer.From)
	assert.True(t, clawd.SameAddress(treasury, transfer.To))
	assert.Equal(t, value, transfer.Value)

	nonce, _ := evm.Nonce32(evm.BytesToHex(data[4+5*32 : 4+6*32]))
	used, err := sim.AuthorizationState(ctx, evm.USDCBase, payer.Address(), nonce)
	require.NoError(t, err)
	assert.True(t, used)

	_, err = sim.EstimateGas(ctx, ethereum.CallMsg{To: &token, Data: data})
	assert.ErrorContains(t, err, RevertAuthorizationUsed)
}

func TestSimulatedEnforcesAccountNonce(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(WithAutoFund())
	_, data := signedCall(t, big.NewInt(1), time.Hour)

	err := sim.SendTransaction(ctx, relayTx(t, 1, data))
	assert.ErrorContains(t, err, "nonce too high")

	require.NoError(t, sim.SendTransaction(ctx, relayTx(t, 0, data)))

	err = sim.SendTransaction(ctx, relayTx(t, 0, data))
	assert.ErrorContains(t, err, "nonce too low")
}

func TestSimulatedExpiredAuthorization(t *testing.T) {
	clock := clawd.NewFixedClock(time.Now())
	sim := NewSimulated(WithClock(clock), WithAutoFund())
	_, data := signedCall(t, big.NewInt(1), time.Minute)

	clock.Advance(2 * time.Minute)

	token := common.HexToAddress(evm.USDCBase)
	_, err := sim.EstimateGas(context.Background(), ethereum.CallMsg{To: &token, Data: data})
	assert.ErrorContains(t, err, RevertExpired)
}

func TestSimulatedHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(WithAutoFund())
	sim.SetSubmitMode(SubmitHold)
	_, data := signedCall(t, big.NewInt(1), time.Hour)

	tx := relayTx(t, 0, data)
	require.NoError(t, sim.SendTransaction(ctx, tx))

	_, err := sim.WaitForReceipt(ctx, tx.Hash().Hex(), 20*time.Millisecond)
	assert.ErrorIs(t, err, evm.ErrReceiptTimeout)

	receipt, err := sim.GetReceipt(ctx, tx.Hash().Hex())
	require.NoError(t, err)
	assert.Nil(t, receipt)

	require.NoError(t, sim.Release(tx.Hash().Hex()))
	receipt, err = sim.GetReceipt(ctx, tx.Hash().Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, uint64(evm.TxStatusSuccess), receipt.Status)
}
