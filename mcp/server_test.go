package mcp

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/chain"
	x402http "github.com/noahlevine1717/clawd-domain-marketplace/http"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm/exact/facilitator"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
	signers "github.com/noahlevine1717/clawd-domain-marketplace/signers/evm"
)

const (
	treasury   = "0x742D35cc6634C0532925a3B844bc9E7595f5BE91"
	relayerKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

type fixture struct {
	session   *mcpsdk.ClientSession
	chain     *chain.Simulated
	registrar *registrar.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	rs, err := signers.NewRelayerSignerFromPrivateKey(relayerKey)
	require.NoError(t, err)
	sim := chain.NewSimulated()
	sim.SetBalance(rs.Address(), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	reg := registrar.NewFake(nil)
	purchases := ledger.NewService(ledger.NewMemoryStore(),
		facilitator.NewVerifier(sim, facilitator.WithReceiptPolling(1, 0)),
		facilitator.NewRelayer(sim, rs, facilitator.WithConfirmationTimeout(time.Second)),
		reg, treasury)
	srv := NewServer(purchases, reg, WithMockMode(true))

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	_, err = srv.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-agent", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return &fixture{session: session, chain: sim, registrar: reg}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any, meta mcpsdk.Meta) *mcpsdk.CallToolResult {
	t.Helper()
	result, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
		Meta:      meta,
	})
	require.NoError(t, err)
	return result
}

func structured(t *testing.T, result *mcpsdk.CallToolResult) map[string]any {
	t.Helper()
	raw, err := json.Marshal(result.StructuredContent)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (f *fixture) initiate(t *testing.T, domain string) string {
	t.Helper()
	result := f.call(t, ToolInitiate, map[string]any{"domain": domain}, nil)
	require.False(t, result.IsError, "Expected initiate to succeed")
	id, _ := structured(t, result)["purchase_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (f *fixture) newPayer(t *testing.T, usdc string) *signers.ClientSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := signers.NewClientSigner(key, crypto.PubkeyToAddress(key.PublicKey))
	f.chain.SetTokenBalance(payer.Address(), evm.MustParseAmount(usdc))
	return payer
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	tools, err := f.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolSearch, ToolInitiate, ToolStatus, ToolPay}, names)
}

func TestSearchTool(t *testing.T) {
	f := newFixture(t)
	result := f.call(t, ToolSearch, map[string]any{"name": "google", "tlds": []string{"com", "dev"}}, nil)
	require.False(t, result.IsError)

	results, ok := structured(t, result)["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	com := results[0].(map[string]any)
	dev := results[1].(map[string]any)
	assert.Equal(t, false, com["available"])
	assert.Equal(t, true, dev["available"])
	assert.Equal(t, "14.99", dev["first_year_price_usdc"])

	bad := f.call(t, ToolSearch, map[string]any{"name": "-nope-"}, nil)
	assert.True(t, bad.IsError)
}

func TestInitiateAndStatus(t *testing.T) {
	f := newFixture(t)
	result := f.call(t, ToolInitiate, map[string]any{"domain": "Clawd.Dev", "years": 2}, nil)
	require.False(t, result.IsError)
	body := structured(t, result)
	assert.Equal(t, "clawd.dev", body["domain"])
	assert.Equal(t, "31.98", body["amount_usdc"])

	status := f.call(t, ToolStatus, map[string]any{"purchase_id": body["purchase_id"]}, nil)
	require.False(t, status.IsError)
	assert.Equal(t, string(ledger.StatusPending), structured(t, status)["status"])

	invalid := f.call(t, ToolInitiate, map[string]any{"domain": "clawd.dev", "years": 11}, nil)
	assert.True(t, invalid.IsError)

	missing := f.call(t, ToolStatus, map[string]any{"purchase_id": "00000000-0000-0000-0000-000000000000"}, nil)
	assert.True(t, missing.IsError)
}

func TestPayChallengeThenSettle(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t, "clawd-agent.com")

	challenge := f.call(t, ToolPay, map[string]any{"purchase_id": id}, nil)
	required, ok := PaymentRequiredFromResult(challenge)
	require.True(t, ok, "Expected a payment challenge")
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, "12990000", required.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "mcp://tool/"+ToolPay, required.Accepts[0].Resource)

	payer := f.newPayer(t, "20")
	payload, err := payer.SignAuthorization(required.Recipient, evm.MustParseAmount(required.Amount), 10*time.Minute)
	require.NoError(t, err)
	header, err := x402http.EncodePaymentHeader(payload)
	require.NoError(t, err)

	paid := f.call(t, ToolPay, map[string]any{"purchase_id": id}, mcpsdk.Meta{PaymentMetaKey: header})
	require.False(t, paid.IsError, "Expected settlement to succeed")
	body := structured(t, paid)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "clawd-agent.com", body["domain"])

	settlement, err := SettlementFromMeta(paid.Meta)
	require.NoError(t, err)
	require.NotNil(t, settlement)
	assert.True(t, settlement.Success)
	assert.Equal(t, evm.NetworkBase, settlement.Network)
	assert.True(t, clawd.SameAddress(payer.Address(), settlement.Payer))
	assert.Equal(t, evm.MustParseAmount("7.01"), f.chain.TokenBalance(payer.Address()))
	require.Len(t, f.registrar.Registrations(), 1)

	again := f.call(t, ToolPay, map[string]any{"purchase_id": id}, nil)
	require.False(t, again.IsError)
	assert.Equal(t, "already_completed", structured(t, again)["status"])
	none, err := SettlementFromMeta(again.Meta)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPayWithEnvelopeObject(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t, "object-meta.xyz")

	payer := f.newPayer(t, "10")
	payload, err := payer.SignAuthorization(treasury, evm.MustParseAmount("4.99"), 10*time.Minute)
	require.NoError(t, err)

	paid := f.call(t, ToolPay, map[string]any{"purchase_id": id},
		mcpsdk.Meta{PaymentMetaKey: x402http.NewPaymentPayload(payload)})
	require.False(t, paid.IsError, "Expected settlement to succeed")
	assert.Equal(t, "success", structured(t, paid)["status"])
}

func TestPayRechallengesBadEvidence(t *testing.T) {
	f := newFixture(t)
	id := f.initiate(t, "bad-proof.com")

	result := f.call(t, ToolPay, map[string]any{"purchase_id": id}, mcpsdk.Meta{PaymentMetaKey: "not a payment"})
	required, ok := PaymentRequiredFromResult(result)
	require.True(t, ok, "Expected a fresh challenge")
	assert.NotEqual(t, "Payment required to purchase this domain", required.Error)
	assert.Empty(t, f.registrar.Registrations())
}

func TestProofFromMeta(t *testing.T) {
	_, ok := ProofFromMeta(nil)
	assert.False(t, ok)

	_, ok = ProofFromMeta(mcpsdk.Meta{"other": "x"})
	assert.False(t, ok)

	hash := "0x" + strings.Repeat("ab", 32)
	proof, ok := ProofFromMeta(mcpsdk.Meta{PaymentMetaKey: map[string]any{"tx_hash": hash}})
	require.True(t, ok)
	assert.Equal(t, clawd.ProofSettledReference, proof.Kind)
}
