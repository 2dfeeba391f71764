package http

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	signers "github.com/noahlevine1717/clawd-domain-marketplace/signers/evm"
)

func challengeServer(t *testing.T, amount string, paid *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		evidence := PaymentEvidence(r.Header)
		if evidence == "" {
			required := NewPaymentRequired(ChallengeParams{
				Domain:    "clawd.com",
				Years:     1,
				Amount:    evm.MustParseAmount(amount),
				PayTo:     treasury,
				Nonce:     "clawd-1",
				Resource:  r.URL.String(),
				ExpiresAt: time.Now().Add(10 * time.Minute),
				Now:       time.Now(),
			})
			w.Header().Set(WWWAuthenticateHeader, required.WWWAuthenticate())
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(required)
			return
		}
		paid.Store(DecodePaymentProof(evidence))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("ok:"), body...))
	}))
}

func newTestSigner(t *testing.T) *signers.ClientSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return signers.NewClientSigner(key, crypto.PubkeyToAddress(key.PublicKey))
}

func TestPaymentRoundTripperPaysChallenge(t *testing.T) {
	var paid atomic.Value
	server := challengeServer(t, "12.99", &paid)
	defer server.Close()

	signer := newTestSigner(t)
	client := WrapHTTPClientWithPayment(nil, signer)

	resp, err := client.Post(server.URL+"/purchase/complete/1", "application/json", strings.NewReader(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 after paying, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `ok:{"k":"v"}` {
		t.Errorf("Expected request body to be replayed, got %q", body)
	}

	proof, ok := paid.Load().(clawd.Proof)
	if !ok {
		t.Fatal("Expected server to receive payment evidence")
	}
	if proof.Kind != clawd.ProofUnsettledAuthorization {
		t.Fatalf("Expected authorization proof, got %v (%s)", proof.Kind, proof.Reason)
	}
	if proof.Authorization.From != signer.Address() {
		t.Errorf("Expected payer %s, got %s", signer.Address(), proof.Authorization.From)
	}
	if proof.Authorization.Value.Cmp(big.NewInt(12990000)) != 0 {
		t.Errorf("Expected value 12990000, got %s", proof.Authorization.Value)
	}
}

func TestPaymentRoundTripperRespectsMaxAmount(t *testing.T) {
	var paid atomic.Value
	server := challengeServer(t, "79.99", &paid)
	defer server.Close()

	client := &http.Client{Transport: &PaymentRoundTripper{
		Transport: http.DefaultTransport,
		Signer:    newTestSigner(t),
		MaxAmount: evm.MustParseAmount("50"),
	}}

	_, err := client.Get(server.URL)
	if err == nil || !strings.Contains(err.Error(), "exceeds the configured maximum") {
		t.Fatalf("Expected max amount error, got %v", err)
	}
	if paid.Load() != nil {
		t.Error("Expected no payment to be sent")
	}
}
