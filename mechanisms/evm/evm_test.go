package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testTreasury = "0x742D35cc6634C0532925a3B844bc9E7595f5BE91"
	testNonce    = "0x0101010101010101010101010101010101010101010101010101010101010101"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "12.99", want: "12990000"},
		{in: "$1.00", want: "1000000"},
		{in: "0.5", want: "500000"},
		{in: "7", want: "7000000"},
		{in: ".25", want: "250000"},
		{in: "12.9900001", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.in, DefaultDecimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q): expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseAmount(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	tests := map[int64]string{
		12990000: "12.99",
		2990000:  "2.99",
		500000:   "0.50",
		0:        "0.00",
		1:        "0.000001",
		40000000: "40.00",
	}
	for units, want := range tests {
		if got := FormatUSDC(big.NewInt(units)); got != want {
			t.Errorf("FormatUSDC(%d): expected %s, got %s", units, want, got)
		}
	}
}

func TestSplitSignature(t *testing.T) {
	raw := make([]byte, SignatureLength)
	raw[0] = 0xaa
	raw[32] = 0xbb

	t.Run("normalizes v from 0", func(t *testing.T) {
		raw[64] = 0
		sig, err := SplitSignature(BytesToHex(raw))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if sig.V != 27 {
			t.Errorf("Expected v=27, got %d", sig.V)
		}
		if sig.R[0] != 0xaa || sig.S[0] != 0xbb {
			t.Error("Expected r and s to be split at byte 32")
		}
	})

	t.Run("keeps v of 28", func(t *testing.T) {
		raw[64] = 28
		sig, err := SplitSignature(BytesToHex(raw))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if sig.V != 28 {
			t.Errorf("Expected v=28, got %d", sig.V)
		}
	})

	t.Run("rejects short signature", func(t *testing.T) {
		if _, err := SplitSignature("0x1234"); err == nil {
			t.Error("Expected error for short signature")
		}
	})

	t.Run("rejects bad recovery id", func(t *testing.T) {
		raw[64] = 35
		if _, err := SplitSignature(BytesToHex(raw)); err == nil {
			t.Error("Expected error for v=35")
		}
	})
}

func TestTransferLogRoundTrip(t *testing.T) {
	from := "0x1111111111111111111111111111111111111111"
	l := NewTransferLog(USDCBase, from, testTreasury, big.NewInt(12990000))

	ev, ok := DecodeTransferLog(l, USDCBase)
	if !ok {
		t.Fatal("Expected Transfer log to decode")
	}
	if !strings.EqualFold(ev.From, from) {
		t.Errorf("Expected from %s, got %s", from, ev.From)
	}
	if !strings.EqualFold(ev.To, testTreasury) {
		t.Errorf("Expected to %s, got %s", testTreasury, ev.To)
	}
	if ev.Value.Int64() != 12990000 {
		t.Errorf("Expected value 12990000, got %s", ev.Value)
	}

	if _, ok := DecodeTransferLog(l, "0x0000000000000000000000000000000000000001"); ok {
		t.Error("Expected log from another contract to be ignored")
	}

	l.Topics[0] = "0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925" // Approval
	if _, ok := DecodeTransferLog(l, USDCBase); ok {
		t.Error("Expected non-Transfer topic to be ignored")
	}
}

func TestPackUnpackTransferWithAuthorization(t *testing.T) {
	nonce, err := Nonce32(testNonce)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	call := TransferCall{
		Value:       big.NewInt(12990000),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(1900000000),
		Nonce:       nonce,
		Sig:         Signature{V: 27},
	}
	call.From[19] = 1
	call.To[19] = 2

	data, err := PackTransferWithAuthorization(call)
	if err != nil {
		t.Fatalf("Unexpected pack error: %v", err)
	}
	got, err := UnpackTransferWithAuthorization(data)
	if err != nil {
		t.Fatalf("Unexpected unpack error: %v", err)
	}
	if got.From != call.From || got.To != call.To || got.Nonce != call.Nonce {
		t.Error("Expected addresses and nonce to survive encoding")
	}
	if got.Value.Cmp(call.Value) != 0 || got.Sig.V != 27 {
		t.Errorf("Expected value %s v 27, got %s v %d", call.Value, got.Value, got.Sig.V)
	}
}

func TestRecoverAuthorizationSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	auth := ExactEIP3009Authorization{
		From:        from,
		To:          testTreasury,
		Value:       "12990000",
		ValidAfter:  "0",
		ValidBefore: "1900000000",
		Nonce:       testNonce,
	}
	digest, err := HashEIP3009Authorization(auth, ChainIDBase, BaseUSDC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// crypto.Sign produces v in {0,1}; recovery must accept it.
	sigHex := BytesToHex(sig)

	signer, err := RecoverAuthorizationSigner(auth, sigHex, ChainIDBase, BaseUSDC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.EqualFold(signer, from) {
		t.Errorf("Expected signer %s, got %s", from, signer)
	}

	tampered := auth
	tampered.Value = "1"
	if IsSigner(tampered, sigHex, ChainIDBase, BaseUSDC) {
		t.Error("Expected tampered authorization not to verify")
	}
}

type chainIDClient struct {
	ChainClient
	id *big.Int
}

func (c chainIDClient) ChainID(context.Context) (*big.Int, error) {
	return c.id, nil
}

func TestRequireBase(t *testing.T) {
	if err := RequireBase(context.Background(), chainIDClient{id: big.NewInt(8453)}); err != nil {
		t.Fatalf("Expected Base to pass, got %v", err)
	}
	err := RequireBase(context.Background(), chainIDClient{id: big.NewInt(84532)})
	if !errors.Is(err, ErrWrongChain) {
		t.Fatalf("Expected ErrWrongChain, got %v", err)
	}
}
