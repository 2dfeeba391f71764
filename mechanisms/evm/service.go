package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount converts a decimal string such as "12.99" into token units.
// More fractional digits than the token supports is an error rather than a
// silent rounding.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	amount = strings.TrimPrefix(amount, "$")
	amount = strings.TrimSuffix(amount, " USDC")
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	return units, nil
}

// MustParseAmount is ParseAmount for constants known to be valid.
func MustParseAmount(amount string) *big.Int {
	units, err := ParseAmount(amount, DefaultDecimals)
	if err != nil {
		panic(err)
	}
	return units
}

// FormatAmount renders token units as a decimal string with at least two
// fractional digits: 12990000 -> "12.99", 500000 -> "0.50".
func FormatAmount(units *big.Int, decimals int) string {
	if units == nil {
		return "0.00"
	}
	sign := ""
	v := new(big.Int).Set(units)
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}

	s := v.String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-decimals], s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return sign + whole + "." + frac
}

// FormatUSDC is FormatAmount with the USDC decimal count.
func FormatUSDC(units *big.Int) string {
	return FormatAmount(units, DefaultDecimals)
}

// HexToBytes decodes an optionally 0x-prefixed hex string.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// BytesToHex encodes b as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// Nonce32 decodes a 0x-prefixed 32-byte hex nonce.
func Nonce32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Signature holds the components of a 65-byte ECDSA signature in the order
// transferWithAuthorization takes them.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// SplitSignature parses a 0x-prefixed 65-byte r||s||v signature, normalizing
// v from the {0,1} convention to {27,28}.
func SplitSignature(sig string) (Signature, error) {
	var out Signature
	b, err := HexToBytes(sig)
	if err != nil {
		return out, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(b) != SignatureLength {
		return out, fmt.Errorf("invalid signature length: expected %d bytes, got %d", SignatureLength, len(b))
	}
	copy(out.R[:], b[0:32])
	copy(out.S[:], b[32:64])
	out.V = b[64]
	if out.V < 27 {
		out.V += 27
	}
	if out.V != 27 && out.V != 28 {
		return out, fmt.Errorf("invalid signature recovery id: %d", b[64])
	}
	return out, nil
}
