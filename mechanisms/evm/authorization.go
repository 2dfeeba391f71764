package evm

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
)

var (
	transferABIOnce sync.Once
	transferABI     abi.ABI
	transferABIErr  error
)

func transferWithAuthorizationABI() (abi.ABI, error) {
	transferABIOnce.Do(func() {
		transferABI, transferABIErr = abi.JSON(strings.NewReader(string(TransferWithAuthorizationVRSABI)))
	})
	return transferABI, transferABIErr
}

// ToEIP3009 converts a decoded proof authorization to its wire form.
func ToEIP3009(a *clawd.UnsettledAuthorization) ExactEIP3009Authorization {
	value := "0"
	if a.Value != nil {
		value = a.Value.String()
	}
	return ExactEIP3009Authorization{
		From:        a.From,
		To:          a.To,
		Value:       value,
		ValidAfter:  strconv.FormatInt(a.ValidAfter, 10),
		ValidBefore: strconv.FormatInt(a.ValidBefore, 10),
		Nonce:       a.Nonce,
	}
}

// FromEIP3009 parses the wire form into a proof authorization.
func FromEIP3009(auth ExactEIP3009Authorization, signature string) (*clawd.UnsettledAuthorization, error) {
	if !common.IsHexAddress(auth.From) {
		return nil, fmt.Errorf("invalid authorization.from: %q", auth.From)
	}
	if !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("invalid authorization.to: %q", auth.To)
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid authorization.value: %q", auth.Value)
	}
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization.validAfter: %w", err)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization.validBefore: %w", err)
	}
	if _, err := Nonce32(auth.Nonce); err != nil {
		return nil, err
	}
	if signature == "" {
		return nil, fmt.Errorf("missing signature")
	}

	return &clawd.UnsettledAuthorization{
		From:        auth.From,
		To:          auth.To,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       strings.ToLower(auth.Nonce),
		Signature:   signature,
	}, nil
}

// TransferCall is the decoded argument list of transferWithAuthorization.
type TransferCall struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Sig         Signature
}

// PackTransferWithAuthorization ABI-encodes the relayed call.
func PackTransferWithAuthorization(c TransferCall) ([]byte, error) {
	parsed, err := transferWithAuthorizationABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := parsed.Pack(
		FunctionTransferWithAuthorization,
		c.From,
		c.To,
		c.Value,
		c.ValidAfter,
		c.ValidBefore,
		c.Nonce,
		c.Sig.V,
		c.Sig.R,
		c.Sig.S,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}
	return data, nil
}

// UnpackTransferWithAuthorization decodes calldata produced by
// PackTransferWithAuthorization.
func UnpackTransferWithAuthorization(data []byte) (TransferCall, error) {
	var c TransferCall
	parsed, err := transferWithAuthorizationABI()
	if err != nil {
		return c, fmt.Errorf("failed to parse ABI: %w", err)
	}
	if len(data) < 4 {
		return c, fmt.Errorf("calldata too short")
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return c, err
	}
	if method.Name != FunctionTransferWithAuthorization {
		return c, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return c, fmt.Errorf("failed to unpack calldata: %w", err)
	}
	if len(args) != 9 {
		return c, fmt.Errorf("expected 9 arguments, got %d", len(args))
	}

	c.From = args[0].(common.Address)
	c.To = args[1].(common.Address)
	c.Value = args[2].(*big.Int)
	c.ValidAfter = args[3].(*big.Int)
	c.ValidBefore = args[4].(*big.Int)
	c.Nonce = args[5].([32]byte)
	c.Sig.V = args[6].(uint8)
	c.Sig.R = args[7].([32]byte)
	c.Sig.S = args[8].([32]byte)
	return c, nil
}

// Authorization reassembles the signed message from a decoded call.
func (c TransferCall) Authorization() ExactEIP3009Authorization {
	return ExactEIP3009Authorization{
		From:        c.From.Hex(),
		To:          c.To.Hex(),
		Value:       c.Value.String(),
		ValidAfter:  c.ValidAfter.String(),
		ValidBefore: c.ValidBefore.String(),
		Nonce:       BytesToHex(c.Nonce[:]),
	}
}

// SignatureHex re-encodes the call's v, r and s as a 65-byte hex signature.
func (c TransferCall) SignatureHex() string {
	raw := make([]byte, SignatureLength)
	copy(raw[0:32], c.Sig.R[:])
	copy(raw[32:64], c.Sig.S[:])
	raw[64] = c.Sig.V
	return BytesToHex(raw)
}
