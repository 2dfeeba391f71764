package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	clawdevm "github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// parseKey strips an optional 0x prefix and parses a secp256k1 key.
func parseKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, crypto.PubkeyToAddress(privateKey.PublicKey), nil
}

// ClientSigner signs EIP-3009 authorizations on behalf of a paying wallet.
// The server never holds payer keys; this is used by the pay command and tests.
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	asset      clawdevm.AssetInfo
}

// NewClientSignerFromPrivateKey creates a client signer from a hex-encoded private key.
//
// Example:
//
//	signer, err := evm.NewClientSignerFromPrivateKey(os.Getenv("PAYER_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	payload, err := signer.SignAuthorization(treasury, amount, 10*time.Minute)
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	privateKey, address, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewClientSigner(privateKey, address), nil
}

// NewClientSigner wraps an existing key. It signs for USDC on Base.
func NewClientSigner(privateKey *ecdsa.PrivateKey, address common.Address) *ClientSigner {
	return &ClientSigner{
		privateKey: privateKey,
		address:    address,
		chainID:    clawdevm.ChainIDBase,
		asset:      clawdevm.BaseUSDC,
	}
}

// Address returns the Ethereum address of the signer.
func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// Sign signs auth with the token's EIP-712 domain and returns a 65-byte
// r||s||v signature with v in {27, 28}.
func (s *ClientSigner) Sign(auth clawdevm.ExactEIP3009Authorization) (string, error) {
	digest, err := clawdevm.HashEIP3009Authorization(auth, s.chainID, s.asset)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return clawdevm.BytesToHex(signature), nil
}

// SignAuthorization builds and signs a transfer of value to payTo, valid from
// now for validFor, with a random 32-byte nonce.
func (s *ClientSigner) SignAuthorization(payTo string, value *big.Int, validFor time.Duration) (*clawdevm.ExactEIP3009Payload, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	auth := clawdevm.ExactEIP3009Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(payTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(now-60, 10),
		ValidBefore: strconv.FormatInt(now+int64(validFor.Seconds()), 10),
		Nonce:       clawdevm.BytesToHex(nonce[:]),
	}

	sig, err := s.Sign(auth)
	if err != nil {
		return nil, err
	}
	return &clawdevm.ExactEIP3009Payload{Signature: sig, Authorization: auth}, nil
}

// RelayerSigner holds the gas-paying key used to submit relayed transfers.
type RelayerSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewRelayerSignerFromPrivateKey parses the relayer key.
func NewRelayerSignerFromPrivateKey(privateKeyHex string) (*RelayerSigner, error) {
	privateKey, address, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &RelayerSigner{privateKey: privateKey, address: address}, nil
}

// Address returns the relayer account address.
func (s *RelayerSigner) Address() string {
	return s.address.Hex()
}

// SignTransaction signs tx for chainID with the latest signer rules.
func (s *RelayerSigner) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

var _ clawdevm.TransactionSigner = (*RelayerSigner)(nil)
