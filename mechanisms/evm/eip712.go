package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData returns the EIP-712 digest
// keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typed := apitypes.TypedData{
		Types:       make(apitypes.Types, len(types)),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}
	for name, fields := range types {
		for _, f := range fields {
			typed.Types[name] = append(typed.Types[name], apitypes.Type{Name: f.Name, Type: f.Type})
		}
	}

	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", primaryType, err)
	}
	return digest, nil
}

// USDCDomain is the EIP-712 domain of the given token on chainID.
func USDCDomain(asset AssetInfo, chainID *big.Int) TypedDataDomain {
	return TypedDataDomain{
		Name:              asset.Name,
		Version:           asset.Version,
		ChainID:           chainID,
		VerifyingContract: asset.Address,
	}
}

// AuthorizationMessage builds the TransferWithAuthorization message map.
func AuthorizationMessage(auth ExactEIP3009Authorization) (map[string]interface{}, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	return map[string]interface{}{
		"from":        common.HexToAddress(auth.From).Hex(),
		"to":          common.HexToAddress(auth.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}, nil
}

// HashEIP3009Authorization hashes a TransferWithAuthorization message for EIP-3009
// against the token's domain on chainID.
func HashEIP3009Authorization(auth ExactEIP3009Authorization, chainID *big.Int, asset AssetInfo) ([]byte, error) {
	message, err := AuthorizationMessage(auth)
	if err != nil {
		return nil, err
	}
	return HashTypedData(USDCDomain(asset, chainID), TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
}

// RecoverAuthorizationSigner returns the address that produced signature over
// auth. The token contract performs the same recovery on chain.
func RecoverAuthorizationSigner(auth ExactEIP3009Authorization, signature string, chainID *big.Int, asset AssetInfo) (string, error) {
	digest, err := HashEIP3009Authorization(auth, chainID, asset)
	if err != nil {
		return "", err
	}
	sig, err := SplitSignature(signature)
	if err != nil {
		return "", err
	}

	raw := make([]byte, SignatureLength)
	copy(raw[0:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = sig.V - 27

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// IsSigner reports whether signature over auth was produced by auth.From.
func IsSigner(auth ExactEIP3009Authorization, signature string, chainID *big.Int, asset AssetInfo) bool {
	signer, err := RecoverAuthorizationSigner(auth, signature, chainID, asset)
	if err != nil {
		return false
	}
	return strings.EqualFold(signer, auth.From)
}
