package evm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// NetworkBase is the x402 v1 network name for Base mainnet.
	NetworkBase = "base"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// USDCBase is the native USDC contract on Base.
	USDCBase = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	// USDCName and USDCVersion form the token's EIP-712 domain.
	USDCName    = "USD Coin"
	USDCVersion = "2"

	// SignatureLength is r (32) + s (32) + v (1).
	SignatureLength = 65
)

var (
	// Network chain IDs
	ChainIDBase = big.NewInt(8453)

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)").
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

	// MinRelayerBalance is the native balance below which the relayer refuses to
	// submit (0.001 ETH).
	MinRelayerBalance = big.NewInt(1_000_000_000_000_000)

	// PriorityFee is the EIP-1559 tip offered on relayed transactions (0.001 gwei).
	PriorityFee = big.NewInt(1_000_000)

	// BaseUSDC describes the single stablecoin this service accepts.
	BaseUSDC = AssetInfo{
		Address:  USDCBase,
		Name:     USDCName,
		Version:  USDCVersion,
		Decimals: DefaultDecimals,
	}

	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// TransferWithAuthorizationTypes are the EIP-712 types signed by the payer.
	TransferWithAuthorizationTypes = map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
)
