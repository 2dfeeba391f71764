package facilitator

// Facilitator error constants for the exact EVM scheme
const (
	// Settled-reference verify errors
	ErrInvalidTxHash           = "invalid_exact_evm_tx_hash"
	ErrFailedToGetReceipt      = "invalid_exact_evm_failed_to_get_receipt"
	ErrTransactionNotFound     = "invalid_exact_evm_transaction_not_found"
	ErrTransactionFailed       = "invalid_exact_evm_transaction_failed"
	ErrNoMatchingTransfer      = "invalid_exact_evm_no_matching_transfer"
	ErrInsufficientAmount      = "invalid_exact_evm_insufficient_amount"
	ErrInvalidRequiredAmount   = "invalid_exact_evm_required_amount"
	ErrInvalidRequiredReceiver = "invalid_exact_evm_required_recipient"

	// EIP-3009 relay validation errors
	ErrRecipientMismatch      = "invalid_exact_evm_recipient_mismatch"
	ErrValidBeforeExpired     = "invalid_exact_evm_payload_authorization_valid_before"
	ErrValidAfterInFuture     = "invalid_exact_evm_payload_authorization_valid_after"
	ErrInvalidSignatureFormat = "invalid_exact_evm_signature_format"
	ErrInvalidPayload         = "invalid_exact_evm_payload"
	ErrNonceAlreadyUsed       = "invalid_exact_evm_nonce_already_used"
	ErrTransactionWouldFail   = "invalid_exact_evm_transaction_would_fail"

	// Relay infrastructure errors
	ErrFailedToGetBalance      = "invalid_exact_evm_failed_to_get_balance"
	ErrInsufficientRelayerGas  = "relayer_insufficient_gas"
	ErrFailedToBuildTx         = "invalid_exact_evm_failed_to_build_transaction"
	ErrFailedToExecuteTransfer = "invalid_exact_evm_failed_to_execute_transfer"
	ErrConfirmationTimeout     = "invalid_exact_evm_confirmation_timeout"
	ErrReceiptLookupFailed     = "invalid_exact_evm_receipt_lookup_failed"
	ErrIdempotencyStore        = "relay_idempotency_store_unavailable"
)
