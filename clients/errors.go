package clients

import (
	"errors"
	"fmt"
)

// ChainRejectedError is returned when the chain refuses a transaction: a
// revert during gas estimation, a failed preflight, a reused authorization.
type ChainRejectedError struct {
	Message string
	TxHash  string
	Err     error
}

func (e *ChainRejectedError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain rejected %s: %s", e.TxHash, e.Message)
	}
	return "chain rejected: " + e.Message
}

func (e *ChainRejectedError) Unwrap() error { return e.Err }

func rejected(msg string, err error) *ChainRejectedError {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &ChainRejectedError{Message: msg, Err: err}
}

// IsChainRejected reports whether err carries a *ChainRejectedError.
func IsChainRejected(err error) bool {
	var cr *ChainRejectedError
	return errors.As(err, &cr)
}

// ErrInvalidPayload wraps every structural decoding failure.
var ErrInvalidPayload = errors.New("invalid payload")

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Solana structural rejection messages.
const (
	errSvmDecode                      = "invalid_exact_svm_payload_transaction"
	errSvmAddressLookupTables         = "invalid_exact_svm_payload_transaction_address_lookup_tables"
	errSvmInstructionsLength          = "invalid_exact_svm_payload_transaction_instructions_length"
	errSvmUnexpectedInstruction       = "invalid_exact_svm_payload_transaction_unexpected_instruction"
	errSvmNotATransferInstruction     = "invalid_exact_svm_payload_transaction_not_a_transfer_instruction"
	errSvmFeePayerInInstruction       = "invalid_exact_svm_payload_transaction_fee_payer_included_in_instruction_accounts"
	errSvmFeePayerTransferringFunds   = "invalid_exact_svm_payload_transaction_fee_payer_transferring_funds"
	errSvmSignerMissingSignatures     = "transaction_signer_missing_signatures"
	errSvmBlockhashExpired            = "settle_exact_svm_block_height_exceeded"
	errSvmTransactionAlreadyProcessed = "settle_exact_svm_transaction_already_processed"
)
