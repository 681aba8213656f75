package types

import (
	"errors"
	"fmt"
)

// ErrorReason is a machine-readable verdict reason returned to callers.
type ErrorReason string

// Verification reasons
const (
	ReasonUnsupportedNetwork     ErrorReason = "unsupported_network"
	ReasonUnsupportedScheme      ErrorReason = "unsupported_scheme"
	ReasonVersionMismatch        ErrorReason = "version_mismatch"
	ReasonAssetMismatch          ErrorReason = "asset_mismatch"
	ReasonRecipientMismatch      ErrorReason = "recipient_mismatch"
	ReasonAmountMismatch         ErrorReason = "amount_mismatch"
	ReasonExpired                ErrorReason = "expired"
	ReasonNotYetValid            ErrorReason = "not_yet_valid"
	ReasonInvalidSignature       ErrorReason = "invalid_signature"
	ReasonNetworkMismatch        ErrorReason = "network_mismatch"
	ReasonInvalidPayload         ErrorReason = "invalid_payload"
	ReasonInsufficientFunds      ErrorReason = "insufficient_funds"
	ReasonValidityWindowExceeded ErrorReason = "validity_window_exceeded"
)

// Settlement reasons
const (
	ReasonChainRejected ErrorReason = "chain_rejected"
	ReasonTimedOut      ErrorReason = "timed_out"
)

// Error types
type X402Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func NewX402Error(code, message string, err error) *X402Error {
	return &X402Error{Code: code, Message: message, Err: err}
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Is matches another *X402Error by code.
func (e *X402Error) Is(target error) bool {
	t, ok := target.(*X402Error)
	return ok && t.Code == e.Code
}

// Common error codes
const (
	ErrRPCUnavailable     = "RPC_UNAVAILABLE"
	ErrRPCTimeout         = "RPC_TIMEOUT"
	ErrSignerMissing      = "SIGNER_MISSING"
	// ErrFacilitatorAccount means the facilitator's own account cannot pay
	// for or sequence the transaction (gas funds, nonce, fee too low).
	ErrFacilitatorAccount = "FACILITATOR_ACCOUNT"
	ErrConfigError        = "CONFIG_ERROR"
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnsupportedNetwork = "UNSUPPORTED_NETWORK"
)

// ErrorCode returns the X402Error code carried by err, or "".
func ErrorCode(err error) string {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// IsInfrastructure reports whether err is an RPC, signer or facilitator
// account problem rather than a verdict.
func IsInfrastructure(err error) bool {
	switch ErrorCode(err) {
	case ErrRPCUnavailable, ErrRPCTimeout, ErrSignerMissing, ErrFacilitatorAccount:
		return true
	}
	return false
}
