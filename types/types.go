package types

import (
	"encoding/json"
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentScheme represents the amount-matching rule of a payment
type PaymentScheme string

const (
	// SchemeExact requires the authorized amount to equal the required amount.
	SchemeExact PaymentScheme = "exact"
	// SchemeUpto accepts any authorized amount up to the required amount.
	SchemeUpto PaymentScheme = "upto"
)

// SupportedSchemes lists the schemes offered on every registered network.
var SupportedSchemes = []PaymentScheme{SchemeExact, SchemeUpto}

func (s PaymentScheme) IsSupported() bool {
	return s == SchemeExact || s == SchemeUpto
}

type SupportedItem struct {
	X402Version int           `json:"x402Version"`
	Scheme      PaymentScheme `json:"scheme"`
	Network     Network       `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use ("exact" or "upto").
	Scheme PaymentScheme `json:"scheme" validate:"required"`

	// Network of the blockchain to send payment on (e.g., "base-sepolia").
	Network Network `json:"network" validate:"required"`

	// Maximum amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,uint256"`

	// URL of the resource to pay for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required"`

	// Maximum lifetime in seconds of the payment proof.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gte=0"`

	// Address of the token contract (EVM) or mint (Solana).
	Asset string `json:"asset" validate:"required"`

	// Extra information about payment details specific to the scheme.
	// For EVM networks this may carry the EIP-712 domain `name` and `version`.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ExtraString returns a string value from Extra, or "" when absent.
func (pr *PaymentRequirements) ExtraString(key string) string {
	if pr.Extra == nil {
		return ""
	}
	s, _ := pr.Extra[key].(string)
	return s
}

// PaymentPayload is the buyer-submitted signed proof of payment.
type PaymentPayload struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version" validate:"required"`

	Scheme PaymentScheme `json:"scheme" validate:"required"`

	Network Network `json:"network" validate:"required"`

	// Chain specific payload, see ExactEvmPayload and ExactSolanaPayload.
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// VerifyRequest represents the body sent to a facilitator to verify or settle a payment.
type VerifyRequest struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version" validate:"required"`

	PaymentPayload PaymentPayload `json:"paymentPayload"`

	// Payment requirements being verified against.
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest carries the same body as VerifyRequest.
type SettleRequest = VerifyRequest

// ExactEvmPayload is the EVM payload: an EIP-3009 authorization and its signature.
type ExactEvmPayload struct {
	Signature     string               `json:"signature"` // 65-byte ECDSA signature r||s||v, hex
	Authorization EIP3009Authorization `json:"authorization"`
}

type EIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // uint256
	ValidAfter  string `json:"validAfter"`  // uint256 timestamp
	ValidBefore string `json:"validBefore"` // uint256 timestamp
	Nonce       string `json:"nonce"`       // bytes32
}

// ExactSolanaPayload carries a base64 encoded, partially or fully signed transaction.
type ExactSolanaPayload struct {
	Transaction string `json:"transaction"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool        `json:"isValid"`
	InvalidReason ErrorReason `json:"invalidReason,omitempty"`
	Payer         string      `json:"payer,omitempty"`
}

// Valid returns a successful verification result for payer.
func Valid(payer string) *VerificationResult {
	return &VerificationResult{IsValid: true, Payer: payer}
}

// Invalid returns a failed verification result.
func Invalid(reason ErrorReason, payer string) *VerificationResult {
	return &VerificationResult{InvalidReason: reason, Payer: payer}
}

// SettlementResult contains the result of payment settlement
type SettlementResult struct {
	Success      bool        `json:"success"`
	TxHash       string      `json:"txHash,omitempty"`
	ErrorReason  ErrorReason `json:"errorReason,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Network      Network     `json:"network"`
	Payer        string      `json:"payer,omitempty"`
}

// TxState is the observed on-chain state of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TransactionStatus is the chain-reported status of a transaction.
type TransactionStatus struct {
	TxHash        string  `json:"txHash"`
	Network       Network `json:"network"`
	Status        TxState `json:"status"`
	BlockNumber   uint64  `json:"blockNumber,omitempty"` // block (EVM) or slot (Solana)
	Confirmations uint64  `json:"confirmations"`
	Error         string  `json:"error,omitempty"`
}

// ClientConfig contains configuration for one blockchain network client
type ClientConfig struct {
	Network Network `json:"network" validate:"required"`
	RPCUrl  string  `json:"rpcUrl" validate:"omitempty,url"`

	// Optional overrides of the built-in network table.
	Family        ChainFamily       `json:"family,omitempty" validate:"omitempty,oneof=evm solana"`
	ChainID       int64             `json:"chainId,omitempty"`
	Assets        []TokenDeployment `json:"assets,omitempty" validate:"dive"`
	Confirmations uint64            `json:"confirmations,omitempty"`
	Commitment    string            `json:"commitment,omitempty" validate:"omitempty,oneof=processed confirmed finalized"`
}

// RetryConfig bounds retries of RPC round trips.
type RetryConfig struct {
	MaxAttempts    int           `json:"maxAttempts,omitempty" validate:"gte=0"`
	InitialBackoff time.Duration `json:"initialBackoff,omitempty"`
	MaxBackoff     time.Duration `json:"maxBackoff,omitempty"`
	AttemptTimeout time.Duration `json:"attemptTimeout,omitempty"`
}

// PollConfig bounds confirmation polling during settlement.
type PollConfig struct {
	Timeout         time.Duration `json:"timeout,omitempty"`
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
	MaxAttempts     int           `json:"maxAttempts,omitempty" validate:"gte=0"`
}

// X402Config contains global configuration for the facilitator
type X402Config struct {
	DefaultTimeout time.Duration            `json:"defaultTimeout,omitempty"`
	ClockSkew      time.Duration            `json:"clockSkew,omitempty"`
	CheckBalance   *bool                    `json:"checkBalance,omitempty"`
	Retry          RetryConfig              `json:"retry"`
	Poll           PollConfig               `json:"poll"`
	Clients        map[Network]ClientConfig `json:"clients,omitempty" validate:"dive"`
	LogLevel       string                   `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool                     `json:"enableMetrics,omitempty"`
}

// BalanceCheckEnabled reports whether verification reads the payer balance; on by default.
func (c *X402Config) BalanceCheckEnabled() bool {
	return c == nil || c.CheckBalance == nil || *c.CheckBalance
}
