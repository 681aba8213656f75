package clients

import (
	"context"

	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/types"
)

// Client is a chain adapter for one network. Implementations are EVMClient
// and SolanaClient.
type Client interface {
	Network() types.Network
	Family() types.ChainFamily
	Info() types.NetworkInfo

	// Decode parses the chain-specific payload without signature checks or RPC calls.
	// Failures wrap ErrInvalidPayload.
	Decode(payload []byte) (types.ChainPaymentPayload, error)

	// VerifySignature checks the cryptographic proof and, when enabled, the payer balance.
	VerifySignature(ctx context.Context, payment types.ChainPaymentPayload, req *types.PaymentRequirements) (*types.VerificationResult, error)

	// Submit broadcasts the payment with the facilitator's signer and returns the transaction id.
	Submit(ctx context.Context, payment types.ChainPaymentPayload, req *types.PaymentRequirements) (string, error)

	TransactionStatus(ctx context.Context, txID string) (*types.TransactionStatus, error)

	Close()
}

// Options are shared by both adapters.
type Options struct {
	Retry        RetryPolicy
	Logger       logger.Logger
	CheckBalance bool
}

func DefaultOptions() Options {
	return Options{Retry: DefaultRetryPolicy(), Logger: logger.NoopLogger{}, CheckBalance: true}
}

func (o Options) withDefaults() Options {
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy()
	}
	o.Logger = logger.OrNoop(o.Logger)
	return o
}
