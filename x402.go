// Package x402 is a payment facilitator for the x402 protocol. It verifies
// signed payment proofs against seller requirements and settles them on
// EVM chains (EIP-3009 transferWithAuthorization) and Solana.
package x402

import (
	"context"
	"time"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/registry"
	"github.com/vitwit/x402-facilitator/settlement"
	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/verification"
)

// X402 is the main struct that provides all x402 functionality
type X402 struct {
	registry            *registry.Registry
	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService
	config              *types.X402Config

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	clock   func() time.Time
}

// New dials every configured network and wires the verification and
// settlement services over the resulting registry.
func New(ctx context.Context, config *types.X402Config, signers signer.Set, opts ...Option) (*X402, error) {
	if config == nil {
		config = DefaultConfig()
	}
	x := newX402(config, opts)

	clientOpts := clients.Options{
		Retry:        clients.RetryPolicyFromConfig(config.Retry),
		Logger:       x.logger,
		CheckBalance: config.BalanceCheckEnabled(),
	}
	reg, err := registry.New(ctx, config.Clients, signers, clientOpts)
	if err != nil {
		return nil, err
	}
	x.wire(reg)
	return x, nil
}

// NewWithRegistry wires the services over an existing registry.
func NewWithRegistry(reg *registry.Registry, config *types.X402Config, opts ...Option) *X402 {
	if config == nil {
		config = DefaultConfig()
	}
	x := newX402(config, opts)
	x.wire(reg)
	return x
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *types.X402Config {
	return &types.X402Config{
		DefaultTimeout: 30 * time.Second,
		ClockSkew:      verification.DefaultClockSkew,
		LogLevel:       "info",
		Clients:        map[types.Network]types.ClientConfig{},
	}
}

func newX402(config *types.X402Config, opts []Option) *X402 {
	x := &X402{
		config:  config,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: config.DefaultTimeout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = logger.OrNoop(x.logger)
	x.metrics = metrics.OrNoop(x.metrics)
	return x
}

func (x *X402) wire(reg *registry.Registry) {
	x.registry = reg

	vopts := []verification.Option{
		verification.WithTimeout(x.timeout),
		verification.WithClock(x.clock),
		verification.WithLogger(x.logger),
		verification.WithMetrics(x.metrics),
	}
	if x.config.ClockSkew > 0 {
		vopts = append(vopts, verification.WithClockSkew(x.config.ClockSkew))
	}
	x.verificationService = verification.NewVerificationService(reg, vopts...)

	x.settlementService = settlement.NewSettlementService(x.verificationService, reg,
		settlement.WithTimeout(x.timeout),
		settlement.WithPollPolicy(settlement.PollPolicyFromConfig(x.config.Poll)),
		settlement.WithLogger(x.logger),
		settlement.WithMetrics(x.metrics),
	)
}

// Verify verifies a payment against requirements
func (x *X402) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	return x.verificationService.Verify(ctx, req)
}

// Settle settles a payment transaction
func (x *X402) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettlementResult, error) {
	return x.settlementService.Settle(ctx, req)
}

// BatchVerify verifies multiple payments concurrently
func (x *X402) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerificationResult, error) {
	return x.verificationService.BatchVerify(ctx, reqs)
}

// BatchSettle settles multiple payments concurrently
func (x *X402) BatchSettle(ctx context.Context, reqs []*types.SettleRequest) ([]*types.SettlementResult, error) {
	return x.settlementService.BatchSettle(ctx, reqs)
}

// QuickVerify performs basic validation without blockchain queries
func (x *X402) QuickVerify(req *types.VerifyRequest) (*types.VerificationResult, error) {
	return x.verificationService.QuickVerify(req)
}

// TransactionStatus reports the chain status of a settlement transaction.
func (x *X402) TransactionStatus(ctx context.Context, network types.Network, txID string) (*types.TransactionStatus, error) {
	return x.settlementService.TransactionStatus(ctx, network, txID)
}

func (x *X402) Supported() types.SupportedResponse {
	return x.registry.Supported()
}

// Networks lists the networks with a registered adapter.
func (x *X402) Networks() []types.Network {
	return x.registry.Networks()
}

// Family reports the chain family of a registered network.
func (x *X402) Family(network types.Network) (types.ChainFamily, bool) {
	c, err := x.registry.Lookup(network)
	if err != nil {
		return "", false
	}
	return c.Info().Family, true
}

// IsNetworkSupported checks if a network is supported
func (x *X402) IsNetworkSupported(network types.Network) bool {
	return x.verificationService.IsNetworkSupported(network)
}

// Close closes all client connections
func (x *X402) Close() {
	x.registry.Close()
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = int(types.X402Version1)
)

// GetVersion returns version information
func (x *X402) GetVersion() map[string]any {
	schemes := make([]string, 0, len(types.SupportedSchemes))
	for _, s := range types.SupportedSchemes {
		schemes = append(schemes, string(s))
	}
	networks := make([]string, 0)
	for _, n := range x.registry.Networks() {
		networks = append(networks, string(n))
	}
	return map[string]any{
		"library_version":    Version,
		"protocol_version":   ProtocolVersion,
		"supported_networks": networks,
		"supported_schemes":  schemes,
	}
}
