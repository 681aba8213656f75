package verification

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/registry"
	"github.com/vitwit/x402-facilitator/types"
)

const (
	// DefaultClockSkew tolerates clock drift between buyer and facilitator.
	DefaultClockSkew = 6 * time.Second
	DefaultTimeout   = 30 * time.Second

	batchConcurrency = 16
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
}

// Outcome is a verdict together with the adapter and decoded payment it was
// reached with. Client and Payment are nil when the request was rejected
// before decoding.
type Outcome struct {
	Result  *types.VerificationResult
	Client  clients.Client
	Payment types.ChainPaymentPayload
}

// VerificationService runs the ordered verification checks against the
// adapters of a registry.
type VerificationService struct {
	registry *registry.Registry
	timeout  time.Duration
	skew     time.Duration
	now      func() time.Time
	log      logger.Logger
	metrics  metrics.Recorder
	tracer   trace.Tracer
}

type Option func(*VerificationService)

func WithTimeout(d time.Duration) Option {
	return func(s *VerificationService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClockSkew(d time.Duration) Option {
	return func(s *VerificationService) {
		if d >= 0 {
			s.skew = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *VerificationService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) { s.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) { s.metrics = metrics.OrNoop(r) }
}

// NewVerificationService creates a new verification service
func NewVerificationService(reg *registry.Registry, opts ...Option) *VerificationService {
	s := &VerificationService{
		registry: reg,
		timeout:  DefaultTimeout,
		skew:     DefaultClockSkew,
		now:      time.Now,
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		tracer:   otel.Tracer("github.com/vitwit/x402-facilitator/verification"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify verifies a payment against requirements. A returned error is an
// infrastructure failure; every verdict is carried by the result.
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	out, err := s.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Check runs every check including the adapter's signature verification.
func (s *VerificationService) Check(ctx context.Context, req *types.VerifyRequest) (*Outcome, error) {
	if req == nil {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "verify request is nil", nil)
	}
	ctx, span := s.tracer.Start(ctx, "verification.Check", trace.WithAttributes(
		attribute.String("x402.network", string(req.PaymentRequirements.Network)),
		attribute.String("x402.scheme", string(req.PaymentRequirements.Scheme)),
	))
	defer span.End()

	start := time.Now()
	labels := map[string]string{"network": string(req.PaymentRequirements.Network)}
	defer func() { s.metrics.ObserveLatency("verify", time.Since(start), labels) }()

	out := s.precheck(req)
	if out.Result != nil {
		s.reject(span, labels, out.Result)
		return out, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := out.Client.VerifySignature(verifyCtx, out.Payment, &req.PaymentRequirements)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncCounter("verify_error", labels)
		s.log.Error("signature verification failed", map[string]any{
			"network": labels["network"],
			"payer":   out.Payment.Payer(),
			"error":   err,
		})
		return nil, err
	}
	if !result.IsValid {
		if result.Payer == "" {
			result.Payer = out.Payment.Payer()
		}
		out.Result = result
		s.reject(span, labels, result)
		return out, nil
	}

	out.Result = result
	s.metrics.IncCounter("verify_valid", labels)
	s.log.Debug("payment verified", map[string]any{"network": labels["network"], "payer": result.Payer})
	return out, nil
}

// QuickVerify runs the structural checks only: version, scheme, network,
// asset, recipient, amount and validity window. No RPC is made.
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) (*types.VerificationResult, error) {
	if req == nil {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "verify request is nil", nil)
	}
	out := s.precheck(req)
	if out.Result != nil {
		return out.Result, nil
	}
	return types.Valid(out.Payment.Payer()), nil
}

// BatchVerify verifies requests concurrently. Results keep the input order.
func (s *VerificationService) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerificationResult, error) {
	if len(reqs) == 0 {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "batch is empty", nil)
	}
	results := make([]*types.VerificationResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Verify(gctx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// IsNetworkSupported checks if a network is supported
func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	return s.registry.Has(network)
}

// precheck runs checks 1 through 6. A nil Result means all of them passed
// and Client and Payment are set.
func (s *VerificationService) precheck(req *types.VerifyRequest) *Outcome {
	payload := &req.PaymentPayload
	reqs := &req.PaymentRequirements

	if req.X402Version != int(types.X402Version1) || payload.X402Version != int(types.X402Version1) {
		return rejected(types.ReasonVersionMismatch, "")
	}

	if !reqs.Scheme.IsSupported() || payload.Scheme != reqs.Scheme {
		return rejected(types.ReasonUnsupportedScheme, "")
	}

	if payload.Network != reqs.Network {
		return rejected(types.ReasonNetworkMismatch, "")
	}
	client, err := s.registry.Lookup(reqs.Network)
	if err != nil {
		return rejected(types.ReasonUnsupportedNetwork, "")
	}

	payment, err := client.Decode(payload.Payload)
	if err != nil {
		s.log.Debug("payload decode failed", map[string]any{"network": string(reqs.Network), "error": err})
		return &Outcome{Result: types.Invalid(types.ReasonInvalidPayload, ""), Client: client}
	}
	payer := payment.Payer()
	fail := func(reason types.ErrorReason) *Outcome {
		return &Outcome{Result: types.Invalid(reason, payer), Client: client, Payment: payment}
	}

	info := client.Info()
	if _, ok := info.FindAsset(reqs.Asset); !ok {
		return fail(types.ReasonAssetMismatch)
	}
	if asset := payment.Asset(); asset != "" && !sameAddress(info.Family, asset, reqs.Asset) {
		return fail(types.ReasonAssetMismatch)
	}
	if !payment.PaysTo(reqs.PayTo) {
		return fail(types.ReasonRecipientMismatch)
	}

	if !amountMatches(reqs.Scheme, payment.Amount(), reqs.MaxAmountRequired) {
		return fail(types.ReasonAmountMismatch)
	}

	if reason, ok := s.checkWindow(payment, reqs.MaxTimeoutSeconds); !ok {
		return fail(reason)
	}

	return &Outcome{Client: client, Payment: payment}
}

func (s *VerificationService) checkWindow(p types.ChainPaymentPayload, maxTimeoutSeconds int) (types.ErrorReason, bool) {
	now := s.now()
	horizon := now.Add(s.skew)

	if after := p.ValidAfter(); !after.IsZero() && after.After(horizon) {
		return types.ReasonNotYetValid, false
	}
	before := p.ValidBefore()
	if before.IsZero() {
		return "", true
	}
	if before.Before(horizon) {
		return types.ReasonExpired, false
	}
	if maxTimeoutSeconds > 0 && before.Sub(now) > time.Duration(maxTimeoutSeconds)*time.Second+s.skew {
		return types.ReasonValidityWindowExceeded, false
	}
	return "", true
}

func (s *VerificationService) reject(span trace.Span, labels map[string]string, res *types.VerificationResult) {
	span.SetAttributes(attribute.String("x402.invalid_reason", string(res.InvalidReason)))
	s.metrics.IncCounter("verify_invalid", map[string]string{
		"network": labels["network"],
		"reason":  string(res.InvalidReason),
	})
	s.log.Debug("payment rejected", map[string]any{
		"network": labels["network"],
		"reason":  string(res.InvalidReason),
		"payer":   res.Payer,
	})
}

func rejected(reason types.ErrorReason, payer string) *Outcome {
	return &Outcome{Result: types.Invalid(reason, payer)}
}

func amountMatches(scheme types.PaymentScheme, paid *big.Int, required string) bool {
	want, ok := new(big.Int).SetString(required, 10)
	if !ok || want.Sign() < 0 || paid == nil {
		return false
	}
	switch scheme {
	case types.SchemeExact:
		return paid.Cmp(want) == 0
	case types.SchemeUpto:
		return paid.Sign() >= 0 && paid.Cmp(want) <= 0
	}
	return false
}

func sameAddress(family types.ChainFamily, a, b string) bool {
	if family == types.ChainEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}
