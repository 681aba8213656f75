package settlement

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/vitwit/x402-facilitator/utils"
	"github.com/vitwit/x402-facilitator/verification"
)

const (
	DefaultSubmitTimeout = 30 * time.Second

	batchConcurrency = 8
)

// Settler interface defines the contract for payment settlement
type Settler interface {
	Settle(ctx context.Context, req *types.SettleRequest) (*types.SettlementResult, error)
}

// SettlementService drives a verified payment through submission and
// confirmation polling.
type SettlementService struct {
	verifier *verification.VerificationService
	registry *registry.Registry
	poll     PollPolicy
	timeout  time.Duration
	log      logger.Logger
	metrics  metrics.Recorder
	tracer   trace.Tracer
}

type Option func(*SettlementService)

func WithPollPolicy(p PollPolicy) Option {
	return func(s *SettlementService) { s.poll = p.withDefaults() }
}

// WithTimeout bounds the submit half of a settlement.
func WithTimeout(d time.Duration) Option {
	return func(s *SettlementService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) { s.log = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SettlementService) { s.metrics = metrics.OrNoop(r) }
}

// NewSettlementService creates a new settlement service
func NewSettlementService(verifier *verification.VerificationService, reg *registry.Registry, opts ...Option) *SettlementService {
	s := &SettlementService{
		verifier: verifier,
		registry: reg,
		poll:     DefaultPollPolicy(),
		timeout:  DefaultSubmitTimeout,
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		tracer:   otel.Tracer("github.com/vitwit/x402-facilitator/settlement"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run carries the per-settlement context through the state machine.
type run struct {
	s       *SettlementService
	span    trace.Span
	network types.Network
	payer   string
	txHash  string
	state   State
}

func (r *run) enter(st State) {
	r.state = st
	r.span.AddEvent(string(st))
	r.s.metrics.IncCounter("settle_"+string(st), map[string]string{"network": string(r.network)})
	fields := map[string]any{"network": string(r.network), "state": string(st)}
	if r.payer != "" {
		fields["payer"] = r.payer
	}
	if r.txHash != "" {
		fields["txHash"] = r.txHash
	}
	r.s.log.Debug("settlement transition", fields)
}

func (r *run) result(reason types.ErrorReason, msg string) *types.SettlementResult {
	return &types.SettlementResult{
		Success:      reason == "",
		TxHash:       r.txHash,
		ErrorReason:  reason,
		ErrorMessage: msg,
		Network:      r.network,
		Payer:        r.payer,
	}
}

// Settle re-verifies req, submits it and polls until a terminal state. A
// returned error is an infrastructure failure before or during submission;
// an unknown outcome after submission is reported as timed_out.
func (s *SettlementService) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettlementResult, error) {
	if req == nil {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "settle request is nil", nil)
	}
	ctx, span := s.tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("x402.network", string(req.PaymentRequirements.Network)),
	))
	defer span.End()

	start := time.Now()
	r := &run{s: s, span: span, network: req.PaymentRequirements.Network}
	defer func() {
		s.metrics.ObserveLatency("settle", time.Since(start), map[string]string{"network": string(r.network)})
		span.SetAttributes(attribute.String("x402.settlement_state", string(r.state)))
	}()

	r.enter(StateReceived)
	r.enter(StateVerifying)
	out, err := s.verifier.Check(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.payer = out.Result.Payer
	if !out.Result.IsValid {
		r.enter(StateRejected)
		return r.result(out.Result.InvalidReason, ""), nil
	}
	r.enter(StateVerified)

	r.enter(StateSubmitting)
	submitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	txID, err := out.Client.Submit(submitCtx, out.Payment, &req.PaymentRequirements)
	cancel()
	if err != nil {
		var cr *clients.ChainRejectedError
		if errors.As(err, &cr) {
			r.txHash = cr.TxHash
			r.enter(StateChainRejected)
			s.log.Info("settlement rejected by chain", map[string]any{
				"network": string(r.network),
				"payer":   r.payer,
				"error":   err,
			})
			return r.result(types.ReasonChainRejected, cr.Message), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("settlement submit failed", map[string]any{
			"network": string(r.network),
			"payer":   r.payer,
			"error":   err,
		})
		return nil, err
	}
	r.txHash = txID
	span.SetAttributes(attribute.String("x402.tx_hash", txID))
	r.enter(StateSubmitted)

	r.enter(StatePolling)
	status, final := s.AwaitConfirmation(ctx, out.Client, txID, time.Now().Add(s.poll.Timeout))
	r.enter(final)

	switch final {
	case StateConfirmed:
		asset, _ := out.Client.Info().FindAsset(req.PaymentRequirements.Asset)
		s.log.Info("settlement confirmed", map[string]any{
			"network": string(r.network),
			"payer":   r.payer,
			"txHash":  txID,
			"amount":  utils.FormatAmount(out.Payment.Amount(), asset.Decimals),
		})
		return r.result("", ""), nil
	case StateChainRejected:
		msg := ""
		if status != nil {
			msg = status.Error
		}
		return r.result(types.ReasonChainRejected, msg), nil
	default:
		s.log.Warn("settlement outcome unknown", map[string]any{"network": string(r.network), "txHash": txID})
		return r.result(types.ReasonTimedOut, "confirmation not observed before deadline"), nil
	}
}

// AwaitConfirmation polls txID until it is confirmed or failed, the poll
// attempt budget is spent, deadline passes or ctx is done. It returns
// StateConfirmed, StateChainRejected or StateTimedOut together with the
// last status observed.
func (s *SettlementService) AwaitConfirmation(ctx context.Context, c clients.Client, txID string, deadline time.Time) (*types.TransactionStatus, State) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var last *types.TransactionStatus
	interval := s.poll.InitialInterval
	for attempt := 1; ; attempt++ {
		status, err := c.TransactionStatus(ctx, txID)
		switch {
		case err != nil:
			s.log.Warn("transaction status unavailable", map[string]any{
				"network": string(c.Network()),
				"txHash":  txID,
				"attempt": attempt,
				"error":   err,
			})
		case status.Status == types.TxConfirmed:
			return status, StateConfirmed
		case status.Status == types.TxFailed:
			return status, StateChainRejected
		default:
			last = status
		}

		if s.poll.MaxAttempts > 0 && attempt >= s.poll.MaxAttempts {
			return last, StateTimedOut
		}
		if !sleep(ctx, interval) {
			return last, StateTimedOut
		}
		interval = s.poll.next(interval)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// BatchSettle settles requests concurrently. Every request runs to
// completion; the first infrastructure error is returned alongside the
// results, which are nil at the failed indices.
func (s *SettlementService) BatchSettle(ctx context.Context, reqs []*types.SettleRequest) ([]*types.SettlementResult, error) {
	if len(reqs) == 0 {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "batch is empty", nil)
	}
	results := make([]*types.SettlementResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Settle(ctx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	return results, g.Wait()
}

// TransactionStatus reports the chain status of txID on network.
func (s *SettlementService) TransactionStatus(ctx context.Context, network types.Network, txID string) (*types.TransactionStatus, error) {
	c, err := s.registry.Lookup(network)
	if err != nil {
		return nil, err
	}
	statusCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return c.TransactionStatus(statusCtx, txID)
}
