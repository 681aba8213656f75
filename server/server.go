// Package server exposes the facilitator over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitwit/x402-facilitator/config"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

// Facilitator is the payment surface served over HTTP.
type Facilitator interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
	Settle(ctx context.Context, req *types.SettleRequest) (*types.SettlementResult, error)
	TransactionStatus(ctx context.Context, network types.Network, txID string) (*types.TransactionStatus, error)
	Supported() types.SupportedResponse
	Family(network types.Network) (types.ChainFamily, bool)
}

// Options configures the HTTP surface.
type Options struct {
	ServiceName string
	RateLimits  config.RateLimits
	// Gatherer backs /metrics; nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
	Metrics  metrics.Recorder
}

// Handler serves the facilitator routes.
type Handler struct {
	facilitator Facilitator
	serviceName string
	log         logger.Logger
	metrics     metrics.Recorder
}

// NewRouter builds the gin engine with tracing, CORS, access logging and
// per-IP rate limits.
func NewRouter(f Facilitator, opts Options) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = config.ServiceName
	}
	h := &Handler{
		facilitator: f,
		serviceName: opts.ServiceName,
		log:         logger.OrNoop(opts.Logger),
		metrics:     metrics.OrNoop(opts.Metrics),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(cors())
	r.Use(requestID())
	r.Use(h.accessLog())

	general := rateLimit("general", newIPLimiter(opts.RateLimits.GeneralPerMinute), h.metrics)
	verify := rateLimit("verify", newIPLimiter(opts.RateLimits.VerifyPerMinute), h.metrics)
	settle := rateLimit("settle", newIPLimiter(opts.RateLimits.SettlePerMinute), h.metrics)
	status := rateLimit("transaction_status", newIPLimiter(opts.RateLimits.StatusPerMinute), h.metrics)

	r.GET("/", general, h.Root)
	r.GET("/verify", general, h.VerifyInfo)
	r.POST("/verify", verify, h.Verify)
	r.GET("/settle", general, h.SettleInfo)
	r.POST("/settle", settle, h.Settle)
	r.GET("/supported", general, h.Supported)
	r.GET("/health", general, h.Supported)
	r.GET("/transaction/:network/:txHash", status, h.TransactionStatus)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (h *Handler) Root(c *gin.Context) {
	c.String(http.StatusOK, "Hello from %s!", h.serviceName)
}

func (h *Handler) VerifyInfo(c *gin.Context) {
	c.JSON(http.StatusOK, endpointInfo("/verify", "POST to verify x402 payments"))
}

func (h *Handler) SettleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, endpointInfo("/settle", "POST to settle x402 payments"))
}

func endpointInfo(endpoint, description string) gin.H {
	return gin.H{
		"endpoint":    endpoint,
		"description": description,
		"body": gin.H{
			"x402Version":         "number",
			"paymentPayload":      "PaymentPayload",
			"paymentRequirements": "PaymentRequirements",
		},
	}
}

// Verify handles payment verification requests
func (h *Handler) Verify(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	res, err := h.facilitator.Verify(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "verification failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Settle handles payment settlement requests
func (h *Handler) Settle(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	res, err := h.facilitator.Settle(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "settlement failed", err)
		return
	}
	trace.SpanFromContext(c.Request.Context()).AddEvent("settlement_finished")
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, h.facilitator.Supported())
}

// TransactionStatus reports the chain status of a settlement transaction.
func (h *Handler) TransactionStatus(c *gin.Context) {
	network := types.Network(c.Param("network"))
	txHash := c.Param("txHash")

	family, ok := h.facilitator.Family(network)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Unsupported network: %s", network)})
		return
	}
	if err := utils.ValidateTransactionID(family, txHash); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid transaction hash format: %v", err)})
		return
	}

	st, err := h.facilitator.TransactionStatus(c.Request.Context(), network, txHash)
	if err != nil {
		h.fail(c, "transaction status failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) bind(c *gin.Context) (*types.VerifyRequest, bool) {
	var req types.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": types.ErrInvalidRequest})
		return nil, false
	}
	if err := utils.ValidateVerifyRequest(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": types.ErrInvalidRequest})
		return nil, false
	}
	return &req, true
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	code := types.ErrorCode(err)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, map[string]any{
			"path":      c.FullPath(),
			"code":      code,
			"requestId": c.GetString(requestIDHeader),
			"error":     err,
		})
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// StatusFor maps an infrastructure error to an HTTP status.
func StatusFor(err error) int {
	switch types.ErrorCode(err) {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnsupportedNetwork:
		return http.StatusNotFound
	case types.ErrRPCUnavailable, types.ErrSignerMissing, types.ErrFacilitatorAccount:
		return http.StatusServiceUnavailable
	case types.ErrRPCTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

const requestIDHeader = "X-Request-ID"

// requestID echoes the caller's X-Request-ID or assigns a fresh one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// accessLog records each request as a log line and an "http" latency sample.
func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		h.metrics.ObserveLatency("http", elapsed, map[string]string{"network": c.Param("network")})
		h.log.Debug("http request", map[string]any{
			"method":    c.Request.Method,
			"route":     route,
			"status":    c.Writer.Status(),
			"latency":   elapsed.String(),
			"client":    c.ClientIP(),
			"requestId": c.GetString(requestIDHeader),
		})
	}
}
