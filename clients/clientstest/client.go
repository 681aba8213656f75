package clientstest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/types"
)

// Payload is the wire format the fake Client decodes.
type Payload struct {
	Payer       string `json:"payer"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount"`
	PayTo       string `json:"payTo"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
}

// Payment is the decoded form of Payload.
type Payment struct {
	P     Payload
	Value *big.Int
}

func (p *Payment) Payer() string            { return p.P.Payer }
func (p *Payment) Asset() string            { return p.P.Asset }
func (p *Payment) Amount() *big.Int         { return new(big.Int).Set(p.Value) }
func (p *Payment) PaysTo(payTo string) bool { return strings.EqualFold(payTo, p.P.PayTo) }

func (p *Payment) ValidAfter() time.Time {
	if p.P.ValidAfter == 0 {
		return time.Time{}
	}
	return time.Unix(p.P.ValidAfter, 0)
}

func (p *Payment) ValidBefore() time.Time {
	if p.P.ValidBefore == 0 {
		return time.Time{}
	}
	return time.Unix(p.P.ValidBefore, 0)
}

// Client is a scripted clients.Client. Nil funcs take the happy path.
type Client struct {
	NetworkInfo types.NetworkInfo

	VerifyFn func(ctx context.Context, p types.ChainPaymentPayload, req *types.PaymentRequirements) (*types.VerificationResult, error)
	SubmitFn func(ctx context.Context, p types.ChainPaymentPayload, req *types.PaymentRequirements) (string, error)
	StatusFn func(ctx context.Context, txID string) (*types.TransactionStatus, error)

	mu     sync.Mutex
	calls  map[string]int
	closed bool
	seq    int
}

var _ clients.Client = (*Client)(nil)

// NewClient returns a fake for network with the built-in metadata when known.
func NewClient(network types.Network) *Client {
	info, ok := types.LookupNetwork(network)
	if !ok {
		info = types.NetworkInfo{Network: network, Family: types.ChainEVM, ChainID: 1}
	}
	return &Client{NetworkInfo: info, calls: map[string]int{}}
}

func (c *Client) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[name]++
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// TotalCalls counts every method call except Network, Family and Info.
func (c *Client) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Network() types.Network    { return c.NetworkInfo.Network }
func (c *Client) Family() types.ChainFamily { return c.NetworkInfo.Family }
func (c *Client) Info() types.NetworkInfo   { return c.NetworkInfo }

func (c *Client) Decode(payload []byte) (types.ChainPaymentPayload, error) {
	c.record("Decode")
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", clients.ErrInvalidPayload, err)
	}
	v, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad amount", clients.ErrInvalidPayload)
	}
	return &Payment{P: p, Value: v}, nil
}

func (c *Client) VerifySignature(ctx context.Context, p types.ChainPaymentPayload, req *types.PaymentRequirements) (*types.VerificationResult, error) {
	c.record("VerifySignature")
	if c.VerifyFn != nil {
		return c.VerifyFn(ctx, p, req)
	}
	return types.Valid(p.Payer()), nil
}

func (c *Client) Submit(ctx context.Context, p types.ChainPaymentPayload, req *types.PaymentRequirements) (string, error) {
	c.record("Submit")
	if c.SubmitFn != nil {
		return c.SubmitFn(ctx, p, req)
	}
	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("0x%064x", c.seq)
	c.mu.Unlock()
	return id, nil
}

func (c *Client) TransactionStatus(ctx context.Context, txID string) (*types.TransactionStatus, error) {
	c.record("TransactionStatus")
	if c.StatusFn != nil {
		return c.StatusFn(ctx, txID)
	}
	return &types.TransactionStatus{TxHash: txID, Network: c.Network(), Status: types.TxConfirmed, Confirmations: 1}, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
