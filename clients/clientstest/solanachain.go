package clientstest

import (
	"context"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/vitwit/x402-facilitator/clients"
)

// SolanaChain records sent transactions and answers status queries.
// It implements clients.SolanaBackend.
type SolanaChain struct {
	mu sync.Mutex

	Balances      map[solana.PublicKey]uint64
	TokenBalances map[solana.PublicKey]uint64
	Statuses      map[solana.Signature]*rpc.SignatureStatusesResult
	// Commitment is reported for every accepted transaction.
	Commitment rpc.ConfirmationStatusType

	Sent     []*solana.Transaction
	SendErrs []error
	Calls    map[string]int

	// LostAcks is the number of accepted sends that return ErrLostAck.
	LostAcks int
}

var _ clients.SolanaBackend = (*SolanaChain)(nil)

func NewSolanaChain() *SolanaChain {
	return &SolanaChain{
		Balances:      map[solana.PublicKey]uint64{},
		TokenBalances: map[solana.PublicKey]uint64{},
		Statuses:      map[solana.Signature]*rpc.SignatureStatusesResult{},
		Commitment:    rpc.ConfirmationStatusConfirmed,
		Calls:         map[string]int{},
	}
}

func (c *SolanaChain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[method]
}

func (c *SolanaChain) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["sendTransaction"]++
	if len(c.SendErrs) > 0 {
		err := c.SendErrs[0]
		c.SendErrs = c.SendErrs[1:]
		return solana.Signature{}, err
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32602, Message: "missing signatures"}
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return solana.Signature{}, err
	}
	for i, sig := range tx.Signatures {
		if !sig.Verify(tx.Message.AccountKeys[i], msg) {
			return solana.Signature{}, &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
		}
	}
	sig := tx.Signatures[0]
	if _, ok := c.Statuses[sig]; ok {
		return solana.Signature{}, &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: This transaction has already been processed"}
	}
	c.Sent = append(c.Sent, tx)
	c.Statuses[sig] = &rpc.SignatureStatusesResult{Slot: 1000 + uint64(len(c.Sent)), ConfirmationStatus: c.Commitment}
	if c.LostAcks > 0 {
		c.LostAcks--
		return solana.Signature{}, ErrLostAck
	}
	return sig, nil
}

func (c *SolanaChain) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["getSignatureStatuses"]++
	out := &rpc.GetSignatureStatusesResult{}
	for _, s := range sigs {
		out.Value = append(out.Value, c.Statuses[s])
	}
	return out, nil
}

func (c *SolanaChain) GetBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["getBalance"]++
	return &rpc.GetBalanceResult{Value: c.Balances[account]}, nil
}

func (c *SolanaChain) GetTokenAccountBalance(_ context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["getTokenAccountBalance"]++
	bal, ok := c.TokenBalances[account]
	if !ok {
		return nil, &jsonrpc.RPCError{Code: -32602, Message: "Invalid param: could not find account"}
	}
	return &rpc.GetTokenAccountBalanceResult{Value: &rpc.UiTokenAmount{Amount: strconv.FormatUint(bal, 10)}}, nil
}

func (c *SolanaChain) Close() error { return nil }
