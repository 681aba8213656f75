// Package clientstest provides in-memory chains and a scripted Client for tests.
package clientstest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/x402-facilitator/clients"
)

// RevertError mimics a node's execution-reverted JSON-RPC error.
type RevertError struct{ Reason string }

func (e *RevertError) Error() string  { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int { return 3 }

// RPCError is a generic JSON-RPC error.
type RPCError struct {
	Code int
	Msg  string
}

func (e *RPCError) Error() string  { return e.Msg }
func (e *RPCError) ErrorCode() int { return e.Code }

// ErrLostAck is what a client sees when the node applied a request but the
// response never arrived.
var ErrLostAck net.Error = lostAck{}

type lostAck struct{}

func (lostAck) Error() string   { return "read tcp 127.0.0.1:8545: i/o timeout" }
func (lostAck) Timeout() bool   { return true }
func (lostAck) Temporary() bool { return true }

type authKey struct {
	from  common.Address
	nonce [32]byte
}

// EVMChain is a single-token EVM chain that executes transferWithAuthorization.
// It implements clients.EVMBackend.
type EVMChain struct {
	mu sync.Mutex

	ID       *big.Int
	Token    common.Address
	Balances map[common.Address]*big.Int
	Head     uint64
	GasPrice *big.Int

	used     map[authKey]bool
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*ethtypes.Receipt
	unmined  map[common.Hash]*ethtypes.Receipt

	// Sent records every accepted transaction in arrival order.
	Sent []*ethtypes.Transaction

	// SendErrs are returned, one per call, before SendTransaction behaves normally.
	SendErrs []error
	// CallErrs are returned, one per call, before CallContract behaves normally.
	CallErrs []error
	// EstimateErrs are returned, one per call, before EstimateGas behaves normally.
	EstimateErrs []error
	// MineOnSend includes each accepted transaction in a new block.
	MineOnSend bool
	// RevertOnChain makes mined transactions fail with status 0.
	RevertOnChain bool
	// LostAcks is the number of accepted sends that return ErrLostAck.
	LostAcks int

	Calls map[string]int
}

var _ clients.EVMBackend = (*EVMChain)(nil)

func NewEVMChain(chainID int64, token common.Address) *EVMChain {
	return &EVMChain{
		ID:         big.NewInt(chainID),
		Token:      token,
		Balances:   map[common.Address]*big.Int{},
		GasPrice:   big.NewInt(1_000_000_000),
		Head:       100,
		used:       map[authKey]bool{},
		nonces:     map[common.Address]uint64{},
		receipts:   map[common.Hash]*ethtypes.Receipt{},
		MineOnSend: true,
		Calls:      map[string]int{},
	}
}

func (c *EVMChain) count(method string) {
	c.Calls[method]++
}

// CallCount returns how many times method was invoked.
func (c *EVMChain) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[method]
}

// TotalCalls sums every backend call.
func (c *EVMChain) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.Calls {
		n += v
	}
	return n
}

func (c *EVMChain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("ChainID")
	return new(big.Int).Set(c.ID), nil
}

func (c *EVMChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("CallContract")
	if len(c.CallErrs) > 0 {
		err := c.CallErrs[0]
		c.CallErrs = c.CallErrs[1:]
		return nil, err
	}
	if msg.To == nil || *msg.To != c.Token {
		return nil, nil
	}
	m := clients.TokenABI.Methods["balanceOf"]
	if len(msg.Data) < 4 || !bytes.Equal(msg.Data[:4], m.ID) {
		return nil, &RevertError{Reason: "unknown method"}
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(c.balance(args[0].(common.Address)))
}

func (c *EVMChain) balance(a common.Address) *big.Int {
	if b, ok := c.Balances[a]; ok {
		return b
	}
	return new(big.Int)
}

// check runs transferWithAuthorization against current state without applying it.
func (c *EVMChain) check(to *common.Address, data []byte) (authKey, common.Address, *big.Int, error) {
	m := clients.TokenABI.Methods["transferWithAuthorization"]
	if to == nil || *to != c.Token || len(data) < 4 || !bytes.Equal(data[:4], m.ID) {
		return authKey{}, common.Address{}, nil, &RevertError{Reason: "unexpected call"}
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return authKey{}, common.Address{}, nil, &RevertError{Reason: err.Error()}
	}
	from := args[0].(common.Address)
	dst := args[1].(common.Address)
	value := args[2].(*big.Int)
	key := authKey{from: from, nonce: args[5].([32]byte)}
	if c.used[key] {
		return key, dst, value, &RevertError{Reason: "FiatTokenV2: authorization is used or canceled"}
	}
	if c.balance(from).Cmp(value) < 0 {
		return key, dst, value, &RevertError{Reason: "ERC20: transfer amount exceeds balance"}
	}
	return key, dst, value, nil
}

func (c *EVMChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("EstimateGas")
	if len(c.EstimateErrs) > 0 {
		err := c.EstimateErrs[0]
		c.EstimateErrs = c.EstimateErrs[1:]
		return 0, err
	}
	if _, _, _, err := c.check(msg.To, msg.Data); err != nil {
		return 0, err
	}
	return 80_000, nil
}

func (c *EVMChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("SuggestGasPrice")
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *EVMChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("PendingNonceAt")
	return c.nonces[account], nil
}

// SetNonce moves the account nonce, as a transaction sent by another process would.
func (c *EVMChain) SetNonce(account common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[account] = nonce
}

func (c *EVMChain) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("SendTransaction")
	if len(c.SendErrs) > 0 {
		err := c.SendErrs[0]
		c.SendErrs = c.SendErrs[1:]
		return err
	}
	if _, ok := c.unmined[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if _, ok := c.receipts[tx.Hash()]; ok {
		return &RPCError{Code: -32000, Msg: "nonce too low"}
	}

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(c.ID), tx)
	if err != nil {
		return &RPCError{Code: -32000, Msg: "invalid sender"}
	}
	want := c.nonces[sender]
	switch {
	case tx.Nonce() < want:
		return &RPCError{Code: -32000, Msg: "nonce too low"}
	case tx.Nonce() > want:
		return &RPCError{Code: -32000, Msg: fmt.Sprintf("nonce too high: tx %d, state %d", tx.Nonce(), want)}
	}
	c.nonces[sender] = want + 1
	c.Sent = append(c.Sent, tx)

	receipt := &ethtypes.Receipt{TxHash: tx.Hash(), Status: ethtypes.ReceiptStatusSuccessful}
	key, dst, value, execErr := c.check(tx.To(), tx.Data())
	if execErr != nil || c.RevertOnChain {
		receipt.Status = ethtypes.ReceiptStatusFailed
	} else {
		c.used[key] = true
		c.Balances[key.from] = new(big.Int).Sub(c.balance(key.from), value)
		c.Balances[dst] = new(big.Int).Add(c.balance(dst), value)
	}
	if c.MineOnSend {
		c.Head++
		receipt.BlockNumber = new(big.Int).SetUint64(c.Head)
		c.receipts[tx.Hash()] = receipt
	} else {
		c.pendingReceipt(tx.Hash(), receipt)
	}
	if c.LostAcks > 0 {
		c.LostAcks--
		return ErrLostAck
	}
	return nil
}

func (c *EVMChain) pendingReceipt(h common.Hash, r *ethtypes.Receipt) {
	if c.unmined == nil {
		c.unmined = map[common.Hash]*ethtypes.Receipt{}
	}
	c.unmined[h] = r
}

// Mine includes every pending transaction in a new block.
func (c *EVMChain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Head++
	for h, r := range c.unmined {
		r.BlockNumber = new(big.Int).SetUint64(c.Head)
		c.receipts[h] = r
	}
	c.unmined = nil
}

// AdvanceHead adds n empty blocks.
func (c *EVMChain) AdvanceHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Head += n
}

func (c *EVMChain) TransactionReceipt(_ context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("TransactionReceipt")
	r, ok := c.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *EVMChain) TransactionByHash(_ context.Context, h common.Hash) (*ethtypes.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("TransactionByHash")
	for _, tx := range c.Sent {
		if tx.Hash() == h {
			_, mined := c.receipts[h]
			return tx, !mined, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (c *EVMChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("BlockNumber")
	return c.Head, nil
}

func (c *EVMChain) Close() {}
