package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	ethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils/eip712"
)

const (
	defaultEIP712Name    = "USD Coin"
	defaultEIP712Version = "2"

	// gas estimate headroom, in percent
	gasLimitHeadroom = 20
)

// maxUnixSeconds caps validity timestamps that do not fit a time.Time.
const maxUnixSeconds = int64(1) << 40

// EVMBackend is the subset of *ethclient.Client the adapter needs.
type EVMBackend interface {
	ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ EVMBackend = (*ethclient.Client)(nil)

// EVMPayment is a decoded EIP-3009 authorization with its signature.
type EVMPayment struct {
	Authorization eip712.TransferWithAuthorization
	Signature     []byte
}

var _ types.ChainPaymentPayload = (*EVMPayment)(nil)

func (p *EVMPayment) Payer() string    { return p.Authorization.From.Hex() }
func (p *EVMPayment) Asset() string    { return "" }
func (p *EVMPayment) Amount() *big.Int { return new(big.Int).Set(p.Authorization.Value) }

func (p *EVMPayment) PaysTo(payTo string) bool {
	return common.IsHexAddress(payTo) && common.HexToAddress(payTo) == p.Authorization.To
}

func (p *EVMPayment) ValidAfter() time.Time  { return unixTime(p.Authorization.ValidAfter) }
func (p *EVMPayment) ValidBefore() time.Time { return unixTime(p.Authorization.ValidBefore) }

func unixTime(v *big.Int) time.Time {
	if !v.IsInt64() || v.Int64() > maxUnixSeconds {
		return time.Unix(maxUnixSeconds, 0)
	}
	return time.Unix(v.Int64(), 0)
}

// EVMClient settles EIP-3009 authorizations on an EVM chain.
type EVMClient struct {
	info    types.NetworkInfo
	chainID *big.Int
	backend EVMBackend
	signer  *signer.EVM
	nonces  *NonceManager
	opts    Options
	log     logger.Logger
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient wraps backend. s may be nil, in which case Submit fails with SIGNER_MISSING.
func NewEVMClient(info types.NetworkInfo, backend EVMBackend, s *signer.EVM, opts Options) (*EVMClient, error) {
	if info.Family != types.ChainEVM {
		return nil, types.NewX402Error(types.ErrConfigError, fmt.Sprintf("network %s is not an evm network", info.Network), nil)
	}
	if info.ChainID <= 0 {
		return nil, types.NewX402Error(types.ErrConfigError, fmt.Sprintf("network %s has no chain id", info.Network), nil)
	}
	opts = opts.withDefaults()

	c := &EVMClient{
		info:    info,
		chainID: big.NewInt(info.ChainID),
		backend: backend,
		signer:  s,
		opts:    opts,
		log:     opts.Logger.With(map[string]any{"network": string(info.Network)}),
	}
	if s != nil {
		addr := s.Address()
		c.nonces = NewNonceManager(func(ctx context.Context) (uint64, error) {
			return retryValue(ctx, opts.Retry, "eth_getTransactionCount", func(ctx context.Context) (uint64, error) {
				return backend.PendingNonceAt(ctx, addr)
			})
		})
	}
	return c, nil
}

// DialEVM connects to rpcURL and checks the remote chain id against info.
func DialEVM(ctx context.Context, info types.NetworkInfo, rpcURL string, s *signer.EVM, opts Options) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, types.NewX402Error(types.ErrRPCUnavailable, "ethereum rpc dial", err)
	}
	c, err := NewEVMClient(info, eth, s, opts)
	if err != nil {
		eth.Close()
		return nil, err
	}

	remote, err := retryValue(ctx, c.opts.Retry, "eth_chainId", eth.ChainID)
	if err != nil {
		eth.Close()
		return nil, err
	}
	if remote.Cmp(c.chainID) != 0 {
		eth.Close()
		return nil, types.NewX402Error(types.ErrConfigError,
			fmt.Sprintf("network %s: rpc reports chain id %s, expected %s", info.Network, remote, c.chainID), nil)
	}
	return c, nil
}

func (c *EVMClient) Network() types.Network    { return c.info.Network }
func (c *EVMClient) Family() types.ChainFamily { return types.ChainEVM }
func (c *EVMClient) Info() types.NetworkInfo   { return c.info }
func (c *EVMClient) Close()                    { c.backend.Close() }

func (c *EVMClient) Decode(payload []byte) (types.ChainPaymentPayload, error) {
	var p types.ExactEvmPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidPayload("evm payload: %v", err)
	}
	return ParseEvmPayment(p)
}

// ParseEvmPayment converts the wire authorization into typed values.
func ParseEvmPayment(p types.ExactEvmPayload) (*EVMPayment, error) {
	a := p.Authorization
	if !common.IsHexAddress(a.From) {
		return nil, invalidPayload("authorization.from is not an address")
	}
	if !common.IsHexAddress(a.To) {
		return nil, invalidPayload("authorization.to is not an address")
	}
	value, err := parseUint256("value", a.Value)
	if err != nil {
		return nil, err
	}
	validAfter, err := parseUint256("validAfter", a.ValidAfter)
	if err != nil {
		return nil, err
	}
	validBefore, err := parseUint256("validBefore", a.ValidBefore)
	if err != nil {
		return nil, err
	}
	nonce, err := eip712.HexToBytes32(a.Nonce)
	if err != nil {
		return nil, invalidPayload("authorization.nonce: %v", err)
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return nil, invalidPayload("signature: %v", err)
	}
	if len(sig) != 65 {
		return nil, invalidPayload("signature must be 65 bytes, got %d", len(sig))
	}

	return &EVMPayment{
		Authorization: eip712.TransferWithAuthorization{
			From:        common.HexToAddress(a.From),
			To:          common.HexToAddress(a.To),
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       nonce,
		},
		Signature: sig,
	}, nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, invalidPayload("authorization.%s is not a uint256 decimal", field)
	}
	return n, nil
}

// Domain returns the EIP-712 domain for req. extra.name / extra.version win
// over the network's token table.
func (c *EVMClient) Domain(req *types.PaymentRequirements) eip712.Domain {
	name, version := defaultEIP712Name, defaultEIP712Version
	if dep, ok := c.info.FindAsset(req.Asset); ok {
		if dep.EIP712Name != "" {
			name = dep.EIP712Name
		}
		if dep.EIP712Version != "" {
			version = dep.EIP712Version
		}
	}
	if v := req.ExtraString("name"); v != "" {
		name = v
	}
	if v := req.ExtraString("version"); v != "" {
		version = v
	}
	return eip712.Domain{
		Name:              name,
		Version:           version,
		ChainID:           c.chainID,
		VerifyingContract: common.HexToAddress(req.Asset),
	}
}

func (c *EVMClient) VerifySignature(ctx context.Context, payment types.ChainPaymentPayload, req *types.PaymentRequirements) (*types.VerificationResult, error) {
	p, ok := payment.(*EVMPayment)
	if !ok {
		return types.Invalid(types.ReasonInvalidPayload, ""), nil
	}
	payer := p.Payer()

	digest, err := eip712.Digest(c.Domain(req), p.Authorization)
	if err != nil {
		return types.Invalid(types.ReasonInvalidPayload, payer), nil
	}
	recovered, err := eip712.RecoverSigner(digest, p.Signature)
	if err != nil || recovered != p.Authorization.From {
		c.log.Debug("signature mismatch", map[string]any{"payer": payer, "recovered": recovered.Hex()})
		return types.Invalid(types.ReasonInvalidSignature, payer), nil
	}

	if c.opts.CheckBalance {
		bal, err := NewERC20(common.HexToAddress(req.Asset), c.backend, c.opts.Retry).BalanceOf(ctx, p.Authorization.From)
		if err != nil {
			return nil, err
		}
		if bal.Cmp(p.Authorization.Value) < 0 {
			return types.Invalid(types.ReasonInsufficientFunds, payer), nil
		}
	}
	return types.Valid(payer), nil
}

// Submit sends transferWithAuthorization from the facilitator account, which pays gas.
func (c *EVMClient) Submit(ctx context.Context, payment types.ChainPaymentPayload, req *types.PaymentRequirements) (string, error) {
	if c.signer == nil {
		return "", types.NewX402Error(types.ErrSignerMissing, "no evm signer configured", nil)
	}
	p, ok := payment.(*EVMPayment)
	if !ok {
		return "", fmt.Errorf("%w: not an evm payment", ErrInvalidPayload)
	}

	v, r, s, err := eip712.SplitSignature(p.Signature)
	if err != nil {
		return "", err
	}
	a := p.Authorization
	data, err := TokenABI.Pack("transferWithAuthorization", a.From, a.To, a.Value, a.ValidAfter, a.ValidBefore, a.Nonce, v, r, s)
	if err != nil {
		return "", fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	token := common.HexToAddress(req.Asset)
	from := c.signer.Address()

	gas, err := retryValue(ctx, c.opts.Retry, "eth_estimateGas", func(ctx context.Context) (uint64, error) {
		return c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	})
	if err != nil {
		return "", c.classify("estimate gas", err)
	}
	gas += gas * gasLimitHeadroom / 100

	gasPrice, err := retryValue(ctx, c.opts.Retry, "eth_gasPrice", c.backend.SuggestGasPrice)
	if err != nil {
		return "", err
	}

	var hash common.Hash
	nonce, err := c.nonces.Send(ctx, func(ctx context.Context, nonce uint64) error {
		tx := ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &token,
			Value:    new(big.Int),
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := c.signer.SignTx(tx, c.chainID)
		if err != nil {
			return fmt.Errorf("sign tx: %w", err)
		}
		// uncertain is set once an attempt may have reached the node.
		uncertain, resolved := false, false
		err = c.opts.Retry.Do(ctx, "eth_sendRawTransaction", func(actx context.Context) error {
			err := c.backend.SendTransaction(actx, signed)
			if err == nil || isAlreadyKnown(err) {
				return nil
			}
			if IsTransient(err) {
				uncertain = true
			} else if uncertain && isNonceCollision(err) {
				resolved = true
				return c.resolveBroadcast(ctx, signed.Hash(), err)
			}
			return err
		})
		if err != nil && uncertain && !resolved {
			err = c.resolveBroadcast(ctx, signed.Hash(), err)
		}
		if err != nil {
			return err
		}
		hash = signed.Hash()
		return nil
	})
	if err != nil {
		return "", c.classify("send transaction", err)
	}

	c.log.Debug("transaction broadcast", map[string]any{
		"txHash": hash.Hex(),
		"nonce":  nonce,
		"payer":  p.Payer(),
		"gas":    gas,
	})
	return hash.Hex(), nil
}

// resolveBroadcast decides the outcome of a send whose acknowledgement may
// have been lost. A transaction the node knows about counts as sent; anything
// else is RPC_UNAVAILABLE so the nonce manager never re-signs the payment
// under a fresh nonce.
func (c *EVMClient) resolveBroadcast(ctx context.Context, hash common.Hash, cause error) error {
	found, err := c.known(ctx, hash)
	if err != nil {
		return types.NewX402Error(types.ErrRPCUnavailable, "broadcast lookup failed", errors.Join(cause, err))
	}
	if found {
		c.log.Warn("broadcast acknowledgement lost, transaction found", map[string]any{"txHash": hash.Hex()})
		return nil
	}
	c.log.Warn("broadcast outcome unknown", map[string]any{"txHash": hash.Hex(), "error": cause})
	return types.NewX402Error(types.ErrRPCUnavailable, "broadcast unconfirmed", cause)
}

// known reports whether hash is mined or sitting in the node's pool.
func (c *EVMClient) known(ctx context.Context, hash common.Hash) (bool, error) {
	_, err := retryValue(ctx, c.opts.Retry, "eth_getTransactionReceipt", func(ctx context.Context) (*ethtypes.Receipt, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return false, err
	}
	_, err = retryValue(ctx, c.opts.Retry, "eth_getTransactionByHash", func(ctx context.Context) (*ethtypes.Transaction, error) {
		tx, _, err := c.backend.TransactionByHash(ctx, hash)
		return tx, err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	return err == nil, err
}

// facilitatorAccountErrors are node rejections caused by the facilitator's
// own account, not by the payment.
var facilitatorAccountErrors = []string{
	"insufficient funds for gas",
	"insufficient funds for transfer",
	"transaction underpriced",
	"nonce too low",
	"nonce too high",
	"intrinsic gas too low",
	"max fee per gas less than block base fee",
}

func isFacilitatorAccountError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range facilitatorAccountErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classify maps a non-transient RPC error to a chain rejection, or to
// FACILITATOR_ACCOUNT when the facilitator account is at fault.
func (c *EVMClient) classify(op string, err error) error {
	if types.IsInfrastructure(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if isFacilitatorAccountError(err) {
		c.log.Error("facilitator account cannot send", map[string]any{"op": op, "error": err})
		return types.NewX402Error(types.ErrFacilitatorAccount, op+" failed", err)
	}
	var rpcErr ethrpc.Error
	if isRevert(err) || errors.As(err, &rpcErr) {
		return rejected(err.Error(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *EVMClient) TransactionStatus(ctx context.Context, txID string) (*types.TransactionStatus, error) {
	if !strings.HasPrefix(txID, "0x") || len(common.FromHex(txID)) != common.HashLength {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "transaction hash must be 0x-prefixed 32-byte hex", nil)
	}
	hash := common.HexToHash(txID)
	status := &types.TransactionStatus{TxHash: hash.Hex(), Network: c.info.Network, Status: types.TxPending}

	receipt, err := retryValue(ctx, c.opts.Retry, "eth_getTransactionReceipt", func(ctx context.Context) (*ethtypes.Receipt, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}

	head, err := retryValue(ctx, c.opts.Retry, "eth_blockNumber", c.backend.BlockNumber)
	if err != nil {
		return nil, err
	}
	if head >= status.BlockNumber {
		status.Confirmations = head - status.BlockNumber + 1
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		status.Status = types.TxFailed
		status.Error = "execution reverted"
		return status, nil
	}
	if status.Confirmations >= c.info.Confirmation.Depth {
		status.Status = types.TxConfirmed
	}
	return status, nil
}
