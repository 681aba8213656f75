package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/clients/clientstest"
	"github.com/vitwit/x402-facilitator/registry"
	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/verification"
)

const (
	usdcBaseSepolia = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	seller          = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func fastPoll() PollPolicy {
	return PollPolicy{Timeout: 200 * time.Millisecond, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond}
}

func newService(poll PollPolicy, cs ...clients.Client) *SettlementService {
	reg := registry.NewFromClients(cs...)
	return NewSettlementService(verification.NewVerificationService(reg), reg, WithPollPolicy(poll))
}

func fakeRequest(t *testing.T, amount string) *types.SettleRequest {
	t.Helper()
	now := time.Now()
	p := clientstest.Payload{
		Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		Amount:      amount,
		PayTo:       seller,
		ValidAfter:  now.Add(-time.Minute).Unix(),
		ValidBefore: now.Add(time.Minute).Unix(),
	}
	return &types.SettleRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      types.SchemeExact,
			Network:     types.NetworkBaseSepolia,
			Payload:     clientstest.MustJSON(t, p),
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           types.NetworkBaseSepolia,
			MaxAmountRequired: "1000000",
			PayTo:             seller,
			MaxTimeoutSeconds: 300,
			Asset:             usdcBaseSepolia,
		},
	}
}

func statusSequence(states ...types.TxState) func(context.Context, string) (*types.TransactionStatus, error) {
	var mu sync.Mutex
	i := 0
	return func(_ context.Context, txID string) (*types.TransactionStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		st := states[len(states)-1]
		if i < len(states) {
			st = states[i]
		}
		i++
		return &types.TransactionStatus{TxHash: txID, Network: types.NetworkBaseSepolia, Status: st}, nil
	}
}

func TestSettleConfirmsOnSecondPoll(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.StatusFn = statusSequence(types.TxPending, types.TxConfirmed)

	res, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, res.TxHash)
	assert.Empty(t, res.ErrorReason)
	assert.Equal(t, types.NetworkBaseSepolia, res.Network)
	assert.Equal(t, 1, fake.Calls("Submit"))
	assert.Equal(t, 2, fake.Calls("TransactionStatus"))
}

func TestSettleTimesOut(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.StatusFn = statusSequence(types.TxPending)

	poll := fastPoll()
	poll.Timeout = 30 * time.Millisecond
	start := time.Now()
	res, err := newService(poll, fake).Settle(context.Background(), fakeRequest(t, "1000000"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonTimedOut, res.ErrorReason)
	assert.NotEmpty(t, res.TxHash)
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, fake.Calls("TransactionStatus"), 1)
}

func TestSettleAttemptBudget(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.StatusFn = statusSequence(types.TxPending)

	poll := fastPoll()
	poll.Timeout = time.Minute
	poll.MaxAttempts = 3
	res, err := newService(poll, fake).Settle(context.Background(), fakeRequest(t, "1000000"))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTimedOut, res.ErrorReason)
	assert.Equal(t, 3, fake.Calls("TransactionStatus"))
}

func TestSettleCallerCancelIsTimedOut(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.StatusFn = statusSequence(types.TxPending)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	poll := fastPoll()
	poll.Timeout = time.Minute
	res, err := newService(poll, fake).Settle(ctx, fakeRequest(t, "1000000"))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonTimedOut, res.ErrorReason)
	assert.NotEmpty(t, res.TxHash)
}

func TestSettleRejectedVerification(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	res, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "5"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonAmountMismatch, res.ErrorReason)
	assert.Empty(t, res.TxHash)
	assert.Zero(t, fake.Calls("Submit"))
}

func TestSettleSubmitErrors(t *testing.T) {
	t.Run("chain rejected", func(t *testing.T) {
		fake := clientstest.NewClient(types.NetworkBaseSepolia)
		fake.SubmitFn = func(context.Context, types.ChainPaymentPayload, *types.PaymentRequirements) (string, error) {
			return "", &clients.ChainRejectedError{Message: "FiatTokenV2: authorization is used or canceled"}
		}
		res, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
		require.NoError(t, err)
		assert.Equal(t, types.ReasonChainRejected, res.ErrorReason)
		assert.Equal(t, "FiatTokenV2: authorization is used or canceled", res.ErrorMessage)
		assert.Zero(t, fake.Calls("TransactionStatus"))
	})

	t.Run("infrastructure", func(t *testing.T) {
		fake := clientstest.NewClient(types.NetworkBaseSepolia)
		fake.SubmitFn = func(context.Context, types.ChainPaymentPayload, *types.PaymentRequirements) (string, error) {
			return "", types.NewX402Error(types.ErrRPCUnavailable, "eth_sendRawTransaction", errors.New("connection refused"))
		}
		res, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
		assert.Nil(t, res)
		assert.Equal(t, types.ErrRPCUnavailable, types.ErrorCode(err))
	})

	t.Run("signer missing", func(t *testing.T) {
		fake := clientstest.NewClient(types.NetworkBaseSepolia)
		fake.SubmitFn = func(context.Context, types.ChainPaymentPayload, *types.PaymentRequirements) (string, error) {
			return "", types.NewX402Error(types.ErrSignerMissing, "no evm signer", nil)
		}
		_, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
		assert.True(t, types.IsInfrastructure(err))
	})
}

func TestSettleFailedOnChain(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.StatusFn = func(_ context.Context, txID string) (*types.TransactionStatus, error) {
		return &types.TransactionStatus{TxHash: txID, Status: types.TxFailed, Error: "execution reverted"}, nil
	}
	res, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonChainRejected, res.ErrorReason)
	assert.Equal(t, "execution reverted", res.ErrorMessage)
	assert.NotEmpty(t, res.TxHash)
}

func TestSettlePollSurvivesStatusErrors(t *testing.T) {
	var n atomic.Int32
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.StatusFn = func(_ context.Context, txID string) (*types.TransactionStatus, error) {
		if n.Add(1) < 3 {
			return nil, types.NewX402Error(types.ErrRPCUnavailable, "eth_getTransactionReceipt", errors.New("502"))
		}
		return &types.TransactionStatus{TxHash: txID, Status: types.TxConfirmed}, nil
	}
	res, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 3, n.Load())
}

func TestSettleInfrastructureDuringVerify(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	fake.VerifyFn = func(context.Context, types.ChainPaymentPayload, *types.PaymentRequirements) (*types.VerificationResult, error) {
		return nil, types.NewX402Error(types.ErrRPCTimeout, "balanceOf", context.DeadlineExceeded)
	}
	_, err := newService(fastPoll(), fake).Settle(context.Background(), fakeRequest(t, "1000000"))
	assert.Equal(t, types.ErrRPCTimeout, types.ErrorCode(err))
	assert.Zero(t, fake.Calls("Submit"))
}

func TestBatchSettle(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	svc := newService(fastPoll(), fake)

	reqs := []*types.SettleRequest{fakeRequest(t, "1000000"), fakeRequest(t, "1"), fakeRequest(t, "1000000")}
	results, err := svc.BatchSettle(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, types.ReasonAmountMismatch, results[1].ErrorReason)
	assert.True(t, results[2].Success)
	assert.NotEqual(t, results[0].TxHash, results[2].TxHash)

	_, err = svc.BatchSettle(context.Background(), nil)
	assert.Equal(t, types.ErrInvalidRequest, types.ErrorCode(err))
}

func TestTransactionStatus(t *testing.T) {
	fake := clientstest.NewClient(types.NetworkBaseSepolia)
	svc := newService(fastPoll(), fake)

	st, err := svc.TransactionStatus(context.Background(), types.NetworkBaseSepolia, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, st.Status)

	_, err = svc.TransactionStatus(context.Background(), types.NetworkPolygon, "0xabc")
	assert.Equal(t, types.ErrUnsupportedNetwork, types.ErrorCode(err))
}

func TestPollPolicy(t *testing.T) {
	p := PollPolicyFromConfig(types.PollConfig{InitialInterval: time.Second, MaxInterval: 3 * time.Second})
	assert.Equal(t, DefaultPollPolicy().Timeout, p.Timeout)
	assert.Equal(t, 2*time.Second, p.next(time.Second))
	assert.Equal(t, 3*time.Second, p.next(2*time.Second))

	p = PollPolicyFromConfig(types.PollConfig{InitialInterval: time.Second, MaxInterval: time.Millisecond, MaxAttempts: -1})
	assert.Equal(t, time.Second, p.MaxInterval)
	assert.Zero(t, p.MaxAttempts)
}

func TestStateTerminal(t *testing.T) {
	for _, st := range []State{StateRejected, StateConfirmed, StateChainRejected, StateTimedOut} {
		assert.True(t, st.Terminal(), st)
	}
	for _, st := range []State{StateReceived, StateVerifying, StateVerified, StateSubmitting, StateSubmitted, StatePolling} {
		assert.False(t, st.Terminal(), st)
	}
}

type evmEnv struct {
	chain *clientstest.EVMChain
	svc   *SettlementService
	fac   *signer.EVM
	reqs  types.PaymentRequirements
	token common.Address
	evm   *clients.EVMClient
}

func newEVMEnv(t *testing.T) *evmEnv {
	t.Helper()
	info, ok := types.LookupNetwork(types.NetworkBaseSepolia)
	require.True(t, ok)
	token := common.HexToAddress(info.Assets[0].Address)
	chain := clientstest.NewEVMChain(info.ChainID, token)

	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	fac := signer.NewEVM(k)

	opts := clients.DefaultOptions()
	opts.Retry = clients.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, AttemptTimeout: time.Second}
	evm, err := clients.NewEVMClient(info, chain, fac, opts)
	require.NoError(t, err)

	return &evmEnv{
		chain: chain,
		svc:   newService(fastPoll(), evm),
		fac:   fac,
		token: token,
		evm:   evm,
		reqs: types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           types.NetworkBaseSepolia,
			MaxAmountRequired: "1000000",
			PayTo:             seller,
			MaxTimeoutSeconds: 120,
			Asset:             token.Hex(),
		},
	}
}

func (e *evmEnv) signedRequest(t *testing.T) *types.SettleRequest {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	e.chain.Balances[crypto.PubkeyToAddress(k.PublicKey)] = big.NewInt(1_000_000)

	p := clientstest.SignEVM(t, e.evm.Domain(&e.reqs), clientstest.EVMAuth{
		Key:         k,
		To:          common.HexToAddress(seller),
		Value:       big.NewInt(1_000_000),
		ValidAfter:  time.Now().Add(-time.Minute),
		ValidBefore: time.Now().Add(time.Minute),
		Nonce:       clientstest.RandomNonce(t),
	})
	return &types.SettleRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      types.SchemeExact,
			Network:     types.NetworkBaseSepolia,
			Payload:     clientstest.MustJSON(t, p),
		},
		PaymentRequirements: e.reqs,
	}
}

func TestSettleEVMReplayIsChainRejected(t *testing.T) {
	env := newEVMEnv(t)
	req := env.signedRequest(t)

	first, err := env.svc.Settle(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success, first.ErrorMessage)
	assert.Equal(t, 0, env.chain.Balances[common.HexToAddress(first.Payer)].Sign())

	// Refund so the second attempt fails on the used authorization alone.
	env.chain.Balances[common.HexToAddress(first.Payer)] = big.NewInt(1_000_000)
	second, err := env.svc.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, types.ReasonChainRejected, second.ErrorReason)
	assert.Len(t, env.chain.Sent, 1)
	assert.Zero(t, big.NewInt(1_000_000).Cmp(env.chain.Balances[common.HexToAddress(seller)]))
}

func TestSettleEVMConcurrentNoncesAreGapless(t *testing.T) {
	env := newEVMEnv(t)
	const n = 16
	reqs := make([]*types.SettleRequest, n)
	for i := range reqs {
		reqs[i] = env.signedRequest(t)
	}

	results, err := env.svc.BatchSettle(context.Background(), reqs)
	require.NoError(t, err)
	for _, r := range results {
		require.True(t, r.Success, r.ErrorMessage)
	}

	require.Len(t, env.chain.Sent, n)
	seen := make(map[uint64]bool, n)
	for _, tx := range env.chain.Sent {
		seen[tx.Nonce()] = true
	}
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
}

func TestSettleSolanaCoSignsAndRejectsReplay(t *testing.T) {
	info, ok := types.LookupNetwork(types.NetworkSolanaDevnet)
	require.True(t, ok)
	fac := solana.NewWallet().PrivateKey
	chain := clientstest.NewSolanaChain()
	opts := clients.DefaultOptions()
	opts.Retry = clients.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, AttemptTimeout: time.Second}
	sol, err := clients.NewSolanaClient(info, chain, signer.NewSolana(fac), opts)
	require.NoError(t, err)

	mint := solana.MustPublicKeyFromBase58(info.Assets[0].Address)
	owner := solana.NewWallet().PrivateKey
	src, _, err := solana.FindAssociatedTokenAddress(owner.PublicKey(), mint)
	require.NoError(t, err)
	chain.TokenBalances[src] = 5000
	payTo := solana.NewWallet().PublicKey()

	_, b64 := clientstest.BuildSolanaTransfer(t, clientstest.SolanaTransfer{
		FeePayer: fac.PublicKey(),
		Owner:    owner,
		Mint:     mint,
		PayTo:    payTo,
		Amount:   1000,
		Decimals: 6,
		Signers:  []solana.PrivateKey{owner},
	})
	req := &types.SettleRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      types.SchemeExact,
			Network:     types.NetworkSolanaDevnet,
			Payload:     clientstest.MustJSON(t, types.ExactSolanaPayload{Transaction: b64}),
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           types.NetworkSolanaDevnet,
			MaxAmountRequired: "1000",
			PayTo:             payTo.String(),
			MaxTimeoutSeconds: 60,
			Asset:             mint.String(),
		},
	}
	svc := newService(fastPoll(), sol)

	first, err := svc.Settle(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success, first.ErrorMessage)
	assert.Equal(t, owner.PublicKey().String(), first.Payer)
	require.Len(t, chain.Sent, 1)
	assert.Equal(t, chain.Sent[0].Signatures[0].String(), first.TxHash)

	second, err := svc.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonChainRejected, second.ErrorReason)
	assert.Len(t, chain.Sent, 1)
}
