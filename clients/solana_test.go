package clients_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/clients/clientstest"
	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
)

type solFixture struct {
	chain  *clientstest.SolanaChain
	client *clients.SolanaClient
	fac    solana.PrivateKey
	mint   solana.PublicKey
	payTo  solana.PublicKey
	req    *types.PaymentRequirements
}

func newSolFixture(t *testing.T, withSigner bool) *solFixture {
	t.Helper()
	info, ok := types.LookupNetwork(types.NetworkSolanaDevnet)
	require.True(t, ok)

	fac := solana.NewWallet().PrivateKey
	var s *signer.Solana
	if withSigner {
		s = signer.NewSolana(fac)
	}
	chain := clientstest.NewSolanaChain()
	c, err := clients.NewSolanaClient(info, chain, s, testOptions())
	require.NoError(t, err)

	mint := solana.MustPublicKeyFromBase58(info.Assets[0].Address)
	payTo := solana.NewWallet().PublicKey()
	return &solFixture{
		chain: chain, client: c, fac: fac, mint: mint, payTo: payTo,
		req: &types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           types.NetworkSolanaDevnet,
			MaxAmountRequired: "1000",
			PayTo:             payTo.String(),
			MaxTimeoutSeconds: 60,
			Asset:             mint.String(),
		},
	}
}

// transfer builds a TransferChecked from a funded owner, fee paid by the facilitator unless feePayer is set.
func (f *solFixture) transfer(t *testing.T, amount uint64, mod func(*clientstest.SolanaTransfer)) (*solana.Transaction, string, solana.PrivateKey) {
	t.Helper()
	owner := solana.NewWallet().PrivateKey
	src, _, err := solana.FindAssociatedTokenAddress(owner.PublicKey(), f.mint)
	require.NoError(t, err)
	f.chain.TokenBalances[src] = amount

	transfer := clientstest.SolanaTransfer{
		FeePayer: f.fac.PublicKey(),
		Owner:    owner,
		Mint:     f.mint,
		PayTo:    f.payTo,
		Amount:   amount,
		Decimals: 6,
		Signers:  []solana.PrivateKey{owner},
	}
	if mod != nil {
		mod(&transfer)
	}
	tx, b64 := clientstest.BuildSolanaTransfer(t, transfer)
	return tx, b64, owner
}

func (f *solFixture) decode(t *testing.T, b64 string) types.ChainPaymentPayload {
	t.Helper()
	d, err := f.client.Decode(clientstest.MustJSON(t, types.ExactSolanaPayload{Transaction: b64}))
	require.NoError(t, err)
	return d
}

func (f *solFixture) verify(t *testing.T, b64 string) *types.VerificationResult {
	t.Helper()
	res, err := f.client.VerifySignature(context.Background(), f.decode(t, b64), f.req)
	require.NoError(t, err)
	return res
}

func TestSolanaDecodeTransferChecked(t *testing.T) {
	f := newSolFixture(t, true)
	_, b64, owner := f.transfer(t, 1000, nil)

	d := f.decode(t, b64)
	assert.Equal(t, owner.PublicKey().String(), d.Payer())
	assert.Equal(t, f.mint.String(), d.Asset())
	assert.Equal(t, uint64(1000), d.Amount().Uint64())
	assert.True(t, d.PaysTo(f.payTo.String()))
	assert.False(t, d.PaysTo(solana.NewWallet().PublicKey().String()))
	assert.False(t, d.PaysTo("not-base58"))
	assert.True(t, d.ValidBefore().IsZero())
}

func TestSolanaDecodeAllowsComputeBudget(t *testing.T) {
	f := newSolFixture(t, true)
	limit := solana.NewInstruction(clients.ComputeBudgetProgramID, solana.AccountMetaSlice{}, []byte{2, 0x40, 0x0d, 0x03, 0x00})
	price := solana.NewInstruction(clients.ComputeBudgetProgramID, solana.AccountMetaSlice{}, []byte{3, 1, 0, 0, 0, 0, 0, 0, 0})
	_, b64, _ := f.transfer(t, 1000, func(s *clientstest.SolanaTransfer) {
		s.Prepend = []solana.Instruction{limit, price}
	})
	f.decode(t, b64)
}

func TestSolanaDecodeRejects(t *testing.T) {
	f := newSolFixture(t, true)
	other := solana.NewWallet()
	memo := solana.NewInstruction(solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"), solana.AccountMetaSlice{}, []byte("hi"))
	budget := solana.NewInstruction(clients.ComputeBudgetProgramID, solana.AccountMetaSlice{}, []byte{3, 1, 0, 0, 0, 0, 0, 0, 0})

	cases := map[string]string{
		"not base64": "%%%",
		"garbage":    base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	}
	_, cases["unexpected program"], _ = f.transfer(t, 1, func(s *clientstest.SolanaTransfer) { s.Prepend = []solana.Instruction{memo} })
	_, cases["two transfers"], _ = f.transfer(t, 1, func(s *clientstest.SolanaTransfer) {
		s.Prepend = []solana.Instruction{system.NewTransferInstruction(1, other.PublicKey(), f.payTo).Build()}
		s.Signers = append(s.Signers, other.PrivateKey)
	})
	_, cases["too many budget instructions"], _ = f.transfer(t, 1, func(s *clientstest.SolanaTransfer) {
		s.Prepend = []solana.Instruction{budget, budget, budget}
	})

	onlyBudget, err := solana.NewTransaction([]solana.Instruction{budget}, solana.Hash{}, solana.TransactionPayer(f.fac.PublicKey()))
	require.NoError(t, err)
	clientstest.SignSolana(t, onlyBudget)
	cases["no transfer"] = clientstest.EncodeSolana(t, onlyBudget)

	for name, b64 := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.client.Decode(clientstest.MustJSON(t, types.ExactSolanaPayload{Transaction: b64}))
			assert.ErrorIs(t, err, clients.ErrInvalidPayload)
		})
	}
}

func TestSolanaVerifyValid(t *testing.T) {
	f := newSolFixture(t, true)
	_, b64, owner := f.transfer(t, 1000, nil)

	res := f.verify(t, b64)
	assert.True(t, res.IsValid, res.InvalidReason)
	assert.Equal(t, owner.PublicKey().String(), res.Payer)
}

func TestSolanaVerifyRejectsEveryBitFlip(t *testing.T) {
	f := newSolFixture(t, true)
	tx, _, _ := f.transfer(t, 1000, nil)
	good := tx.Signatures[1]

	for i := 0; i < len(good)*8; i++ {
		flipped := good
		flipped[i/8] ^= 1 << (i % 8)
		tx.Signatures[1] = flipped
		res := f.verify(t, clientstest.EncodeSolana(t, tx))
		require.Equal(t, types.ReasonInvalidSignature, res.InvalidReason, "bit %d", i)
	}
}

func TestSolanaVerifyMissingOwnerSignature(t *testing.T) {
	f := newSolFixture(t, true)
	_, b64, _ := f.transfer(t, 1000, func(s *clientstest.SolanaTransfer) { s.Signers = nil })
	assert.Equal(t, types.ReasonInvalidSignature, f.verify(t, b64).InvalidReason)
}

func TestSolanaVerifyForeignFeePayerMustSign(t *testing.T) {
	f := newSolFixture(t, true)
	stranger := solana.NewWallet()
	_, b64, _ := f.transfer(t, 1000, func(s *clientstest.SolanaTransfer) { s.FeePayer = stranger.PublicKey() })
	assert.Equal(t, types.ReasonInvalidSignature, f.verify(t, b64).InvalidReason)
}

func TestSolanaVerifyFacilitatorCannotBeAuthority(t *testing.T) {
	f := newSolFixture(t, true)
	src, _, err := solana.FindAssociatedTokenAddress(f.fac.PublicKey(), f.mint)
	require.NoError(t, err)
	f.chain.TokenBalances[src] = 1000

	_, b64 := clientstest.BuildSolanaTransfer(t, clientstest.SolanaTransfer{
		FeePayer: f.fac.PublicKey(),
		Owner:    f.fac,
		Mint:     f.mint,
		PayTo:    f.payTo,
		Amount:   1000,
		Decimals: 6,
	})
	assert.Equal(t, types.ReasonInvalidPayload, f.verify(t, b64).InvalidReason)
}

func TestSolanaVerifyInsufficientFunds(t *testing.T) {
	f := newSolFixture(t, true)
	tx, b64, owner := f.transfer(t, 1000, nil)
	src, _, _ := solana.FindAssociatedTokenAddress(owner.PublicKey(), f.mint)
	f.chain.TokenBalances[src] = 999
	assert.Equal(t, types.ReasonInsufficientFunds, f.verify(t, b64).InvalidReason)

	delete(f.chain.TokenBalances, src)
	assert.Equal(t, types.ReasonInsufficientFunds, f.verify(t, clientstest.EncodeSolana(t, tx)).InvalidReason)
}

func TestSolanaSubmitCoSignsAndConfirms(t *testing.T) {
	f := newSolFixture(t, true)
	_, b64, _ := f.transfer(t, 1000, nil)
	d := f.decode(t, b64)

	sig, err := f.client.Submit(context.Background(), d, f.req)
	require.NoError(t, err)
	require.Len(t, f.chain.Sent, 1)
	assert.Equal(t, f.chain.Sent[0].Signatures[0].String(), sig)

	st, err := f.client.TransactionStatus(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, st.Status)
	assert.NotZero(t, st.BlockNumber)
}

func TestSolanaSubmitReplayIsChainRejected(t *testing.T) {
	f := newSolFixture(t, true)
	_, b64, _ := f.transfer(t, 1000, nil)

	_, err := f.client.Submit(context.Background(), f.decode(t, b64), f.req)
	require.NoError(t, err)

	_, err = f.client.Submit(context.Background(), f.decode(t, b64), f.req)
	assert.True(t, clients.IsChainRejected(err), "%v", err)
	assert.Len(t, f.chain.Sent, 1)
}

func TestSolanaSubmitLeavesPaymentUnsigned(t *testing.T) {
	f := newSolFixture(t, true)
	_, b64, _ := f.transfer(t, 1000, nil)
	d := f.decode(t, b64)
	tx := d.(*clients.SolanaPayment).Tx

	_, err := f.client.Submit(context.Background(), d, f.req)
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{}, tx.Signatures[0])
	assert.NotEqual(t, solana.Signature{}, f.chain.Sent[0].Signatures[0])

	// resubmitting the same value co-signs again and hits the chain's replay check
	_, err = f.client.Submit(context.Background(), d, f.req)
	assert.True(t, clients.IsChainRejected(err), "%v", err)
	assert.Len(t, f.chain.Sent, 1)
	assert.Equal(t, 2, f.chain.CallCount("sendTransaction"))
}

func TestSolanaSubmitLostAck(t *testing.T) {
	t.Run("retry sees already processed", func(t *testing.T) {
		f := newSolFixture(t, true)
		f.chain.LostAcks = 1
		_, b64, _ := f.transfer(t, 1000, nil)

		sig, err := f.client.Submit(context.Background(), f.decode(t, b64), f.req)
		require.NoError(t, err)
		require.Len(t, f.chain.Sent, 1)
		assert.Equal(t, f.chain.Sent[0].Signatures[0].String(), sig)
		assert.Equal(t, 2, f.chain.CallCount("sendTransaction"))

		st, err := f.client.TransactionStatus(context.Background(), sig)
		require.NoError(t, err)
		assert.Equal(t, types.TxConfirmed, st.Status)
	})

	t.Run("retries exhausted but landed", func(t *testing.T) {
		f := newSolFixture(t, true)
		_, b64, _ := f.transfer(t, 1000, nil)
		d := f.decode(t, b64)

		cosigned := *d.(*clients.SolanaPayment).Tx
		cosigned.Signatures = append([]solana.Signature(nil), cosigned.Signatures...)
		require.NoError(t, signer.NewSolana(f.fac).Sign(&cosigned))
		want := cosigned.Signatures[0]
		f.chain.Statuses[want] = &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
		f.chain.SendErrs = []error{clientstest.ErrLostAck, clientstest.ErrLostAck, clientstest.ErrLostAck}

		sig, err := f.client.Submit(context.Background(), d, f.req)
		require.NoError(t, err)
		assert.Equal(t, want.String(), sig)
		assert.Equal(t, 3, f.chain.CallCount("sendTransaction"))
	})

	t.Run("first attempt already processed is a replay", func(t *testing.T) {
		f := newSolFixture(t, true)
		_, b64, _ := f.transfer(t, 1000, nil)
		_, err := f.client.Submit(context.Background(), f.decode(t, b64), f.req)
		require.NoError(t, err)

		_, err = f.client.Submit(context.Background(), f.decode(t, b64), f.req)
		var cr *clients.ChainRejectedError
		require.ErrorAs(t, err, &cr)
		assert.Zero(t, f.chain.CallCount("getSignatureStatuses"))
	})

	t.Run("never reached the node", func(t *testing.T) {
		f := newSolFixture(t, true)
		_, b64, _ := f.transfer(t, 1000, nil)
		f.chain.SendErrs = []error{clientstest.ErrLostAck, clientstest.ErrLostAck, clientstest.ErrLostAck}

		_, err := f.client.Submit(context.Background(), f.decode(t, b64), f.req)
		assert.Equal(t, types.ErrRPCTimeout, types.ErrorCode(err))
		assert.False(t, clients.IsChainRejected(err))
		assert.Equal(t, 1, f.chain.CallCount("getSignatureStatuses"))
		assert.Empty(t, f.chain.Sent)
	})
}

func TestSolanaSubmitWithoutSigner(t *testing.T) {
	f := newSolFixture(t, false)
	_, b64, _ := f.transfer(t, 1000, nil)

	_, err := f.client.Submit(context.Background(), f.decode(t, b64), f.req)
	assert.Equal(t, types.ErrSignerMissing, types.ErrorCode(err))
	assert.Zero(t, f.chain.CallCount("sendTransaction"))
}

func TestSolanaNativeTransfer(t *testing.T) {
	f := newSolFixture(t, true)
	from := solana.NewWallet()
	f.chain.Balances[from.PublicKey()] = 5000

	ix := system.NewTransferInstruction(5000, from.PublicKey(), f.payTo).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{9}, solana.TransactionPayer(f.fac.PublicKey()))
	require.NoError(t, err)
	clientstest.SignSolana(t, tx, from.PrivateKey)
	b64 := clientstest.EncodeSolana(t, tx)

	d := f.decode(t, b64)
	assert.Equal(t, solana.SolMint.String(), d.Asset())
	assert.True(t, d.PaysTo(f.payTo.String()))

	req := *f.req
	req.Asset = solana.SolMint.String()
	res, err := f.client.VerifySignature(context.Background(), d, &req)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestSolanaTransactionStatus(t *testing.T) {
	f := newSolFixture(t, true)

	_, err := f.client.TransactionStatus(context.Background(), "0xnot-base58")
	assert.Equal(t, types.ErrInvalidRequest, types.ErrorCode(err))

	unknown := solana.Signature{7}
	st, err := f.client.TransactionStatus(context.Background(), unknown.String())
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, st.Status)

	failed := solana.Signature{8}
	f.chain.Statuses[failed] = &rpc.SignatureStatusesResult{Slot: 5, Err: map[string]any{"InstructionError": []any{0, "Custom"}}}
	st, err = f.client.TransactionStatus(context.Background(), failed.String())
	require.NoError(t, err)
	assert.Equal(t, types.TxFailed, st.Status)
	assert.NotEmpty(t, st.Error)
}

func TestSolanaFinalizedPolicy(t *testing.T) {
	info, _ := types.LookupNetwork(types.NetworkSolanaDevnet)
	info.Confirmation.Commitment = "finalized"
	chain := clientstest.NewSolanaChain()
	c, err := clients.NewSolanaClient(info, chain, nil, testOptions())
	require.NoError(t, err)

	sig := solana.Signature{3}
	chain.Statuses[sig] = &rpc.SignatureStatusesResult{Slot: 1, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	st, err := c.TransactionStatus(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, st.Status)

	chain.Statuses[sig].ConfirmationStatus = rpc.ConfirmationStatusFinalized
	st, err = c.TransactionStatus(context.Background(), sig.String())
	require.NoError(t, err)
	assert.Equal(t, types.TxConfirmed, st.Status)
}
