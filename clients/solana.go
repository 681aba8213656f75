package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
)

// ComputeBudgetProgramID may appear alongside the transfer.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// maxComputeBudgetInstructions is a unit limit plus a unit price.
const maxComputeBudgetInstructions = 2

// SolanaBackend is the subset of *rpc.Client the adapter needs.
type SolanaBackend interface {
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	Close() error
}

var _ SolanaBackend = (*rpc.Client)(nil)

// SolanaPayment is a decoded transfer transaction.
type SolanaPayment struct {
	Tx *solana.Transaction

	// Native is set for a system transfer; Mint and TokenProgram are zero then.
	Native       bool
	Mint         solana.PublicKey
	TokenProgram solana.PublicKey
	Source       solana.PublicKey
	Destination  solana.PublicKey
	Owner        solana.PublicKey
	Lamports     uint64

	instructionAccounts map[solana.PublicKey]bool
}

var _ types.ChainPaymentPayload = (*SolanaPayment)(nil)

func (p *SolanaPayment) Payer() string { return p.Owner.String() }

func (p *SolanaPayment) Asset() string {
	if p.Native {
		return solana.SolMint.String()
	}
	return p.Mint.String()
}

func (p *SolanaPayment) Amount() *big.Int { return new(big.Int).SetUint64(p.Lamports) }

// PaysTo accepts the wallet itself or, for token transfers, its associated token account.
func (p *SolanaPayment) PaysTo(payTo string) bool {
	wallet, err := solana.PublicKeyFromBase58(payTo)
	if err != nil {
		return false
	}
	if p.Destination.Equals(wallet) {
		return true
	}
	if p.Native {
		return false
	}
	ata, err := associatedTokenAddress(wallet, p.Mint, p.TokenProgram)
	return err == nil && p.Destination.Equals(ata)
}

// The recent blockhash bounds the lifetime on Solana.
func (p *SolanaPayment) ValidAfter() time.Time  { return time.Time{} }
func (p *SolanaPayment) ValidBefore() time.Time { return time.Time{} }

func associatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{wallet[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// SolanaClient settles SPL and native transfers on a Solana cluster.
type SolanaClient struct {
	info    types.NetworkInfo
	backend SolanaBackend
	signer  *signer.Solana
	opts    Options
	log     logger.Logger
}

var _ Client = (*SolanaClient)(nil)

// NewSolanaClient wraps backend. s may be nil; payloads whose fee payer is
// the facilitator then fail with SIGNER_MISSING at Submit.
func NewSolanaClient(info types.NetworkInfo, backend SolanaBackend, s *signer.Solana, opts Options) (*SolanaClient, error) {
	if info.Family != types.ChainSolana {
		return nil, types.NewX402Error(types.ErrConfigError, fmt.Sprintf("network %s is not a solana network", info.Network), nil)
	}
	opts = opts.withDefaults()
	return &SolanaClient{
		info:    info,
		backend: backend,
		signer:  s,
		opts:    opts,
		log:     opts.Logger.With(map[string]any{"network": string(info.Network)}),
	}, nil
}

func DialSolana(info types.NetworkInfo, rpcURL string, s *signer.Solana, opts Options) (*SolanaClient, error) {
	return NewSolanaClient(info, rpc.New(rpcURL), s, opts)
}

func (c *SolanaClient) Network() types.Network    { return c.info.Network }
func (c *SolanaClient) Family() types.ChainFamily { return types.ChainSolana }
func (c *SolanaClient) Info() types.NetworkInfo   { return c.info }

func (c *SolanaClient) Close() {
	if err := c.backend.Close(); err != nil {
		c.log.Warn("closing solana rpc client", map[string]any{"error": err})
	}
}

func (c *SolanaClient) Decode(payload []byte) (types.ChainPaymentPayload, error) {
	var p types.ExactSolanaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, invalidPayload("solana payload: %v", err)
	}
	return DecodeSolanaTransaction(p.Transaction)
}

// DecodeSolanaTransaction parses a base64 transaction holding compute budget
// instructions and exactly one transfer.
func DecodeSolanaTransaction(b64 string) (*SolanaPayment, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, invalidPayload("%s: base64: %v", errSvmDecode, err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, invalidPayload("%s: %v", errSvmDecode, err)
	}
	if len(tx.Message.AddressTableLookups) > 0 {
		return nil, invalidPayload(errSvmAddressLookupTables)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, invalidPayload("%s: no account keys", errSvmDecode)
	}

	var (
		payment       *SolanaPayment
		computeBudget int
		accounts      = map[solana.PublicKey]bool{}
	)
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return nil, invalidPayload("%s: program index out of range", errSvmDecode)
		}
		prog := tx.Message.AccountKeys[inst.ProgramIDIndex]

		metas := make([]*solana.AccountMeta, len(inst.Accounts))
		for i, idx := range inst.Accounts {
			if int(idx) >= len(tx.Message.AccountKeys) {
				return nil, invalidPayload("%s: account index out of range", errSvmDecode)
			}
			pub := tx.Message.AccountKeys[idx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				return nil, invalidPayload("%s: %v", errSvmDecode, err)
			}
			metas[i] = &solana.AccountMeta{PublicKey: pub, IsSigner: tx.Message.IsSigner(pub), IsWritable: writable}
			accounts[pub] = true
		}

		switch {
		case prog.Equals(ComputeBudgetProgramID):
			computeBudget++
			if computeBudget > maxComputeBudgetInstructions {
				return nil, invalidPayload(errSvmInstructionsLength)
			}
			continue
		case payment != nil:
			return nil, invalidPayload(errSvmInstructionsLength)
		}

		switch {
		case prog.Equals(solana.TokenProgramID), prog.Equals(solana.Token2022ProgramID):
			payment, err = decodeTransferChecked(metas, inst.Data, prog)
		case prog.Equals(solana.SystemProgramID):
			payment, err = decodeSystemTransfer(metas, inst.Data)
		default:
			return nil, invalidPayload("%s: program %s", errSvmUnexpectedInstruction, prog)
		}
		if err != nil {
			return nil, err
		}
	}
	if payment == nil {
		return nil, invalidPayload(errSvmNotATransferInstruction)
	}
	payment.Tx = tx
	payment.instructionAccounts = accounts
	return payment, nil
}

func decodeTransferChecked(metas []*solana.AccountMeta, data []byte, program solana.PublicKey) (*SolanaPayment, error) {
	inst, err := token.DecodeInstruction(metas, data)
	if err != nil {
		return nil, invalidPayload("%s: %v", errSvmNotATransferInstruction, err)
	}
	tc, ok := inst.Impl.(*token.TransferChecked)
	if !ok || tc.Amount == nil {
		return nil, invalidPayload("%s: token instruction is not TransferChecked", errSvmNotATransferInstruction)
	}
	src, mint, dst, owner := tc.GetSourceAccount(), tc.GetMintAccount(), tc.GetDestinationAccount(), tc.GetOwnerAccount()
	if src == nil || mint == nil || dst == nil || owner == nil {
		return nil, invalidPayload("%s: missing accounts", errSvmNotATransferInstruction)
	}
	return &SolanaPayment{
		Mint:         mint.PublicKey,
		TokenProgram: program,
		Source:       src.PublicKey,
		Destination:  dst.PublicKey,
		Owner:        owner.PublicKey,
		Lamports:     *tc.Amount,
	}, nil
}

func decodeSystemTransfer(metas []*solana.AccountMeta, data []byte) (*SolanaPayment, error) {
	inst, err := system.DecodeInstruction(metas, data)
	if err != nil {
		return nil, invalidPayload("%s: %v", errSvmNotATransferInstruction, err)
	}
	tr, ok := inst.Impl.(*system.Transfer)
	if !ok || tr.Lamports == nil || len(metas) < 2 {
		return nil, invalidPayload("%s: system instruction is not Transfer", errSvmNotATransferInstruction)
	}
	return &SolanaPayment{
		Native:      true,
		Source:      metas[0].PublicKey,
		Destination: metas[1].PublicKey,
		Owner:       metas[0].PublicKey,
		Lamports:    *tr.Lamports,
	}, nil
}

// facilitatorPays reports whether the fee payer slot belongs to the facilitator key.
func (c *SolanaClient) facilitatorPays(tx *solana.Transaction) bool {
	return c.signer != nil && tx.Message.AccountKeys[0].Equals(c.signer.PublicKey())
}

func (c *SolanaClient) VerifySignature(ctx context.Context, payment types.ChainPaymentPayload, req *types.PaymentRequirements) (*types.VerificationResult, error) {
	p, ok := payment.(*SolanaPayment)
	if !ok {
		return types.Invalid(types.ReasonInvalidPayload, ""), nil
	}
	payer := p.Payer()
	tx := p.Tx
	required := int(tx.Message.Header.NumRequiredSignatures)

	if len(tx.Signatures) != required || required > len(tx.Message.AccountKeys) {
		c.log.Debug(errSvmSignerMissingSignatures, map[string]any{"payer": payer, "signatures": len(tx.Signatures), "required": required})
		return types.Invalid(types.ReasonInvalidSignature, payer), nil
	}

	feePayerIsUs := c.facilitatorPays(tx)
	if feePayerIsUs {
		fp := tx.Message.AccountKeys[0]
		if p.Owner.Equals(fp) || p.Source.Equals(fp) {
			c.log.Debug(errSvmFeePayerTransferringFunds, map[string]any{"payer": payer})
			return types.Invalid(types.ReasonInvalidPayload, payer), nil
		}
		if p.instructionAccounts[fp] {
			c.log.Debug(errSvmFeePayerInInstruction, map[string]any{"payer": payer})
			return types.Invalid(types.ReasonInvalidPayload, payer), nil
		}
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return types.Invalid(types.ReasonInvalidPayload, payer), nil
	}
	ownerSigned := false
	for i := 0; i < required; i++ {
		key := tx.Message.AccountKeys[i]
		sig := tx.Signatures[i]
		if sig == (solana.Signature{}) {
			if i == 0 && feePayerIsUs {
				continue
			}
			return types.Invalid(types.ReasonInvalidSignature, payer), nil
		}
		if !sig.Verify(key, msg) {
			return types.Invalid(types.ReasonInvalidSignature, payer), nil
		}
		if key.Equals(p.Owner) {
			ownerSigned = true
		}
	}
	if !ownerSigned {
		return types.Invalid(types.ReasonInvalidSignature, payer), nil
	}

	if c.opts.CheckBalance {
		bal, err := c.balance(ctx, p)
		if err != nil {
			return nil, err
		}
		if bal < p.Lamports {
			return types.Invalid(types.ReasonInsufficientFunds, payer), nil
		}
	}
	return types.Valid(payer), nil
}

func (c *SolanaClient) balance(ctx context.Context, p *SolanaPayment) (uint64, error) {
	if p.Native {
		res, err := retryValue(ctx, c.opts.Retry, "getBalance", func(ctx context.Context) (*rpc.GetBalanceResult, error) {
			return c.backend.GetBalance(ctx, p.Source, rpc.CommitmentConfirmed)
		})
		if err != nil {
			return 0, err
		}
		return res.Value, nil
	}
	res, err := retryValue(ctx, c.opts.Retry, "getTokenAccountBalance", func(ctx context.Context) (*rpc.GetTokenAccountBalanceResult, error) {
		return c.backend.GetTokenAccountBalance(ctx, p.Source, rpc.CommitmentConfirmed)
	})
	if err != nil {
		// a missing source account holds nothing
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return 0, nil
		}
		return 0, err
	}
	if res.Value == nil {
		return 0, nil
	}
	return strconv.ParseUint(res.Value.Amount, 10, 64)
}

// Submit co-signs the fee payer slot when it belongs to the facilitator and broadcasts with preflight.
// The decoded payment is left unsigned; the co-signed copy is what goes out.
func (c *SolanaClient) Submit(ctx context.Context, payment types.ChainPaymentPayload, _ *types.PaymentRequirements) (string, error) {
	p, ok := payment.(*SolanaPayment)
	if !ok {
		return "", fmt.Errorf("%w: not a solana payment", ErrInvalidPayload)
	}
	if len(p.Tx.Signatures) == 0 {
		return "", fmt.Errorf("%w: transaction has no signatures", ErrInvalidPayload)
	}
	tx := p.Tx
	if tx.Signatures[0] == (solana.Signature{}) {
		if c.signer == nil {
			return "", types.NewX402Error(types.ErrSignerMissing, "no solana signer configured", nil)
		}
		if !c.facilitatorPays(tx) {
			return "", rejected(errSvmSignerMissingSignatures, nil)
		}
		cp := *p.Tx
		cp.Signatures = append([]solana.Signature(nil), p.Tx.Signatures...)
		if err := c.signer.Sign(&cp); err != nil {
			return "", fmt.Errorf("co-sign: %w", err)
		}
		tx = &cp
	}
	txID := tx.Signatures[0]

	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	}
	// uncertain is set once an attempt may have reached the node.
	uncertain := false
	sig, err := retryValue(ctx, c.opts.Retry, "sendTransaction", func(ctx context.Context) (solana.Signature, error) {
		sig, err := c.backend.SendTransactionWithOpts(ctx, tx, opts)
		switch {
		case err == nil:
			return sig, nil
		case uncertain && isAlreadyProcessed(err):
			c.log.Warn("broadcast acknowledgement lost, transaction processed", map[string]any{"signature": txID.String()})
			return txID, nil
		case IsTransient(err):
			uncertain = true
		}
		return sig, err
	})
	if err != nil && uncertain {
		if c.landed(ctx, txID) {
			sig, err = txID, nil
		}
	}
	if err != nil {
		return "", c.classify(err)
	}
	c.log.Debug("transaction broadcast", map[string]any{"signature": sig.String(), "payer": p.Payer()})
	return sig.String(), nil
}

// landed reports whether the node has seen sig.
func (c *SolanaClient) landed(ctx context.Context, sig solana.Signature) bool {
	res, err := retryValue(ctx, c.opts.Retry, "getSignatureStatuses", func(ctx context.Context) (*rpc.GetSignatureStatusesResult, error) {
		return c.backend.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		c.log.Warn("broadcast outcome unknown", map[string]any{"signature": sig.String(), "error": err})
		return false
	}
	return len(res.Value) > 0 && res.Value[0] != nil
}

func isAlreadyProcessed(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already been processed") || strings.Contains(msg, "alreadyprocessed")
}

func (c *SolanaClient) classify(err error) error {
	if types.IsInfrastructure(err) || errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case isAlreadyProcessed(err):
		return rejected(errSvmTransactionAlreadyProcessed, err)
	case strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "block height exceeded"):
		return rejected(errSvmBlockhashExpired, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rejected(rpcErr.Message, err)
	}
	return fmt.Errorf("send transaction: %w", err)
}

func (c *SolanaClient) TransactionStatus(ctx context.Context, txID string) (*types.TransactionStatus, error) {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return nil, types.NewX402Error(types.ErrInvalidRequest, "transaction signature must be base58", err)
	}
	status := &types.TransactionStatus{TxHash: txID, Network: c.info.Network, Status: types.TxPending}

	res, err := retryValue(ctx, c.opts.Retry, "getSignatureStatuses", func(ctx context.Context) (*rpc.GetSignatureStatusesResult, error) {
		return c.backend.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return status, nil
	}
	s := res.Value[0]
	status.BlockNumber = s.Slot
	if s.Confirmations != nil {
		status.Confirmations = *s.Confirmations
	}
	if s.Err != nil {
		status.Status = types.TxFailed
		status.Error = fmt.Sprintf("%v", s.Err)
		return status, nil
	}
	if commitmentReached(s.ConfirmationStatus, c.info.Confirmation.Commitment) {
		status.Status = types.TxConfirmed
	}
	return status, nil
}

func commitmentReached(got rpc.ConfirmationStatusType, want string) bool {
	rank := map[rpc.ConfirmationStatusType]int{
		rpc.ConfirmationStatusProcessed: 1,
		rpc.ConfirmationStatusConfirmed: 2,
		rpc.ConfirmationStatusFinalized: 3,
	}
	w := rank[rpc.ConfirmationStatusType(want)]
	if w == 0 {
		w = rank[rpc.ConfirmationStatusConfirmed]
	}
	return rank[got] >= w
}
