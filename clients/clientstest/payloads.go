package clientstest

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils/eip712"
)

// EVMAuth describes an authorization to sign.
type EVMAuth struct {
	Key         *ecdsa.PrivateKey
	To          common.Address
	Value       *big.Int
	ValidAfter  time.Time
	ValidBefore time.Time
	Nonce       [32]byte
}

// RandomNonce returns a fresh 32-byte authorization nonce.
func RandomNonce(t testing.TB) [32]byte {
	var n [32]byte
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	copy(n[:], crypto.Keccak256(crypto.FromECDSA(k)))
	return n
}

// SignEVM signs a under domain and returns the wire payload.
func SignEVM(t testing.TB, domain eip712.Domain, a EVMAuth) types.ExactEvmPayload {
	t.Helper()
	from := crypto.PubkeyToAddress(a.Key.PublicKey)
	msg := eip712.TransferWithAuthorization{
		From:        from,
		To:          a.To,
		Value:       a.Value,
		ValidAfter:  big.NewInt(a.ValidAfter.Unix()),
		ValidBefore: big.NewInt(a.ValidBefore.Unix()),
		Nonce:       a.Nonce,
	}
	digest, err := eip712.Digest(domain, msg)
	require.NoError(t, err)
	sig, err := eip712.Sign(digest, a.Key)
	require.NoError(t, err)

	return types.ExactEvmPayload{
		Signature: hexutil.Encode(sig),
		Authorization: types.EIP3009Authorization{
			From:        from.Hex(),
			To:          a.To.Hex(),
			Value:       a.Value.String(),
			ValidAfter:  msg.ValidAfter.String(),
			ValidBefore: msg.ValidBefore.String(),
			Nonce:       hexutil.Encode(a.Nonce[:]),
		},
	}
}

// MustJSON marshals v or fails the test.
func MustJSON(t testing.TB, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// SolanaTransfer describes a TransferChecked transaction to build.
type SolanaTransfer struct {
	FeePayer solana.PublicKey
	Owner    solana.PrivateKey
	Mint     solana.PublicKey
	PayTo    solana.PublicKey
	Amount   uint64
	Decimals uint8
	// Signers fill their slots; others stay empty.
	Signers []solana.PrivateKey
	// Extra instructions placed before the transfer.
	Prepend []solana.Instruction
}

// BuildSolanaTransfer returns the transaction and its base64 encoding.
func BuildSolanaTransfer(t testing.TB, s SolanaTransfer) (*solana.Transaction, string) {
	t.Helper()
	owner := s.Owner.PublicKey()
	src, _, err := solana.FindAssociatedTokenAddress(owner, s.Mint)
	require.NoError(t, err)
	dst, _, err := solana.FindAssociatedTokenAddress(s.PayTo, s.Mint)
	require.NoError(t, err)

	ix := token.NewTransferCheckedInstruction(s.Amount, s.Decimals, src, s.Mint, dst, owner, nil).Build()
	instrs := append(append([]solana.Instruction{}, s.Prepend...), ix)

	tx, err := solana.NewTransaction(instrs, solana.Hash{1, 2, 3}, solana.TransactionPayer(s.FeePayer))
	require.NoError(t, err)
	SignSolana(t, tx, s.Signers...)
	return tx, EncodeSolana(t, tx)
}

// SignSolana fills the slots of keys and sizes the signature list.
func SignSolana(t testing.TB, tx *solana.Transaction, keys ...solana.PrivateKey) {
	t.Helper()
	n := int(tx.Message.Header.NumRequiredSignatures)
	for len(tx.Signatures) < n {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	for _, k := range keys {
		for i := 0; i < n; i++ {
			if tx.Message.AccountKeys[i].Equals(k.PublicKey()) {
				sig, err := k.Sign(msg)
				require.NoError(t, err)
				tx.Signatures[i] = sig
			}
		}
	}
}

func EncodeSolana(t testing.TB, tx *solana.Transaction) string {
	t.Helper()
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
