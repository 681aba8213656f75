package eip712

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() (Domain, TransferWithAuthorization) {
	var nonce [32]byte
	copy(nonce[:], crypto.Keccak256([]byte("nonce-1")))
	d := Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	}
	m := TransferWithAuthorization{
		From:        common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66"),
		To:          common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C"),
		Value:       big.NewInt(10000),
		ValidAfter:  big.NewInt(1740672089),
		ValidBefore: big.NewInt(1740672154),
		Nonce:       nonce,
	}
	return d, m
}

func TestDigestMatchesTypedDataHash(t *testing.T) {
	d, m := testMessage()

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID.Int64()),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        m.From.Hex(),
			"to":          m.To.Hex(),
			"value":       m.Value.String(),
			"validAfter":  m.ValidAfter.String(),
			"validBefore": m.ValidBefore.String(),
			"nonce":       hexutil.Encode(m.Nonce[:]),
		},
	}
	want, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)

	got, err := Digest(d, m)
	require.NoError(t, err)
	assert.Equal(t, common.BytesToHash(want), got)
}

func TestDigestChangesWithDomain(t *testing.T) {
	d, m := testMessage()
	base, err := Digest(d, m)
	require.NoError(t, err)

	other := d
	other.ChainID = big.NewInt(8453)
	h, err := Digest(other, m)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	other = d
	other.Name = "USD Coin"
	h, err = Digest(other, m)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

func TestDomainSeparatorIncomplete(t *testing.T) {
	_, err := DomainSeparator(Domain{Name: "USDC", Version: "2"})
	assert.Error(t, err)
}

func TestRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	d, m := testMessage()
	digest, err := Digest(d, m)
	require.NoError(t, err)

	sig, err := Sign(digest, key)
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, sig[64])

	t.Run("v 27/28", func(t *testing.T) {
		got, err := RecoverSigner(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("v 0/1", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] -= 27
		got, err := RecoverSigner(digest, raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("bad v", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] = 29
		_, err := RecoverSigner(digest, raw)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("short", func(t *testing.T) {
		_, err := RecoverSigner(digest, sig[:64])
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("caller slice untouched", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		_, _ = RecoverSigner(digest, raw)
		assert.Equal(t, sig, raw)
	})
}

func TestHexToBytes32(t *testing.T) {
	b, err := HexToBytes32("0x" + common.Bytes2Hex(make([]byte, 32)))
	require.NoError(t, err)
	assert.Equal(t, [32]byte{}, b)

	_, err = HexToBytes32("0x1234")
	assert.Error(t, err)

	_, err = HexToBytes32("zz")
	assert.Error(t, err)
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	sig[0] = 0xaa
	sig[32] = 0xbb
	sig[64] = 1
	v, r, s, err := SplitSignature(sig)
	require.NoError(t, err)
	assert.Equal(t, uint8(28), v)
	assert.Equal(t, byte(0xaa), r[0])
	assert.Equal(t, byte(0xbb), s[0])
}
