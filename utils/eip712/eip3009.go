package eip712

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain is the EIP-712 domain of an EIP-3009 token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TransferWithAuthorization is the typed EIP-3009 message.
type TransferWithAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// --- Type hashes (keccak256 of the type signature strings) ---
var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

	// field order matters
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

var ErrInvalidSignature = errors.New("eip712: invalid signature")

// keccak256ABI hashes the concatenation of 32-byte words, which is abi.encode
// for static types.
func keccak256ABI(parts ...[]byte) common.Hash {
	return crypto.Keccak256Hash(parts...)
}

// padLeft32 returns a 32-byte right-aligned representation of i
func padLeft32(i *big.Int) []byte {
	if i == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(i.Bytes(), 32)
}

func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// HexToBytes32 converts hex (with/without 0x) of exactly 32 bytes to an array.
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(hexStr, "0x"), "0X"))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return common.Hash{}, errors.New("incomplete domain")
	}
	return keccak256ABI(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// StructHash computes keccak256(
//
//	abi.encode(TRANSFER_WITH_AUTH_TYPEHASH, from, to, value, validAfter, validBefore, nonce)
//
// )
func (m TransferWithAuthorization) StructHash() common.Hash {
	return keccak256ABI(
		transferAuthTypeHash.Bytes(),
		addressTo32(m.From),
		addressTo32(m.To),
		padLeft32(m.Value),
		padLeft32(m.ValidAfter),
		padLeft32(m.ValidBefore),
		m.Nonce[:],
	)
}

// TypedDataHash returns the final EIP-712 digest:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Digest builds the EIP-712 digest of m under d.
func Digest(d Domain, m TransferWithAuthorization) (common.Hash, error) {
	sep, err := DomainSeparator(d)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(sep, m.StructHash()), nil
}

// RecoverSigner recovers the address that signed digest.
// sig must be 65 bytes (R||S||V) with V in {0, 1, 27, 28}.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidSignature)
	}

	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)

	// SigToPub wants the raw recovery id
	switch s[64] {
	case 27, 28:
		s[64] -= 27
	case 0, 1:
	default:
		return common.Address{}, fmt.Errorf("%w: bad recovery id %d", ErrInvalidSignature, s[64])
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Sign signs digest with key and returns R||S||V with V in {27, 28}, as wallets do.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SplitSignature splits a 65-byte signature into v, r, s with v in {27, 28}.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != crypto.SignatureLength {
		return 0, r, s, fmt.Errorf("%w: signature must be 65 bytes", ErrInvalidSignature)
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
