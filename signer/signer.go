// Package signer holds the facilitator's in-memory signing credentials, one
// per chain family. Formatting a signer prints only its public identity.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"

	"github.com/vitwit/x402-facilitator/types"
)

// EVM signs transactions with a secp256k1 key.
type EVM struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewEVM wraps key.
func NewEVM(key *ecdsa.PrivateKey) *EVM {
	return &EVM{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// EVMFromHex parses a hex private key, with or without 0x.
func EVMFromHex(hexKey string) (*EVM, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, types.NewX402Error(types.ErrConfigError, "invalid evm private key", nil)
	}
	return NewEVM(key), nil
}

func (s *EVM) Address() common.Address { return s.address }

// SignTx signs tx for chainID with the latest signer for that chain.
func (s *EVM) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.key)
}

// SignHash returns a 65-byte R||S||V signature with V in {0, 1}.
func (s *EVM) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, s.key)
}

func (s *EVM) String() string   { return "evm-signer(" + s.address.Hex() + ")" }
func (s *EVM) GoString() string { return s.String() }

// Solana signs transaction messages with an ed25519 key.
type Solana struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

func NewSolana(key solana.PrivateKey) *Solana {
	return &Solana{key: key, pub: key.PublicKey()}
}

// SolanaFromBase58 parses a base58 encoded 64-byte keypair.
func SolanaFromBase58(b58 string) (*Solana, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(b58))
	if err != nil {
		return nil, types.NewX402Error(types.ErrConfigError, "invalid solana private key", nil)
	}
	return NewSolana(key), nil
}

func (s *Solana) PublicKey() solana.PublicKey { return s.pub }

func (s *Solana) SignMessage(msg []byte) (solana.Signature, error) {
	return s.key.Sign(msg)
}

// Sign fills the signature slot of this key in tx. Other slots are left untouched.
func (s *Solana) Sign(tx *solana.Transaction) error {
	n := int(tx.Message.Header.NumRequiredSignatures)
	idx := -1
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(s.pub) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("signer %s is not a required signer of the transaction", s.pub)
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	sig, err := s.key.Sign(msg)
	if err != nil {
		return err
	}
	for len(tx.Signatures) < n {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
	tx.Signatures[idx] = sig
	return nil
}

func (s *Solana) String() string   { return "solana-signer(" + s.pub.String() + ")" }
func (s *Solana) GoString() string { return s.String() }

// Set is the facilitator's credentials, at most one per chain family.
type Set struct {
	EVM    *EVM
	Solana *Solana
}

// For returns the signer of family, or nil when none is configured.
func (s Set) For(family types.ChainFamily) any {
	switch family {
	case types.ChainEVM:
		if s.EVM != nil {
			return s.EVM
		}
	case types.ChainSolana:
		if s.Solana != nil {
			return s.Solana
		}
	}
	return nil
}

// Load parses the hex EVM key and base58 Solana key; empty strings are skipped.
func Load(evmHex, solanaB58 string) (Set, error) {
	var set Set
	var err error
	if evmHex != "" {
		if set.EVM, err = EVMFromHex(evmHex); err != nil {
			return Set{}, err
		}
	}
	if solanaB58 != "" {
		if set.Solana, err = SolanaFromBase58(solanaB58); err != nil {
			return Set{}, err
		}
	}
	return set, nil
}
