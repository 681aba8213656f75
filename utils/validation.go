package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-facilitator/types"
)

var (
	evmTxHash   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	base58Chars = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// ParseUint256 parses a base-10 integer in [0, 2^256).
func ParseUint256(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}
	if strings.HasPrefix(value, "+") || strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("value must be an unsigned integer")
	}

	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer format")
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("value exceeds uint256")
	}
	return v, nil
}

// ValidateTransactionID checks the shape of a transaction id for a chain family:
// a 0x-prefixed 32-byte hash on EVM, a base58 signature on Solana.
func ValidateTransactionID(family types.ChainFamily, id string) error {
	if id == "" {
		return fmt.Errorf("transaction id cannot be empty")
	}

	switch family {
	case types.ChainEVM:
		if !evmTxHash.MatchString(id) {
			return fmt.Errorf("EVM transaction hash must be 0x followed by 64 hex characters")
		}
	case types.ChainSolana:
		// Solana transaction signature - base58 encoded, typically 87-88 characters
		if len(id) < 80 || len(id) > 90 {
			return fmt.Errorf("Solana transaction signature has invalid length")
		}
		if !base58Chars.MatchString(id) {
			return fmt.Errorf("Solana transaction signature must be valid base58")
		}
	default:
		return fmt.Errorf("unsupported chain family %q", family)
	}
	return nil
}

// FormatAmount renders base units as a decimal token amount.
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
