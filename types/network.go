package types

import (
	"math/big"
	"strings"
	"time"
)

// Network represents supported blockchain networks
type Network string

const (
	// EVM Networks
	NetworkMonad        Network = "monad"
	NetworkMonadTestnet Network = "monad-testnet" // testnet
	NetworkBase         Network = "base"
	NetworkBaseSepolia  Network = "base-sepolia" // testnet
	NetworkPolygon      Network = "polygon"
	NetworkPolygonAmoy  Network = "polygon-amoy" // testnet

	// Solana Networks
	NetworkSolana       Network = "solana"
	NetworkSolanaDevnet Network = "solana-devnet" // testnet
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// TokenDeployment describes one token contract (EVM) or mint (Solana) on a network.
type TokenDeployment struct {
	Address  string `json:"address" validate:"required"`
	Decimals uint8  `json:"decimals"`
	// EIP-712 domain name and version; unused on Solana.
	EIP712Name    string `json:"eip712Name,omitempty"`
	EIP712Version string `json:"eip712Version,omitempty"`
}

// ConfirmationPolicy is the finality a settlement waits for.
type ConfirmationPolicy struct {
	Depth      uint64 `json:"depth,omitempty"`      // EVM blocks, including the inclusion block
	Commitment string `json:"commitment,omitempty"` // Solana: "confirmed" or "finalized"
}

// NetworkInfo is the static metadata of a network.
type NetworkInfo struct {
	Network      Network            `json:"network"`
	Family       ChainFamily        `json:"family"`
	ChainID      int64              `json:"chainId,omitempty"`
	Testnet      bool               `json:"testnet"`
	Assets       []TokenDeployment  `json:"assets"`
	Confirmation ConfirmationPolicy `json:"confirmation"`
}

// FindAsset returns the deployment whose address matches addr.
// EVM addresses compare case-insensitively, Solana mints exactly.
func (n NetworkInfo) FindAsset(addr string) (TokenDeployment, bool) {
	for _, a := range n.Assets {
		if n.Family == ChainEVM && strings.EqualFold(a.Address, addr) {
			return a, true
		}
		if a.Address == addr {
			return a, true
		}
	}
	return TokenDeployment{}, false
}

var knownNetworks = map[Network]NetworkInfo{
	NetworkMonad: {
		Network: NetworkMonad, Family: ChainEVM, ChainID: 143,
		Assets:       []TokenDeployment{{Address: "0x754704Bc059F8C67012fEd69BC8A327a5aafb603", Decimals: 6, EIP712Name: "USDC", EIP712Version: "2"}},
		Confirmation: ConfirmationPolicy{Depth: 1},
	},
	NetworkMonadTestnet: {
		Network: NetworkMonadTestnet, Family: ChainEVM, ChainID: 10143, Testnet: true,
		Assets:       []TokenDeployment{{Address: "0x534b2f3A21130d7a60830c2Df862319e593943A3", Decimals: 6, EIP712Name: "USDC", EIP712Version: "2"}},
		Confirmation: ConfirmationPolicy{Depth: 1},
	},
	NetworkBase: {
		Network: NetworkBase, Family: ChainEVM, ChainID: 8453,
		Assets:       []TokenDeployment{{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, EIP712Name: "USD Coin", EIP712Version: "2"}},
		Confirmation: ConfirmationPolicy{Depth: 1},
	},
	NetworkBaseSepolia: {
		Network: NetworkBaseSepolia, Family: ChainEVM, ChainID: 84532, Testnet: true,
		Assets:       []TokenDeployment{{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6, EIP712Name: "USDC", EIP712Version: "2"}},
		Confirmation: ConfirmationPolicy{Depth: 1},
	},
	NetworkPolygon: {
		Network: NetworkPolygon, Family: ChainEVM, ChainID: 137,
		Assets:       []TokenDeployment{{Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6, EIP712Name: "USD Coin", EIP712Version: "2"}},
		Confirmation: ConfirmationPolicy{Depth: 2},
	},
	NetworkPolygonAmoy: {
		Network: NetworkPolygonAmoy, Family: ChainEVM, ChainID: 80002, Testnet: true,
		Assets:       []TokenDeployment{{Address: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", Decimals: 6, EIP712Name: "USDC", EIP712Version: "2"}},
		Confirmation: ConfirmationPolicy{Depth: 1},
	},
	NetworkSolana: {
		Network: NetworkSolana, Family: ChainSolana,
		Assets:       []TokenDeployment{{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6}},
		Confirmation: ConfirmationPolicy{Commitment: "confirmed"},
	},
	NetworkSolanaDevnet: {
		Network: NetworkSolanaDevnet, Family: ChainSolana, Testnet: true,
		Assets:       []TokenDeployment{{Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6}},
		Confirmation: ConfirmationPolicy{Commitment: "confirmed"},
	},
}

// LookupNetwork returns the built-in metadata for n.
func LookupNetwork(n Network) (NetworkInfo, bool) {
	info, ok := knownNetworks[n]
	if !ok {
		return NetworkInfo{}, false
	}
	info.Assets = append([]TokenDeployment(nil), info.Assets...)
	return info, true
}

// KnownNetworks lists every network in the built-in table.
func KnownNetworks() []Network {
	out := make([]Network, 0, len(knownNetworks))
	for n := range knownNetworks {
		out = append(out, n)
	}
	return out
}

// ResolveNetwork merges the built-in metadata of cfg.Network with the overrides in cfg.
func ResolveNetwork(cfg ClientConfig) (NetworkInfo, error) {
	info, known := LookupNetwork(cfg.Network)
	if !known {
		if cfg.Family == "" {
			return NetworkInfo{}, NewX402Error(ErrConfigError, "network "+string(cfg.Network)+" is not built in and has no family", nil)
		}
		info = NetworkInfo{Network: cfg.Network}
	}
	if cfg.Family != "" {
		info.Family = cfg.Family
	}
	if cfg.ChainID != 0 {
		info.ChainID = cfg.ChainID
	}
	if len(cfg.Assets) > 0 {
		info.Assets = cfg.Assets
	}
	if cfg.Confirmations != 0 {
		info.Confirmation.Depth = cfg.Confirmations
	}
	if cfg.Commitment != "" {
		info.Confirmation.Commitment = cfg.Commitment
	}
	switch info.Family {
	case ChainEVM:
		if info.ChainID == 0 {
			return NetworkInfo{}, NewX402Error(ErrConfigError, "evm network "+string(cfg.Network)+" has no chain id", nil)
		}
		if info.Confirmation.Depth == 0 {
			info.Confirmation.Depth = 1
		}
	case ChainSolana:
		if info.Confirmation.Commitment == "" {
			info.Confirmation.Commitment = "confirmed"
		}
	default:
		return NetworkInfo{}, NewX402Error(ErrConfigError, "unknown chain family "+string(info.Family), nil)
	}
	return info, nil
}

func (n Network) IsEVM() bool {
	info, ok := knownNetworks[n]
	return ok && info.Family == ChainEVM
}

func (n Network) IsSolana() bool {
	info, ok := knownNetworks[n]
	return ok && info.Family == ChainSolana
}

func (n Network) IsTestnet() bool {
	return knownNetworks[n].Testnet
}

func (n Network) String() string {
	return string(n)
}

// ChainPaymentPayload is an internal normalized representation
// of a decoded chain-specific payment payload.
type ChainPaymentPayload interface {
	Payer() string
	// Asset is the token contract or mint the payload moves, "" when the
	// payload does not name one.
	Asset() string
	Amount() *big.Int
	PaysTo(payTo string) bool
	// ValidAfter and ValidBefore bound the proof lifetime; zero means unbounded.
	ValidAfter() time.Time
	ValidBefore() time.Time
}
