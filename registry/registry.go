// Package registry maps network identifiers to chain adapters. The map is
// built once at start-up and only read afterwards.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
)

type Registry struct {
	clients map[types.Network]clients.Client
}

// New dials an adapter for every configured network with an RPC URL.
// Networks without a URL are left out.
func New(ctx context.Context, cfg map[types.Network]types.ClientConfig, signers signer.Set, opts clients.Options) (*Registry, error) {
	log := logger.OrNoop(opts.Logger)
	r := &Registry{clients: make(map[types.Network]clients.Client, len(cfg))}

	for network, cc := range cfg {
		if cc.Network == "" {
			cc.Network = network
		}
		if cc.RPCUrl == "" {
			log.Info("network has no rpc url, skipping", map[string]any{"network": string(network)})
			continue
		}
		info, err := types.ResolveNetwork(cc)
		if err != nil {
			r.Close()
			return nil, err
		}

		netOpts := opts
		netOpts.Logger = log.With(map[string]any{"network": string(info.Network)})

		var c clients.Client
		switch info.Family {
		case types.ChainEVM:
			c, err = clients.DialEVM(ctx, info, cc.RPCUrl, signers.EVM, netOpts)
		case types.ChainSolana:
			c, err = clients.DialSolana(info, cc.RPCUrl, signers.Solana, netOpts)
		default:
			err = types.NewX402Error(types.ErrConfigError, fmt.Sprintf("unsupported chain family %q", info.Family), nil)
		}
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("network %s: %w", network, err)
		}
		if signers.For(info.Family) == nil {
			log.Warn("no signer for network, settlement disabled", map[string]any{"network": string(network)})
		}
		r.clients[info.Network] = c
		log.Info("network registered", map[string]any{"network": string(info.Network), "family": string(info.Family)})
	}
	return r, nil
}

// NewFromClients builds a registry from prebuilt adapters.
func NewFromClients(cs ...clients.Client) *Registry {
	r := &Registry{clients: make(map[types.Network]clients.Client, len(cs))}
	for _, c := range cs {
		r.clients[c.Network()] = c
	}
	return r
}

// Lookup returns the adapter of network or an UNSUPPORTED_NETWORK error.
func (r *Registry) Lookup(network types.Network) (clients.Client, error) {
	c, ok := r.clients[network]
	if !ok {
		return nil, types.NewX402Error(types.ErrUnsupportedNetwork, fmt.Sprintf("network %q is not configured", network), nil)
	}
	return c, nil
}

func (r *Registry) Has(network types.Network) bool {
	_, ok := r.clients[network]
	return ok
}

// Networks returns the registered networks, sorted.
func (r *Registry) Networks() []types.Network {
	out := make([]types.Network, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Supported lists every (scheme, network) kind served.
func (r *Registry) Supported() types.SupportedResponse {
	resp := types.SupportedResponse{Kinds: []types.SupportedItem{}}
	for _, n := range r.Networks() {
		for _, s := range types.SupportedSchemes {
			resp.Kinds = append(resp.Kinds, types.SupportedItem{X402Version: int(types.X402Version1), Scheme: s, Network: n})
		}
	}
	return resp
}

func (r *Registry) Close() {
	for _, c := range r.clients {
		c.Close()
	}
}
