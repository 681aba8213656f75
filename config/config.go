// Package config loads the facilitator process configuration from the
// environment and an optional JSON file.
package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vitwit/x402-facilitator/signer"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

const ServiceName = "x402-facilitator"

// RateLimits are per client IP, in requests per minute. Zero disables a limit.
type RateLimits struct {
	VerifyPerMinute  int
	SettlePerMinute  int
	StatusPerMinute  int
	GeneralPerMinute int
}

// Enabled reports whether any limit is set.
func (r RateLimits) Enabled() bool {
	return r.VerifyPerMinute > 0 || r.SettlePerMinute > 0 || r.StatusPerMinute > 0 || r.GeneralPerMinute > 0
}

// Config holds application configuration
type Config struct {
	ServiceName  string
	Host         string
	Port         string
	OTELEndpoint string

	EVMPrivateKey    string
	SolanaPrivateKey string

	RateLimits RateLimits
	X402       *types.X402Config
}

// Load reads CONFIG_FILE when set, then applies the environment on top.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:      ServiceName,
		Host:             getEnv("HOST", "0.0.0.0"),
		Port:             getEnv("PORT", "8080"),
		OTELEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EVMPrivateKey:    os.Getenv("EVM_PRIVATE_KEY"),
		SolanaPrivateKey: os.Getenv("SOLANA_PRIVATE_KEY"),
	}

	x, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.X402 = x

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		x.LogLevel = strings.ToLower(v)
	}
	if x.LogLevel == "" {
		x.LogLevel = "info"
	}
	if err := envDuration("REQUEST_TIMEOUT", &x.DefaultTimeout); err != nil {
		return nil, err
	}
	if err := envDuration("SETTLE_TIMEOUT", &x.Poll.Timeout); err != nil {
		return nil, err
	}
	if err := envDuration("CLOCK_SKEW", &x.ClockSkew); err != nil {
		return nil, err
	}
	if v := os.Getenv("CHECK_BALANCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, configError("CHECK_BALANCE", err)
		}
		x.CheckBalance = &b
	}
	if v := os.Getenv("ENABLE_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, configError("ENABLE_METRICS", err)
		}
		x.EnableMetrics = b
	}

	applyRPCURLs(x)

	limits := RateLimits{}
	for key, dst := range map[string]*int{
		"RATE_LIMIT_VERIFY_PER_MINUTE":             &limits.VerifyPerMinute,
		"RATE_LIMIT_SETTLE_PER_MINUTE":             &limits.SettlePerMinute,
		"RATE_LIMIT_TRANSACTION_STATUS_PER_MINUTE": &limits.StatusPerMinute,
		"RATE_LIMIT_GENERAL_PER_MINUTE":            &limits.GeneralPerMinute,
	} {
		if err := envInt(key, dst); err != nil {
			return nil, err
		}
	}
	cfg.RateLimits = limits.withDefaults()

	if err := utils.ValidateX402Config(x); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Signers parses the configured private keys. Absent keys leave the
// corresponding family without a signer.
func (c *Config) Signers() (signer.Set, error) {
	return signer.Load(c.EVMPrivateKey, c.SolanaPrivateKey)
}

// LogFields summarizes the configuration without secrets.
func (c *Config) LogFields() map[string]any {
	networks := make([]string, 0, len(c.X402.Clients))
	for n, cc := range c.X402.Clients {
		if cc.RPCUrl != "" {
			networks = append(networks, string(n))
		}
	}
	sort.Strings(networks)
	return map[string]any{
		"addr":          c.Addr(),
		"networks":      strings.Join(networks, ","),
		"evmSigner":     c.EVMPrivateKey != "",
		"solanaSigner":  c.SolanaPrivateKey != "",
		"otel":          c.OTELEndpoint != "",
		"rateLimits":    c.RateLimits.Enabled(),
		"checkBalance":  c.X402.BalanceCheckEnabled(),
		"enableMetrics": c.X402.EnableMetrics,
	}
}

// RPCURLEnv is the variable holding the endpoint of network, e.g.
// RPC_URL_BASE_SEPOLIA.
func RPCURLEnv(network types.Network) string {
	return "RPC_URL_" + strings.ToUpper(strings.ReplaceAll(string(network), "-", "_"))
}

func loadFile(path string) (*types.X402Config, error) {
	if path == "" {
		return &types.X402Config{Clients: map[types.Network]types.ClientConfig{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("CONFIG_FILE", err)
	}
	x, err := utils.ParseX402Config(data)
	if err != nil {
		return nil, err
	}
	if x.Clients == nil {
		x.Clients = map[types.Network]types.ClientConfig{}
	}
	return x, nil
}

func applyRPCURLs(x *types.X402Config) {
	networks := types.KnownNetworks()
	for n := range x.Clients {
		if _, known := types.LookupNetwork(n); !known {
			networks = append(networks, n)
		}
	}
	for _, n := range networks {
		url := os.Getenv(RPCURLEnv(n))
		if url == "" {
			continue
		}
		cc := x.Clients[n]
		cc.Network = n
		cc.RPCUrl = url
		x.Clients[n] = cc
	}
}

func (r RateLimits) withDefaults() RateLimits {
	if r.VerifyPerMinute < 0 {
		r.VerifyPerMinute = 0
	}
	if r.SettlePerMinute < 0 {
		r.SettlePerMinute = 0
	}
	if r.StatusPerMinute < 0 {
		r.StatusPerMinute = 0
	}
	if r.GeneralPerMinute < 0 {
		r.GeneralPerMinute = 0
	}
	return r
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return configError(key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return configError(key, err)
	}
	*dst = n
	return nil
}

func configError(key string, err error) error {
	return types.NewX402Error(types.ErrConfigError, fmt.Sprintf("invalid %s", key), err)
}
