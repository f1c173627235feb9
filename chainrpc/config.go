package chainrpc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidChainConfig = errors.New("invalid chain config")

type NativeCurrency struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

type ChainConfig struct {
	Name           string         `yaml:"name"`
	ChainID        uint64         `yaml:"chain_id"`
	RPCURL         string         `yaml:"rpc_url"`
	Fallbacks      []string       `yaml:"fallbacks"`
	NativeCurrency NativeCurrency `yaml:"native_currency"`
	WrappedNative  string         `yaml:"wrapped_native"`
	// LowLatency chains get a tighter slippage cap
	LowLatency bool `yaml:"low_latency"`
	Disabled   bool `yaml:"disabled"`
}

// URLs returns the primary endpoint followed by the fallbacks in order.
func (c ChainConfig) URLs() []string {
	urls := make([]string, 0, 1+len(c.Fallbacks))
	urls = append(urls, c.RPCURL)
	return append(urls, c.Fallbacks...)
}

type ChainsConfig struct {
	Chains []ChainConfig `yaml:"chains"`
}

// LoadChainsConfig parses the chain table from a yaml file
func LoadChainsConfig(file string) ([]ChainConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseChainsConfig(data)
}

func ParseChainsConfig(data []byte) ([]ChainConfig, error) {
	var config ChainsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	chains := make([]ChainConfig, 0, len(config.Chains))
	seen := make(map[string]struct{})
	for _, chain := range config.Chains {
		if chain.Disabled {
			continue
		}
		if chain.Name == "" || chain.RPCURL == "" || chain.ChainID == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidChainConfig, chain.Name)
		}
		if _, ok := seen[chain.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate chain %q", ErrInvalidChainConfig, chain.Name)
		}
		seen[chain.Name] = struct{}{}
		if chain.NativeCurrency.Decimals == 0 {
			chain.NativeCurrency.Decimals = 18
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// Config controls the behaviour of every per-chain client.
type Config struct {
	// RequestsPerSecond is the call budget per chain, 0 disables limiting
	RequestsPerSecond int
	Timeout           time.Duration
	// MaxRetries is the number of attempts per endpoint
	MaxRetries int
	BaseDelay  time.Duration

	BreakerThreshold  int
	BreakerReset      time.Duration
	HalfOpenSuccesses int

	CacheSize int
	TTL       map[string]time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 25,
		Timeout:           10 * time.Second,
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		BreakerThreshold:  5,
		BreakerReset:      30 * time.Second,
		HalfOpenSuccesses: 2,
		CacheSize:         10000,
		TTL:               DefaultTTL(),
	}
}

// DefaultTTL returns cache lifetimes per operation. Operations that are not listed are never cached.
func DefaultTTL() map[string]time.Duration {
	return map[string]time.Duration{
		OpBlockNumber:        3 * time.Second,
		OpBalanceAt:          10 * time.Second,
		OpTokenBalance:       10 * time.Second,
		OpChainID:            5 * time.Minute,
		OpCodeAt:             5 * time.Minute,
		OpTransactionByHash:  5 * time.Minute,
		OpTransactionReceipt: 5 * time.Minute,
	}
}
