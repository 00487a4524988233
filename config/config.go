// Package config loads the TOML network table: RPC endpoints, contract
// addresses, token metadata and client limits per network.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"lendclient/lending"
)

// ErrUnknownNetwork is returned when a network name is not in the table.
var ErrUnknownNetwork = errors.New("config: unknown network")

type Config struct {
	DefaultNetwork string             `toml:"DefaultNetwork"`
	Networks       map[string]Network `toml:"Networks"`
}

// Load reads the network table at path. A missing file is created with a
// local development network so a fresh checkout has something to edit.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	for name, n := range c.Networks {
		n.Name = name
		n.RPCURL = strings.TrimSpace(n.RPCURL)
		for i := range n.Tokens {
			n.Tokens[i].Symbol = strings.ToUpper(strings.TrimSpace(n.Tokens[i].Symbol))
		}
		c.Networks[name] = n
	}
	if strings.TrimSpace(c.DefaultNetwork) == "" && len(c.Networks) == 1 {
		for name := range c.Networks {
			c.DefaultNetwork = name
		}
	}
}

// Network selects a network by name; an empty name selects DefaultNetwork.
func (c *Config) Network(name string) (Network, error) {
	if strings.TrimSpace(name) == "" {
		name = c.DefaultNetwork
	}
	n, ok := c.Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownNetwork, name, strings.Join(c.names(), ", "))
	}
	n.Name = name
	return n, nil
}

func (c *Config) names() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChainIDBig returns the chain id for transaction signing.
func (n Network) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(n.ChainID)
}

// Address parses a contract address field. Empty optional fields yield the
// zero address.
func Address(hex string) common.Address {
	if hex == "" {
		return common.Address{}
	}
	return common.HexToAddress(hex)
}

// TokenTable indexes the token list by address.
func (n Network) TokenTable() map[common.Address]lending.Asset {
	out := make(map[common.Address]lending.Asset, len(n.Tokens))
	for _, t := range n.Tokens {
		addr := common.HexToAddress(t.Address)
		out[addr] = lending.Asset{Address: addr, Symbol: t.Symbol, Decimals: t.Decimals, Class: lending.AssetCrypto}
	}
	return out
}

// Token resolves a symbol or hex address against the token table. Unknown
// hex addresses are returned with ok false so callers can read decimals
// from chain.
func (n Network) Token(ref string) (lending.Asset, bool) {
	ref = strings.TrimSpace(ref)
	for _, t := range n.Tokens {
		if strings.EqualFold(t.Symbol, ref) || strings.EqualFold(t.Address, ref) {
			addr := common.HexToAddress(t.Address)
			return lending.Asset{Address: addr, Symbol: t.Symbol, Decimals: t.Decimals, Class: lending.AssetCrypto}, true
		}
	}
	if common.IsHexAddress(ref) {
		return lending.Asset{Address: common.HexToAddress(ref), Class: lending.AssetCrypto}, false
	}
	return lending.Asset{}, false
}

// ReceiptPolling returns the receipt poll interval and timeout with defaults.
func (l Limits) ReceiptPolling() (time.Duration, time.Duration) {
	interval, timeout := time.Second, 2*time.Minute
	if l.ReceiptPollMillis > 0 {
		interval = time.Duration(l.ReceiptPollMillis) * time.Millisecond
	}
	if l.ReceiptTimeoutSecs > 0 {
		timeout = time.Duration(l.ReceiptTimeoutSecs) * time.Second
	}
	return interval, timeout
}

// PriceWaitPoll is the interval between stale-price polls.
func (l Limits) PriceWaitPoll() time.Duration {
	if l.PriceWaitPollSecs == 0 {
		return 15 * time.Second
	}
	return time.Duration(l.PriceWaitPollSecs) * time.Second
}

// AllowanceRetry is the wait before re-reading an allowance after approval.
func (l Limits) AllowanceRetry() time.Duration {
	if l.AllowanceRetryMillis == 0 {
		return 2 * time.Second
	}
	return time.Duration(l.AllowanceRetryMillis) * time.Millisecond
}

// createDefault writes a local development network and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DefaultNetwork: "local",
		Networks: map[string]Network{
			"local": {
				RPCURL:     "http://127.0.0.1:8545",
				ChainID:    31337,
				MockOracle: true,
				Contracts: Contracts{
					LoanMarket:  "0x5FbDB2315678afecb367f032d93F642f64180aa3",
					PriceOracle: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
					LTVConfig:   "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
				},
				Tokens: []Token{},
				Limits: Limits{RequestsPerSecond: 20, Burst: 40},
			},
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
