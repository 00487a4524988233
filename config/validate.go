package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxTokenDecimals bounds token precision so 10^decimals stays within uint256
// alongside an 8-decimal price.
const MaxTokenDecimals = 36

// Validate checks every network in the table.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return errors.New("no networks configured")
	}
	if c.DefaultNetwork != "" {
		if _, ok := c.Networks[c.DefaultNetwork]; !ok {
			return fmt.Errorf("%w %q as DefaultNetwork", ErrUnknownNetwork, c.DefaultNetwork)
		}
	}
	var errs []error
	for _, name := range c.names() {
		if err := ValidateNetwork(c.Networks[name]); err != nil {
			errs = append(errs, fmt.Errorf("network %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateNetwork checks one network entry.
func ValidateNetwork(n Network) error {
	u, err := url.Parse(n.RPCURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("RPCURL %q is not a URL", n.RPCURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("RPCURL scheme %q not supported", u.Scheme)
	}
	if n.ChainID == 0 {
		return errors.New("ChainID must be set")
	}

	required := map[string]string{
		"LoanMarket":  n.Contracts.LoanMarket,
		"PriceOracle": n.Contracts.PriceOracle,
		"LTVConfig":   n.Contracts.LTVConfig,
	}
	for field, value := range required {
		if err := checkAddress(field, value, true); err != nil {
			return err
		}
	}
	optional := map[string]string{
		"FiatLoanMarket":     n.Contracts.FiatLoanMarket,
		"ExchangeRateOracle": n.Contracts.ExchangeRateOracle,
		"Multicall":          n.Contracts.Multicall,
	}
	for field, value := range optional {
		if err := checkAddress(field, value, false); err != nil {
			return err
		}
	}
	if (n.Contracts.FiatLoanMarket == "") != (n.Contracts.ExchangeRateOracle == "") {
		return errors.New("FiatLoanMarket and ExchangeRateOracle must be configured together")
	}

	seen := make(map[string]bool, len(n.Tokens))
	for i, t := range n.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("token %d: Symbol required", i)
		}
		if seen[t.Symbol] {
			return fmt.Errorf("token %s listed twice", t.Symbol)
		}
		seen[t.Symbol] = true
		if err := checkAddress("token "+t.Symbol, t.Address, true); err != nil {
			return err
		}
		if t.Decimals > MaxTokenDecimals {
			return fmt.Errorf("token %s: Decimals %d exceeds %d", t.Symbol, t.Decimals, MaxTokenDecimals)
		}
	}

	l := n.Limits
	if l.RequestsPerSecond < 0 || l.Burst < 0 || l.PriceWaitAttempts < 0 {
		return errors.New("Limits must not be negative")
	}
	if l.MaxPriceDeviationBps > 10_000 {
		return fmt.Errorf("Limits.MaxPriceDeviationBps %d exceeds 10000", l.MaxPriceDeviationBps)
	}
	return nil
}

func checkAddress(field, value string, required bool) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return fmt.Errorf("%s address required", field)
		}
		return nil
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s address %q is not a hex address", field, value)
	}
	if common.HexToAddress(value) == (common.Address{}) {
		return fmt.Errorf("%s address must not be zero", field)
	}
	return nil
}
