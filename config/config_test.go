package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const sampleConfig = `DefaultNetwork = "sepolia"

[Networks.sepolia]
RPCURL = "https://rpc.sepolia.example"
ChainID = 11155111
MockOracle = false

[Networks.sepolia.Contracts]
LoanMarket = "0x00000000000000000000000000000000000000a1"
FiatLoanMarket = "0x00000000000000000000000000000000000000a2"
PriceOracle = "0x00000000000000000000000000000000000000a3"
ExchangeRateOracle = "0x00000000000000000000000000000000000000a4"
LTVConfig = "0x00000000000000000000000000000000000000a5"
Multicall = "0xcA11bde05977b3631167028862bE2a173976CA11"

[[Networks.sepolia.Tokens]]
Symbol = "usdc"
Address = "0x0000000000000000000000000000000000000d5c"
Decimals = 6

[[Networks.sepolia.Tokens]]
Symbol = "WETH"
Address = "0x0000000000000000000000000000000000000e7e"
Decimals = 18

[Networks.sepolia.Limits]
RequestsPerSecond = 10
Burst = 20
ReceiptPollMillis = 500
MaxPriceDeviationBps = 500

[Networks.anvil]
RPCURL = "http://127.0.0.1:8545"
ChainID = 31337
MockOracle = true

[Networks.anvil.Contracts]
LoanMarket = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
PriceOracle = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
LTVConfig = "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesNetworks(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	n, err := cfg.Network("")
	if err != nil {
		t.Fatalf("default network: %v", err)
	}
	if n.Name != "sepolia" || n.ChainID != 11155111 || n.MockOracle {
		t.Fatalf("unexpected network %+v", n)
	}
	if got := Address(n.Contracts.Multicall); got != common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11") {
		t.Fatalf("unexpected multicall %s", got.Hex())
	}
	usdc, ok := n.Token("USDC")
	if !ok || usdc.Decimals != 6 || usdc.Symbol != "USDC" {
		t.Fatalf("expected normalised USDC token, got %+v", usdc)
	}
	if len(n.TokenTable()) != 2 {
		t.Fatalf("expected two tokens in table")
	}
	interval, timeout := n.Limits.ReceiptPolling()
	if interval != 500*time.Millisecond || timeout != 2*time.Minute {
		t.Fatalf("unexpected receipt polling %s %s", interval, timeout)
	}

	anvil, err := cfg.Network("anvil")
	if err != nil {
		t.Fatalf("anvil: %v", err)
	}
	if !anvil.MockOracle || Address(anvil.Contracts.FiatLoanMarket) != (common.Address{}) {
		t.Fatalf("unexpected anvil network %+v", anvil)
	}
}

func TestNetworkUnknown(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.Network("mainnet"); !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected unknown network, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, sampleConfig+"\n[Networks.anvil.Extras]\nFoo = 1\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "networks.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	n, err := cfg.Network("")
	if err != nil || !n.MockOracle {
		t.Fatalf("expected local mock network, got %+v %v", n, err)
	}
	// The written file loads cleanly.
	if _, err := Load(path); err != nil {
		t.Fatalf("reload default: %v", err)
	}
}

func TestValidateNetwork(t *testing.T) {
	valid := func() Network {
		return Network{
			RPCURL:  "https://rpc.example",
			ChainID: 1,
			Contracts: Contracts{
				LoanMarket:  "0x00000000000000000000000000000000000000a1",
				PriceOracle: "0x00000000000000000000000000000000000000a3",
				LTVConfig:   "0x00000000000000000000000000000000000000a5",
			},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Network)
		want   string
	}{
		{name: "valid", mutate: func(*Network) {}},
		{name: "bad scheme", mutate: func(n *Network) { n.RPCURL = "ftp://rpc" }, want: "scheme"},
		{name: "no chain id", mutate: func(n *Network) { n.ChainID = 0 }, want: "ChainID"},
		{name: "missing market", mutate: func(n *Network) { n.Contracts.LoanMarket = "" }, want: "LoanMarket"},
		{name: "zero oracle", mutate: func(n *Network) { n.Contracts.PriceOracle = "0x0000000000000000000000000000000000000000" }, want: "zero"},
		{name: "fiat without rates", mutate: func(n *Network) {
			n.Contracts.FiatLoanMarket = "0x00000000000000000000000000000000000000a2"
		}, want: "together"},
		{name: "duplicate token", mutate: func(n *Network) {
			tok := Token{Symbol: "USDC", Address: "0x0000000000000000000000000000000000000d5c", Decimals: 6}
			n.Tokens = []Token{tok, tok}
		}, want: "twice"},
		{name: "decimals too large", mutate: func(n *Network) {
			n.Tokens = []Token{{Symbol: "BIG", Address: "0x0000000000000000000000000000000000000d5c", Decimals: 60}}
		}, want: "Decimals"},
		{name: "deviation above 100%", mutate: func(n *Network) { n.Limits.MaxPriceDeviationBps = 10_001 }, want: "Deviation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := valid()
			tc.mutate(&n)
			err := ValidateNetwork(n)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
