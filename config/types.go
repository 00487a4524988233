package config

// Contracts holds the deployed contract addresses of one network as hex
// strings. FiatLoanMarket, ExchangeRateOracle and Multicall are optional.
type Contracts struct {
	LoanMarket         string `toml:"LoanMarket"`
	FiatLoanMarket     string `toml:"FiatLoanMarket,omitempty"`
	PriceOracle        string `toml:"PriceOracle"`
	ExchangeRateOracle string `toml:"ExchangeRateOracle,omitempty"`
	LTVConfig          string `toml:"LTVConfig"`
	Multicall          string `toml:"Multicall,omitempty"`
}

// Token is one entry of the network token table.
type Token struct {
	Symbol   string `toml:"Symbol"`
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
}

// Limits tunes the RPC client and flow timing. Zero values select defaults.
type Limits struct {
	RequestsPerSecond    float64 `toml:"RequestsPerSecond,omitempty"`
	Burst                int     `toml:"Burst,omitempty"`
	ReceiptPollMillis    uint32  `toml:"ReceiptPollMillis,omitempty"`
	ReceiptTimeoutSecs   uint32  `toml:"ReceiptTimeoutSecs,omitempty"`
	GasBufferBps         uint64  `toml:"GasBufferBps,omitempty"`
	MaxPriceDeviationBps uint32  `toml:"MaxPriceDeviationBps,omitempty"`
	PriceWaitPollSecs    uint32  `toml:"PriceWaitPollSecs,omitempty"`
	PriceWaitAttempts    int     `toml:"PriceWaitAttempts,omitempty"`
	AllowanceRetryMillis uint32  `toml:"AllowanceRetryMillis,omitempty"`
}

// Network is one deployment the client can talk to.
type Network struct {
	Name    string `toml:"-"`
	RPCURL  string `toml:"RPCURL"`
	ChainID uint64 `toml:"ChainID"`
	// MockOracle marks development networks whose price oracle accepts
	// refreshPrice from any caller. Production networks leave it false and
	// stale prices are waited out.
	MockOracle bool      `toml:"MockOracle"`
	Contracts  Contracts `toml:"Contracts"`
	Tokens     []Token   `toml:"Tokens"`
	Limits     Limits    `toml:"Limits"`
}
