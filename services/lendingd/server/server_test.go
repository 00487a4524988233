package server

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lendclient/chain"
	"lendclient/chain/chaintest"
	netcfg "lendclient/config"
	"lendclient/contracts"
	"lendclient/flows"
	"lendclient/gateway/middleware"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/storage"
	"lendclient/terms"
	"lendclient/txflow"
)

var (
	borrower   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	lender     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	oracleAddr = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	ratesAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	ltvAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	usdc       = common.HexToAddress("0x0000000000000000000000000000000000000d5c")
	weth       = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
)

func bn(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// market is a two-loan, one-offer lending market behind a fake chain.
type market struct {
	*chaintest.Fake
	mu      sync.Mutex
	priceAt time.Time
	rateAt  time.Time
	ltv     uint64
	balance uint64
	loans   map[uint64]lending.Loan
	owed    map[uint64]uint64
	offers  map[uint64]lending.LenderOffer
}

func newMarket(t *testing.T) *market {
	t.Helper()
	m := &market{
		Fake:    chaintest.New(common.Address{}),
		ltv:     5000,
		balance: 2_000_000_000,
		loans:   map[uint64]lending.Loan{},
		owed:    map[uint64]uint64{},
		offers:  map[uint64]lending.LenderOffer{},
	}
	m.priceAt, m.rateAt = m.Now(), m.Now()
	start := m.Now().Add(-24 * time.Hour)
	m.loans[1] = lending.Loan{ID: 1, Borrower: borrower, Lender: lender, BorrowAsset: usdc, CollateralAsset: weth,
		Principal: lending.NewAmount(1_000_000_000), CollateralAmount: lending.NewAmount(1_000_000_000_000_000_000),
		InterestRateBps: 500, DurationDays: 30, StartTime: start, Status: lending.LoanActive}
	m.owed[1] = 1_050_000_000
	m.loans[2] = lending.Loan{ID: 2, Borrower: lender, Lender: borrower, BorrowAsset: usdc, CollateralAsset: weth,
		Principal: lending.NewAmount(500_000_000), CollateralAmount: lending.NewAmount(500_000_000_000_000_000),
		AmountRepaid: lending.NewAmount(500_000_000), InterestRateBps: 500, DurationDays: 30, StartTime: start, Status: lending.LoanRepaid}
	m.owed[2] = 500_000_000
	m.offers[1] = lending.LenderOffer{ID: 1, Lender: lender, LendAsset: usdc, CollateralAsset: weth,
		LendAmount: lending.NewAmount(5_000_000_000), RemainingAmount: lending.NewAmount(5_000_000_000),
		InterestRateBps: 700, DurationDays: 60, Status: lending.ListingPending}
	m.install()
	return m
}

func (m *market) install() {
	m.OnRead("getPrice", func(call contracts.Call) ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		price := uint64(100_000_000)
		if call.Args[0].(common.Address) == weth {
			price = 2000_00000000
		}
		return chaintest.Outputs(call, bn(price), big.NewInt(m.priceAt.Unix())), nil
	})
	m.OnRead("getRate", func(call contracts.Call) ([]byte, error) {
		if call.Args[0].(string) != "EUR" {
			return nil, &chain.RevertError{Name: "RateNotConfigured"}
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return chaintest.Outputs(call, bn(92_000_000), big.NewInt(m.rateAt.Unix())), nil
	})
	m.OnRead("getLTV", func(call contracts.Call) ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return chaintest.Outputs(call, bn(m.ltv)), nil
	})
	m.OnRead("getLiquidationThreshold", chaintest.Returns(bn(8000)))
	m.OnRead("balanceOf", func(call contracts.Call) ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return chaintest.Outputs(call, bn(m.balance)), nil
	})
	m.OnRead("nextLoanId", chaintest.Returns(bn(3)))
	m.OnRead("nextOfferId", chaintest.Returns(bn(2)))
	m.OnRead("getLoan", func(call contracts.Call) ([]byte, error) {
		m.mu.Lock()
		l := m.loans[call.Args[0].(*big.Int).Uint64()]
		m.mu.Unlock()
		start := new(big.Int)
		if !l.StartTime.IsZero() {
			start = big.NewInt(l.StartTime.Unix())
		}
		return chaintest.Outputs(call, l.Borrower, l.Lender, l.BorrowAsset, l.CollateralAsset,
			l.Principal.Big(), l.CollateralAmount.Big(), l.AmountRepaid.Big(),
			bn(l.InterestRateBps), bn(l.DurationDays), start, uint8(l.Status)), nil
	})
	m.OnRead("getTotalOwed", func(call contracts.Call) ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return chaintest.Outputs(call, bn(m.owed[call.Args[0].(*big.Int).Uint64()])), nil
	})
	m.OnRead("getBorrowerLoans", func(call contracts.Call) ([]byte, error) {
		ids := []*big.Int{}
		if call.Args[0].(common.Address) == borrower {
			ids = append(ids, bn(1))
		}
		return chaintest.Outputs(call, ids), nil
	})
	m.OnRead("getLenderOffer", func(call contracts.Call) ([]byte, error) {
		m.mu.Lock()
		o := m.offers[call.Args[0].(*big.Int).Uint64()]
		m.mu.Unlock()
		return chaintest.Outputs(call, o.Lender, o.LendAsset, o.CollateralAsset,
			o.LendAmount.Big(), o.RemainingAmount.Big(), o.MinCollateral.Big(),
			bn(o.InterestRateBps), bn(o.DurationDays), new(big.Int), uint8(o.Status)), nil
	})
}

func testNetwork() netcfg.Network {
	return netcfg.Network{
		Name:    "test",
		RPCURL:  "http://127.0.0.1:8545",
		ChainID: 31337,
		Contracts: netcfg.Contracts{
			LoanMarket:         marketAddr.Hex(),
			PriceOracle:        oracleAddr.Hex(),
			ExchangeRateOracle: ratesAddr.Hex(),
			LTVConfig:          ltvAddr.Hex(),
		},
		Tokens: []netcfg.Token{
			{Symbol: "USDC", Address: usdc.Hex(), Decimals: 6},
			{Symbol: "WETH", Address: weth.Hex(), Decimals: 18},
		},
	}
}

func newTestServer(t *testing.T, m *market, opts Options) http.Handler {
	t.Helper()
	network := testNetwork()
	repo := storage.NewRepository(storage.NewMemDB(), nil)
	prices := pricing.NewPriceFeed(m, oracleAddr, pricing.WithClock(m.Now), pricing.WithRepository(repo))
	deps := flows.Deps{
		Reader: m,
		Market: marketAddr,
		Prices: prices,
		Rates:  pricing.NewRateFeed(m, ratesAddr, pricing.WithClock(m.Now)),
		Terms:  terms.NewResolver(m, ltvAddr, nil),
		Repo:   repo,
		Tokens: network.TokenTable(),
		Now:    m.Now,
	}
	srv := New(Backend{
		Network:   network,
		Reader:    m,
		Prices:    prices,
		Rates:     deps.Rates,
		Terms:     deps.Terms,
		Market:    flows.NewMarketplace(deps),
		Dashboard: flows.NewDashboard(deps),
		Preflight: txflow.NewPreflight(m),
		Now:       m.Now,
	}, opts)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	out := map[string]any{}
	if res.Body.Len() > 0 && res.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	}
	return res, out
}

func field(t *testing.T, v map[string]any, path ...string) any {
	t.Helper()
	var cur any = v
	for _, key := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "path %v", path)
		cur = m[key]
	}
	return cur
}

func TestPriceEndpoint(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})

	res, body := do(t, h, http.MethodGet, "/v1/prices/weth", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "2000", field(t, body, "priceUsd", "display"))
	require.Equal(t, "200000000000", field(t, body, "priceUsd", "raw"))
	require.Equal(t, false, body["stale"])
	require.Equal(t, "WETH", body["symbol"])

	m.mu.Lock()
	m.priceAt = m.Now().Add(-901 * time.Second)
	m.mu.Unlock()
	_, body = do(t, h, http.MethodGet, "/v1/prices/"+weth.Hex(), nil)
	require.Equal(t, true, body["stale"])
	require.Equal(t, "stale", body["status"])
	require.Equal(t, string(lending.RemedyWaitForOracle), body["remedy"])

	res, body = do(t, h, http.MethodGet, "/v1/prices/DOGE", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "error", body["status"])
}

func TestRateEndpoint(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})

	_, body := do(t, h, http.MethodGet, "/v1/rates/eur", nil)
	require.Equal(t, "EUR", body["currency"])
	require.Equal(t, "0.92", field(t, body, "perUsd", "display"))
	require.Equal(t, false, body["stale"])

	m.mu.Lock()
	m.rateAt = m.Now().Add(-3601 * time.Second)
	m.mu.Unlock()
	_, body = do(t, h, http.MethodGet, "/v1/rates/EUR", nil)
	require.Equal(t, true, body["stale"])
	require.Equal(t, string(lending.RemedyWaitForOracle), body["remedy"])

	res, body := do(t, h, http.MethodGet, "/v1/rates/CHF", nil)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, string(lending.KindUnavailable), body["kind"])
}

func TestTermsEndpoint(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})

	_, body := do(t, h, http.MethodGet, "/v1/terms/WETH?duration=30", nil)
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 5000, body["maxLtvBps"])
	require.EqualValues(t, 8000, body["liquidationThresholdBps"])

	m.mu.Lock()
	m.ltv = 0
	m.mu.Unlock()
	res, body := do(t, h, http.MethodGet, "/v1/terms/WETH?duration=30", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "no_terms", body["status"])

	res, _ = do(t, h, http.MethodGet, "/v1/terms/WETH", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestCollateralQuoteEndpoint(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})

	req := collateralQuoteRequest{BorrowAsset: "USDC", CollateralAsset: "WETH", DurationDays: 30, Amount: "1000000000"}
	res, body := do(t, h, http.MethodPost, "/v1/quotes/collateral", req)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "known", body["status"])
	require.Equal(t, "1000000000000000000", field(t, body, "collateralAmount", "raw"))
	require.Equal(t, "1", field(t, body, "collateralAmount", "display"))
	require.Equal(t, "1000", field(t, body, "borrow", "display"))

	m.mu.Lock()
	m.ltv = 0
	m.mu.Unlock()
	_, body = do(t, h, http.MethodPost, "/v1/quotes/collateral", req)
	require.Equal(t, "no_terms", body["status"])
	require.Nil(t, body["collateralAmount"], "an unknown requirement must not be reported as an amount")

	res, _ = do(t, h, http.MethodPost, "/v1/quotes/collateral", map[string]any{"borrowAsset": "USDC", "bogus": 1})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestRepaymentQuoteEndpoint(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})
	m.mu.Lock()
	m.priceAt = m.Now().Add(-901 * time.Second)
	m.mu.Unlock()

	cases := []struct {
		name      string
		amount    string
		balance   uint64
		status    string
		remedy    lending.Remedy
		canSubmit bool
	}{
		{name: "partial blocked by stale price", amount: "500000000", balance: 2_000_000_000, status: "stale_price", remedy: lending.RemedyWaitForOracle},
		{name: "full allowed while stale", amount: "1050000000", balance: 2_000_000_000, status: "ready", canSubmit: true},
		{name: "zero balance first", amount: "99999999999", balance: 0, status: "no_balance", remedy: lending.RemedyTopUpBalance},
		{name: "exceeds remaining", amount: "1050000001", balance: 2_000_000_000, status: "exceeds_remaining", remedy: lending.RemedyReduceAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m.mu.Lock()
			m.balance = tc.balance
			m.mu.Unlock()
			res, body := do(t, h, http.MethodPost, "/v1/quotes/repayment",
				repaymentQuoteRequest{LoanID: 1, Wallet: borrower.Hex(), Amount: tc.amount})
			require.Equal(t, http.StatusOK, res.Code, res.Body.String())
			require.Equal(t, tc.status, body["status"])
			require.Equal(t, tc.canSubmit, body["canSubmit"])
			if tc.remedy == lending.RemedyNone {
				require.Nil(t, body["remedy"])
			} else {
				require.Equal(t, string(tc.remedy), body["remedy"])
			}
			require.Equal(t, true, body["stale"])
			require.Equal(t, "1050", field(t, body, "remaining", "display"))
		})
	}

	res, body := do(t, h, http.MethodPost, "/v1/quotes/repayment",
		repaymentQuoteRequest{LoanID: 2, Wallet: borrower.Hex(), Amount: "1"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, string(lending.KindValidation), body["kind"])
}

func TestPreflightEndpoint(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})
	m.OnSimulate("repayLoan", func(from common.Address, call contracts.Call) error {
		return &chain.RevertError{Name: "ERC20InsufficientBalance"}
	})

	res, body := do(t, h, http.MethodPost, "/v1/preflight",
		preflightRequest{From: borrower.Hex(), Action: "repay", ID: 1, Amount: "500000000"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, false, body["ok"])
	require.Equal(t, string(txflow.OutcomeSimulationFailed), body["status"])
	require.Equal(t, string(lending.RemedyTopUpBalance), body["remedy"])

	sims := m.Simulations()
	require.Len(t, sims, 1)
	require.Equal(t, borrower, sims[0].From)
	require.Equal(t, marketAddr, sims[0].Call.To)

	_, body = do(t, h, http.MethodPost, "/v1/preflight",
		preflightRequest{From: borrower.Hex(), Action: "approve", Token: "USDC", Amount: "1060500000"})
	require.Equal(t, true, body["ok"])
	require.Equal(t, "approve", body["method"])

	res, _ = do(t, h, http.MethodPost, "/v1/preflight", preflightRequest{From: borrower.Hex(), Action: "liquidate"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestListingEndpoints(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{})

	_, body := do(t, h, http.MethodGet, "/v1/loans", nil)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	require.EqualValues(t, 2, items[0].(map[string]any)["id"])
	require.Equal(t, "REPAID", items[0].(map[string]any)["status"])

	_, body = do(t, h, http.MethodGet, "/v1/loans?from=3&count=1", nil)
	items = body["items"].([]any)
	require.Len(t, items, 1)
	require.EqualValues(t, 2, body["next"])

	_, body = do(t, h, http.MethodGet, "/v1/loans?borrower="+borrower.Hex(), nil)
	items = body["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "1050", field(t, items[0].(map[string]any), "remaining", "display"))

	_, body = do(t, h, http.MethodGet, "/v1/offers", nil)
	items = body["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "5000", field(t, items[0].(map[string]any), "remainingAmount", "display"))
	require.EqualValues(t, 0, body["next"])

	res, _ := do(t, h, http.MethodGet, "/v1/offers?count=1000", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestHealthAndAuth(t *testing.T) {
	m := newMarket(t)
	h := newTestServer(t, m, Options{
		Auth:       middleware.AuthConfig{Enabled: true, HMACSecret: "0123456789abcdef0123"},
		RateLimits: map[string]middleware.RateLimit{GroupReads: {RequestsPerMinute: 60, Burst: 5}},
	})

	res, body := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 100, body["block"])

	res, _ = do(t, h, http.MethodGet, "/v1/prices/WETH", nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res, _ = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
}
