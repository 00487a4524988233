package flows

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/chain"
	"lendclient/chain/chaintest"
	"lendclient/contracts"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/storage"
	"lendclient/terms"
	"lendclient/txflow"
)

var (
	signer      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	otherLender = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	marketAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	fiatAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	oracleAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	ratesAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	ltvAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	usdc        = common.HexToAddress("0x0000000000000000000000000000000000000d5c")
	weth        = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
)

func bn(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func idArg(call contracts.Call) uint64 { return call.Args[0].(*big.Int).Uint64() }

// world is an in-memory lending market served through a fake chain.
type world struct {
	*chaintest.Fake
	t *testing.T

	mu         sync.Mutex
	prices     map[common.Address]uint64
	priceAt    map[common.Address]time.Time
	rates      map[string]uint64
	rateAt     map[string]time.Time
	ltv        uint64
	threshold  uint64
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	loans      map[uint64]lending.Loan
	totalOwed  map[uint64]uint64
	offers     map[uint64]lending.LenderOffer
	fiatOffers map[uint64]lending.FiatLenderOffer
	requests   map[uint64]lending.LoanRequest
	nextOffer  uint64
	nextReq    uint64

	repo *storage.Repository
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		Fake:       chaintest.New(signer),
		t:          t,
		prices:     map[common.Address]uint64{},
		priceAt:    map[common.Address]time.Time{},
		rates:      map[string]uint64{},
		rateAt:     map[string]time.Time{},
		ltv:        5000,
		threshold:  8000,
		balances:   map[common.Address]*big.Int{},
		allowances: map[common.Address]*big.Int{},
		loans:      map[uint64]lending.Loan{},
		totalOwed:  map[uint64]uint64{},
		offers:     map[uint64]lending.LenderOffer{},
		fiatOffers: map[uint64]lending.FiatLenderOffer{},
		requests:   map[uint64]lending.LoanRequest{},
		nextOffer:  1,
		nextReq:    1,
		repo:       storage.NewRepository(storage.NewMemDB(), nil),
	}
	now := w.Now()
	w.setPrice(usdc, 100_000_000, now)
	w.setPrice(weth, 2000_00000000, now)
	w.install()
	return w
}

func (w *world) setPrice(asset common.Address, price uint64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prices[asset] = price
	w.priceAt[asset] = at
}

func (w *world) setRate(currency string, rate uint64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rates[currency] = rate
	w.rateAt[currency] = at
}

func (w *world) fund(token common.Address, balance uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[token] = bn(balance)
}

func (w *world) addLoan(l lending.Loan, owed uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loans[l.ID] = l
	w.totalOwed[l.ID] = owed
}

func (w *world) addOffer(o lending.LenderOffer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offers[o.ID] = o
	if o.ID >= w.nextOffer {
		w.nextOffer = o.ID + 1
	}
}

func (w *world) addFiatOffer(o lending.FiatLenderOffer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fiatOffers[o.ID] = o
}

func (w *world) loan(id uint64) lending.Loan {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loans[id]
}

func (w *world) install() {
	w.OnRead("getPrice", func(call contracts.Call) ([]byte, error) {
		asset := call.Args[0].(common.Address)
		w.mu.Lock()
		price, ok := w.prices[asset]
		at := w.priceAt[asset]
		w.mu.Unlock()
		if !ok {
			return nil, &chain.RevertError{Name: "PriceFeedNotConfigured"}
		}
		return chaintest.Outputs(call, bn(price), big.NewInt(at.Unix())), nil
	})
	w.OnRead("getRate", func(call contracts.Call) ([]byte, error) {
		code := call.Args[0].(string)
		w.mu.Lock()
		rate, ok := w.rates[code]
		at := w.rateAt[code]
		w.mu.Unlock()
		if !ok {
			return nil, &chain.RevertError{Name: "RateNotConfigured"}
		}
		return chaintest.Outputs(call, bn(rate), big.NewInt(at.Unix())), nil
	})
	w.OnRead("getLTV", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, bn(w.ltv)), nil
	})
	w.OnRead("getLiquidationThreshold", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, bn(w.threshold)), nil
	})
	w.OnRead("balanceOf", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, orZero(w.balances[call.To])), nil
	})
	w.OnRead("allowance", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, orZero(w.allowances[call.To])), nil
	})
	w.OnConfirm("approve", func(call contracts.Call) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.allowances[call.To] = call.Args[1].(*big.Int)
	})

	w.OnRead("getLoan", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		l := w.loans[idArg(call)]
		w.mu.Unlock()
		return chaintest.Outputs(call, l.Borrower, l.Lender, l.BorrowAsset, l.CollateralAsset,
			l.Principal.Big(), l.CollateralAmount.Big(), l.AmountRepaid.Big(),
			bn(l.InterestRateBps), bn(l.DurationDays), unix(l.StartTime), uint8(l.Status)), nil
	})
	w.OnRead("getTotalOwed", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, bn(w.totalOwed[idArg(call)])), nil
	})
	w.OnRead("getBorrowerLoans", func(call contracts.Call) ([]byte, error) {
		owner := call.Args[0].(common.Address)
		w.mu.Lock()
		defer w.mu.Unlock()
		ids := []*big.Int{}
		for id, l := range w.loans {
			if l.Borrower == owner {
				ids = append(ids, bn(id))
			}
		}
		return chaintest.Outputs(call, ids), nil
	})
	w.OnConfirm("repayLoan", func(call contracts.Call) {
		w.mu.Lock()
		defer w.mu.Unlock()
		id := idArg(call)
		l := w.loans[id]
		repaid, _ := l.AmountRepaid.Add(lending.MustAmount(call.Args[1].(*big.Int).String()))
		l.AmountRepaid = repaid
		if !repaid.Lt(lending.NewAmount(w.totalOwed[id])) {
			l.Status = lending.LoanRepaid
		}
		w.loans[id] = l
	})

	w.OnRead("nextOfferId", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, bn(w.nextOffer)), nil
	})
	w.OnRead("getLenderOffer", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		o := w.offers[idArg(call)]
		w.mu.Unlock()
		return chaintest.Outputs(call, o.Lender, o.LendAsset, o.CollateralAsset,
			o.LendAmount.Big(), o.RemainingAmount.Big(), o.MinCollateral.Big(),
			bn(o.InterestRateBps), bn(o.DurationDays), unix(o.Expiry), uint8(o.Status)), nil
	})
	w.OnConfirm("acceptLenderOffer", func(call contracts.Call) {
		w.mu.Lock()
		defer w.mu.Unlock()
		id := idArg(call)
		o := w.offers[id]
		o.RemainingAmount = o.RemainingAmount.SubFloor(lending.MustAmount(call.Args[1].(*big.Int).String()))
		if o.RemainingAmount.IsZero() {
			o.Status = lending.ListingFunded
		}
		w.offers[id] = o
	})
	w.OnConfirm("cancelLenderOffer", func(call contracts.Call) {
		w.mu.Lock()
		defer w.mu.Unlock()
		o := w.offers[idArg(call)]
		o.Status = lending.ListingCancelled
		w.offers[o.ID] = o
	})

	w.OnRead("getFiatLenderOffer", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		o := w.fiatOffers[idArg(call)]
		w.mu.Unlock()
		return chaintest.Outputs(call, o.Lender, o.Currency, o.AmountCents.Big(), o.RemainingCents.Big(),
			o.CollateralAsset, bn(o.InterestRateBps), bn(o.DurationDays), unix(o.Expiry), uint8(o.Status)), nil
	})

	w.OnRead("nextRequestId", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return chaintest.Outputs(call, bn(w.nextReq)), nil
	})
	w.OnRead("getLoanRequest", func(call contracts.Call) ([]byte, error) {
		w.mu.Lock()
		r := w.requests[idArg(call)]
		w.mu.Unlock()
		return chaintest.Outputs(call, r.Borrower, r.BorrowAsset, r.CollateralAsset,
			r.BorrowAmount.Big(), r.CollateralAmount.Big(), bn(r.InterestRateBps),
			bn(r.DurationDays), unix(r.Expiry), uint8(r.Status)), nil
	})
	w.OnConfirm("createLoanRequest", func(call contracts.Call) {
		w.mu.Lock()
		defer w.mu.Unlock()
		id := w.nextReq
		w.nextReq++
		w.requests[id] = lending.LoanRequest{
			ID:               id,
			Borrower:         signer,
			BorrowAsset:      call.Args[0].(common.Address),
			BorrowAmount:     lending.MustAmount(call.Args[1].(*big.Int).String()),
			CollateralAsset:  call.Args[2].(common.Address),
			CollateralAmount: lending.MustAmount(call.Args[3].(*big.Int).String()),
			InterestRateBps:  call.Args[4].(*big.Int).Uint64(),
			DurationDays:     call.Args[5].(*big.Int).Uint64(),
			Status:           lending.ListingPending,
		}
	})
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}

func (w *world) deps(refresh bool) Deps {
	var priceOpts []pricing.Option
	priceOpts = append(priceOpts, pricing.WithClock(w.Now), pricing.WithRepository(w.repo))
	preflight := txflow.NewPreflight(w, txflow.WithPriceRefresh(refresh))
	if refresh {
		priceOpts = append(priceOpts, pricing.WithMockOracle(preflight))
	}
	return Deps{
		Reader:     w,
		Preflight:  preflight,
		Market:     marketAddr,
		FiatMarket: fiatAddr,
		Prices:     pricing.NewPriceFeed(w, oracleAddr, priceOpts...),
		Rates:      pricing.NewRateFeed(w, ratesAddr, pricing.WithClock(w.Now)),
		Terms:      terms.NewResolver(w, ltvAddr, nil),
		Repo:       w.repo,
		Tokens: map[common.Address]lending.Asset{
			usdc: {Address: usdc, Symbol: "USDC", Decimals: 6},
			weth: {Address: weth, Symbol: "WETH", Decimals: 18},
		},
		ApprovalOptions: []txflow.ApprovalOption{txflow.WithRetryDelay(0)},
		Now:             w.Now,
	}
}

func (w *world) methods(invocations []chaintest.Invocation) []string {
	out := make([]string, len(invocations))
	for i, inv := range invocations {
		out[i] = inv.Call.Method
	}
	return out
}
