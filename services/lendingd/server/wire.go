package server

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/chain"
	"lendclient/flows"
	"lendclient/lending"
	"lendclient/pricing"
)

// Amounts are encoded as base-unit decimal strings. Display fields carry the
// decimal-shifted value when the token's precision is known.

type amountView struct {
	Raw     string `json:"raw"`
	Display string `json:"display,omitempty"`
}

type snapshotView struct {
	Block uint64    `json:"block"`
	Time  time.Time `json:"time"`
}

type priceView struct {
	Asset      common.Address `json:"asset"`
	Symbol     string         `json:"symbol,omitempty"`
	PriceUSD   amountView     `json:"priceUsd"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	AgeSeconds uint32         `json:"ageSeconds"`
	Status     string         `json:"status"`
	Stale      bool           `json:"stale"`
	Remedy     lending.Remedy `json:"remedy,omitempty"`
	Snapshot   snapshotView   `json:"snapshot"`
}

type rateView struct {
	Currency   string         `json:"currency"`
	PerUSD     amountView     `json:"perUsd"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	AgeSeconds uint32         `json:"ageSeconds"`
	Status     string         `json:"status"`
	Stale      bool           `json:"stale"`
	Remedy     lending.Remedy `json:"remedy,omitempty"`
}

type termsView struct {
	Asset                   common.Address `json:"asset"`
	DurationDays            uint64         `json:"durationDays"`
	MaxLTVBps               uint64         `json:"maxLtvBps"`
	LiquidationThresholdBps uint64         `json:"liquidationThresholdBps"`
	Status                  string         `json:"status"`
}

type collateralQuoteRequest struct {
	BorrowAsset     string `json:"borrowAsset"`
	CollateralAsset string `json:"collateralAsset"`
	DurationDays    uint64 `json:"durationDays"`
	Amount          string `json:"amount"`
}

type collateralQuoteView struct {
	BorrowAsset      common.Address `json:"borrowAsset"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	Borrow           amountView     `json:"borrow"`
	CollateralAmount *amountView    `json:"collateralAmount,omitempty"`
	ValueUSD         *amountView    `json:"valueUsd,omitempty"`
	MaxLTVBps        uint64         `json:"maxLtvBps"`
	Status           string         `json:"status"`
	Stale            bool           `json:"stale"`
	Remedy           lending.Remedy `json:"remedy,omitempty"`
	Error            string         `json:"error,omitempty"`
}

type repaymentQuoteRequest struct {
	LoanID uint64 `json:"loanId"`
	Wallet string `json:"wallet"`
	Amount string `json:"amount"`
}

type repaymentQuoteView struct {
	LoanID            uint64         `json:"loanId"`
	Wallet            common.Address `json:"wallet"`
	TotalOwed         amountView     `json:"totalOwed"`
	AlreadyRepaid     amountView     `json:"alreadyRepaid"`
	Remaining         amountView     `json:"remaining"`
	Entered           amountView     `json:"entered"`
	Balance           amountView     `json:"balance"`
	Kind              string         `json:"kind"`
	Partial           bool           `json:"partial"`
	SufficientBalance bool           `json:"sufficientBalance"`
	CanSubmit         bool           `json:"canSubmit"`
	Status            string         `json:"status"`
	Stale             bool           `json:"stale"`
	Remedy            lending.Remedy `json:"remedy,omitempty"`
	Snapshot          snapshotView   `json:"snapshot"`
}

type preflightRequest struct {
	From   string `json:"from"`
	Action string `json:"action"`
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
	// Collateral is the collateral amount for accept_offer.
	Collateral string `json:"collateral"`
	Token      string `json:"token"`
	Spender    string `json:"spender"`
}

type preflightView struct {
	From       common.Address `json:"from"`
	Method     string         `json:"method"`
	OK         bool           `json:"ok"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	StalePrice bool           `json:"stalePrice"`
	Stale      bool           `json:"stale"`
	Remedy     lending.Remedy `json:"remedy,omitempty"`
}

type loanView struct {
	ID               uint64         `json:"id"`
	Borrower         common.Address `json:"borrower"`
	Lender           common.Address `json:"lender"`
	BorrowAsset      common.Address `json:"borrowAsset"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	Principal        amountView     `json:"principal"`
	CollateralAmount amountView     `json:"collateralAmount"`
	AmountRepaid     amountView     `json:"amountRepaid"`
	TotalOwed        *amountView    `json:"totalOwed,omitempty"`
	Remaining        *amountView    `json:"remaining,omitempty"`
	InterestRateBps  uint64         `json:"interestRateBps"`
	DurationDays     uint64         `json:"durationDays"`
	StartTime        time.Time      `json:"startTime"`
	Status           string         `json:"status"`
}

type offerView struct {
	ID              uint64         `json:"id"`
	Lender          common.Address `json:"lender"`
	LendAsset       common.Address `json:"lendAsset"`
	CollateralAsset common.Address `json:"collateralAsset"`
	LendAmount      amountView     `json:"lendAmount"`
	RemainingAmount amountView     `json:"remainingAmount"`
	MinCollateral   amountView     `json:"minCollateral"`
	FixedCollateral bool           `json:"fixedCollateral"`
	InterestRateBps uint64         `json:"interestRateBps"`
	DurationDays    uint64         `json:"durationDays"`
	Expiry          time.Time      `json:"expiry"`
	Expired         bool           `json:"expired"`
	Status          string         `json:"status"`
}

type listView[T any] struct {
	Items []T `json:"items"`
	// Next is the "from" cursor for the following page; zero when exhausted.
	Next     uint64       `json:"next"`
	Snapshot snapshotView `json:"snapshot"`
	Status   string       `json:"status"`
	Stale    bool         `json:"stale"`
}

type healthView struct {
	Status  string `json:"status"`
	Network string `json:"network"`
	ChainID uint64 `json:"chainId"`
	Block   uint64 `json:"block,omitempty"`
	Error   string `json:"error,omitempty"`
}

type errorView struct {
	Error  string         `json:"error"`
	Kind   lending.Kind   `json:"kind,omitempty"`
	Status string         `json:"status"`
	Stale  bool           `json:"stale"`
	Remedy lending.Remedy `json:"remedy,omitempty"`
}

func toSnapshot(s chain.Snapshot) snapshotView {
	return snapshotView{Block: s.Block, Time: s.Time}
}

// amount renders a base-unit amount with its display value when decimals is
// known.
func (s *Server) amount(token common.Address, a lending.Amount) amountView {
	view := amountView{Raw: a.String()}
	if asset, ok := s.tokens[token]; ok {
		view.Display = a.Display(asset.Decimals).String()
	}
	return view
}

func usdAmount(a lending.Amount) amountView {
	return amountView{Raw: a.String(), Display: a.Display(lending.PriceDecimals).String()}
}

func toPriceView(obs pricing.Observation, symbol string, remedy lending.Remedy) priceView {
	view := priceView{
		Asset:      obs.Quote.Asset,
		Symbol:     symbol,
		PriceUSD:   usdAmount(obs.Quote.Price),
		UpdatedAt:  obs.Quote.UpdatedAt,
		AgeSeconds: obs.AgeSeconds,
		Status:     string(obs.Status),
		Stale:      obs.Status == pricing.PriceStatusStale,
		Snapshot:   toSnapshot(obs.Snapshot),
	}
	if view.Stale {
		view.Remedy = remedy
	}
	return view
}

func toRateView(obs pricing.RateObservation) rateView {
	view := rateView{
		Currency:   obs.Rate.Currency,
		PerUSD:     usdAmount(obs.Rate.PerUSD),
		UpdatedAt:  obs.Rate.UpdatedAt,
		AgeSeconds: obs.AgeSeconds,
		Status:     string(obs.Status),
		Stale:      obs.Status == pricing.PriceStatusStale,
	}
	if view.Stale {
		view.Remedy = lending.RemedyWaitForOracle
	}
	return view
}

func (s *Server) toCollateralQuoteView(q flows.CollateralQuote) collateralQuoteView {
	view := collateralQuoteView{
		BorrowAsset:     q.BorrowAsset,
		CollateralAsset: q.CollateralAsset,
		Borrow:          s.amount(q.BorrowAsset, q.Borrow),
		MaxLTVBps:       q.Terms.MaxLTVBps,
		Status:          q.Requirement.Status.String(),
		Stale:           q.Stale,
	}
	if q.Requirement.Known() {
		collateral := s.amount(q.CollateralAsset, q.Requirement.Amount)
		value := usdAmount(q.Requirement.ValueUSD)
		view.CollateralAmount, view.ValueUSD = &collateral, &value
	}
	if err := q.Err(); err != nil {
		view.Error = err.Error()
		view.Remedy = lending.RemedyOf(err)
		if q.Requirement.Known() && q.Stale {
			view.Status = "stale_price"
		}
	}
	return view
}

func (s *Server) toRepaymentQuoteView(wallet common.Address, q flows.RepayQuote) repaymentQuoteView {
	token := q.Loan.BorrowAsset
	st := q.State
	return repaymentQuoteView{
		LoanID:            q.Loan.ID,
		Wallet:            wallet,
		TotalOwed:         s.amount(token, st.TotalOwed),
		AlreadyRepaid:     s.amount(token, st.AlreadyRepaid),
		Remaining:         s.amount(token, st.Remaining),
		Entered:           s.amount(token, st.Entered),
		Balance:           s.amount(token, q.Balance),
		Kind:              st.Kind.String(),
		Partial:           st.IsPartial,
		SufficientBalance: st.HasSufficientBalance,
		CanSubmit:         st.CanSubmit(),
		Status:            st.Status.String(),
		Stale:             q.Stale(),
		Remedy:            st.Remedy,
		Snapshot:          toSnapshot(q.Snapshot),
	}
}

func (s *Server) toLoanView(l lending.Loan) loanView {
	return loanView{
		ID:               l.ID,
		Borrower:         l.Borrower,
		Lender:           l.Lender,
		BorrowAsset:      l.BorrowAsset,
		CollateralAsset:  l.CollateralAsset,
		Principal:        s.amount(l.BorrowAsset, l.Principal),
		CollateralAmount: s.amount(l.CollateralAsset, l.CollateralAmount),
		AmountRepaid:     s.amount(l.BorrowAsset, l.AmountRepaid),
		InterestRateBps:  l.InterestRateBps,
		DurationDays:     l.DurationDays,
		StartTime:        l.StartTime,
		Status:           l.Status.String(),
	}
}

func (s *Server) toOfferView(o lending.LenderOffer, now time.Time) offerView {
	return offerView{
		ID:              o.ID,
		Lender:          o.Lender,
		LendAsset:       o.LendAsset,
		CollateralAsset: o.CollateralAsset,
		LendAmount:      s.amount(o.LendAsset, o.LendAmount),
		RemainingAmount: s.amount(o.LendAsset, o.RemainingAmount),
		MinCollateral:   s.amount(o.CollateralAsset, o.MinCollateral),
		FixedCollateral: o.FixedCollateral(),
		InterestRateBps: o.InterestRateBps,
		DurationDays:    o.DurationDays,
		Expiry:          o.Expiry,
		Expired:         o.Expired(now),
		Status:          o.Status.String(),
	}
}
