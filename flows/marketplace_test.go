package flows

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendclient/lending"
	"lendclient/txflow"
)

func ltvOffer(id uint64) lending.LenderOffer {
	return lending.LenderOffer{
		ID:              id,
		Lender:          otherLender,
		LendAsset:       usdc,
		CollateralAsset: weth,
		LendAmount:      lending.NewAmount(5_000_000_000),
		RemainingAmount: lending.NewAmount(5_000_000_000),
		InterestRateBps: 500,
		DurationDays:    30,
		Status:          lending.ListingPending,
	}
}

func TestQuoteOfferLTV(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	m := NewMarketplace(w.deps(false))

	// 1000 USDC at 50% LTV against WETH at 2000 USD needs exactly 1 WETH.
	quote, err := m.QuoteOffer(context.Background(), nil, 1, lending.NewAmount(1_000_000_000))
	require.NoError(t, err)
	require.NoError(t, quote.Err())
	require.False(t, quote.Fixed)
	require.Equal(t, "1000000000000000000", quote.Requirement.Amount.String())
	require.Equal(t, uint64(5000), quote.Terms.MaxLTVBps)
}

func TestQuoteOfferFixedCollateralIsProportional(t *testing.T) {
	w := newWorld(t)
	offer := ltvOffer(1)
	offer.LendAmount = lending.NewAmount(1000)
	offer.RemainingAmount = lending.NewAmount(1000)
	offer.MinCollateral = lending.NewAmount(333)
	w.addOffer(offer)
	m := NewMarketplace(w.deps(false))

	quote, err := m.QuoteOffer(context.Background(), nil, 1, lending.NewAmount(500))
	require.NoError(t, err)
	require.True(t, quote.Fixed)
	require.Equal(t, "166", quote.Requirement.Amount.String())
	require.Zero(t, w.ReadCount("getPrice"))
	require.Zero(t, w.ReadCount("getLTV"))
}

func TestQuoteOfferRejections(t *testing.T) {
	expired := ltvOffer(2)
	expired.Expiry = time.Unix(1_600_000_000, 0).UTC()
	funded := ltvOffer(3)
	funded.RemainingAmount = lending.Amount{}
	funded.Status = lending.ListingFunded

	cases := []struct {
		name   string
		id     uint64
		borrow uint64
		remedy lending.Remedy
	}{
		{name: "zero amount", id: 1, borrow: 0},
		{name: "above remaining", id: 1, borrow: 5_000_000_001, remedy: lending.RemedyReduceAmount},
		{name: "expired", id: 2, borrow: 1},
		{name: "funded", id: 3, borrow: 1},
		{name: "missing", id: 9, borrow: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld(t)
			w.addOffer(ltvOffer(1))
			w.addOffer(expired)
			w.addOffer(funded)
			m := NewMarketplace(w.deps(false))
			_, err := m.QuoteOffer(context.Background(), nil, tc.id, lending.NewAmount(tc.borrow))
			require.ErrorIs(t, err, lending.ErrValidation)
			require.Equal(t, tc.remedy, lending.RemedyOf(err))
		})
	}
}

func TestAcceptOfferBlockedByStalePrice(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	w.fund(weth, 5_000_000_000_000_000_000)
	w.setPrice(weth, 2000_00000000, w.Now().Add(-901*time.Second))
	m := NewMarketplace(w.deps(false))

	quote, _, err := m.AcceptOffer(context.Background(), nil, 1, lending.NewAmount(1_000_000_000))
	require.True(t, quote.Stale)
	require.ErrorIs(t, err, lending.ErrStale)
	require.Equal(t, lending.RemedyWaitForOracle, lending.RemedyOf(err))
	require.Empty(t, w.Simulations())
}

func TestQuoteOfferWithoutTerms(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	w.ltv = 0
	m := NewMarketplace(w.deps(false))

	quote, err := m.QuoteOffer(context.Background(), nil, 1, lending.NewAmount(1_000_000_000))
	require.NoError(t, err)
	require.False(t, quote.Requirement.Known())
	require.Equal(t, lending.RequirementNoTerms, quote.Requirement.Status)
	require.ErrorIs(t, quote.Err(), lending.ErrUnavailable)
}

func TestQuoteOfferUnknownCollateralPrice(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	w.mu.Lock()
	delete(w.prices, weth)
	w.mu.Unlock()
	m := NewMarketplace(w.deps(false))

	quote, err := m.QuoteOffer(context.Background(), nil, 1, lending.NewAmount(1_000_000_000))
	require.NoError(t, err)
	require.Equal(t, lending.RequirementPriceUnavailable, quote.Requirement.Status)
	require.True(t, quote.Requirement.Amount.IsZero())
	require.Error(t, quote.Err())
}

func TestAcceptOfferPostsQuotedCollateral(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	w.fund(weth, 5_000_000_000_000_000_000)
	m := NewMarketplace(w.deps(false))
	s := m.Open(FlowAcceptOffer, 1)

	_, res, err := m.AcceptOffer(context.Background(), s, 1, lending.NewAmount(1_000_000_000))
	require.NoError(t, err)
	require.Equal(t, txflow.OutcomeConfirmed, res.Outcome)
	require.Equal(t, []string{"approve", "acceptLenderOffer"}, w.methods(w.Submissions()))
	// One percent above the posted collateral.
	require.Equal(t, "1010000000000000000", w.Submissions()[0].Call.Args[1].(*big.Int).String())

	accept := w.Submissions()[1].Call
	require.Equal(t, marketAddr, accept.To)
	require.Equal(t, "1000000000", accept.Args[1].(*big.Int).String())
	require.Equal(t, "1000000000000000000", accept.Args[2].(*big.Int).String())

	var cached lending.LenderOffer
	_, err = w.repo.Get(lending.EntityLenderOffer, "1", &cached)
	require.NoError(t, err)
	require.Equal(t, "4000000000", cached.RemainingAmount.String())
}

func TestQuoteFiatOffer(t *testing.T) {
	w := newWorld(t)
	w.setRate("EUR", 92_000_000, w.Now())
	w.addFiatOffer(lending.FiatLenderOffer{
		ID:              1,
		Lender:          otherLender,
		Currency:        "EUR",
		AmountCents:     lending.NewAmount(1_000_000),
		RemainingCents:  lending.NewAmount(1_000_000),
		CollateralAsset: weth,
		DurationDays:    90,
		Status:          lending.FiatOfferActive,
	})
	m := NewMarketplace(w.deps(false))

	quote, err := m.QuoteFiatOffer(context.Background(), nil, 1, lending.NewAmount(10_000))
	require.NoError(t, err)
	require.NoError(t, quote.Err())
	require.Equal(t, "10869", quote.USDCents.String())
	require.Equal(t, "108690000000000000", quote.Requirement.Amount.String())
}

func TestQuoteFiatOfferStaleRate(t *testing.T) {
	w := newWorld(t)
	w.setRate("EUR", 92_000_000, w.Now().Add(-3601*time.Second))
	w.addFiatOffer(lending.FiatLenderOffer{
		ID:              1,
		Lender:          otherLender,
		Currency:        "EUR",
		AmountCents:     lending.NewAmount(1_000_000),
		RemainingCents:  lending.NewAmount(1_000_000),
		CollateralAsset: weth,
		DurationDays:    90,
		Status:          lending.FiatOfferActive,
	})
	m := NewMarketplace(w.deps(true))

	quote, err := m.QuoteFiatOffer(context.Background(), nil, 1, lending.NewAmount(10_000))
	require.NoError(t, err)
	require.True(t, quote.StaleRate)
	require.ErrorIs(t, quote.Err(), lending.ErrStale)
	require.Equal(t, lending.RemedyWaitForOracle, lending.RemedyOf(quote.Err()))
}

func TestQuoteFiatOfferMissingRate(t *testing.T) {
	w := newWorld(t)
	w.addFiatOffer(lending.FiatLenderOffer{
		ID:              1,
		Lender:          otherLender,
		Currency:        "CHF",
		AmountCents:     lending.NewAmount(1_000_000),
		RemainingCents:  lending.NewAmount(1_000_000),
		CollateralAsset: weth,
		DurationDays:    90,
		Status:          lending.FiatOfferActive,
	})
	m := NewMarketplace(w.deps(false))

	quote, err := m.QuoteFiatOffer(context.Background(), nil, 1, lending.NewAmount(10_000))
	require.NoError(t, err)
	require.Equal(t, lending.RequirementPriceUnavailable, quote.Requirement.Status)
	require.ErrorIs(t, quote.Err(), lending.ErrUnavailable)
}

func TestQuoteRequest(t *testing.T) {
	w := newWorld(t)
	m := NewMarketplace(w.deps(false))
	draft := lending.LoanRequest{
		BorrowAsset:     usdc,
		CollateralAsset: weth,
		BorrowAmount:    lending.NewAmount(1_000_000_000),
		InterestRateBps: 700,
		DurationDays:    30,
	}

	quote, err := m.QuoteRequest(context.Background(), nil, draft)
	require.NoError(t, err)
	require.NoError(t, quote.Err())
	require.Equal(t, "1000000000000000000", quote.Request.CollateralAmount.String())
	require.Equal(t, signer, quote.Request.Borrower)

	draft.CollateralAmount = lending.MustAmount("999999999999999999")
	quote, err = m.QuoteRequest(context.Background(), nil, draft)
	require.NoError(t, err)
	require.False(t, quote.Sufficient)
	require.ErrorIs(t, quote.Err(), lending.ErrValidation)
}

func TestCreateRequestCachesNewRequest(t *testing.T) {
	w := newWorld(t)
	w.fund(weth, 5_000_000_000_000_000_000)
	m := NewMarketplace(w.deps(false))

	_, _, err := m.CreateRequest(context.Background(), nil, lending.LoanRequest{
		BorrowAsset:     usdc,
		CollateralAsset: weth,
		BorrowAmount:    lending.NewAmount(1_000_000_000),
		DurationDays:    30,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"approve", "createLoanRequest"}, w.methods(w.Submissions()))

	var cached lending.LoanRequest
	_, err = w.repo.Get(lending.EntityLoanRequest, "1", &cached)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", cached.CollateralAmount.String())
}

func TestCancelOfferRequiresOwnership(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	mine := ltvOffer(2)
	mine.Lender = signer
	w.addOffer(mine)
	m := NewMarketplace(w.deps(false))

	_, err := m.CancelOffer(context.Background(), nil, 1)
	require.ErrorIs(t, err, lending.ErrValidation)
	require.Empty(t, w.Simulations())

	res, err := m.CancelOffer(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Equal(t, txflow.OutcomeConfirmed, res.Outcome)

	var cached lending.LenderOffer
	_, err = w.repo.Get(lending.EntityLenderOffer, "2", &cached)
	require.NoError(t, err)
	require.Equal(t, lending.ListingCancelled, cached.Status)

	// A cancelled offer cannot be cancelled again.
	_, err = m.CancelOffer(context.Background(), nil, 2)
	require.ErrorIs(t, err, lending.ErrValidation)
}

func TestOffersListingSkipsMissingIDs(t *testing.T) {
	w := newWorld(t)
	w.addOffer(ltvOffer(1))
	w.addOffer(ltvOffer(3))
	m := NewMarketplace(w.deps(false))

	offers, snap, err := m.Offers(context.Background(), Page{})
	require.NoError(t, err)
	require.Equal(t, uint64(100), snap.Block)
	require.Len(t, offers, 2)
	require.Equal(t, uint64(3), offers[0].ID)
	require.Equal(t, uint64(1), offers[1].ID)

	offers, _, err = m.Offers(context.Background(), Page{Before: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, uint64(1), offers[0].ID)
}

func TestSessionsReplacePrevious(t *testing.T) {
	tracker := NewSessions()
	first := tracker.Open(FlowRepay, "1")
	second := tracker.Open(FlowRepay, "2")
	require.False(t, first.Active())
	require.True(t, second.Active())
	require.NotEqual(t, first.ID(), second.ID())

	current, ok := tracker.Current(FlowRepay)
	require.True(t, ok)
	require.Equal(t, second.ID(), current.ID())

	other := tracker.Open(FlowAcceptOffer, "1")
	require.True(t, second.Active())
	tracker.Close(FlowAcceptOffer)
	require.False(t, other.Active())
	require.Equal(t, txflow.StateInput, other.Step())
	require.ErrorIs(t, other.apply(func() {}), ErrSessionClosed)
}

func TestQuoteCollateralPair(t *testing.T) {
	w := newWorld(t)
	m := NewMarketplace(w.deps(true))

	quote, err := m.QuoteCollateral(context.Background(), usdc, weth, 30, lending.NewAmount(1_000_000_000))
	require.NoError(t, err)
	require.NoError(t, quote.Err())
	require.Equal(t, "1000000000000000000", quote.Requirement.Amount.String())

	w.setPrice(weth, 2000_00000000, w.Now().Add(-901*time.Second))
	quote, err = m.QuoteCollateral(context.Background(), usdc, weth, 30, lending.NewAmount(1_000_000_000))
	require.NoError(t, err)
	require.True(t, quote.Stale)
	require.Equal(t, lending.RemedyRefreshPrice, lending.RemedyOf(quote.Err()))

	_, err = m.QuoteCollateral(context.Background(), usdc, weth, 30, lending.Amount{})
	require.ErrorIs(t, err, lending.ErrValidation)
}
