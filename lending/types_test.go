package lending

import (
	"testing"
	"time"
)

func TestPriceStalenessBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fresh := PriceQuote{Price: NewAmount(1), UpdatedAt: now.Add(-900 * time.Second)}
	if fresh.Stale(now) {
		t.Fatalf("quote exactly 900s old must not be stale")
	}
	stale := PriceQuote{Price: NewAmount(1), UpdatedAt: now.Add(-901 * time.Second)}
	if !stale.Stale(now) {
		t.Fatalf("quote 901s old must be stale")
	}
	if (PriceQuote{}).Stale(now) != true {
		t.Fatalf("quote without timestamp must be stale")
	}
}

func TestExchangeRateStalenessBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if (ExchangeRate{PerUSD: NewAmount(1), UpdatedAt: now.Add(-time.Hour)}).Stale(now) {
		t.Fatalf("rate exactly one hour old must not be stale")
	}
	if !(ExchangeRate{PerUSD: NewAmount(1), UpdatedAt: now.Add(-time.Hour - time.Second)}).Stale(now) {
		t.Fatalf("rate older than one hour must be stale")
	}
}

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	if !ListingPending.CanAdvanceTo(ListingFunded) || ListingFunded.CanAdvanceTo(ListingPending) {
		t.Fatalf("listing lifecycle must be forward only")
	}
	if ListingCancelled.CanAdvanceTo(ListingExpired) {
		t.Fatalf("terminal listing states must not change")
	}
	if !LoanActive.CanAdvanceTo(LoanLiquidated) || LoanRepaid.CanAdvanceTo(LoanActive) {
		t.Fatalf("loan lifecycle must be forward only")
	}
	if FiatLoanPendingSupplier.CanAdvanceTo(FiatLoanRepaid) {
		t.Fatalf("fiat loan must pass through ACTIVE")
	}
	if !FiatLoanActive.CanAdvanceTo(FiatLoanCancelled) {
		t.Fatalf("active fiat loan may be cancelled")
	}
	if !FiatOfferActive.CanAdvanceTo(FiatOfferAccepted) || FiatOfferExpired.CanAdvanceTo(FiatOfferActive) {
		t.Fatalf("fiat offer lifecycle must be forward only")
	}
	if !LoanRepaid.CanAdvanceTo(LoanRepaid) {
		t.Fatalf("re-reading the same status is allowed")
	}
}

func TestEntityCanFollow(t *testing.T) {
	loan := Loan{ID: 7, Status: LoanActive}
	if loan.CanFollow(uint8(LoanRepaid)) {
		t.Fatalf("an ACTIVE read must not follow a REPAID read")
	}
	if loan.EntityID() != "7" || loan.EntityType() != EntityLoan {
		t.Fatalf("unexpected entity key %s/%s", loan.EntityType(), loan.EntityID())
	}
}
