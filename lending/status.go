package lending

import "fmt"

// ListingStatus tracks LoanRequest and LenderOffer lifecycles:
// PENDING -> {FUNDED, CANCELLED, EXPIRED}.
type ListingStatus uint8

const (
	ListingPending ListingStatus = iota
	ListingFunded
	ListingCancelled
	ListingExpired
)

func (s ListingStatus) String() string {
	switch s {
	case ListingPending:
		return "PENDING"
	case ListingFunded:
		return "FUNDED"
	case ListingCancelled:
		return "CANCELLED"
	case ListingExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("ListingStatus(%d)", uint8(s))
	}
}

// Valid reports whether the value is a known status.
func (s ListingStatus) Valid() bool { return s <= ListingExpired }

// Terminal reports whether no further transitions are possible.
func (s ListingStatus) Terminal() bool { return s != ListingPending && s.Valid() }

// CanAdvanceTo reports whether next is reachable from s. Repeating the same
// status is allowed; moving backwards is not.
func (s ListingStatus) CanAdvanceTo(next ListingStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return s == ListingPending
}

// LoanStatus tracks crypto Loan lifecycles: ACTIVE -> {REPAID, LIQUIDATED, DEFAULTED}.
type LoanStatus uint8

const (
	LoanActive LoanStatus = iota
	LoanRepaid
	LoanLiquidated
	LoanDefaulted
)

func (s LoanStatus) String() string {
	switch s {
	case LoanActive:
		return "ACTIVE"
	case LoanRepaid:
		return "REPAID"
	case LoanLiquidated:
		return "LIQUIDATED"
	case LoanDefaulted:
		return "DEFAULTED"
	default:
		return fmt.Sprintf("LoanStatus(%d)", uint8(s))
	}
}

func (s LoanStatus) Valid() bool    { return s <= LoanDefaulted }
func (s LoanStatus) Terminal() bool { return s != LoanActive && s.Valid() }

func (s LoanStatus) CanAdvanceTo(next LoanStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return s == LoanActive
}

// FiatLoanStatus tracks fiat loans:
// PENDING_SUPPLIER -> ACTIVE -> {REPAID, LIQUIDATED, CANCELLED}.
type FiatLoanStatus uint8

const (
	FiatLoanPendingSupplier FiatLoanStatus = iota
	FiatLoanActive
	FiatLoanRepaid
	FiatLoanLiquidated
	FiatLoanCancelled
)

func (s FiatLoanStatus) String() string {
	switch s {
	case FiatLoanPendingSupplier:
		return "PENDING_SUPPLIER"
	case FiatLoanActive:
		return "ACTIVE"
	case FiatLoanRepaid:
		return "REPAID"
	case FiatLoanLiquidated:
		return "LIQUIDATED"
	case FiatLoanCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("FiatLoanStatus(%d)", uint8(s))
	}
}

func (s FiatLoanStatus) Valid() bool { return s <= FiatLoanCancelled }
func (s FiatLoanStatus) Terminal() bool {
	return s.Valid() && s != FiatLoanPendingSupplier && s != FiatLoanActive
}

func (s FiatLoanStatus) CanAdvanceTo(next FiatLoanStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case FiatLoanPendingSupplier:
		// The supplier funding step is the only way into the later states.
		return next == FiatLoanActive
	case FiatLoanActive:
		return next == FiatLoanRepaid || next == FiatLoanLiquidated || next == FiatLoanCancelled
	default:
		return false
	}
}

// FiatOfferStatus tracks fiat lender offers: ACTIVE -> {ACCEPTED, CANCELLED, EXPIRED}.
type FiatOfferStatus uint8

const (
	FiatOfferActive FiatOfferStatus = iota
	FiatOfferAccepted
	FiatOfferCancelled
	FiatOfferExpired
)

func (s FiatOfferStatus) String() string {
	switch s {
	case FiatOfferActive:
		return "ACTIVE"
	case FiatOfferAccepted:
		return "ACCEPTED"
	case FiatOfferCancelled:
		return "CANCELLED"
	case FiatOfferExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("FiatOfferStatus(%d)", uint8(s))
	}
}

func (s FiatOfferStatus) Valid() bool    { return s <= FiatOfferExpired }
func (s FiatOfferStatus) Terminal() bool { return s != FiatOfferActive && s.Valid() }

func (s FiatOfferStatus) CanAdvanceTo(next FiatOfferStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	return s == FiatOfferActive
}
