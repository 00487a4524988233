package lending

// Freshness describes the state of the price feed backing a repayment.
type Freshness uint8

const (
	FreshnessFresh Freshness = iota
	FreshnessStale
	FreshnessUnavailable
)

// RepaymentKind classifies a repayment against the remaining balance.
type RepaymentKind uint8

const (
	RepaymentNone RepaymentKind = iota
	RepaymentFull
	RepaymentPartial
)

func (k RepaymentKind) String() string {
	switch k {
	case RepaymentFull:
		return "full"
	case RepaymentPartial:
		return "partial"
	default:
		return "none"
	}
}

// RepaymentStatus is the gating decision for the submit action.
type RepaymentStatus uint8

const (
	RepayReady RepaymentStatus = iota
	RepayNoBalance
	RepayNothingOwed
	RepayInvalidAmount
	RepayExceedsRemaining
	RepayInsufficientBalance
	RepayStalePrice
	RepayPriceUnavailable
)

func (s RepaymentStatus) String() string {
	switch s {
	case RepayReady:
		return "ready"
	case RepayNoBalance:
		return "no_balance"
	case RepayNothingOwed:
		return "nothing_owed"
	case RepayInvalidAmount:
		return "invalid_amount"
	case RepayExceedsRemaining:
		return "exceeds_remaining"
	case RepayInsufficientBalance:
		return "insufficient_balance"
	case RepayStalePrice:
		return "stale_price"
	case RepayPriceUnavailable:
		return "price_unavailable"
	default:
		return "unknown"
	}
}

// RepaymentInput is read fresh for every evaluation. TotalOwed must come from
// the contract; interest is never recomputed locally.
type RepaymentInput struct {
	TotalOwed     Amount
	AlreadyRepaid Amount
	Entered       Amount
	WalletBalance Amount
	Price         Freshness
	// RefreshAllowed selects RemedyRefreshPrice over RemedyWaitForOracle when
	// a partial repayment is blocked by a stale price.
	RefreshAllowed bool
}

// RepaymentState is derived and lives only as long as the flow that computed it.
type RepaymentState struct {
	TotalOwed            Amount
	AlreadyRepaid        Amount
	Remaining            Amount
	Entered              Amount
	Kind                 RepaymentKind
	IsPartial            bool
	HasSufficientBalance bool
	Status               RepaymentStatus
	Remedy               Remedy
}

// RemainingOwed returns max(0, totalOwed - alreadyRepaid).
func RemainingOwed(totalOwed, alreadyRepaid Amount) Amount {
	return totalOwed.SubFloor(alreadyRepaid)
}

// ReconcileRepayment derives the repayment state and submit gate. A zero wallet
// balance short-circuits before any amount validation. Partial repayments
// need a fresh price because the contract releases collateral proportionally
// at the current price; full repayments release everything and do not.
func ReconcileRepayment(in RepaymentInput) RepaymentState {
	state := RepaymentState{
		TotalOwed:            in.TotalOwed,
		AlreadyRepaid:        in.AlreadyRepaid,
		Remaining:            RemainingOwed(in.TotalOwed, in.AlreadyRepaid),
		Entered:              in.Entered,
		HasSufficientBalance: in.WalletBalance.Gte(in.Entered),
	}
	if in.WalletBalance.IsZero() {
		state.Status = RepayNoBalance
		state.Remedy = RemedyTopUpBalance
		return state
	}
	if state.Remaining.IsZero() {
		state.Status = RepayNothingOwed
		return state
	}
	if in.Entered.IsZero() {
		state.Status = RepayInvalidAmount
		return state
	}
	if state.Remaining.Lt(in.Entered) {
		state.Status = RepayExceedsRemaining
		state.Remedy = RemedyReduceAmount
		return state
	}

	state.IsPartial = in.Entered.Lt(state.Remaining)
	if state.IsPartial {
		state.Kind = RepaymentPartial
	} else {
		state.Kind = RepaymentFull
	}

	if !state.HasSufficientBalance {
		state.Status = RepayInsufficientBalance
		state.Remedy = RemedyTopUpBalance
		return state
	}
	if state.IsPartial {
		switch in.Price {
		case FreshnessStale:
			state.Status = RepayStalePrice
			state.Remedy = RemedyWaitForOracle
			if in.RefreshAllowed {
				state.Remedy = RemedyRefreshPrice
			}
			return state
		case FreshnessUnavailable:
			state.Status = RepayPriceUnavailable
			return state
		}
	}
	state.Status = RepayReady
	return state
}

// CanSubmit reports whether the repayment may proceed to preflight.
func (s RepaymentState) CanSubmit() bool {
	return s.Status == RepayReady
}

// Err returns the blocking error for the state, or nil when ready.
func (s RepaymentState) Err() error {
	switch s.Status {
	case RepayReady:
		return nil
	case RepayNoBalance:
		return NewFlowError(KindValidation, s.Remedy, "wallet holds no balance of the repayment asset", nil)
	case RepayNothingOwed:
		return NewFlowError(KindValidation, RemedyNone, "loan has nothing left to repay", nil)
	case RepayInvalidAmount:
		return NewFlowError(KindValidation, RemedyNone, "repayment amount must be greater than zero", nil)
	case RepayExceedsRemaining:
		return NewFlowError(KindValidation, s.Remedy, "repayment amount exceeds remaining balance "+s.Remaining.String(), nil)
	case RepayInsufficientBalance:
		return NewFlowError(KindValidation, s.Remedy, "wallet balance is below the repayment amount", nil)
	case RepayStalePrice:
		return NewFlowError(KindStale, s.Remedy, "partial repayment requires a fresh collateral price", nil)
	case RepayPriceUnavailable:
		return NewFlowError(KindUnavailable, RemedyNone, "collateral price unavailable; repay in full or try later", nil)
	default:
		return NewFlowError(KindValidation, RemedyNone, "repayment state unknown", nil)
	}
}
