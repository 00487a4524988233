package lending

// RequirementStatus explains whether a collateral requirement could be computed.
type RequirementStatus uint8

const (
	RequirementKnown RequirementStatus = iota
	RequirementPriceUnavailable
	RequirementNoTerms
	RequirementInvalidTerms
	RequirementOverflow
)

func (s RequirementStatus) String() string {
	switch s {
	case RequirementKnown:
		return "known"
	case RequirementPriceUnavailable:
		return "price_unavailable"
	case RequirementNoTerms:
		return "no_terms"
	case RequirementInvalidTerms:
		return "invalid_terms"
	case RequirementOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// CollateralInput carries everything the collateral formula depends on.
// Prices are 8-decimal USD values; a zero price means the feed is unavailable.
type CollateralInput struct {
	BorrowAmount       Amount
	BorrowPrice        Amount
	CollateralPrice    Amount
	LTVBps             uint64
	BorrowDecimals     uint8
	CollateralDecimals uint8
}

// CollateralRequirement is a derived value and must be recomputed whenever a
// price or the borrow amount changes. Amount is meaningful only when Known.
type CollateralRequirement struct {
	Status RequirementStatus
	// Amount is the collateral to post in the collateral asset's smallest unit.
	Amount Amount
	// ValueUSD is the required collateral value on the 8-decimal USD scale.
	ValueUSD Amount
}

// Known reports whether the requirement was computed. Callers must check this
// before treating Amount as meaningful; an unknown requirement is never zero
// collateral.
func (r CollateralRequirement) Known() bool {
	return r.Status == RequirementKnown
}

// ValueUSDDisplay returns the required collateral value for presentation.
func (r CollateralRequirement) ValueUSDDisplay() DisplayValue {
	return r.ValueUSD.Display(PriceDecimals)
}

// Err converts an unknown requirement into a FlowError.
func (r CollateralRequirement) Err() error {
	switch r.Status {
	case RequirementKnown:
		return nil
	case RequirementPriceUnavailable:
		return NewFlowError(KindUnavailable, RemedyNone, "price feed unavailable for borrow or collateral asset", nil)
	case RequirementNoTerms:
		return NewFlowError(KindUnavailable, RemedyNone, "no loan terms available for this collateral and duration", nil)
	case RequirementInvalidTerms:
		return NewFlowError(KindUnavailable, RemedyNone, "loan terms are misconfigured", nil)
	default:
		return NewFlowError(KindValidation, RemedyReduceAmount, "amount too large to evaluate", nil)
	}
}

func checkTerms(in CollateralInput) RequirementStatus {
	if in.LTVBps == 0 {
		return RequirementNoTerms
	}
	if in.LTVBps > BasisPointsDenominator {
		return RequirementInvalidTerms
	}
	if in.BorrowPrice.IsZero() || in.CollateralPrice.IsZero() {
		return RequirementPriceUnavailable
	}
	return RequirementKnown
}

// RequiredCollateral computes
//
//	floor(borrowAmount * borrowPrice * 10000 * 10^collateralDecimals /
//	      (ltvBps * collateralPrice * 10^borrowDecimals))
//
// in one division so the result is the floor of the exact rational value, the
// same rounding the market contract applies.
func RequiredCollateral(in CollateralInput) CollateralRequirement {
	if status := checkTerms(in); status != RequirementKnown {
		return CollateralRequirement{Status: status}
	}
	overflow := CollateralRequirement{Status: RequirementOverflow}

	collateralScale, ok := pow10(in.CollateralDecimals)
	if !ok {
		return overflow
	}
	borrowScale, ok := pow10(in.BorrowDecimals)
	if !ok {
		return overflow
	}
	borrowValue, ok := mulChecked(in.BorrowAmount, in.BorrowPrice)
	if !ok {
		return overflow
	}
	numeratorScale, ok := mulChecked(NewAmount(BasisPointsDenominator), collateralScale)
	if !ok {
		return overflow
	}
	denominator, ok := mulChecked(NewAmount(in.LTVBps), in.CollateralPrice)
	if !ok {
		return overflow
	}
	denominator, ok = mulChecked(denominator, borrowScale)
	if !ok {
		return overflow
	}
	required, ok := borrowValue.MulDivFloor(numeratorScale, denominator)
	if !ok {
		return overflow
	}

	valueUSD, ok := borrowValue.MulDivFloor(NewAmount(BasisPointsDenominator), NewAmount(in.LTVBps))
	if !ok {
		return overflow
	}
	valueUSD, ok = valueUSD.MulDivFloor(NewAmount(1), borrowScale)
	if !ok {
		return overflow
	}
	return CollateralRequirement{Status: RequirementKnown, Amount: required, ValueUSD: valueUSD}
}

// CollateralSufficient applies the market contract's acceptance check: posted
// collateral must be at least the requirement computed from the same inputs.
// The second return is false when the requirement is unknown.
func CollateralSufficient(posted Amount, in CollateralInput) (bool, bool) {
	req := RequiredCollateral(in)
	if !req.Known() {
		return false, false
	}
	return posted.Gte(req.Amount), true
}

// ProportionalCollateral scales a fixed-collateral offer to a partial draw:
// floor(offerMinCollateral * desiredBorrow / offerFullLend).
func ProportionalCollateral(offerMinCollateral, desiredBorrow, offerFullLend Amount) CollateralRequirement {
	if offerFullLend.IsZero() {
		return CollateralRequirement{Status: RequirementInvalidTerms}
	}
	required, ok := offerMinCollateral.MulDivFloor(desiredBorrow, offerFullLend)
	if !ok {
		return CollateralRequirement{Status: RequirementOverflow}
	}
	return CollateralRequirement{Status: RequirementKnown, Amount: required}
}

// MaxBorrowable is the inverse of RequiredCollateral: the largest borrow amount
// the posted collateral supports at the given LTV, floored. The input's
// BorrowAmount is ignored.
func MaxBorrowable(collateral Amount, in CollateralInput) (Amount, RequirementStatus) {
	if status := checkTerms(in); status != RequirementKnown {
		return Amount{}, status
	}
	collateralScale, ok := pow10(in.CollateralDecimals)
	if !ok {
		return Amount{}, RequirementOverflow
	}
	borrowScale, ok := pow10(in.BorrowDecimals)
	if !ok {
		return Amount{}, RequirementOverflow
	}
	collateralValue, ok := mulChecked(collateral, in.CollateralPrice)
	if !ok {
		return Amount{}, RequirementOverflow
	}
	numeratorScale, ok := mulChecked(NewAmount(in.LTVBps), borrowScale)
	if !ok {
		return Amount{}, RequirementOverflow
	}
	denominator, ok := mulChecked(in.BorrowPrice, NewAmount(BasisPointsDenominator))
	if !ok {
		return Amount{}, RequirementOverflow
	}
	denominator, ok = mulChecked(denominator, collateralScale)
	if !ok {
		return Amount{}, RequirementOverflow
	}
	out, ok := collateralValue.MulDivFloor(numeratorScale, denominator)
	if !ok {
		return Amount{}, RequirementOverflow
	}
	return out, RequirementKnown
}

// FiatBorrowInput expresses a fiat principal, already converted to USD cents,
// in CollateralInput form: USD cents are a 2-decimal asset priced at 1 USD.
func FiatBorrowInput(usdCents, collateralPrice Amount, ltvBps uint64, collateralDecimals uint8) CollateralInput {
	return CollateralInput{
		BorrowAmount:       usdCents,
		BorrowPrice:        NewAmount(100_000_000),
		CollateralPrice:    collateralPrice,
		LTVBps:             ltvBps,
		BorrowDecimals:     2,
		CollateralDecimals: collateralDecimals,
	}
}
