package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/lending"
)

var (
	// ErrNotFound is returned when a getter returns the zero record for an id
	// that was never created.
	ErrNotFound = errors.New("contracts: entity not found")
	// ErrMalformed is returned when return data decodes but violates the
	// contract's own invariants.
	ErrMalformed = errors.New("contracts: malformed return data")
)

type loanOutput struct {
	Borrower         common.Address
	Lender           common.Address
	BorrowAsset      common.Address
	CollateralAsset  common.Address
	Principal        *big.Int
	CollateralAmount *big.Int
	AmountRepaid     *big.Int
	InterestRateBps  *big.Int
	DurationDays     *big.Int
	StartTime        *big.Int
	Status           uint8
}

type loanRequestOutput struct {
	Borrower         common.Address
	BorrowAsset      common.Address
	CollateralAsset  common.Address
	BorrowAmount     *big.Int
	CollateralAmount *big.Int
	InterestRateBps  *big.Int
	DurationDays     *big.Int
	Expiry           *big.Int
	Status           uint8
}

type lenderOfferOutput struct {
	Lender          common.Address
	LendAsset       common.Address
	CollateralAsset common.Address
	LendAmount      *big.Int
	RemainingAmount *big.Int
	MinCollateral   *big.Int
	InterestRateBps *big.Int
	DurationDays    *big.Int
	Expiry          *big.Int
	Status          uint8
}

type fiatOfferOutput struct {
	Lender          common.Address
	Currency        string
	AmountCents     *big.Int
	RemainingCents  *big.Int
	CollateralAsset common.Address
	InterestRateBps *big.Int
	DurationDays    *big.Int
	Expiry          *big.Int
	Status          uint8
}

type fiatLoanOutput struct {
	Borrower          common.Address
	Supplier          common.Address
	Currency          string
	PrincipalCents    *big.Int
	CollateralAsset   common.Address
	CollateralAmount  *big.Int
	AmountRepaidCents *big.Int
	DurationDays      *big.Int
	StartTime         *big.Int
	Status            uint8
}

type feedOutput struct {
	Price     *big.Int
	UpdatedAt *big.Int
}

type rateOutput struct {
	RatePerUSD *big.Int
	UpdatedAt  *big.Int
}

// decoder accumulates the first conversion error so record decoding reads
// as a flat list of field assignments.
type decoder struct {
	err error
}

func (d *decoder) amount(field string, v *big.Int) lending.Amount {
	if d.err != nil {
		return lending.Amount{}
	}
	a, err := lending.AmountFromBig(v)
	if err != nil {
		d.err = fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
	}
	return a
}

func (d *decoder) uint(field string, v *big.Int) uint64 {
	if d.err != nil || v == nil {
		return 0
	}
	if !v.IsUint64() {
		d.err = fmt.Errorf("%w: %s out of range", ErrMalformed, field)
		return 0
	}
	return v.Uint64()
}

func (d *decoder) time(field string, v *big.Int) time.Time {
	secs := d.uint(field, v)
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

func (d *decoder) status(field string, valid bool) {
	if d.err == nil && !valid {
		d.err = fmt.Errorf("%w: %s", ErrMalformed, field)
	}
}

// DecodeLoan decodes getLoan return data.
func DecodeLoan(loanID uint64, data []byte) (lending.Loan, error) {
	var out loanOutput
	if err := (LoanMarketContract{}).GetLoan(loanID).UnpackInto(&out, data); err != nil {
		return lending.Loan{}, err
	}
	if out.Borrower == (common.Address{}) {
		return lending.Loan{}, fmt.Errorf("%w: loan %d", ErrNotFound, loanID)
	}
	var d decoder
	loan := lending.Loan{
		ID:               loanID,
		Borrower:         out.Borrower,
		Lender:           out.Lender,
		BorrowAsset:      out.BorrowAsset,
		CollateralAsset:  out.CollateralAsset,
		Principal:        d.amount("principal", out.Principal),
		CollateralAmount: d.amount("collateralAmount", out.CollateralAmount),
		AmountRepaid:     d.amount("amountRepaid", out.AmountRepaid),
		InterestRateBps:  d.uint("interestRateBps", out.InterestRateBps),
		DurationDays:     d.uint("durationDays", out.DurationDays),
		StartTime:        d.time("startTime", out.StartTime),
		Status:           lending.LoanStatus(out.Status),
	}
	d.status("loan status", loan.Status.Valid())
	return loan, d.err
}

// DecodeLoanRequest decodes getLoanRequest return data.
func DecodeLoanRequest(requestID uint64, data []byte) (lending.LoanRequest, error) {
	var out loanRequestOutput
	if err := (LoanMarketContract{}).GetLoanRequest(requestID).UnpackInto(&out, data); err != nil {
		return lending.LoanRequest{}, err
	}
	if out.Borrower == (common.Address{}) {
		return lending.LoanRequest{}, fmt.Errorf("%w: request %d", ErrNotFound, requestID)
	}
	var d decoder
	req := lending.LoanRequest{
		ID:               requestID,
		Borrower:         out.Borrower,
		BorrowAsset:      out.BorrowAsset,
		CollateralAsset:  out.CollateralAsset,
		BorrowAmount:     d.amount("borrowAmount", out.BorrowAmount),
		CollateralAmount: d.amount("collateralAmount", out.CollateralAmount),
		InterestRateBps:  d.uint("interestRateBps", out.InterestRateBps),
		DurationDays:     d.uint("durationDays", out.DurationDays),
		Expiry:           d.time("expiry", out.Expiry),
		Status:           lending.ListingStatus(out.Status),
	}
	d.status("request status", req.Status.Valid())
	return req, d.err
}

// DecodeLenderOffer decodes getLenderOffer return data.
func DecodeLenderOffer(offerID uint64, data []byte) (lending.LenderOffer, error) {
	var out lenderOfferOutput
	if err := (LoanMarketContract{}).GetLenderOffer(offerID).UnpackInto(&out, data); err != nil {
		return lending.LenderOffer{}, err
	}
	if out.Lender == (common.Address{}) {
		return lending.LenderOffer{}, fmt.Errorf("%w: offer %d", ErrNotFound, offerID)
	}
	var d decoder
	offer := lending.LenderOffer{
		ID:              offerID,
		Lender:          out.Lender,
		LendAsset:       out.LendAsset,
		CollateralAsset: out.CollateralAsset,
		LendAmount:      d.amount("lendAmount", out.LendAmount),
		RemainingAmount: d.amount("remainingAmount", out.RemainingAmount),
		MinCollateral:   d.amount("minCollateral", out.MinCollateral),
		InterestRateBps: d.uint("interestRateBps", out.InterestRateBps),
		DurationDays:    d.uint("durationDays", out.DurationDays),
		Expiry:          d.time("expiry", out.Expiry),
		Status:          lending.ListingStatus(out.Status),
	}
	d.status("offer status", offer.Status.Valid())
	if d.err == nil && offer.LendAmount.Lt(offer.RemainingAmount) {
		d.err = fmt.Errorf("%w: offer %d remaining exceeds lend amount", ErrMalformed, offerID)
	}
	return offer, d.err
}

// DecodeFiatLenderOffer decodes getFiatLenderOffer return data.
func DecodeFiatLenderOffer(offerID uint64, data []byte) (lending.FiatLenderOffer, error) {
	var out fiatOfferOutput
	if err := (FiatLoanMarketContract{}).GetFiatLenderOffer(offerID).UnpackInto(&out, data); err != nil {
		return lending.FiatLenderOffer{}, err
	}
	if out.Lender == (common.Address{}) {
		return lending.FiatLenderOffer{}, fmt.Errorf("%w: fiat offer %d", ErrNotFound, offerID)
	}
	var d decoder
	offer := lending.FiatLenderOffer{
		ID:              offerID,
		Lender:          out.Lender,
		Currency:        out.Currency,
		AmountCents:     d.amount("amountCents", out.AmountCents),
		RemainingCents:  d.amount("remainingCents", out.RemainingCents),
		CollateralAsset: out.CollateralAsset,
		InterestRateBps: d.uint("interestRateBps", out.InterestRateBps),
		DurationDays:    d.uint("durationDays", out.DurationDays),
		Expiry:          d.time("expiry", out.Expiry),
		Status:          lending.FiatOfferStatus(out.Status),
	}
	d.status("fiat offer status", offer.Status.Valid())
	return offer, d.err
}

// DecodeFiatLoan decodes getFiatLoan return data.
func DecodeFiatLoan(loanID uint64, data []byte) (lending.FiatLoan, error) {
	var out fiatLoanOutput
	if err := (FiatLoanMarketContract{}).GetFiatLoan(loanID).UnpackInto(&out, data); err != nil {
		return lending.FiatLoan{}, err
	}
	if out.Borrower == (common.Address{}) {
		return lending.FiatLoan{}, fmt.Errorf("%w: fiat loan %d", ErrNotFound, loanID)
	}
	var d decoder
	loan := lending.FiatLoan{
		ID:                loanID,
		Borrower:          out.Borrower,
		Supplier:          out.Supplier,
		Currency:          out.Currency,
		PrincipalCents:    d.amount("principalCents", out.PrincipalCents),
		CollateralAsset:   out.CollateralAsset,
		CollateralAmount:  d.amount("collateralAmount", out.CollateralAmount),
		AmountRepaidCents: d.amount("amountRepaidCents", out.AmountRepaidCents),
		DurationDays:      d.uint("durationDays", out.DurationDays),
		StartTime:         d.time("startTime", out.StartTime),
		Status:            lending.FiatLoanStatus(out.Status),
	}
	d.status("fiat loan status", loan.Status.Valid())
	return loan, d.err
}

// DecodePrice decodes getPrice return data. A zero price or timestamp yields
// a quote that reports itself unavailable.
func DecodePrice(asset common.Address, data []byte) (lending.PriceQuote, error) {
	var out feedOutput
	if err := (PriceOracleContract{}).GetPrice(asset).UnpackInto(&out, data); err != nil {
		return lending.PriceQuote{}, err
	}
	var d decoder
	quote := lending.PriceQuote{
		Asset:     asset,
		Price:     d.amount("price", out.Price),
		UpdatedAt: d.time("updatedAt", out.UpdatedAt),
	}
	return quote, d.err
}

// DecodeRate decodes getRate return data.
func DecodeRate(currency string, data []byte) (lending.ExchangeRate, error) {
	var out rateOutput
	if err := (ExchangeRateOracleContract{}).GetRate(currency).UnpackInto(&out, data); err != nil {
		return lending.ExchangeRate{}, err
	}
	var d decoder
	rate := lending.ExchangeRate{
		Currency:  currency,
		PerUSD:    d.amount("ratePerUSD", out.RatePerUSD),
		UpdatedAt: d.time("updatedAt", out.UpdatedAt),
	}
	return rate, d.err
}

// DecodeAmount decodes a single uint256 return value.
func DecodeAmount(call Call, data []byte) (lending.Amount, error) {
	values, err := call.Unpack(data)
	if err != nil {
		return lending.Amount{}, err
	}
	if len(values) != 1 {
		return lending.Amount{}, fmt.Errorf("%w: %s returned %d values", ErrMalformed, call.Method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return lending.Amount{}, fmt.Errorf("%w: %s returned %T", ErrMalformed, call.Method, values[0])
	}
	return lending.AmountFromBig(v)
}

// DecodeUint decodes a single uint256 return value that must fit in 64 bits,
// such as an id counter or basis point value.
func DecodeUint(call Call, data []byte) (uint64, error) {
	a, err := DecodeAmount(call, data)
	if err != nil {
		return 0, err
	}
	b := a.Big()
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrMalformed, call.Method)
	}
	return b.Uint64(), nil
}

// DecodeIDs decodes a uint256[] return value.
func DecodeIDs(call Call, data []byte) ([]uint64, error) {
	values, err := call.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrMalformed, call.Method, len(values))
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", ErrMalformed, call.Method, values[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		if v == nil || !v.IsUint64() {
			return nil, fmt.Errorf("%w: %s id out of range", ErrMalformed, call.Method)
		}
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

// DecodeDecimals decodes an ERC-20 decimals() return value.
func DecodeDecimals(data []byte) (uint8, error) {
	values, err := (Token{}).Decimals().Unpack(data)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("%w: decimals returned %d values", ErrMalformed, len(values))
	}
	v, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals returned %T", ErrMalformed, values[0])
	}
	return v, nil
}
