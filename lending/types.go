package lending

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// PriceStalenessThreshold is the maximum age of a price quote before it is
	// considered stale.
	PriceStalenessThreshold = 15 * time.Minute
	// RateStalenessThreshold is the maximum age of a fiat exchange rate.
	RateStalenessThreshold = time.Hour
)

// AssetClass distinguishes on-chain tokens from fiat currencies.
type AssetClass string

const (
	AssetCrypto AssetClass = "crypto"
	AssetFiat   AssetClass = "fiat"
)

// Asset is immutable reference data loaded once per network. Fiat assets are
// identified by Symbol (ISO currency code) and carry a zero Address.
type Asset struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Class    AssetClass     `json:"class"`
}

// Key returns the identifier used for cache keys and lookups.
func (a Asset) Key() string {
	if a.Class == AssetFiat {
		return strings.ToUpper(a.Symbol)
	}
	return strings.ToLower(a.Address.Hex())
}

// PriceQuote is the latest oracle observation for an asset. Price uses an
// 8-decimal USD scale; a zero Price means no price is available.
type PriceQuote struct {
	Asset     common.Address `json:"asset"`
	Price     Amount         `json:"price"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Available reports whether the quote carries a usable price.
func (q PriceQuote) Available() bool {
	return !q.Price.IsZero() && !q.UpdatedAt.IsZero()
}

// Age returns how old the quote is relative to now. Future timestamps report zero.
func (q PriceQuote) Age(now time.Time) time.Duration {
	if q.UpdatedAt.IsZero() {
		return 0
	}
	if now.Before(q.UpdatedAt) {
		return 0
	}
	return now.Sub(q.UpdatedAt)
}

// Stale reports whether now - UpdatedAt exceeds the 15 minute threshold. A quote
// exactly at the threshold is still fresh.
func (q PriceQuote) Stale(now time.Time) bool {
	return isStale(q.UpdatedAt, now, PriceStalenessThreshold)
}

// ExchangeRate is the number of currency units per USD on an 8-decimal scale.
type ExchangeRate struct {
	Currency  string    `json:"currency"`
	PerUSD    Amount    `json:"perUsd"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available reports whether the rate carries a usable value.
func (r ExchangeRate) Available() bool {
	return !r.PerUSD.IsZero() && !r.UpdatedAt.IsZero()
}

// Stale reports whether the rate is older than one hour.
func (r ExchangeRate) Stale(now time.Time) bool {
	return isStale(r.UpdatedAt, now, RateStalenessThreshold)
}

func isStale(updatedAt, now time.Time, threshold time.Duration) bool {
	if updatedAt.IsZero() {
		return true
	}
	// Compare whole seconds: on-chain timestamps have second resolution.
	age := now.Unix() - updatedAt.Unix()
	return age > int64(threshold/time.Second)
}

// LTVTerms are the duration-bucketed risk parameters for a collateral asset.
type LTVTerms struct {
	Asset                   common.Address `json:"asset"`
	DurationDays            uint64         `json:"durationDays"`
	MaxLTVBps               uint64         `json:"maxLtvBps"`
	LiquidationThresholdBps uint64         `json:"liquidationThresholdBps"`
}

// EntityType names a contract-owned entity family in the read-through cache.
type EntityType string

const (
	EntityLoanRequest     EntityType = "loan_request"
	EntityLenderOffer     EntityType = "lender_offer"
	EntityLoan            EntityType = "loan"
	EntityFiatLoan        EntityType = "fiat_loan"
	EntityFiatLenderOffer EntityType = "fiat_lender_offer"
	EntityPriceQuote      EntityType = "price_quote"
	EntityExchangeRate    EntityType = "exchange_rate"
)

// Entity is implemented by every contract-owned value that can be cached.
// StatusCode and CanFollow let the cache refuse reads that would move a
// lifecycle backwards.
type Entity interface {
	EntityType() EntityType
	EntityID() string
	StatusCode() uint8
	CanFollow(previous uint8) bool
}

// LoanRequest is a borrower's open request for funding.
type LoanRequest struct {
	ID               uint64         `json:"id"`
	Borrower         common.Address `json:"borrower"`
	BorrowAsset      common.Address `json:"borrowAsset"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	BorrowAmount     Amount         `json:"borrowAmount"`
	CollateralAmount Amount         `json:"collateralAmount"`
	InterestRateBps  uint64         `json:"interestRateBps"`
	DurationDays     uint64         `json:"durationDays"`
	Expiry           time.Time      `json:"expiry"`
	Status           ListingStatus  `json:"status"`
}

func (r LoanRequest) EntityType() EntityType { return EntityLoanRequest }
func (r LoanRequest) EntityID() string       { return strconv.FormatUint(r.ID, 10) }
func (r LoanRequest) StatusCode() uint8      { return uint8(r.Status) }
func (r LoanRequest) CanFollow(previous uint8) bool {
	return ListingStatus(previous).CanAdvanceTo(r.Status)
}

// LenderOffer is a lender's standing offer. When MinCollateral is non-zero the
// offer fixes the collateral for its full LendAmount and partial draws scale it
// proportionally; otherwise collateral follows the LTV schedule.
type LenderOffer struct {
	ID              uint64         `json:"id"`
	Lender          common.Address `json:"lender"`
	LendAsset       common.Address `json:"lendAsset"`
	CollateralAsset common.Address `json:"collateralAsset"`
	LendAmount      Amount         `json:"lendAmount"`
	RemainingAmount Amount         `json:"remainingAmount"`
	MinCollateral   Amount         `json:"minCollateral"`
	InterestRateBps uint64         `json:"interestRateBps"`
	DurationDays    uint64         `json:"durationDays"`
	Expiry          time.Time      `json:"expiry"`
	Status          ListingStatus  `json:"status"`
}

// FixedCollateral reports whether the offer prescribes its own collateral ratio.
func (o LenderOffer) FixedCollateral() bool { return !o.MinCollateral.IsZero() }

// Expired reports whether the offer expiry has passed.
func (o LenderOffer) Expired(now time.Time) bool {
	return !o.Expiry.IsZero() && !now.Before(o.Expiry)
}

func (o LenderOffer) EntityType() EntityType { return EntityLenderOffer }
func (o LenderOffer) EntityID() string       { return strconv.FormatUint(o.ID, 10) }
func (o LenderOffer) StatusCode() uint8      { return uint8(o.Status) }
func (o LenderOffer) CanFollow(previous uint8) bool {
	return ListingStatus(previous).CanAdvanceTo(o.Status)
}

// Loan is an active or settled crypto-denominated loan.
type Loan struct {
	ID               uint64         `json:"id"`
	Borrower         common.Address `json:"borrower"`
	Lender           common.Address `json:"lender"`
	BorrowAsset      common.Address `json:"borrowAsset"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	Principal        Amount         `json:"principal"`
	CollateralAmount Amount         `json:"collateralAmount"`
	AmountRepaid     Amount         `json:"amountRepaid"`
	InterestRateBps  uint64         `json:"interestRateBps"`
	DurationDays     uint64         `json:"durationDays"`
	StartTime        time.Time      `json:"startTime"`
	Status           LoanStatus     `json:"status"`
}

func (l Loan) EntityType() EntityType { return EntityLoan }
func (l Loan) EntityID() string       { return strconv.FormatUint(l.ID, 10) }
func (l Loan) StatusCode() uint8      { return uint8(l.Status) }
func (l Loan) CanFollow(previous uint8) bool {
	return LoanStatus(previous).CanAdvanceTo(l.Status)
}

// FiatLenderOffer is an offer to lend fiat against on-chain collateral.
// Amounts are in currency cents.
type FiatLenderOffer struct {
	ID              uint64          `json:"id"`
	Lender          common.Address  `json:"lender"`
	Currency        string          `json:"currency"`
	AmountCents     Amount          `json:"amountCents"`
	RemainingCents  Amount          `json:"remainingCents"`
	CollateralAsset common.Address  `json:"collateralAsset"`
	InterestRateBps uint64          `json:"interestRateBps"`
	DurationDays    uint64          `json:"durationDays"`
	Expiry          time.Time       `json:"expiry"`
	Status          FiatOfferStatus `json:"status"`
}

// Expired reports whether the offer expiry has passed.
func (o FiatLenderOffer) Expired(now time.Time) bool {
	return !o.Expiry.IsZero() && !now.Before(o.Expiry)
}

func (o FiatLenderOffer) EntityType() EntityType { return EntityFiatLenderOffer }
func (o FiatLenderOffer) EntityID() string       { return strconv.FormatUint(o.ID, 10) }
func (o FiatLenderOffer) StatusCode() uint8      { return uint8(o.Status) }
func (o FiatLenderOffer) CanFollow(previous uint8) bool {
	return FiatOfferStatus(previous).CanAdvanceTo(o.Status)
}

// FiatLoan is a fiat-denominated loan collateralised on-chain.
type FiatLoan struct {
	ID                uint64         `json:"id"`
	Borrower          common.Address `json:"borrower"`
	Supplier          common.Address `json:"supplier"`
	Currency          string         `json:"currency"`
	PrincipalCents    Amount         `json:"principalCents"`
	CollateralAsset   common.Address `json:"collateralAsset"`
	CollateralAmount  Amount         `json:"collateralAmount"`
	AmountRepaidCents Amount         `json:"amountRepaidCents"`
	DurationDays      uint64         `json:"durationDays"`
	StartTime         time.Time      `json:"startTime"`
	Status            FiatLoanStatus `json:"status"`
}

func (l FiatLoan) EntityType() EntityType { return EntityFiatLoan }
func (l FiatLoan) EntityID() string       { return strconv.FormatUint(l.ID, 10) }
func (l FiatLoan) StatusCode() uint8      { return uint8(l.Status) }
func (l FiatLoan) CanFollow(previous uint8) bool {
	return FiatLoanStatus(previous).CanAdvanceTo(l.Status)
}

func (q PriceQuote) EntityType() EntityType { return EntityPriceQuote }
func (q PriceQuote) EntityID() string       { return strings.ToLower(q.Asset.Hex()) }
func (q PriceQuote) StatusCode() uint8      { return 0 }
func (q PriceQuote) CanFollow(uint8) bool   { return true }

func (r ExchangeRate) EntityType() EntityType { return EntityExchangeRate }
func (r ExchangeRate) EntityID() string       { return strings.ToUpper(r.Currency) }
func (r ExchangeRate) StatusCode() uint8      { return 0 }
func (r ExchangeRate) CanFollow(uint8) bool   { return true }
