package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/lending"
)

func id(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// LoanMarketContract builds calls against a deployed loan market.
type LoanMarketContract struct {
	Address common.Address
}

func (m LoanMarketContract) call(method string, args ...any) Call {
	return Call{To: m.Address, ABI: ParsedLoanMarket, Method: method, Args: args}
}

func (m LoanMarketContract) GetLoan(loanID uint64) Call { return m.call("getLoan", id(loanID)) }

func (m LoanMarketContract) GetTotalOwed(loanID uint64) Call {
	return m.call("getTotalOwed", id(loanID))
}

func (m LoanMarketContract) GetLoanRequest(requestID uint64) Call {
	return m.call("getLoanRequest", id(requestID))
}

func (m LoanMarketContract) GetLenderOffer(offerID uint64) Call {
	return m.call("getLenderOffer", id(offerID))
}

func (m LoanMarketContract) GetBorrowerLoans(borrower common.Address) Call {
	return m.call("getBorrowerLoans", borrower)
}

func (m LoanMarketContract) NextLoanID() Call    { return m.call("nextLoanId") }
func (m LoanMarketContract) NextOfferID() Call   { return m.call("nextOfferId") }
func (m LoanMarketContract) NextRequestID() Call { return m.call("nextRequestId") }

// RepayLoan repays amount of the loan's borrow asset.
func (m LoanMarketContract) RepayLoan(loanID uint64, amount lending.Amount) Call {
	return m.call("repayLoan", id(loanID), amount.Big())
}

// AcceptLenderOffer draws borrowAmount from an offer posting collateralAmount.
func (m LoanMarketContract) AcceptLenderOffer(offerID uint64, borrowAmount, collateralAmount lending.Amount) Call {
	return m.call("acceptLenderOffer", id(offerID), borrowAmount.Big(), collateralAmount.Big())
}

// CreateLoanRequest opens a borrow request escrowing collateralAmount.
func (m LoanMarketContract) CreateLoanRequest(req lending.LoanRequest) Call {
	return m.call("createLoanRequest",
		req.BorrowAsset, req.BorrowAmount.Big(),
		req.CollateralAsset, req.CollateralAmount.Big(),
		id(req.InterestRateBps), id(req.DurationDays))
}

func (m LoanMarketContract) CancelLoanRequest(requestID uint64) Call {
	return m.call("cancelLoanRequest", id(requestID))
}

func (m LoanMarketContract) CancelLenderOffer(offerID uint64) Call {
	return m.call("cancelLenderOffer", id(offerID))
}

// FiatLoanMarketContract builds calls against the fiat loan market.
type FiatLoanMarketContract struct {
	Address common.Address
}

func (m FiatLoanMarketContract) call(method string, args ...any) Call {
	return Call{To: m.Address, ABI: ParsedFiatLoanMarket, Method: method, Args: args}
}

func (m FiatLoanMarketContract) GetFiatLenderOffer(offerID uint64) Call {
	return m.call("getFiatLenderOffer", id(offerID))
}

func (m FiatLoanMarketContract) GetFiatLoan(loanID uint64) Call {
	return m.call("getFiatLoan", id(loanID))
}

func (m FiatLoanMarketContract) GetFiatTotalOwed(loanID uint64) Call {
	return m.call("getFiatTotalOwed", id(loanID))
}

func (m FiatLoanMarketContract) GetBorrowerFiatLoans(borrower common.Address) Call {
	return m.call("getBorrowerFiatLoans", borrower)
}

func (m FiatLoanMarketContract) NextFiatOfferID() Call { return m.call("nextFiatOfferId") }

// AcceptFiatLenderOffer draws amountCents of fiat posting collateralAmount.
func (m FiatLoanMarketContract) AcceptFiatLenderOffer(offerID uint64, amountCents, collateralAmount lending.Amount) Call {
	return m.call("acceptFiatLenderOffer", id(offerID), amountCents.Big(), collateralAmount.Big())
}

func (m FiatLoanMarketContract) CancelFiatLenderOffer(offerID uint64) Call {
	return m.call("cancelFiatLenderOffer", id(offerID))
}

// PriceOracleContract builds calls against the USD price oracle.
type PriceOracleContract struct {
	Address common.Address
}

func (o PriceOracleContract) GetPrice(asset common.Address) Call {
	return Call{To: o.Address, ABI: ParsedPriceOracle, Method: "getPrice", Args: []any{asset}}
}

// RefreshPrice is only honoured by mock oracles on test networks.
func (o PriceOracleContract) RefreshPrice(asset common.Address) Call {
	return Call{To: o.Address, ABI: ParsedPriceOracle, Method: "refreshPrice", Args: []any{asset}}
}

// ExchangeRateOracleContract builds calls against the fiat rate oracle.
type ExchangeRateOracleContract struct {
	Address common.Address
}

func (o ExchangeRateOracleContract) GetRate(currency string) Call {
	return Call{To: o.Address, ABI: ParsedExchangeRateOracle, Method: "getRate", Args: []any{currency}}
}

func (o ExchangeRateOracleContract) RefreshRate(currency string) Call {
	return Call{To: o.Address, ABI: ParsedExchangeRateOracle, Method: "refreshRate", Args: []any{currency}}
}

// LTVConfigContract builds calls against the risk parameter registry.
type LTVConfigContract struct {
	Address common.Address
}

func (c LTVConfigContract) GetLTV(asset common.Address, durationDays uint64) Call {
	return Call{To: c.Address, ABI: ParsedLTVConfig, Method: "getLTV", Args: []any{asset, id(durationDays)}}
}

func (c LTVConfigContract) GetLiquidationThreshold(asset common.Address, durationDays uint64) Call {
	return Call{To: c.Address, ABI: ParsedLTVConfig, Method: "getLiquidationThreshold", Args: []any{asset, id(durationDays)}}
}

// Token builds ERC-20 calls.
type Token struct {
	Address common.Address
}

func (t Token) call(method string, args ...any) Call {
	return Call{To: t.Address, ABI: ParsedERC20, Method: method, Args: args}
}

func (t Token) Allowance(owner, spender common.Address) Call {
	return t.call("allowance", owner, spender)
}

func (t Token) BalanceOf(account common.Address) Call { return t.call("balanceOf", account) }

func (t Token) Approve(spender common.Address, amount lending.Amount) Call {
	return t.call("approve", spender, amount.Big())
}

func (t Token) Decimals() Call { return t.call("decimals") }
func (t Token) Symbol() Call   { return t.call("symbol") }
