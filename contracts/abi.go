package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoanMarketABI is the interface of the crypto-collateralised loan market.
const LoanMarketABI = `[
{"type":"function","name":"getLoan","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[
 {"name":"borrower","type":"address"},{"name":"lender","type":"address"},
 {"name":"borrowAsset","type":"address"},{"name":"collateralAsset","type":"address"},
 {"name":"principal","type":"uint256"},{"name":"collateralAmount","type":"uint256"},
 {"name":"amountRepaid","type":"uint256"},{"name":"interestRateBps","type":"uint256"},
 {"name":"durationDays","type":"uint256"},{"name":"startTime","type":"uint256"},
 {"name":"status","type":"uint8"}]},
{"type":"function","name":"getTotalOwed","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getLoanRequest","stateMutability":"view","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[
 {"name":"borrower","type":"address"},{"name":"borrowAsset","type":"address"},
 {"name":"collateralAsset","type":"address"},{"name":"borrowAmount","type":"uint256"},
 {"name":"collateralAmount","type":"uint256"},{"name":"interestRateBps","type":"uint256"},
 {"name":"durationDays","type":"uint256"},{"name":"expiry","type":"uint256"},
 {"name":"status","type":"uint8"}]},
{"type":"function","name":"getLenderOffer","stateMutability":"view","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[
 {"name":"lender","type":"address"},{"name":"lendAsset","type":"address"},
 {"name":"collateralAsset","type":"address"},{"name":"lendAmount","type":"uint256"},
 {"name":"remainingAmount","type":"uint256"},{"name":"minCollateral","type":"uint256"},
 {"name":"interestRateBps","type":"uint256"},{"name":"durationDays","type":"uint256"},
 {"name":"expiry","type":"uint256"},{"name":"status","type":"uint8"}]},
{"type":"function","name":"getBorrowerLoans","stateMutability":"view","inputs":[{"name":"borrower","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"nextLoanId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"nextOfferId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"nextRequestId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"repayLoan","stateMutability":"nonpayable","inputs":[{"name":"loanId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"acceptLenderOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"},{"name":"borrowAmount","type":"uint256"},{"name":"collateralAmount","type":"uint256"}],"outputs":[{"name":"loanId","type":"uint256"}]},
{"type":"function","name":"createLoanRequest","stateMutability":"nonpayable","inputs":[
 {"name":"borrowAsset","type":"address"},{"name":"borrowAmount","type":"uint256"},
 {"name":"collateralAsset","type":"address"},{"name":"collateralAmount","type":"uint256"},
 {"name":"interestRateBps","type":"uint256"},{"name":"durationDays","type":"uint256"}],"outputs":[{"name":"requestId","type":"uint256"}]},
{"type":"function","name":"cancelLoanRequest","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"cancelLenderOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"error","name":"InsufficientCollateral","inputs":[{"name":"required","type":"uint256"},{"name":"provided","type":"uint256"}]},
{"type":"error","name":"OfferNotActive","inputs":[{"name":"offerId","type":"uint256"}]},
{"type":"error","name":"OfferExpired","inputs":[{"name":"offerId","type":"uint256"}]},
{"type":"error","name":"ExceedsOfferCapacity","inputs":[{"name":"requested","type":"uint256"},{"name":"remaining","type":"uint256"}]},
{"type":"error","name":"RepaymentExceedsOwed","inputs":[{"name":"amount","type":"uint256"},{"name":"remaining","type":"uint256"}]},
{"type":"error","name":"LoanNotActive","inputs":[{"name":"loanId","type":"uint256"}]},
{"type":"error","name":"StalePrice","inputs":[{"name":"asset","type":"address"},{"name":"updatedAt","type":"uint256"}]},
{"type":"error","name":"NoLTVConfigured","inputs":[{"name":"asset","type":"address"},{"name":"durationDays","type":"uint256"}]}
]`

// FiatLoanMarketABI is the interface of the fiat-denominated loan market.
const FiatLoanMarketABI = `[
{"type":"function","name":"getFiatLenderOffer","stateMutability":"view","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[
 {"name":"lender","type":"address"},{"name":"currency","type":"string"},
 {"name":"amountCents","type":"uint256"},{"name":"remainingCents","type":"uint256"},
 {"name":"collateralAsset","type":"address"},{"name":"interestRateBps","type":"uint256"},
 {"name":"durationDays","type":"uint256"},{"name":"expiry","type":"uint256"},
 {"name":"status","type":"uint8"}]},
{"type":"function","name":"getFiatLoan","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[
 {"name":"borrower","type":"address"},{"name":"supplier","type":"address"},
 {"name":"currency","type":"string"},{"name":"principalCents","type":"uint256"},
 {"name":"collateralAsset","type":"address"},{"name":"collateralAmount","type":"uint256"},
 {"name":"amountRepaidCents","type":"uint256"},{"name":"durationDays","type":"uint256"},
 {"name":"startTime","type":"uint256"},{"name":"status","type":"uint8"}]},
{"type":"function","name":"getFiatTotalOwed","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getBorrowerFiatLoans","stateMutability":"view","inputs":[{"name":"borrower","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
{"type":"function","name":"nextFiatOfferId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"acceptFiatLenderOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"},{"name":"amountCents","type":"uint256"},{"name":"collateralAmount","type":"uint256"}],"outputs":[{"name":"loanId","type":"uint256"}]},
{"type":"function","name":"cancelFiatLenderOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"error","name":"FiatOfferNotActive","inputs":[{"name":"offerId","type":"uint256"}]},
{"type":"error","name":"StaleExchangeRate","inputs":[{"name":"currency","type":"string"},{"name":"updatedAt","type":"uint256"}]}
]`

// PriceOracleABI is the USD price feed. Prices use 8 decimals.
const PriceOracleABI = `[
{"type":"function","name":"getPrice","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"price","type":"uint256"},{"name":"updatedAt","type":"uint256"}]},
{"type":"function","name":"refreshPrice","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"}],"outputs":[]},
{"type":"error","name":"PriceFeedNotConfigured","inputs":[{"name":"asset","type":"address"}]},
{"type":"error","name":"PriceStale","inputs":[{"name":"asset","type":"address"},{"name":"updatedAt","type":"uint256"}]}
]`

// ExchangeRateOracleABI is the fiat exchange rate feed. Rates are currency
// units per USD with 8 decimals.
const ExchangeRateOracleABI = `[
{"type":"function","name":"getRate","stateMutability":"view","inputs":[{"name":"currency","type":"string"}],"outputs":[{"name":"ratePerUSD","type":"uint256"},{"name":"updatedAt","type":"uint256"}]},
{"type":"function","name":"refreshRate","stateMutability":"nonpayable","inputs":[{"name":"currency","type":"string"}],"outputs":[]},
{"type":"error","name":"RateNotConfigured","inputs":[{"name":"currency","type":"string"}]}
]`

// LTVConfigABI exposes duration-bucketed risk parameters.
const LTVConfigABI = `[
{"type":"function","name":"getLTV","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"durationDays","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getLiquidationThreshold","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"durationDays","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ERC20ABI is the subset of the token standard used by the client.
const ERC20ABI = `[
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"error","name":"ERC20InsufficientAllowance","inputs":[{"name":"spender","type":"address"},{"name":"allowance","type":"uint256"},{"name":"needed","type":"uint256"}]},
{"type":"error","name":"ERC20InsufficientBalance","inputs":[{"name":"sender","type":"address"},{"name":"balance","type":"uint256"},{"name":"needed","type":"uint256"}]}
]`

// Multicall3ABI is the aggregate3 entry point of the canonical Multicall3
// deployment.
const Multicall3ABI = `[
{"type":"function","name":"aggregate3","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[
 {"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],
 "outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]},
{"type":"function","name":"getCurrentBlockTimestamp","stateMutability":"view","inputs":[],"outputs":[{"name":"timestamp","type":"uint256"}]},
{"type":"function","name":"getBlockNumber","stateMutability":"view","inputs":[],"outputs":[{"name":"blockNumber","type":"uint256"}]}
]`

var (
	ParsedLoanMarket         = mustParse("LoanMarket", LoanMarketABI)
	ParsedFiatLoanMarket     = mustParse("FiatLoanMarket", FiatLoanMarketABI)
	ParsedPriceOracle        = mustParse("PriceOracle", PriceOracleABI)
	ParsedExchangeRateOracle = mustParse("ExchangeRateOracle", ExchangeRateOracleABI)
	ParsedLTVConfig          = mustParse("LTVConfig", LTVConfigABI)
	ParsedERC20              = mustParse("ERC20", ERC20ABI)
	ParsedMulticall3         = mustParse("Multicall3", Multicall3ABI)
)

// All returns every known contract interface. Revert decoding searches these
// for custom error selectors.
func All() []*abi.ABI {
	return []*abi.ABI{ParsedLoanMarket, ParsedFiatLoanMarket, ParsedPriceOracle, ParsedExchangeRateOracle, ParsedLTVConfig, ParsedERC20, ParsedMulticall3}
}

func mustParse(name, definition string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse %s abi: %v", name, err))
	}
	return &parsed
}
