package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/flows"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/txflow"
)

func (e *env) printResult(res txflow.Result) {
	switch res.Outcome {
	case txflow.OutcomeConfirmed:
		fmt.Fprintf(e.stdout, "confirmed %s in block %d\n", res.Hash.Hex(), res.Receipt.Block)
	case "":
	default:
		if res.Hash != (common.Hash{}) {
			fmt.Fprintf(e.stdout, "%s %s\n", res.Outcome, res.Hash.Hex())
		}
		if res.Revert != nil {
			fmt.Fprintf(e.stdout, "revert: %s\n", res.Revert.Text())
		}
	}
}

func (e *env) printRepayQuote(q flows.RepayQuote) {
	l := q.Loan
	st := q.State
	fmt.Fprintf(e.stdout, "loan %d: owed %s, repaid %s, remaining %s\n", l.ID,
		e.show(l.BorrowAsset, st.TotalOwed), e.show(l.BorrowAsset, st.AlreadyRepaid), e.show(l.BorrowAsset, st.Remaining))
	fmt.Fprintf(e.stdout, "wallet balance %s\n", e.show(l.BorrowAsset, q.Balance))
	fmt.Fprintf(e.stdout, "repay %s (%s): %s\n", e.show(l.BorrowAsset, st.Entered), st.Kind, st.Status)
	if q.Stale() {
		fmt.Fprintf(e.stdout, "  collateral price stale: %s\n", remedyHint(e.staleRemedy()))
	}
}

// repayAmount resolves --amount or --full against a fresh quote.
func (e *env) repayAmount(loanID uint64, wallet common.Address, raw string, full bool) (lending.Amount, error) {
	if full == (strings.TrimSpace(raw) != "") {
		return lending.Amount{}, validation("pass exactly one of --amount or --full")
	}
	quote, err := e.stack.Dashboard.QuoteRepayFor(e.ctx, nil, wallet, loanID, lending.Amount{})
	if err != nil {
		return lending.Amount{}, err
	}
	if full {
		if quote.State.Remaining.IsZero() {
			return lending.Amount{}, quote.State.Err()
		}
		return quote.State.Remaining, nil
	}
	asset, err := e.asset(quote.Loan.BorrowAsset.Hex())
	if err != nil {
		return lending.Amount{}, err
	}
	return parseUnits("amount", raw, asset.Decimals)
}

func repayFlags(name string, e *env) (*uint64, *string, *bool, *string, func([]string) error) {
	fs := newFlagSet(name, e.stderr)
	loanID := fs.Uint64("loan", 0, "loan id")
	raw := fs.String("amount", "", "repayment amount in token units")
	full := fs.Bool("full", false, "repay the full remaining balance")
	wallet := fs.String("wallet", "", "wallet to quote for (defaults to the signer)")
	return loanID, raw, full, wallet, fs.Parse
}

func runQuoteRepay(e *env, args []string) int {
	loanID, raw, full, rawWallet, parse := repayFlags("quote-repay", e)
	if err := parse(args); err != nil {
		return 2
	}
	wallet := e.stack.Node.Sender()
	if *rawWallet != "" {
		if !common.IsHexAddress(*rawWallet) {
			return fail(e.stderr, validation("--wallet is not a hex address"))
		}
		wallet = common.HexToAddress(*rawWallet)
	}
	if wallet == (common.Address{}) {
		return fail(e.stderr, validation("--wallet required without a signer"))
	}
	amount, err := e.repayAmount(*loanID, wallet, *raw, *full)
	if err != nil {
		return fail(e.stderr, err)
	}
	quote, err := e.stack.Dashboard.QuoteRepayFor(e.ctx, nil, wallet, *loanID, amount)
	if err != nil {
		return fail(e.stderr, err)
	}
	e.printRepayQuote(quote)
	if err := quote.State.Err(); err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runRepay(e *env, args []string) int {
	loanID, raw, full, _, parse := repayFlags("repay", e)
	if err := parse(args); err != nil {
		return 2
	}
	amount, err := e.repayAmount(*loanID, e.stack.Node.Sender(), *raw, *full)
	if err != nil {
		return fail(e.stderr, err)
	}
	quote, res, err := e.stack.Dashboard.Repay(e.ctx, nil, *loanID, amount)
	if quote.Loan.ID != 0 {
		e.printRepayQuote(quote)
	}
	e.printResult(res)
	if err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runAcceptOffer(e *env, args []string) int {
	fs := newFlagSet("accept-offer", e.stderr)
	offerID := fs.Uint64("offer", 0, "offer id")
	raw := fs.String("amount", "", "amount to borrow in token units")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	offer, err := e.stack.Market.Offer(e.ctx, *offerID)
	if err != nil {
		return fail(e.stderr, err)
	}
	asset, err := e.asset(offer.LendAsset.Hex())
	if err != nil {
		return fail(e.stderr, err)
	}
	amount, err := parseUnits("amount", *raw, asset.Decimals)
	if err != nil {
		return fail(e.stderr, err)
	}
	quote, res, err := e.stack.Market.AcceptOffer(e.ctx, nil, *offerID, amount)
	if quote.Requirement.Known() {
		fmt.Fprintf(e.stdout, "borrow %s, posting %s collateral\n",
			e.show(offer.LendAsset, amount), e.show(offer.CollateralAsset, quote.Requirement.Amount))
	}
	e.printResult(res)
	if err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runAcceptFiatOffer(e *env, args []string) int {
	fs := newFlagSet("accept-fiat-offer", e.stderr)
	offerID := fs.Uint64("offer", 0, "fiat offer id")
	raw := fs.String("amount", "", "amount in the offer currency, e.g. 250.00")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cents, err := parseUnits("amount", *raw, 2)
	if err != nil {
		return fail(e.stderr, err)
	}
	quote, res, err := e.stack.Market.AcceptFiatOffer(e.ctx, nil, *offerID, cents)
	if quote.Offer.ID != 0 {
		fmt.Fprintf(e.stdout, "borrow %s %s (%s), ", cents.Display(2), quote.Offer.Currency, "$"+quote.USDCents.Display(2).StringFixed(2))
		if quote.Requirement.Known() {
			fmt.Fprintf(e.stdout, "posting %s collateral\n", e.show(quote.Offer.CollateralAsset, quote.Requirement.Amount))
		} else {
			fmt.Fprintf(e.stdout, "collateral unknown (%s)\n", quote.Requirement.Status)
		}
	}
	e.printResult(res)
	if err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runCreateRequest(e *env, args []string) int {
	fs := newFlagSet("create-request", e.stderr)
	borrowRef := fs.String("borrow", "", "borrow asset")
	collateralRef := fs.String("collateral", "", "collateral asset")
	rawAmount := fs.String("amount", "", "borrow amount in token units")
	rawCollateral := fs.String("collateral-amount", "", "collateral to post in token units")
	rateBps := fs.Uint64("rate-bps", 0, "interest rate in basis points")
	duration := fs.Uint64("duration", 0, "loan duration in days")
	expiry := fs.Duration("expiry", 7*24*time.Hour, "how long the request stays open")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	borrow, err := e.asset(*borrowRef)
	if err != nil {
		return fail(e.stderr, err)
	}
	collateral, err := e.asset(*collateralRef)
	if err != nil {
		return fail(e.stderr, err)
	}
	amount, err := parseUnits("amount", *rawAmount, borrow.Decimals)
	if err != nil {
		return fail(e.stderr, err)
	}
	collateralAmount, err := parseUnits("collateral-amount", *rawCollateral, collateral.Decimals)
	if err != nil {
		return fail(e.stderr, err)
	}
	if *duration == 0 || *expiry <= 0 {
		return fail(e.stderr, validation("--duration and --expiry must be positive"))
	}
	quote, res, err := e.stack.Market.CreateRequest(e.ctx, nil, lending.LoanRequest{
		Borrower:         e.stack.Node.Sender(),
		BorrowAsset:      borrow.Address,
		CollateralAsset:  collateral.Address,
		BorrowAmount:     amount,
		CollateralAmount: collateralAmount,
		InterestRateBps:  *rateBps,
		DurationDays:     *duration,
		Expiry:           time.Now().Add(*expiry),
	})
	if quote.Requirement.Known() {
		fmt.Fprintf(e.stdout, "collateral required %s, posting %s\n",
			e.show(collateral.Address, quote.Requirement.Amount), e.show(collateral.Address, collateralAmount))
	}
	e.printResult(res)
	if err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runCancelRequest(e *env, args []string) int {
	fs := newFlagSet("cancel-request", e.stderr)
	id := fs.Uint64("id", 0, "request id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	res, err := e.stack.Market.CancelRequest(e.ctx, nil, *id)
	e.printResult(res)
	if err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runCancelOffer(e *env, args []string) int {
	fs := newFlagSet("cancel-offer", e.stderr)
	id := fs.Uint64("id", 0, "offer id")
	fiat := fs.Bool("fiat", false, "cancel a fiat offer")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cancel := e.stack.Market.CancelOffer
	if *fiat {
		cancel = e.stack.Market.CancelFiatOffer
	}
	res, err := cancel(e.ctx, nil, *id)
	e.printResult(res)
	if err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runRefreshPrice(e *env, args []string) int {
	fs := newFlagSet("refresh-price", e.stderr)
	ref := fs.String("asset", "", "asset symbol or address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	asset, err := e.asset(*ref)
	if err != nil {
		return fail(e.stderr, err)
	}
	obs, err := e.stack.Prices.Refresh(e.ctx, asset.Address)
	if errors.Is(err, pricing.ErrRefreshNotPermitted) {
		return fail(e.stderr, lending.NewFlowError(lending.KindValidation, lending.RemedyWaitForOracle,
			e.stack.Network.Name+" uses a production oracle", err))
	}
	if err != nil {
		return fail(e.stderr, err)
	}
	e.printObservation(asset.Symbol, obs)
	return 0
}

func runResume(e *env, args []string) int {
	fs := newFlagSet("resume", e.stderr)
	rawHash := fs.String("hash", "", "transaction hash to resume (defaults to every pending entry)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var hashes []common.Hash
	if *rawHash != "" {
		hashes = append(hashes, common.HexToHash(*rawHash))
	} else {
		sender := ""
		if e.stack.Writable() {
			sender = e.stack.Node.Sender().Hex()
		}
		pending, err := e.stack.Journal.Pending(e.ctx, sender)
		if err != nil {
			return fail(e.stderr, err)
		}
		for _, entry := range pending {
			fmt.Fprintf(e.stdout, "pending %s %s %s since %s\n", entry.Flow, entry.Method, entry.Hash, since(entry.CreatedAt))
			hashes = append(hashes, common.HexToHash(entry.Hash))
		}
	}
	if len(hashes) == 0 {
		fmt.Fprintln(e.stdout, "nothing pending")
		return 0
	}
	code := 0
	for _, hash := range hashes {
		res, err := e.stack.Preflight.Resume(e.ctx, hash)
		e.printResult(res)
		if err != nil {
			code = fail(e.stderr, err)
		}
	}
	return code
}
