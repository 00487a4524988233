package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/contracts"
	"lendclient/flows"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/terms"
)

// asset resolves a symbol or address, reading decimals from chain for
// tokens missing from the network table.
func (e *env) asset(ref string) (lending.Asset, error) {
	if strings.TrimSpace(ref) == "" {
		return lending.Asset{}, validation("asset required")
	}
	asset, ok := e.stack.Network.Token(ref)
	if ok {
		return asset, nil
	}
	if asset.Address == (common.Address{}) {
		return lending.Asset{}, validation(fmt.Sprintf("unknown asset %q on %s", ref, e.stack.Network.Name))
	}
	data, _, err := e.stack.Node.Read(e.ctx, contracts.Token{Address: asset.Address}.Decimals())
	if err != nil {
		return lending.Asset{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "decimals read failed", err)
	}
	if asset.Decimals, err = contracts.DecodeDecimals(data); err != nil {
		return lending.Asset{}, err
	}
	asset.Symbol = asset.Address.Hex()
	return asset, nil
}

func (e *env) symbol(addr common.Address) (string, uint8) {
	if asset, ok := e.stack.Network.TokenTable()[addr]; ok {
		return asset.Symbol, asset.Decimals
	}
	return addr.Hex(), 0
}

// show renders a base-unit amount with its token symbol.
func (e *env) show(token common.Address, a lending.Amount) string {
	sym, dec := e.symbol(token)
	if dec == 0 && sym == token.Hex() {
		return a.String() + " " + sym
	}
	return a.Display(dec).String() + " " + sym
}

func validation(reason string) error {
	return lending.NewFlowError(lending.KindValidation, lending.RemedyNone, reason, nil)
}

func parseUnits(flag, raw string, decimals uint8) (lending.Amount, error) {
	if strings.TrimSpace(raw) == "" {
		return lending.Amount{}, validation("--" + flag + " required")
	}
	a, err := lending.ParseUnits(raw, decimals)
	if err != nil {
		return lending.Amount{}, validation(fmt.Sprintf("--%s: %v", flag, err))
	}
	return a, nil
}

func usd(a lending.Amount) string {
	return "$" + a.Display(lending.PriceDecimals).StringFixed(2)
}

func (e *env) staleRemedy() lending.Remedy {
	if e.stack.Prices.RefreshPermitted() {
		return lending.RemedyRefreshPrice
	}
	return lending.RemedyWaitForOracle
}

func (e *env) printObservation(label string, obs pricing.Observation) {
	fmt.Fprintf(e.stdout, "%s: $%s (%s, updated %s, age %ds, block %d)\n", label,
		obs.Quote.Price.Display(lending.PriceDecimals).String(), obs.Status, since(obs.Quote.UpdatedAt), obs.AgeSeconds, obs.Snapshot.Block)
	if obs.Status == pricing.PriceStatusStale {
		fmt.Fprintf(e.stdout, "  stale: %s\n", remedyHint(e.staleRemedy()))
	}
}

func runPrice(e *env, args []string) int {
	fs := newFlagSet("price", e.stderr)
	ref := fs.String("asset", "", "asset symbol or address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	asset, err := e.asset(*ref)
	if err != nil {
		return fail(e.stderr, err)
	}
	obs, err := e.stack.Prices.Price(e.ctx, asset.Address)
	if err != nil {
		return fail(e.stderr, err)
	}
	e.printObservation(asset.Symbol, obs)
	return 0
}

func runRate(e *env, args []string) int {
	fs := newFlagSet("rate", e.stderr)
	currency := fs.String("currency", "", "ISO currency code")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if e.stack.Rates == nil {
		return fail(e.stderr, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
			"no exchange rate oracle configured on "+e.stack.Network.Name, pricing.ErrRateUnavailable))
	}
	obs, err := e.stack.Rates.Rate(e.ctx, strings.ToUpper(strings.TrimSpace(*currency)))
	if err != nil {
		return fail(e.stderr, err)
	}
	fmt.Fprintf(e.stdout, "%s per USD: %s (%s, updated %s, block %d)\n", obs.Rate.Currency,
		obs.Rate.PerUSD.Display(lending.PriceDecimals).String(), obs.Status, since(obs.Rate.UpdatedAt), obs.Snapshot.Block)
	if !obs.Fresh() {
		fmt.Fprintf(e.stdout, "  stale: %s\n", remedyHint(lending.RemedyWaitForOracle))
	}
	return 0
}

func runTerms(e *env, args []string) int {
	fs := newFlagSet("terms", e.stderr)
	ref := fs.String("asset", "", "collateral asset")
	duration := fs.Uint64("duration", 0, "loan duration in days")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	asset, err := e.asset(*ref)
	if err != nil {
		return fail(e.stderr, err)
	}
	if *duration == 0 {
		return fail(e.stderr, validation("--duration must be positive"))
	}
	t, err := e.stack.Terms.Terms(e.ctx, asset.Address, *duration)
	switch {
	case errors.Is(err, terms.ErrNoTerms):
		fmt.Fprintf(e.stdout, "%s for %d days: no terms configured\n", asset.Symbol, *duration)
		return 0
	case err != nil:
		return fail(e.stderr, err)
	}
	fmt.Fprintf(e.stdout, "%s for %d days: max LTV %s%%, liquidation at %s%%\n", asset.Symbol, *duration,
		bps(t.MaxLTVBps), bps(t.LiquidationThresholdBps))
	return 0
}

func bps(v uint64) string {
	return lending.NewAmount(v).Display(2).String()
}

func runQuoteCollateral(e *env, args []string) int {
	fs := newFlagSet("quote-collateral", e.stderr)
	borrowRef := fs.String("borrow", "", "borrow asset")
	collateralRef := fs.String("collateral", "", "collateral asset")
	duration := fs.Uint64("duration", 0, "loan duration in days")
	rawAmount := fs.String("amount", "", "borrow amount in token units")
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
	if *duration == 0 {
		return fail(e.stderr, validation("--duration must be positive"))
	}
	amount, err := parseUnits("amount", *rawAmount, borrow.Decimals)
	if err != nil {
		return fail(e.stderr, err)
	}
	quote, err := e.stack.Market.QuoteCollateral(e.ctx, borrow.Address, collateral.Address, *duration, amount)
	if err != nil {
		return fail(e.stderr, err)
	}
	fmt.Fprintf(e.stdout, "borrow %s against %s for %d days (max LTV %s%%)\n",
		e.show(borrow.Address, amount), collateral.Symbol, *duration, bps(quote.Terms.MaxLTVBps))
	if quote.Requirement.Known() {
		fmt.Fprintf(e.stdout, "collateral required: %s (%s)\n",
			e.show(collateral.Address, quote.Requirement.Amount), usd(quote.Requirement.ValueUSD))
	} else {
		fmt.Fprintf(e.stdout, "collateral required: unknown (%s)\n", quote.Requirement.Status)
	}
	if err := quote.Err(); err != nil {
		return fail(e.stderr, err)
	}
	return 0
}

func runWaitPrice(e *env, args []string) int {
	fs := newFlagSet("wait-price", e.stderr)
	ref := fs.String("asset", "", "asset symbol or address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	asset, err := e.asset(*ref)
	if err != nil {
		return fail(e.stderr, err)
	}
	obs, err := e.stack.Prices.WaitFresh(e.ctx, asset.Address, e.stack.Network.Limits.PriceWaitPoll(), func(w pricing.WaitStatus) {
		fmt.Fprintf(e.stderr, "waiting for %s: attempt %d/%d, quote is %s old, giving up in %s\n",
			asset.Symbol, w.Attempt, w.MaxAttempts, w.Age, w.Remaining())
	})
	if err != nil {
		return fail(e.stderr, err)
	}
	e.printObservation(asset.Symbol, obs)
	return 0
}

func runLoans(e *env, args []string) int {
	fs := newFlagSet("loans", e.stderr)
	rawBorrower := fs.String("borrower", "", "borrower address (defaults to the signer)")
	fiat := fs.Bool("fiat", false, "list fiat loans")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	borrower := e.stack.Node.Sender()
	if *rawBorrower != "" {
		if !common.IsHexAddress(*rawBorrower) {
			return fail(e.stderr, validation("--borrower is not a hex address"))
		}
		borrower = common.HexToAddress(*rawBorrower)
	}
	if borrower == (common.Address{}) {
		return fail(e.stderr, validation("--borrower required without a signer"))
	}
	if *fiat {
		views, err := e.stack.Dashboard.FiatLoans(e.ctx, borrower)
		if err != nil {
			return fail(e.stderr, err)
		}
		for _, v := range views {
			fmt.Fprintf(e.stdout, "fiat loan %d  %s  principal %s %s  remaining %s %s  collateral %s\n",
				v.Loan.ID, v.Loan.Status, v.Loan.PrincipalCents.Display(2), v.Loan.Currency,
				v.Remaining.Display(2), v.Loan.Currency, e.show(v.Loan.CollateralAsset, v.Loan.CollateralAmount))
		}
		if len(views) == 0 {
			fmt.Fprintln(e.stdout, "no fiat loans")
		}
		return 0
	}
	views, err := e.stack.Dashboard.Loans(e.ctx, borrower)
	if err != nil {
		return fail(e.stderr, err)
	}
	for _, v := range views {
		fmt.Fprintf(e.stdout, "loan %d  %s  principal %s  remaining %s  collateral %s\n",
			v.Loan.ID, v.Loan.Status, e.show(v.Loan.BorrowAsset, v.Loan.Principal),
			e.show(v.Loan.BorrowAsset, v.Remaining), e.show(v.Loan.CollateralAsset, v.Loan.CollateralAmount))
	}
	if len(views) == 0 {
		fmt.Fprintln(e.stdout, "no loans")
	}
	return 0
}

func pageFlags(name string, e *env, fiat bool) (*flagPage, func([]string) error) {
	fs := newFlagSet(name, e.stderr)
	p := &flagPage{}
	fs.Uint64Var(&p.from, "from", 0, "list ids below this one")
	fs.IntVar(&p.count, "count", 20, "page size")
	if fiat {
		fs.BoolVar(&p.fiat, "fiat", false, "fiat listings")
	}
	return p, fs.Parse
}

type flagPage struct {
	from  uint64
	count int
	fiat  bool
}

func (p flagPage) page() flows.Page { return flows.Page{Before: p.from, Limit: p.count} }

func runOffers(e *env, args []string) int {
	p, parse := pageFlags("offers", e, true)
	if err := parse(args); err != nil {
		return 2
	}
	if p.fiat {
		offers, _, err := e.stack.Market.FiatOffers(e.ctx, p.page())
		if err != nil {
			return fail(e.stderr, err)
		}
		for _, o := range offers {
			fmt.Fprintf(e.stdout, "fiat offer %d  %s  %s %s remaining  collateral %s  %s%% for %d days\n",
				o.ID, o.Status, o.RemainingCents.Display(2), o.Currency, e.label(o.CollateralAsset),
				bps(o.InterestRateBps), o.DurationDays)
		}
		return 0
	}
	offers, _, err := e.stack.Market.Offers(e.ctx, p.page())
	if err != nil {
		return fail(e.stderr, err)
	}
	for _, o := range offers {
		fmt.Fprintf(e.stdout, "offer %d  %s  %s remaining  collateral %s  %s%% for %d days\n",
			o.ID, o.Status, e.show(o.LendAsset, o.RemainingAmount), e.label(o.CollateralAsset),
			bps(o.InterestRateBps), o.DurationDays)
	}
	return 0
}

func runRequests(e *env, args []string) int {
	p, parse := pageFlags("requests", e, false)
	if err := parse(args); err != nil {
		return 2
	}
	requests, _, err := e.stack.Market.Requests(e.ctx, p.page())
	if err != nil {
		return fail(e.stderr, err)
	}
	for _, r := range requests {
		fmt.Fprintf(e.stdout, "request %d  %s  borrow %s  collateral %s  %s%% for %d days\n",
			r.ID, r.Status, e.show(r.BorrowAsset, r.BorrowAmount), e.show(r.CollateralAsset, r.CollateralAmount),
			bps(r.InterestRateBps), r.DurationDays)
	}
	return 0
}

func (e *env) label(addr common.Address) string {
	sym, _ := e.symbol(addr)
	return sym
}
