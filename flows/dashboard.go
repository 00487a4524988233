package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/txflow"
)

// FlowRepay is the session flow name for repayments.
const FlowRepay = "repay"

// Dashboard serves a borrower's positions and the repay flow.
type Dashboard struct {
	base
}

// NewDashboard builds a dashboard over d.
func NewDashboard(d Deps) *Dashboard {
	return &Dashboard{base: newBase(d)}
}

// LoanView is a loan with its contract-computed total owed, read at one block.
type LoanView struct {
	Loan      lending.Loan
	TotalOwed lending.Amount
	Remaining lending.Amount
	Snapshot  chain.Snapshot
}

// FiatLoanView is the fiat counterpart of LoanView; amounts are cents.
type FiatLoanView struct {
	Loan      lending.FiatLoan
	TotalOwed lending.Amount
	Remaining lending.Amount
	Snapshot  chain.Snapshot
}

// Loans lists the borrower's crypto loans.
func (d *Dashboard) Loans(ctx context.Context, borrower common.Address) ([]LoanView, error) {
	idsCall := d.market.GetBorrowerLoans(borrower)
	data, _, err := d.Reader.Read(ctx, idsCall)
	if err != nil {
		return nil, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "loan ids read failed", err)
	}
	ids, err := contracts.DecodeIDs(idsCall, data)
	if err != nil {
		return nil, err
	}
	calls := make([]contracts.Call, 0, 2*len(ids))
	for _, id := range ids {
		calls = append(calls, d.market.GetLoan(id), d.market.GetTotalOwed(id))
	}
	results, snap, err := d.Reader.ReadBatch(ctx, calls)
	if err != nil {
		return nil, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "loan batch failed", err)
	}
	views := make([]LoanView, 0, len(ids))
	entities := make([]lending.Entity, 0, len(ids))
	for i, id := range ids {
		loanRes, owedRes := results[2*i], results[2*i+1]
		if loanRes.Err != nil || owedRes.Err != nil {
			continue
		}
		view, err := decodeLoanView(id, loanRes.Data, owedRes.Data, calls[2*i+1])
		if err != nil {
			d.Logger.Warn("skipping undecodable loan", "loan_id", id, "error", err)
			continue
		}
		view.Snapshot = snap
		views = append(views, view)
		entities = append(entities, view.Loan)
	}
	d.store(snap, entities...)
	return views, nil
}

func decodeLoanView(id uint64, loanData, owedData []byte, owedCall contracts.Call) (LoanView, error) {
	loan, err := contracts.DecodeLoan(id, loanData)
	if err != nil {
		return LoanView{}, err
	}
	owed, err := contracts.DecodeAmount(owedCall, owedData)
	if err != nil {
		return LoanView{}, err
	}
	return LoanView{Loan: loan, TotalOwed: owed, Remaining: lending.RemainingOwed(owed, loan.AmountRepaid)}, nil
}

// FiatLoans lists the borrower's fiat loans.
func (d *Dashboard) FiatLoans(ctx context.Context, borrower common.Address) ([]FiatLoanView, error) {
	idsCall := d.fiat.GetBorrowerFiatLoans(borrower)
	data, _, err := d.Reader.Read(ctx, idsCall)
	if err != nil {
		return nil, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "fiat loan ids read failed", err)
	}
	ids, err := contracts.DecodeIDs(idsCall, data)
	if err != nil {
		return nil, err
	}
	calls := make([]contracts.Call, 0, 2*len(ids))
	for _, id := range ids {
		calls = append(calls, d.fiat.GetFiatLoan(id), d.fiat.GetFiatTotalOwed(id))
	}
	results, snap, err := d.Reader.ReadBatch(ctx, calls)
	if err != nil {
		return nil, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "fiat loan batch failed", err)
	}
	views := make([]FiatLoanView, 0, len(ids))
	entities := make([]lending.Entity, 0, len(ids))
	for i, id := range ids {
		loanRes, owedRes := results[2*i], results[2*i+1]
		if loanRes.Err != nil || owedRes.Err != nil {
			continue
		}
		loan, err := contracts.DecodeFiatLoan(id, loanRes.Data)
		if err != nil {
			continue
		}
		owed, err := contracts.DecodeAmount(calls[2*i+1], owedRes.Data)
		if err != nil {
			continue
		}
		views = append(views, FiatLoanView{
			Loan:      loan,
			TotalOwed: owed,
			Remaining: lending.RemainingOwed(owed, loan.AmountRepaidCents),
			Snapshot:  snap,
		})
		entities = append(entities, loan)
	}
	d.store(snap, entities...)
	return views, nil
}

// RepayQuote is the derived state of a repay flow.
type RepayQuote struct {
	Loan    lending.Loan
	State   lending.RepaymentState
	Balance lending.Amount
	Prices  map[common.Address]pricing.Observation
	// Freshness is the worse of the borrow and collateral price freshness.
	Freshness lending.Freshness
	Snapshot  chain.Snapshot
}

// Stale reports whether the quote was computed against a stale price.
func (q RepayQuote) Stale() bool { return q.Freshness == lending.FreshnessStale }

// OpenRepay starts a repay session for loanID, closing any previous one.
func (d *Dashboard) OpenRepay(loanID uint64) *Session {
	return d.Sessions.Open(FlowRepay, strconv.FormatUint(loanID, 10))
}

// QuoteRepay reads the loan, what it owes, the wallet balance and both
// prices, and reconciles the entered amount. Amount validation always uses
// these fresh reads. When s is non-nil the quote is applied to it.
func (d *Dashboard) QuoteRepay(ctx context.Context, s *Session, loanID uint64, amount lending.Amount) (RepayQuote, error) {
	return d.QuoteRepayFor(ctx, s, d.sender(), loanID, amount)
}

// QuoteRepayFor is QuoteRepay for an arbitrary wallet.
func (d *Dashboard) QuoteRepayFor(ctx context.Context, s *Session, wallet common.Address, loanID uint64, amount lending.Amount) (RepayQuote, error) {
	if s != nil && !s.Active() {
		return RepayQuote{}, ErrSessionClosed
	}
	loanCall, owedCall := d.market.GetLoan(loanID), d.market.GetTotalOwed(loanID)
	results, snap, err := d.Reader.ReadBatch(ctx, []contracts.Call{loanCall, owedCall})
	if err != nil {
		return RepayQuote{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "loan read failed", err)
	}
	for _, r := range results {
		if r.Err != nil {
			return RepayQuote{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "loan read failed", r.Err)
		}
	}
	view, err := decodeLoanView(loanID, results[0].Data, results[1].Data, owedCall)
	if errors.Is(err, contracts.ErrNotFound) {
		return RepayQuote{}, validation(fmt.Sprintf("loan %d not found", loanID), lending.RemedyNone)
	}
	if err != nil {
		return RepayQuote{}, err
	}
	d.store(snap, view.Loan)
	if view.Loan.Status != lending.LoanActive {
		return RepayQuote{}, validation(fmt.Sprintf("loan %d is %s", loanID, view.Loan.Status), lending.RemedyNone)
	}

	quote := RepayQuote{Loan: view.Loan, Snapshot: snap}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bal, err := d.balance(gctx, view.Loan.BorrowAsset, wallet)
		quote.Balance = bal
		return err
	})
	g.Go(func() error {
		prices, err := d.Prices.Prices(gctx, view.Loan.BorrowAsset, view.Loan.CollateralAsset)
		quote.Prices = prices
		return err
	})
	if err := g.Wait(); err != nil {
		return RepayQuote{}, err
	}
	quote.Freshness = worstFreshness(quote.Prices[view.Loan.BorrowAsset], quote.Prices[view.Loan.CollateralAsset])
	quote.State = lending.ReconcileRepayment(lending.RepaymentInput{
		TotalOwed:      view.TotalOwed,
		AlreadyRepaid:  view.Loan.AmountRepaid,
		Entered:        amount,
		WalletBalance:  quote.Balance,
		Price:          quote.Freshness,
		RefreshAllowed: d.Prices.RefreshPermitted(),
	})
	if err := s.apply(func() { s.quote = quote }); err != nil {
		return RepayQuote{}, err
	}
	return quote, nil
}

// Repay re-quotes, blocks on any validation or staleness failure, then
// approves the borrow asset if needed and submits the repayment. A mined
// revert leaves the session back at INPUT.
func (d *Dashboard) Repay(ctx context.Context, s *Session, loanID uint64, amount lending.Amount) (RepayQuote, txflow.Result, error) {
	if err := d.writable(); err != nil {
		return RepayQuote{}, txflow.Result{}, err
	}
	if s == nil {
		s = d.OpenRepay(loanID)
	}
	quote, err := d.QuoteRepay(ctx, s, loanID, amount)
	if err != nil {
		return quote, txflow.Result{}, err
	}
	if err := quote.State.Err(); err != nil {
		return quote, txflow.Result{}, err
	}
	res, err := d.runApproval(ctx, s, txflow.ApprovalRequest{
		Token:        contracts.Token{Address: quote.Loan.BorrowAsset},
		Spender:      d.Market,
		Required:     amount,
		CheckBalance: true,
		Action: txflow.Request{
			Flow:    FlowRepay,
			Session: s.ID(),
			Call:    d.market.RepayLoan(loanID, amount),
		},
	})
	if err != nil {
		return quote, res, err
	}
	// Refetch so the cache reflects the confirmed repayment.
	if _, _, err := readOne(ctx, &d.base, d.market.GetLoan(loanID), func(data []byte) (lending.Loan, error) {
		return contracts.DecodeLoan(loanID, data)
	}); err != nil {
		d.Logger.Warn("post-repay loan refresh failed", "loan_id", loanID, "error", err)
	}
	return quote, res, nil
}

func worstFreshness(observations ...pricing.Observation) lending.Freshness {
	worst := lending.FreshnessFresh
	for _, obs := range observations {
		if f := obs.Freshness(); f > worst {
			worst = f
		}
	}
	return worst
}
