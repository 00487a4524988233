package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/storage"
	"lendclient/terms"
	"lendclient/txflow"
)

// ErrReadOnly is returned by write flows when no signer is configured.
var ErrReadOnly = errors.New("flows: no signer configured")

// Deps are the collaborators shared by the dashboard and the marketplace.
type Deps struct {
	Reader     chain.Reader
	Preflight  *txflow.Preflight
	Market     common.Address
	FiatMarket common.Address
	Prices     *pricing.PriceFeed
	Rates      *pricing.RateFeed
	Terms      *terms.Resolver
	Repo       *storage.Repository
	// Tokens is the network token table, keyed by address.
	Tokens          map[common.Address]lending.Asset
	Sessions        *Sessions
	ApprovalOptions []txflow.ApprovalOption
	Logger          *slog.Logger
	Now             func() time.Time
}

type base struct {
	Deps
	market contracts.LoanMarketContract
	fiat   contracts.FiatLoanMarketContract
}

func newBase(d Deps) base {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sessions == nil {
		d.Sessions = NewSessions()
	}
	if d.Tokens == nil {
		d.Tokens = map[common.Address]lending.Asset{}
	}
	return base{
		Deps:   d,
		market: contracts.LoanMarketContract{Address: d.Market},
		fiat:   contracts.FiatLoanMarketContract{Address: d.FiatMarket},
	}
}

func (b *base) sender() common.Address {
	if b.Preflight == nil {
		return common.Address{}
	}
	return b.Preflight.Sender()
}

func (b *base) writable() error {
	if b.Preflight == nil {
		return ErrReadOnly
	}
	return nil
}

// decimals resolves token precision from the network table, falling back to
// the token contract.
func (b *base) decimals(ctx context.Context, token common.Address) (uint8, error) {
	if asset, ok := b.Tokens[token]; ok {
		return asset.Decimals, nil
	}
	call := contracts.Token{Address: token}.Decimals()
	data, _, err := b.Reader.Read(ctx, call)
	if err != nil {
		return 0, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "decimals read failed for "+token.Hex(), err)
	}
	return contracts.DecodeDecimals(data)
}

func (b *base) balance(ctx context.Context, token, owner common.Address) (lending.Amount, error) {
	call := contracts.Token{Address: token}.BalanceOf(owner)
	data, _, err := b.Reader.Read(ctx, call)
	if err != nil {
		return lending.Amount{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "balance read failed", err)
	}
	return contracts.DecodeAmount(call, data)
}

func (b *base) staleRemedy() lending.Remedy {
	if b.Prices != nil && b.Prices.RefreshPermitted() {
		return lending.RemedyRefreshPrice
	}
	return lending.RemedyWaitForOracle
}

// store writes confirmed reads to the repository. Cache failures never fail
// a flow.
func (b *base) store(snap chain.Snapshot, entities ...lending.Entity) {
	if b.Repo == nil || len(entities) == 0 {
		return
	}
	if _, err := b.Repo.UpsertBatch(snap, entities...); err != nil {
		b.Logger.Warn("entity cache write failed", slog.Any("error", err))
	}
}

// readOne reads a single entity and caches it.
func readOne[T lending.Entity](ctx context.Context, b *base, call contracts.Call, decode func([]byte) (T, error)) (T, chain.Snapshot, error) {
	var zero T
	data, snap, err := b.Reader.Read(ctx, call)
	if err != nil {
		return zero, snap, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, call.Method+" read failed", err)
	}
	entity, err := decode(data)
	if errors.Is(err, contracts.ErrNotFound) {
		return zero, snap, lending.NewFlowError(lending.KindValidation, lending.RemedyNone, "not found", err)
	}
	if err != nil {
		return zero, snap, fmt.Errorf("flows: decode %s: %w", call.Method, err)
	}
	b.store(snap, entity)
	return entity, snap, nil
}

// ltvQuote is the outcome of the LTV-driven collateral computation.
type ltvQuote struct {
	Terms       lending.LTVTerms
	Prices      map[common.Address]pricing.Observation
	Requirement lending.CollateralRequirement
	Stale       bool
}

// quoteLTV reads prices, terms and decimals concurrently and computes the
// collateral for borrow. Missing prices or terms produce an unknown
// requirement; only transport failures are errors.
func (b *base) quoteLTV(ctx context.Context, borrowAsset, collateralAsset common.Address, durationDays uint64, borrow lending.Amount) (ltvQuote, error) {
	var (
		out           ltvQuote
		termsStatus   = lending.RequirementKnown
		borrowDec     uint8
		collateralDec uint8
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prices, err := b.Prices.Prices(gctx, borrowAsset, collateralAsset)
		out.Prices = prices
		return err
	})
	g.Go(func() error {
		t, err := b.Terms.Terms(gctx, collateralAsset, durationDays)
		out.Terms = t
		switch {
		case errors.Is(err, terms.ErrNoTerms):
			termsStatus = lending.RequirementNoTerms
		case errors.Is(err, terms.ErrInvalidTerms):
			termsStatus = lending.RequirementInvalidTerms
		case err != nil:
			return err
		}
		return nil
	})
	g.Go(func() error {
		d, err := b.decimals(gctx, borrowAsset)
		borrowDec = d
		return err
	})
	g.Go(func() error {
		d, err := b.decimals(gctx, collateralAsset)
		collateralDec = d
		return err
	})
	if err := g.Wait(); err != nil {
		return ltvQuote{}, err
	}
	if termsStatus != lending.RequirementKnown {
		out.Requirement = lending.CollateralRequirement{Status: termsStatus}
		return out, nil
	}

	borrowObs, collateralObs := out.Prices[borrowAsset], out.Prices[collateralAsset]
	out.Stale = borrowObs.Status == pricing.PriceStatusStale || collateralObs.Status == pricing.PriceStatusStale
	out.Requirement = lending.RequiredCollateral(lending.CollateralInput{
		BorrowAmount:       borrow,
		BorrowPrice:        usablePrice(borrowObs),
		CollateralPrice:    usablePrice(collateralObs),
		LTVBps:             out.Terms.MaxLTVBps,
		BorrowDecimals:     borrowDec,
		CollateralDecimals: collateralDec,
	})
	return out, nil
}

// usablePrice returns zero, the calculator's "unavailable" marker, for
// observations without a price.
func usablePrice(obs pricing.Observation) lending.Amount {
	if obs.Status == pricing.PriceStatusUnavailable {
		return lending.Amount{}
	}
	return obs.Quote.Price
}

// runApproval drives an allowance-gated write for s and records the outcome.
func (b *base) runApproval(ctx context.Context, s *Session, req txflow.ApprovalRequest) (txflow.Result, error) {
	if err := b.writable(); err != nil {
		return txflow.Result{}, err
	}
	opts := append([]txflow.ApprovalOption{txflow.WithGuard(s.guard)}, b.ApprovalOptions...)
	approval := txflow.NewApproval(b.Preflight, req, opts...)
	if err := s.apply(func() { s.approval = approval }); err != nil {
		return txflow.Result{}, err
	}
	res, err := approval.Run(ctx)
	b.logOutcome(s, res, err)
	if applyErr := s.apply(func() { s.result = &res }); applyErr != nil && err == nil {
		b.Logger.Info("flow result dropped for closed session", slog.String("flow", s.Flow()), slog.String("session", s.ID()))
	}
	return res, err
}

// runWrite preflights and submits a write that needs no allowance.
func (b *base) runWrite(ctx context.Context, s *Session, req txflow.Request) (txflow.Result, error) {
	if err := b.writable(); err != nil {
		return txflow.Result{}, err
	}
	if !s.Active() {
		return txflow.Result{}, ErrSessionClosed
	}
	req.Session = s.ID()
	res, err := b.Preflight.Execute(ctx, req)
	b.logOutcome(s, res, err)
	_ = s.apply(func() { s.result = &res })
	return res, err
}

func (b *base) logOutcome(s *Session, res txflow.Result, err error) {
	attrs := []any{
		slog.String("flow", s.Flow()),
		slog.String("session", s.ID()),
		slog.String("outcome", string(res.Outcome)),
	}
	if res.Hash != (common.Hash{}) {
		attrs = append(attrs, slog.String("tx_hash", res.Hash.Hex()))
	}
	if err != nil {
		b.Logger.Warn("flow failed", append(attrs, slog.Any("error", err))...)
		return
	}
	b.Logger.Info("flow completed", attrs...)
}

func validation(reason string, remedy lending.Remedy) error {
	return lending.NewFlowError(lending.KindValidation, remedy, reason, nil)
}
