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
	"lendclient/terms"
	"lendclient/txflow"
)

// Session flow names used by the marketplace.
const (
	FlowAcceptOffer     = "accept_offer"
	FlowAcceptFiatOffer = "accept_fiat_offer"
	FlowCreateRequest   = "create_request"
	FlowCancelRequest   = "cancel_request"
	FlowCancelOffer     = "cancel_offer"
	FlowCancelFiatOffer = "cancel_fiat_offer"
)

// Marketplace serves listings and the borrower and lender write flows.
type Marketplace struct {
	base
}

// NewMarketplace builds a marketplace over d.
func NewMarketplace(d Deps) *Marketplace {
	return &Marketplace{base: newBase(d)}
}

// Open starts a session for flow on the entity id, closing any previous one.
func (m *Marketplace) Open(flow string, id uint64) *Session {
	return m.Sessions.Open(flow, strconv.FormatUint(id, 10))
}

func (m *Marketplace) session(s *Session, flow string, id uint64) *Session {
	if s != nil {
		return s
	}
	return m.Open(flow, id)
}

// Offers lists lender offers, newest first.
func (m *Marketplace) Offers(ctx context.Context, page Page) ([]lending.LenderOffer, chain.Snapshot, error) {
	return listRange(ctx, &m.base, m.market.NextOfferID(), page, m.market.GetLenderOffer, contracts.DecodeLenderOffer)
}

// Requests lists loan requests, newest first.
func (m *Marketplace) Requests(ctx context.Context, page Page) ([]lending.LoanRequest, chain.Snapshot, error) {
	return listRange(ctx, &m.base, m.market.NextRequestID(), page, m.market.GetLoanRequest, contracts.DecodeLoanRequest)
}

// FiatOffers lists fiat lender offers, newest first.
func (m *Marketplace) FiatOffers(ctx context.Context, page Page) ([]lending.FiatLenderOffer, chain.Snapshot, error) {
	return listRange(ctx, &m.base, m.fiat.NextFiatOfferID(), page, m.fiat.GetFiatLenderOffer, contracts.DecodeFiatLenderOffer)
}

// Loans lists all crypto loans, newest first.
func (m *Marketplace) Loans(ctx context.Context, page Page) ([]lending.Loan, chain.Snapshot, error) {
	return listRange(ctx, &m.base, m.market.NextLoanID(), page, m.market.GetLoan, contracts.DecodeLoan)
}

// Offer reads one lender offer.
func (m *Marketplace) Offer(ctx context.Context, offerID uint64) (lending.LenderOffer, error) {
	offer, _, err := readOne(ctx, &m.base, m.market.GetLenderOffer(offerID), func(data []byte) (lending.LenderOffer, error) {
		return contracts.DecodeLenderOffer(offerID, data)
	})
	return offer, err
}

// Request reads one loan request.
func (m *Marketplace) Request(ctx context.Context, requestID uint64) (lending.LoanRequest, error) {
	req, _, err := readOne(ctx, &m.base, m.market.GetLoanRequest(requestID), func(data []byte) (lending.LoanRequest, error) {
		return contracts.DecodeLoanRequest(requestID, data)
	})
	return req, err
}

// FiatOffer reads one fiat lender offer.
func (m *Marketplace) FiatOffer(ctx context.Context, offerID uint64) (lending.FiatLenderOffer, error) {
	offer, _, err := readOne(ctx, &m.base, m.fiat.GetFiatLenderOffer(offerID), func(data []byte) (lending.FiatLenderOffer, error) {
		return contracts.DecodeFiatLenderOffer(offerID, data)
	})
	return offer, err
}

// staleError blocks a quote computed from a stale oracle value.
func staleError(remedy lending.Remedy, what string) error {
	return lending.NewFlowError(lending.KindStale, remedy, what+" is stale", nil)
}

// CollateralQuote is the LTV-driven requirement for an arbitrary pair,
// independent of any listing.
type CollateralQuote struct {
	BorrowAsset     common.Address
	CollateralAsset common.Address
	Borrow          lending.Amount
	Requirement     lending.CollateralRequirement
	Terms           lending.LTVTerms
	Prices          map[common.Address]pricing.Observation
	Stale           bool
	StaleRemedy     lending.Remedy
}

// Err is the blocking error for acting on the quote, if any.
func (q CollateralQuote) Err() error {
	if err := q.Requirement.Err(); err != nil {
		return err
	}
	if q.Stale {
		return staleError(q.StaleRemedy, "price feed")
	}
	return nil
}

// QuoteCollateral computes the collateral needed to borrow amount of
// borrowAsset against collateralAsset for durationDays.
func (m *Marketplace) QuoteCollateral(ctx context.Context, borrowAsset, collateralAsset common.Address, durationDays uint64, borrow lending.Amount) (CollateralQuote, error) {
	if borrow.IsZero() {
		return CollateralQuote{}, validation("enter an amount to borrow", lending.RemedyNone)
	}
	ltv, err := m.quoteLTV(ctx, borrowAsset, collateralAsset, durationDays, borrow)
	if err != nil {
		return CollateralQuote{}, err
	}
	return CollateralQuote{
		BorrowAsset:     borrowAsset,
		CollateralAsset: collateralAsset,
		Borrow:          borrow,
		Requirement:     ltv.Requirement,
		Terms:           ltv.Terms,
		Prices:          ltv.Prices,
		Stale:           ltv.Stale,
		StaleRemedy:     m.staleRemedy(),
	}, nil
}

// OfferQuote is the derived state of an accept-offer flow.
type OfferQuote struct {
	Offer       lending.LenderOffer
	Borrow      lending.Amount
	Requirement lending.CollateralRequirement
	// Fixed is set when the offer prescribes collateral and prices are unused.
	Fixed       bool
	Terms       lending.LTVTerms
	Prices      map[common.Address]pricing.Observation
	Stale       bool
	StaleRemedy lending.Remedy
}

// Err is the blocking error for submitting the quote, if any.
func (q OfferQuote) Err() error {
	if err := q.Requirement.Err(); err != nil {
		return err
	}
	if q.Stale {
		return staleError(q.StaleRemedy, "price feed")
	}
	return nil
}

// QuoteOffer validates borrow against the offer and computes the collateral
// to post. Fixed-collateral offers scale their own collateral; others follow
// the LTV schedule at current prices.
func (m *Marketplace) QuoteOffer(ctx context.Context, s *Session, offerID uint64, borrow lending.Amount) (OfferQuote, error) {
	if s != nil && !s.Active() {
		return OfferQuote{}, ErrSessionClosed
	}
	offer, err := m.Offer(ctx, offerID)
	if err != nil {
		return OfferQuote{}, err
	}
	switch {
	case borrow.IsZero():
		return OfferQuote{}, validation("enter an amount to borrow", lending.RemedyNone)
	case offer.Status != lending.ListingPending:
		return OfferQuote{}, validation(fmt.Sprintf("offer %d is %s", offerID, offer.Status), lending.RemedyNone)
	case offer.Expired(m.Now()):
		return OfferQuote{}, validation(fmt.Sprintf("offer %d has expired", offerID), lending.RemedyNone)
	case offer.RemainingAmount.Lt(borrow):
		return OfferQuote{}, validation(fmt.Sprintf("offer %d has only %s remaining", offerID, offer.RemainingAmount), lending.RemedyReduceAmount)
	}

	quote := OfferQuote{Offer: offer, Borrow: borrow, StaleRemedy: m.staleRemedy()}
	if offer.FixedCollateral() {
		quote.Fixed = true
		quote.Requirement = lending.ProportionalCollateral(offer.MinCollateral, borrow, offer.LendAmount)
	} else {
		ltv, err := m.quoteLTV(ctx, offer.LendAsset, offer.CollateralAsset, offer.DurationDays, borrow)
		if err != nil {
			return OfferQuote{}, err
		}
		quote.Requirement, quote.Terms, quote.Prices, quote.Stale = ltv.Requirement, ltv.Terms, ltv.Prices, ltv.Stale
	}
	if err := s.apply(func() { s.quote = quote }); err != nil {
		return OfferQuote{}, err
	}
	return quote, nil
}

// AcceptOffer re-quotes, approves the collateral and draws borrow from the
// offer.
func (m *Marketplace) AcceptOffer(ctx context.Context, s *Session, offerID uint64, borrow lending.Amount) (OfferQuote, txflow.Result, error) {
	if err := m.writable(); err != nil {
		return OfferQuote{}, txflow.Result{}, err
	}
	s = m.session(s, FlowAcceptOffer, offerID)
	quote, err := m.QuoteOffer(ctx, s, offerID, borrow)
	if err != nil {
		return quote, txflow.Result{}, err
	}
	if err := quote.Err(); err != nil {
		return quote, txflow.Result{}, err
	}
	action := txflow.Request{
		Flow:    FlowAcceptOffer,
		Session: s.ID(),
		Call:    m.market.AcceptLenderOffer(offerID, borrow, quote.Requirement.Amount),
	}
	res, err := m.collateralized(ctx, s, quote.Offer.CollateralAsset, m.Market, quote.Requirement.Amount, action)
	if err != nil {
		return quote, res, err
	}
	if _, err := m.Offer(ctx, offerID); err != nil {
		m.Logger.Warn("post-accept offer refresh failed", "offer_id", offerID, "error", err)
	}
	return quote, res, nil
}

// collateralized runs action behind an allowance for collateral. A zero
// requirement needs no approval.
func (m *Marketplace) collateralized(ctx context.Context, s *Session, token, spender common.Address, amount lending.Amount, action txflow.Request) (txflow.Result, error) {
	if amount.IsZero() {
		return m.runWrite(ctx, s, action)
	}
	return m.runApproval(ctx, s, txflow.ApprovalRequest{
		Token:        contracts.Token{Address: token},
		Spender:      spender,
		Required:     amount,
		CheckBalance: true,
		Action:       action,
	})
}

// FiatOfferQuote is the derived state of an accept-fiat-offer flow.
type FiatOfferQuote struct {
	Offer lending.FiatLenderOffer
	// AmountCents is the principal in the offer currency.
	AmountCents lending.Amount
	USDCents    lending.Amount
	Rate        pricing.RateObservation
	Price       pricing.Observation
	Terms       lending.LTVTerms
	Requirement lending.CollateralRequirement
	StaleRate   bool
	StalePrice  bool
	StaleRemedy lending.Remedy
}

// Err is the blocking error for submitting the quote, if any.
func (q FiatOfferQuote) Err() error {
	if err := q.Requirement.Err(); err != nil {
		return err
	}
	switch {
	case q.StaleRate:
		// Exchange rates have no refresh path.
		return staleError(lending.RemedyWaitForOracle, "exchange rate")
	case q.StalePrice:
		return staleError(q.StaleRemedy, "price feed")
	}
	return nil
}

// QuoteFiatOffer converts amountCents to USD cents at the current rate and
// computes the collateral the fiat market will require.
func (m *Marketplace) QuoteFiatOffer(ctx context.Context, s *Session, offerID uint64, amountCents lending.Amount) (FiatOfferQuote, error) {
	if s != nil && !s.Active() {
		return FiatOfferQuote{}, ErrSessionClosed
	}
	offer, err := m.FiatOffer(ctx, offerID)
	if err != nil {
		return FiatOfferQuote{}, err
	}
	switch {
	case amountCents.IsZero():
		return FiatOfferQuote{}, validation("enter an amount to borrow", lending.RemedyNone)
	case offer.Status != lending.FiatOfferActive:
		return FiatOfferQuote{}, validation(fmt.Sprintf("fiat offer %d is %s", offerID, offer.Status), lending.RemedyNone)
	case offer.Expired(m.Now()):
		return FiatOfferQuote{}, validation(fmt.Sprintf("fiat offer %d has expired", offerID), lending.RemedyNone)
	case offer.RemainingCents.Lt(amountCents):
		return FiatOfferQuote{}, validation(fmt.Sprintf("fiat offer %d has only %s cents remaining", offerID, offer.RemainingCents), lending.RemedyReduceAmount)
	}

	quote := FiatOfferQuote{Offer: offer, AmountCents: amountCents, StaleRemedy: m.staleRemedy()}
	var (
		termsStatus   = lending.RequirementKnown
		collateralDec uint8
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs, err := m.Rates.Rate(gctx, offer.Currency)
		quote.Rate = obs
		if errors.Is(err, lending.ErrUnavailable) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		prices, err := m.Prices.Prices(gctx, offer.CollateralAsset)
		quote.Price = prices[offer.CollateralAsset]
		return err
	})
	g.Go(func() error {
		t, err := m.Terms.Terms(gctx, offer.CollateralAsset, offer.DurationDays)
		quote.Terms = t
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
		d, err := m.decimals(gctx, offer.CollateralAsset)
		collateralDec = d
		return err
	})
	if err := g.Wait(); err != nil {
		return FiatOfferQuote{}, err
	}

	quote.StaleRate = quote.Rate.Status == pricing.PriceStatusStale
	quote.StalePrice = quote.Price.Status == pricing.PriceStatusStale
	switch {
	case termsStatus != lending.RequirementKnown:
		quote.Requirement = lending.CollateralRequirement{Status: termsStatus}
	case quote.Rate.Status == pricing.PriceStatusUnavailable:
		quote.Requirement = lending.CollateralRequirement{Status: lending.RequirementPriceUnavailable}
	default:
		usd, err := pricing.ToUSDCents(amountCents, quote.Rate.Rate)
		if err != nil {
			quote.Requirement = lending.CollateralRequirement{Status: lending.RequirementOverflow}
			break
		}
		quote.USDCents = usd
		quote.Requirement = lending.RequiredCollateral(
			lending.FiatBorrowInput(usd, usablePrice(quote.Price), quote.Terms.MaxLTVBps, collateralDec))
	}
	if err := s.apply(func() { s.quote = quote }); err != nil {
		return FiatOfferQuote{}, err
	}
	return quote, nil
}

// AcceptFiatOffer re-quotes, approves the collateral for the fiat market and
// accepts the offer.
func (m *Marketplace) AcceptFiatOffer(ctx context.Context, s *Session, offerID uint64, amountCents lending.Amount) (FiatOfferQuote, txflow.Result, error) {
	if err := m.writable(); err != nil {
		return FiatOfferQuote{}, txflow.Result{}, err
	}
	s = m.session(s, FlowAcceptFiatOffer, offerID)
	quote, err := m.QuoteFiatOffer(ctx, s, offerID, amountCents)
	if err != nil {
		return quote, txflow.Result{}, err
	}
	if err := quote.Err(); err != nil {
		return quote, txflow.Result{}, err
	}
	action := txflow.Request{
		Flow:    FlowAcceptFiatOffer,
		Session: s.ID(),
		Call:    m.fiat.AcceptFiatLenderOffer(offerID, amountCents, quote.Requirement.Amount),
	}
	res, err := m.collateralized(ctx, s, quote.Offer.CollateralAsset, m.FiatMarket, quote.Requirement.Amount, action)
	if err != nil {
		return quote, res, err
	}
	if _, err := m.FiatOffer(ctx, offerID); err != nil {
		m.Logger.Warn("post-accept fiat offer refresh failed", "offer_id", offerID, "error", err)
	}
	return quote, res, nil
}

// RequestQuote is the derived state of a create-request flow.
type RequestQuote struct {
	Request     lending.LoanRequest
	Requirement lending.CollateralRequirement
	Terms       lending.LTVTerms
	Prices      map[common.Address]pricing.Observation
	// Sufficient reports whether Request.CollateralAmount covers the requirement.
	Sufficient  bool
	Stale       bool
	StaleRemedy lending.Remedy
}

// Err is the blocking error for submitting the request, if any.
func (q RequestQuote) Err() error {
	if err := q.Requirement.Err(); err != nil {
		return err
	}
	if q.Stale {
		return staleError(q.StaleRemedy, "price feed")
	}
	if !q.Sufficient {
		return validation(fmt.Sprintf("collateral %s is below the required %s", q.Request.CollateralAmount, q.Requirement.Amount),
			lending.RemedyReduceAmount)
	}
	return nil
}

// QuoteRequest computes the collateral a new loan request must escrow. A
// zero CollateralAmount is filled with the requirement; an explicit one is
// checked against it.
func (m *Marketplace) QuoteRequest(ctx context.Context, s *Session, req lending.LoanRequest) (RequestQuote, error) {
	if s != nil && !s.Active() {
		return RequestQuote{}, ErrSessionClosed
	}
	switch {
	case req.BorrowAmount.IsZero():
		return RequestQuote{}, validation("enter an amount to borrow", lending.RemedyNone)
	case req.BorrowAsset == (common.Address{}) || req.CollateralAsset == (common.Address{}):
		return RequestQuote{}, validation("borrow and collateral assets are required", lending.RemedyNone)
	case req.BorrowAsset == req.CollateralAsset:
		return RequestQuote{}, validation("collateral must differ from the borrowed asset", lending.RemedyNone)
	case req.DurationDays == 0:
		return RequestQuote{}, validation("duration is required", lending.RemedyNone)
	}
	ltv, err := m.quoteLTV(ctx, req.BorrowAsset, req.CollateralAsset, req.DurationDays, req.BorrowAmount)
	if err != nil {
		return RequestQuote{}, err
	}
	quote := RequestQuote{
		Requirement: ltv.Requirement,
		Terms:       ltv.Terms,
		Prices:      ltv.Prices,
		Stale:       ltv.Stale,
		StaleRemedy: m.staleRemedy(),
	}
	if ltv.Requirement.Known() {
		if req.CollateralAmount.IsZero() {
			req.CollateralAmount = ltv.Requirement.Amount
		}
		quote.Sufficient = req.CollateralAmount.Gte(ltv.Requirement.Amount)
	}
	req.Borrower = m.sender()
	req.Status = lending.ListingPending
	quote.Request = req
	if err := s.apply(func() { s.quote = quote }); err != nil {
		return RequestQuote{}, err
	}
	return quote, nil
}

// OpenCreateRequest starts a create-request session.
func (m *Marketplace) OpenCreateRequest() *Session {
	return m.Sessions.Open(FlowCreateRequest, "new")
}

// CreateRequest re-quotes, approves the collateral and opens the request.
func (m *Marketplace) CreateRequest(ctx context.Context, s *Session, req lending.LoanRequest) (RequestQuote, txflow.Result, error) {
	if err := m.writable(); err != nil {
		return RequestQuote{}, txflow.Result{}, err
	}
	if s == nil {
		s = m.OpenCreateRequest()
	}
	quote, err := m.QuoteRequest(ctx, s, req)
	if err != nil {
		return quote, txflow.Result{}, err
	}
	if err := quote.Err(); err != nil {
		return quote, txflow.Result{}, err
	}
	action := txflow.Request{
		Flow:    FlowCreateRequest,
		Session: s.ID(),
		Call:    m.market.CreateLoanRequest(quote.Request),
	}
	res, err := m.collateralized(ctx, s, quote.Request.CollateralAsset, m.Market, quote.Request.CollateralAmount, action)
	if err != nil {
		return quote, res, err
	}
	// The new id is not returned by the receipt; cache the newest request.
	if _, _, err := m.Requests(ctx, Page{Limit: 1}); err != nil {
		m.Logger.Warn("post-create request refresh failed", "error", err)
	}
	return quote, res, nil
}

// CancelRequest cancels a pending request owned by the signer.
func (m *Marketplace) CancelRequest(ctx context.Context, s *Session, requestID uint64) (txflow.Result, error) {
	if err := m.writable(); err != nil {
		return txflow.Result{}, err
	}
	req, err := m.Request(ctx, requestID)
	if err != nil {
		return txflow.Result{}, err
	}
	if err := m.cancellable(req.Borrower, req.Status, fmt.Sprintf("request %d", requestID)); err != nil {
		return txflow.Result{}, err
	}
	s = m.session(s, FlowCancelRequest, requestID)
	res, err := m.runWrite(ctx, s, txflow.Request{Flow: FlowCancelRequest, Call: m.market.CancelLoanRequest(requestID)})
	if err != nil {
		return res, err
	}
	if _, err := m.Request(ctx, requestID); err != nil {
		m.Logger.Warn("post-cancel request refresh failed", "request_id", requestID, "error", err)
	}
	return res, nil
}

// CancelOffer cancels a pending lender offer owned by the signer.
func (m *Marketplace) CancelOffer(ctx context.Context, s *Session, offerID uint64) (txflow.Result, error) {
	if err := m.writable(); err != nil {
		return txflow.Result{}, err
	}
	offer, err := m.Offer(ctx, offerID)
	if err != nil {
		return txflow.Result{}, err
	}
	if err := m.cancellable(offer.Lender, offer.Status, fmt.Sprintf("offer %d", offerID)); err != nil {
		return txflow.Result{}, err
	}
	s = m.session(s, FlowCancelOffer, offerID)
	res, err := m.runWrite(ctx, s, txflow.Request{Flow: FlowCancelOffer, Call: m.market.CancelLenderOffer(offerID)})
	if err != nil {
		return res, err
	}
	if _, err := m.Offer(ctx, offerID); err != nil {
		m.Logger.Warn("post-cancel offer refresh failed", "offer_id", offerID, "error", err)
	}
	return res, nil
}

// CancelFiatOffer cancels an active fiat offer owned by the signer.
func (m *Marketplace) CancelFiatOffer(ctx context.Context, s *Session, offerID uint64) (txflow.Result, error) {
	if err := m.writable(); err != nil {
		return txflow.Result{}, err
	}
	offer, err := m.FiatOffer(ctx, offerID)
	if err != nil {
		return txflow.Result{}, err
	}
	if offer.Lender != m.sender() {
		return txflow.Result{}, validation(fmt.Sprintf("fiat offer %d belongs to another account", offerID), lending.RemedyNone)
	}
	if offer.Status != lending.FiatOfferActive {
		return txflow.Result{}, validation(fmt.Sprintf("fiat offer %d is %s", offerID, offer.Status), lending.RemedyNone)
	}
	s = m.session(s, FlowCancelFiatOffer, offerID)
	res, err := m.runWrite(ctx, s, txflow.Request{Flow: FlowCancelFiatOffer, Call: m.fiat.CancelFiatLenderOffer(offerID)})
	if err != nil {
		return res, err
	}
	if _, err := m.FiatOffer(ctx, offerID); err != nil {
		m.Logger.Warn("post-cancel fiat offer refresh failed", "offer_id", offerID, "error", err)
	}
	return res, nil
}

func (m *Marketplace) cancellable(owner common.Address, status lending.ListingStatus, what string) error {
	if owner != m.sender() {
		return validation(what+" belongs to another account", lending.RemedyNone)
	}
	if status != lending.ListingPending {
		return validation(fmt.Sprintf("%s is %s", what, status), lending.RemedyNone)
	}
	return nil
}
