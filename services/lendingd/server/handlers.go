package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	netcfg "lendclient/config"
	"lendclient/contracts"
	"lendclient/flows"
	"lendclient/lending"
	"lendclient/pricing"
	"lendclient/terms"
)

const maxBodyBytes = 64 << 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "ok", Network: s.backend.Network.Name, ChainID: s.backend.Network.ChainID}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	market := contracts.LoanMarketContract{Address: netcfg.Address(s.backend.Network.Contracts.LoanMarket)}
	_, snap, err := s.backend.Reader.Read(ctx, market.NextLoanID())
	if err != nil {
		view.Status = "degraded"
		view.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, view)
		return
	}
	view.Block = snap.Block
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset, err := s.resolveAsset(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	obs, err := s.backend.Prices.Price(r.Context(), asset.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceView(obs, asset.Symbol, s.staleRemedy()))
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if s.backend.Rates == nil {
		s.writeError(w, r, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
			"no exchange rate oracle configured on "+s.backend.Network.Name, pricing.ErrRateUnavailable))
		return
	}
	obs, err := s.backend.Rates.Rate(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateView(obs))
}

func (s *Server) handleTerms(w http.ResponseWriter, r *http.Request) {
	asset, err := s.resolveAsset(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	duration, err := strconv.ParseUint(r.URL.Query().Get("duration"), 10, 64)
	if err != nil || duration == 0 {
		s.writeError(w, r, badRequest("duration must be a positive number of days"))
		return
	}
	t, err := s.backend.Terms.Terms(r.Context(), asset.Address, duration)
	view := termsView{
		Asset:                   asset.Address,
		DurationDays:            duration,
		MaxLTVBps:               t.MaxLTVBps,
		LiquidationThresholdBps: t.LiquidationThresholdBps,
		Status:                  "ok",
	}
	switch {
	case errors.Is(err, terms.ErrNoTerms):
		view.Status = lending.RequirementNoTerms.String()
	case errors.Is(err, terms.ErrInvalidTerms):
		view.Status = lending.RequirementInvalidTerms.String()
	case err != nil:
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCollateralQuote(w http.ResponseWriter, r *http.Request) {
	var req collateralQuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	borrowAsset, err := s.resolveAsset(req.BorrowAsset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralAsset, err := s.resolveAsset(req.CollateralAsset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DurationDays == 0 {
		s.writeError(w, r, badRequest("durationDays must be positive"))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.backend.Market.QuoteCollateral(r.Context(), borrowAsset.Address, collateralAsset.Address, req.DurationDays, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toCollateralQuoteView(quote))
}

func (s *Server) handleRepaymentQuote(w http.ResponseWriter, r *http.Request) {
	var req repaymentQuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := parseAddress("wallet", req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var amount lending.Amount
	if strings.TrimSpace(req.Amount) != "" {
		if amount, err = parseAmount("amount", req.Amount); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	quote, err := s.backend.Dashboard.QuoteRepayFor(r.Context(), nil, wallet, req.LoanID, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toRepaymentQuoteView(wallet, quote))
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req preflightRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := parseAddress("from", req.From)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	call, err := s.preflightCall(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.backend.Preflight.CheckFrom(r.Context(), from, call)
	view := preflightView{From: from, Method: call.Method, OK: err == nil, Status: "ok", StalePrice: res.StalePrice}
	if err != nil {
		kind, _ := lending.KindOf(err)
		if kind != lending.KindSimulatedRevert {
			s.writeError(w, r, err)
			return
		}
		view.Status = string(res.Outcome)
		view.Reason = err.Error()
		view.Stale = res.StalePrice
		view.Remedy = lending.RemedyOf(err)
	}
	writeJSON(w, http.StatusOK, view)
}

// preflightCall builds the contract call a preflight request describes.
func (s *Server) preflightCall(req preflightRequest) (contracts.Call, error) {
	n := s.backend.Network
	market := contracts.LoanMarketContract{Address: netcfg.Address(n.Contracts.LoanMarket)}
	fiat := contracts.FiatLoanMarketContract{Address: netcfg.Address(n.Contracts.FiatLoanMarket)}
	amount := func() (lending.Amount, error) { return parseAmount("amount", req.Amount) }

	switch req.Action {
	case "repay":
		a, err := amount()
		if err != nil {
			return contracts.Call{}, err
		}
		return market.RepayLoan(req.ID, a), nil
	case "accept_offer", "accept_fiat_offer":
		a, err := amount()
		if err != nil {
			return contracts.Call{}, err
		}
		collateral, err := parseAmount("collateral", req.Collateral)
		if err != nil {
			return contracts.Call{}, err
		}
		if req.Action == "accept_offer" {
			return market.AcceptLenderOffer(req.ID, a, collateral), nil
		}
		if n.Contracts.FiatLoanMarket == "" {
			return contracts.Call{}, badRequest("no fiat loan market configured on " + n.Name)
		}
		return fiat.AcceptFiatLenderOffer(req.ID, a, collateral), nil
	case "cancel_request":
		return market.CancelLoanRequest(req.ID), nil
	case "cancel_offer":
		return market.CancelLenderOffer(req.ID), nil
	case "approve":
		a, err := amount()
		if err != nil {
			return contracts.Call{}, err
		}
		token, err := s.resolveAsset(req.Token)
		if err != nil {
			return contracts.Call{}, err
		}
		spender := market.Address
		if req.Spender != "" {
			if spender, err = parseAddress("spender", req.Spender); err != nil {
				return contracts.Call{}, err
			}
		}
		return contracts.Token{Address: token.Address}.Approve(spender, a), nil
	default:
		return contracts.Call{}, badRequest(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if raw := q.Get("borrower"); raw != "" {
		borrower, err := parseAddress("borrower", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		loans, err := s.backend.Dashboard.Loans(r.Context(), borrower)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := listView[loanView]{Items: make([]loanView, 0, len(loans)), Status: "ok"}
		for _, l := range loans {
			view := s.toLoanView(l.Loan)
			owed, remaining := s.amount(l.Loan.BorrowAsset, l.TotalOwed), s.amount(l.Loan.BorrowAsset, l.Remaining)
			view.TotalOwed, view.Remaining = &owed, &remaining
			out.Items = append(out.Items, view)
			out.Snapshot = toSnapshot(l.Snapshot)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	page, err := parsePage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loans, snap, err := s.backend.Market.Loans(r.Context(), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := listView[loanView]{Items: make([]loanView, 0, len(loans)), Snapshot: toSnapshot(snap), Status: "ok"}
	for _, l := range loans {
		out.Items = append(out.Items, s.toLoanView(l))
		out.Next = nextCursor(out.Next, l.ID)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offers, snap, err := s.backend.Market.Offers(r.Context(), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.backend.Now()
	out := listView[offerView]{Items: make([]offerView, 0, len(offers)), Snapshot: toSnapshot(snap), Status: "ok"}
	for _, o := range offers {
		out.Items = append(out.Items, s.toOfferView(o, now))
		out.Next = nextCursor(out.Next, o.ID)
	}
	writeJSON(w, http.StatusOK, out)
}

// nextCursor tracks the lowest id seen; id 1 is the oldest so nothing follows it.
func nextCursor(current, id uint64) uint64 {
	if id <= 1 {
		return 0
	}
	if current == 0 || id < current {
		return id
	}
	return current
}

func (s *Server) staleRemedy() lending.Remedy {
	if s.backend.Prices.RefreshPermitted() {
		return lending.RemedyRefreshPrice
	}
	return lending.RemedyWaitForOracle
}

// resolveAsset accepts a token symbol from the network table or a hex address.
func (s *Server) resolveAsset(ref string) (lending.Asset, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return lending.Asset{}, badRequest("asset required")
	}
	asset, ok := s.backend.Network.Token(ref)
	if !ok && asset.Address == (common.Address{}) {
		return lending.Asset{}, badRequest(fmt.Sprintf("unknown asset %q", ref))
	}
	return asset, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest(field + " must be a hex address")
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (lending.Amount, error) {
	a, err := lending.ParseAmount(strings.TrimSpace(raw))
	if err != nil {
		return lending.Amount{}, badRequest(field + " must be a non-negative integer in base units")
	}
	return a, nil
}

func parsePage(r *http.Request) (flows.Page, error) {
	q := r.URL.Query()
	var page flows.Page
	if raw := q.Get("from"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return page, badRequest("from must be a loan or offer id")
		}
		page.Before = from
	}
	if raw := q.Get("count"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count <= 0 || count > flows.MaxListing {
			return page, badRequest(fmt.Sprintf("count must be between 1 and %d", flows.MaxListing))
		}
		page.Limit = count
	}
	return page, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}
