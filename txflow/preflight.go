// Package txflow runs state-changing contract calls: every call is simulated
// from the signing address with the exact arguments that will be broadcast,
// then submitted and awaited. Allowance-gated actions go through the Approval
// state machine.
package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
	"lendclient/observability"
	"lendclient/storage/journal"
)

// Outcome is the terminal result of one preflighted write.
type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeSimulationFailed Outcome = "simulation_failed"
	OutcomeReverted         Outcome = "reverted"
	OutcomeTransport        Outcome = "transport_error"
)

// Request is a write to execute on behalf of a flow.
type Request struct {
	Flow    string
	Session string
	Call    contracts.Call
}

// Result describes what happened to a Request. Hash is set once the
// transaction was broadcast.
type Result struct {
	Outcome    Outcome
	Hash       common.Hash
	Receipt    chain.Receipt
	Revert     *chain.RevertError
	StalePrice bool
}

// Journal persists broadcast hashes so an interrupted flow can be resumed.
type Journal interface {
	Record(ctx context.Context, entry journal.Entry) error
	Resolve(ctx context.Context, hash string, status journal.Status, block uint64, detail string) error
	Get(ctx context.Context, hash string) (journal.Entry, error)
}

// Preflight simulates and submits writes.
type Preflight struct {
	node          chain.Node
	journal       Journal
	logger        *slog.Logger
	refreshPrices bool
	metrics       *observability.FlowMetrics
	now           func() time.Time
}

// PreflightOption customises a Preflight.
type PreflightOption func(*Preflight)

// WithJournal records every broadcast transaction in j.
func WithJournal(j Journal) PreflightOption {
	return func(p *Preflight) { p.journal = j }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) PreflightOption {
	return func(p *Preflight) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPriceRefresh marks the network's oracle as refreshable so stale-price
// failures offer a refresh instead of waiting for the oracle.
func WithPriceRefresh(enabled bool) PreflightOption {
	return func(p *Preflight) { p.refreshPrices = enabled }
}

// NewPreflight builds a Preflight over node.
func NewPreflight(node chain.Node, opts ...PreflightOption) *Preflight {
	p := &Preflight{
		node:    node,
		logger:  slog.Default(),
		metrics: observability.Flows(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Sender is the address writes are simulated and signed from.
func (p *Preflight) Sender() common.Address { return p.node.Sender() }

// Check simulates call from the sender without submitting it.
func (p *Preflight) Check(ctx context.Context, call contracts.Call) (Result, error) {
	if p == nil || p.node == nil {
		return Result{}, fmt.Errorf("txflow: preflight not configured")
	}
	return p.CheckFrom(ctx, p.node.Sender(), call)
}

// CheckFrom simulates call as from. Read-only callers use it to preflight a
// transaction another wallet will sign.
func (p *Preflight) CheckFrom(ctx context.Context, from common.Address, call contracts.Call) (Result, error) {
	if p == nil || p.node == nil {
		return Result{}, fmt.Errorf("txflow: preflight not configured")
	}
	if !call.Mutating() {
		return Result{}, fmt.Errorf("txflow: %s is not a state-changing call", call)
	}
	err := p.node.Simulate(ctx, from, call)
	if err == nil {
		return Result{}, nil
	}
	return p.simulationFailure(call, err)
}

// Execute preflights req.Call and, when the simulation passes, submits the
// identical call and waits for its receipt. A transaction that is mined but
// reverted yields OutcomeReverted and a retryable error.
func (p *Preflight) Execute(ctx context.Context, req Request) (Result, error) {
	start := p.now()
	res, err := p.execute(ctx, req)
	p.metrics.ObserveOutcome(req.Flow, string(res.Outcome), p.now().Sub(start))
	return res, err
}

func (p *Preflight) execute(ctx context.Context, req Request) (Result, error) {
	res, err := p.Check(ctx, req.Call)
	if err != nil {
		return res, err
	}

	hash, err := p.node.Submit(ctx, req.Call)
	if err != nil {
		// Gas estimation can surface a revert the simulation did not see.
		if _, ok := chain.AsRevert(err); ok {
			return p.simulationFailure(req.Call, err)
		}
		if errors.Is(err, chain.ErrNoSigner) {
			return Result{Outcome: OutcomeTransport}, lending.NewFlowError(lending.KindValidation, lending.RemedyNone,
				"no signing key configured", err)
		}
		return Result{Outcome: OutcomeTransport}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry,
			"submission failed", err)
	}
	p.logger.Info("transaction submitted",
		slog.String("flow", req.Flow),
		slog.String("method", req.Call.Method),
		slog.String("tx_hash", hash.Hex()))

	if p.journal != nil {
		fp, _ := req.Call.Fingerprint()
		entry := journal.Entry{
			Hash:        hash.Hex(),
			Session:     req.Session,
			Flow:        req.Flow,
			Method:      req.Call.Method,
			Target:      req.Call.To.Hex(),
			Fingerprint: fp.Hex(),
			Sender:      p.node.Sender().Hex(),
		}
		if err := p.journal.Record(ctx, entry); err != nil {
			p.logger.Warn("journal record failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
	}
	return p.await(ctx, hash)
}

// Resume waits for a previously broadcast transaction instead of submitting
// it again.
func (p *Preflight) Resume(ctx context.Context, hash common.Hash) (Result, error) {
	if p == nil || p.node == nil {
		return Result{}, fmt.Errorf("txflow: preflight not configured")
	}
	if p.journal != nil {
		entry, err := p.journal.Get(ctx, hash.Hex())
		if err != nil {
			return Result{}, err
		}
		switch entry.Status {
		case journal.StatusConfirmed:
			return Result{Outcome: OutcomeConfirmed, Hash: hash, Receipt: chain.Receipt{Hash: hash, Block: entry.Block, Success: true}}, nil
		case journal.StatusReverted:
			return Result{Outcome: OutcomeReverted, Hash: hash, Receipt: chain.Receipt{Hash: hash, Block: entry.Block}},
				lending.NewFlowError(lending.KindOnChainRevert, lending.RemedyRetry, "transaction reverted on-chain", nil)
		}
	}
	return p.await(ctx, hash)
}

func (p *Preflight) await(ctx context.Context, hash common.Hash) (Result, error) {
	receipt, err := p.node.AwaitReceipt(ctx, hash)
	if err != nil {
		// The hash stays pending in the journal so the flow can be resumed.
		return Result{Outcome: OutcomeTransport, Hash: hash}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry,
			"confirmation not observed", err)
	}
	res := Result{Hash: hash, Receipt: receipt}
	if !receipt.Success {
		res.Outcome = OutcomeReverted
		p.resolve(ctx, hash, journal.StatusReverted, receipt.Block, "reverted")
		p.logger.Warn("transaction reverted after passing preflight",
			slog.String("tx_hash", hash.Hex()),
			slog.Uint64("block", receipt.Block))
		return res, lending.NewFlowError(lending.KindOnChainRevert, lending.RemedyRetry,
			"transaction reverted on-chain; state changed since preflight", nil)
	}
	res.Outcome = OutcomeConfirmed
	p.resolve(ctx, hash, journal.StatusConfirmed, receipt.Block, "")
	return res, nil
}

func (p *Preflight) resolve(ctx context.Context, hash common.Hash, status journal.Status, block uint64, detail string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Resolve(ctx, hash.Hex(), status, block, detail); err != nil && !errors.Is(err, journal.ErrNotFound) {
		p.logger.Warn("journal resolve failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
	}
}

func (p *Preflight) simulationFailure(call contracts.Call, err error) (Result, error) {
	revert, ok := chain.AsRevert(err)
	if !ok {
		return Result{Outcome: OutcomeTransport}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry,
			"simulation unavailable", err)
	}
	res := Result{Outcome: OutcomeSimulationFailed, Revert: revert, StalePrice: IsStalePrice(revert)}
	remedy := lending.RemedyNone
	switch {
	case res.StalePrice && p.refreshPrices:
		remedy = lending.RemedyRefreshPrice
	case res.StalePrice:
		remedy = lending.RemedyWaitForOracle
	default:
		remedy = remedyFor(revert)
	}
	p.logger.Info("preflight rejected call",
		slog.String("method", call.Method),
		slog.String("reason", Reason(revert)),
		slog.Bool("stale_price", res.StalePrice))
	return res, lending.NewFlowError(lending.KindSimulatedRevert, remedy, Reason(revert), revert)
}

var staleErrors = map[string]bool{
	"StalePrice":        true,
	"PriceStale":        true,
	"StaleExchangeRate": true,
}

// IsStalePrice reports whether a revert was caused by an outdated oracle value.
func IsStalePrice(revert *chain.RevertError) bool {
	if revert == nil {
		return false
	}
	if staleErrors[revert.Name] {
		return true
	}
	return strings.Contains(strings.ToLower(revert.Text()), "stale")
}

// Reason is the most specific human-readable text available for revert.
func Reason(revert *chain.RevertError) string {
	if revert == nil {
		return ""
	}
	switch {
	case revert.Reason != "":
		return revert.Reason
	case revert.Name != "" && revert.Name != "Error":
		return revert.Name
	case revert.Message != "":
		return revert.Message
	default:
		return "execution reverted"
	}
}

func remedyFor(revert *chain.RevertError) lending.Remedy {
	switch revert.Name {
	case "ERC20InsufficientAllowance":
		return lending.RemedyApproveAgain
	case "ERC20InsufficientBalance":
		return lending.RemedyTopUpBalance
	case "ExceedsOfferCapacity", "RepaymentExceedsOwed", "InsufficientCollateral":
		return lending.RemedyReduceAmount
	}
	text := strings.ToLower(revert.Text())
	switch {
	case strings.Contains(text, "allowance"):
		return lending.RemedyApproveAgain
	case strings.Contains(text, "balance"):
		return lending.RemedyTopUpBalance
	}
	return lending.RemedyNone
}
