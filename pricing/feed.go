// Package pricing reads USD prices and fiat exchange rates from the on-chain
// oracles and classifies them for freshness.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
	"lendclient/observability"
	"lendclient/storage"
	"lendclient/txflow"
)

var (
	// ErrPriceUnavailable is returned when the oracle has no price for an asset.
	ErrPriceUnavailable = errors.New("pricing: price unavailable")
	// ErrRefreshNotPermitted is returned by Refresh on networks with a real oracle.
	ErrRefreshNotPermitted = errors.New("pricing: oracle refresh not permitted on this network")
	// ErrStillStale is returned when WaitFresh gives up.
	ErrStillStale = errors.New("pricing: quote still stale")
)

// PriceStatus captures the health classification assigned to an oracle quote.
type PriceStatus string

const (
	// PriceStatusOK indicates the quote is within its freshness window.
	PriceStatusOK PriceStatus = "ok"
	// PriceStatusStale signals the quote exceeded the freshness window.
	PriceStatusStale PriceStatus = "stale"
	// PriceStatusDeviant indicates the quote moved further than the configured
	// threshold from the previous confirmed read. It is informational only and
	// fires once per jump: the deviant read becomes the next baseline.
	PriceStatusDeviant PriceStatus = "deviant"
	// PriceStatusUnavailable marks an asset without a configured price.
	PriceStatusUnavailable PriceStatus = "unavailable"
)

// Observation is one classified price read.
type Observation struct {
	Quote      lending.PriceQuote
	Status     PriceStatus
	AgeSeconds uint32
	Snapshot   chain.Snapshot
}

// Fresh reports whether the quote can feed collateral math.
func (o Observation) Fresh() bool {
	return o.Status == PriceStatusOK || o.Status == PriceStatusDeviant
}

// Freshness maps the observation onto the repayment gate.
func (o Observation) Freshness() lending.Freshness {
	switch o.Status {
	case PriceStatusOK, PriceStatusDeviant:
		return lending.FreshnessFresh
	case PriceStatusStale:
		return lending.FreshnessStale
	default:
		return lending.FreshnessUnavailable
	}
}

// Executor runs a preflighted write. *txflow.Preflight satisfies it.
type Executor interface {
	Execute(ctx context.Context, req txflow.Request) (txflow.Result, error)
}

type options struct {
	repo            *storage.Repository
	exec            Executor
	mockOracle      bool
	maxDeviationBps uint32
	maxWaitAttempts int
	now             func() time.Time
	logger          *slog.Logger
}

func newOptions(opts []Option) options {
	o := options{maxWaitAttempts: 20, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Option customises a PriceFeed or RateFeed.
type Option func(*options)

// WithRepository caches confirmed reads in repo.
func WithRepository(repo *storage.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithMockOracle enables Refresh through exec. Only test networks deploy a
// refreshable oracle.
func WithMockOracle(exec Executor) Option {
	return func(o *options) {
		o.exec = exec
		o.mockOracle = exec != nil
	}
}

// WithDeviationGuard flags quotes that moved more than bps from the cached read.
func WithDeviationGuard(bps uint32) Option {
	return func(o *options) { o.maxDeviationBps = bps }
}

// WithMaxWaitAttempts bounds WaitFresh polling.
func WithMaxWaitAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWaitAttempts = n
		}
	}
}

// WithClock overrides the clock used for staleness.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// PriceFeed reads the USD price oracle.
type PriceFeed struct {
	options
	reader  chain.Reader
	oracle  contracts.PriceOracleContract
	metrics *observability.OracleMetrics
}

// NewPriceFeed builds a feed over the oracle deployed at oracle.
func NewPriceFeed(reader chain.Reader, oracle common.Address, opts ...Option) *PriceFeed {
	return &PriceFeed{
		options: newOptions(opts),
		reader:  reader,
		oracle:  contracts.PriceOracleContract{Address: oracle},
		metrics: observability.Oracle(),
	}
}

// RefreshPermitted reports whether Refresh may be called on this network.
func (f *PriceFeed) RefreshPermitted() bool {
	return f != nil && f.mockOracle && f.exec != nil
}

// Price reads the latest quote for asset. A stale quote is returned with
// PriceStatusStale and a nil error; an unconfigured or zero price yields
// ErrPriceUnavailable.
func (f *PriceFeed) Price(ctx context.Context, asset common.Address) (Observation, error) {
	if f == nil || f.reader == nil {
		return Observation{}, fmt.Errorf("pricing: feed not initialised")
	}
	call := f.oracle.GetPrice(asset)
	data, snap, err := f.reader.Read(ctx, call)
	if err != nil {
		return f.readFailure(asset, err)
	}
	quote, err := contracts.DecodePrice(asset, data)
	if err != nil {
		return Observation{Status: PriceStatusUnavailable}, fmt.Errorf("pricing: decode price: %w", err)
	}
	return f.classify(quote, snap)
}

// Prices reads every asset at one block. A failed item is classified like a
// failed Price read, without its error; only a failed round trip is an error.
func (f *PriceFeed) Prices(ctx context.Context, assets ...common.Address) (map[common.Address]Observation, error) {
	if f == nil || f.reader == nil {
		return nil, fmt.Errorf("pricing: feed not initialised")
	}
	calls := make([]contracts.Call, len(assets))
	for i, asset := range assets {
		calls[i] = f.oracle.GetPrice(asset)
	}
	results, snap, err := f.reader.ReadBatch(ctx, calls)
	if err != nil {
		return nil, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "price batch failed", err)
	}
	out := make(map[common.Address]Observation, len(assets))
	for i, asset := range assets {
		if results[i].Err != nil {
			obs, _ := f.readFailure(asset, results[i].Err)
			obs.Snapshot = snap
			out[asset] = obs
			continue
		}
		quote, err := contracts.DecodePrice(asset, results[i].Data)
		if err != nil {
			out[asset] = Observation{Quote: lending.PriceQuote{Asset: asset}, Status: PriceStatusUnavailable, Snapshot: snap}
			continue
		}
		obs, _ := f.classify(quote, snap)
		out[asset] = obs
	}
	return out, nil
}

// Refresh asks a mock oracle to re-stamp asset, then drops the cached quote
// and reads it again from chain.
func (f *PriceFeed) Refresh(ctx context.Context, asset common.Address) (Observation, error) {
	if !f.RefreshPermitted() {
		return Observation{}, ErrRefreshNotPermitted
	}
	_, err := f.exec.Execute(ctx, txflow.Request{Flow: "refresh_price", Call: f.oracle.RefreshPrice(asset)})
	f.metrics.RecordRefresh("price", err)
	if err != nil {
		return Observation{}, err
	}
	if f.repo != nil {
		if err := f.repo.Invalidate(lending.EntityPriceQuote, entityID(asset)); err != nil {
			f.logger.Warn("price cache invalidation failed", slog.String("asset", asset.Hex()), slog.Any("error", err))
		}
	}
	return f.Price(ctx, asset)
}

// WaitStatus is reported to WaitFresh callers before every sleep.
type WaitStatus struct {
	Attempt     int
	MaxAttempts int
	Age         time.Duration
	NextPoll    time.Duration
}

// Remaining is the longest WaitFresh will keep polling.
func (w WaitStatus) Remaining() time.Duration {
	left := w.MaxAttempts - w.Attempt
	if left < 0 {
		left = 0
	}
	return time.Duration(left) * w.NextPoll
}

// WaitFresh polls until the oracle publishes a fresh quote for asset. It
// stops with ErrStillStale after the configured number of attempts, or with
// the context error.
func (f *PriceFeed) WaitFresh(ctx context.Context, asset common.Address, poll time.Duration, progress func(WaitStatus)) (Observation, error) {
	if poll <= 0 {
		poll = 15 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last Observation
	for attempt := 1; ; attempt++ {
		obs, err := f.Price(ctx, asset)
		if err != nil {
			return obs, err
		}
		if obs.Fresh() {
			return obs, nil
		}
		last = obs
		if attempt >= f.maxWaitAttempts {
			return last, fmt.Errorf("%w: %s after %d attempts", ErrStillStale, asset.Hex(), attempt)
		}
		if progress != nil {
			progress(WaitStatus{
				Attempt:     attempt,
				MaxAttempts: f.maxWaitAttempts,
				Age:         time.Duration(obs.AgeSeconds) * time.Second,
				NextPoll:    poll,
			})
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *PriceFeed) readFailure(asset common.Address, err error) (Observation, error) {
	unavailable := Observation{Quote: lending.PriceQuote{Asset: asset}, Status: PriceStatusUnavailable}
	revert, ok := chain.AsRevert(err)
	if !ok {
		f.metrics.RecordStale("price", asset.Hex(), "unavailable")
		return unavailable, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "price read failed", err)
	}
	if revert.Name == "PriceStale" {
		f.metrics.RecordStale("price", asset.Hex(), "revert")
		return Observation{Quote: lending.PriceQuote{Asset: asset}, Status: PriceStatusStale, AgeSeconds: math.MaxUint32}, nil
	}
	f.metrics.RecordStale("price", asset.Hex(), "unavailable")
	return unavailable, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
		fmt.Sprintf("no price configured for %s", asset.Hex()), fmt.Errorf("%w: %w", ErrPriceUnavailable, revert))
}

func (f *PriceFeed) classify(quote lending.PriceQuote, snap chain.Snapshot) (Observation, error) {
	obs := Observation{Quote: quote, Snapshot: snap, Status: PriceStatusOK}
	if !quote.Available() {
		obs.Status = PriceStatusUnavailable
		f.metrics.RecordStale("price", quote.Asset.Hex(), "unavailable")
		return obs, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
			fmt.Sprintf("oracle returned no price for %s", quote.Asset.Hex()), ErrPriceUnavailable)
	}
	now := f.now().UTC()
	obs.AgeSeconds = computeAgeSeconds(quote.UpdatedAt, now)
	f.metrics.RecordObservation("price", quote.Asset.Hex(), quote.Price.Big(), quote.Age(now))
	if quote.Stale(now) {
		obs.Status = PriceStatusStale
		f.metrics.RecordStale("price", quote.Asset.Hex(), "age")
	} else if f.deviates(quote) {
		obs.Status = PriceStatusDeviant
		f.metrics.RecordStale("price", quote.Asset.Hex(), "deviation")
	}
	if f.repo != nil {
		if _, err := f.repo.Upsert(snap, quote); err != nil {
			f.logger.Warn("price cache write failed", slog.String("asset", quote.Asset.Hex()), slog.Any("error", err))
		}
	}
	return obs, nil
}

// deviates compares quote against the last confirmed read in the cache. The
// caller then caches quote, so a sustained move is reported on one read only.
func (f *PriceFeed) deviates(quote lending.PriceQuote) bool {
	if f.repo == nil || f.maxDeviationBps == 0 {
		return false
	}
	var previous lending.PriceQuote
	if _, err := f.repo.Get(lending.EntityPriceQuote, entityID(quote.Asset), &previous); err != nil {
		return false
	}
	return deviatesBeyondThreshold(quote.Price.Big(), previous.Price.Big(), f.maxDeviationBps)
}

func entityID(asset common.Address) string {
	return strings.ToLower(asset.Hex())
}

func computeAgeSeconds(observed, now time.Time) uint32 {
	if observed.IsZero() || now.IsZero() {
		return math.MaxUint32
	}
	if observed.After(now) {
		return 0
	}
	seconds := now.Sub(observed) / time.Second
	if seconds > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(seconds)
}

func deviatesBeyondThreshold(spot, previous *big.Int, thresholdBps uint32) bool {
	if spot == nil || previous == nil || previous.Sign() <= 0 {
		return false
	}
	diff := new(big.Int).Sub(spot, previous)
	diff.Abs(diff)
	if diff.Sign() == 0 {
		return false
	}
	ratio := new(big.Rat).SetFrac(diff, previous)
	ratio.Mul(ratio, big.NewRat(10000, 1))
	return ratio.Cmp(big.NewRat(int64(thresholdBps), 1)) == 1
}
