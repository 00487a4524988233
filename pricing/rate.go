package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
	"lendclient/observability"
)

// ErrRateUnavailable is returned when no exchange rate exists for a currency.
var ErrRateUnavailable = errors.New("pricing: exchange rate unavailable")

// RateScale is the fixed-point scale of exchange rates (1e8).
var RateScale = lending.NewAmount(100_000_000)

// RateObservation is one classified exchange rate read.
type RateObservation struct {
	Rate       lending.ExchangeRate
	Status     PriceStatus
	AgeSeconds uint32
	Snapshot   chain.Snapshot
}

// Fresh reports whether the rate is within its one hour window.
func (o RateObservation) Fresh() bool { return o.Status == PriceStatusOK }

// RateFeed reads the fiat exchange rate oracle.
type RateFeed struct {
	options
	reader  chain.Reader
	oracle  contracts.ExchangeRateOracleContract
	metrics *observability.OracleMetrics
}

// NewRateFeed builds a feed over the oracle deployed at oracle. Refresh and
// deviation options do not apply to rates.
func NewRateFeed(reader chain.Reader, oracle common.Address, opts ...Option) *RateFeed {
	return &RateFeed{
		options: newOptions(opts),
		reader:  reader,
		oracle:  contracts.ExchangeRateOracleContract{Address: oracle},
		metrics: observability.Oracle(),
	}
}

// Rate reads the rate for an ISO currency code.
func (f *RateFeed) Rate(ctx context.Context, currency string) (RateObservation, error) {
	if f == nil || f.reader == nil {
		return RateObservation{}, fmt.Errorf("pricing: rate feed not initialised")
	}
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return RateObservation{}, lending.NewFlowError(lending.KindValidation, lending.RemedyNone, "currency required", nil)
	}
	unavailable := RateObservation{Rate: lending.ExchangeRate{Currency: code}, Status: PriceStatusUnavailable}

	call := f.oracle.GetRate(code)
	data, snap, err := f.reader.Read(ctx, call)
	if err != nil {
		revert, ok := chain.AsRevert(err)
		if !ok {
			return unavailable, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "rate read failed", err)
		}
		f.metrics.RecordStale("rate", code, "unavailable")
		return unavailable, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
			"no exchange rate configured for "+code, fmt.Errorf("%w: %w", ErrRateUnavailable, revert))
	}
	rate, err := contracts.DecodeRate(code, data)
	if err != nil {
		return unavailable, fmt.Errorf("pricing: decode rate: %w", err)
	}
	if !rate.Available() {
		f.metrics.RecordStale("rate", code, "unavailable")
		return unavailable, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
			"oracle returned no rate for "+code, ErrRateUnavailable)
	}

	now := f.now().UTC()
	obs := RateObservation{Rate: rate, Status: PriceStatusOK, Snapshot: snap, AgeSeconds: computeAgeSeconds(rate.UpdatedAt, now)}
	f.metrics.RecordObservation("rate", code, rate.PerUSD.Big(), now.Sub(rate.UpdatedAt))
	if rate.Stale(now) {
		obs.Status = PriceStatusStale
		f.metrics.RecordStale("rate", code, "age")
	}
	if f.repo != nil {
		if _, err := f.repo.Upsert(snap, rate); err != nil {
			f.logger.Warn("rate cache write failed", slog.String("currency", code), slog.Any("error", err))
		}
	}
	return obs, nil
}

// ToUSDCents converts an amount in currency cents to USD cents, truncating.
func ToUSDCents(localCents lending.Amount, rate lending.ExchangeRate) (lending.Amount, error) {
	if !rate.Available() {
		return lending.Amount{}, ErrRateUnavailable
	}
	out, ok := localCents.MulDivFloor(RateScale, rate.PerUSD)
	if !ok {
		return lending.Amount{}, fmt.Errorf("pricing: %s cents overflow converting to USD", localCents)
	}
	return out, nil
}

// FromUSDCents converts USD cents to currency cents, truncating.
func FromUSDCents(usdCents lending.Amount, rate lending.ExchangeRate) (lending.Amount, error) {
	if !rate.Available() {
		return lending.Amount{}, ErrRateUnavailable
	}
	out, ok := usdCents.MulDivFloor(rate.PerUSD, RateScale)
	if !ok {
		return lending.Amount{}, fmt.Errorf("pricing: %s USD cents overflow converting to %s", usdCents, rate.Currency)
	}
	return out, nil
}
