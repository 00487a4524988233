// Package terms resolves duration-bucketed LTV and liquidation parameters.
package terms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
)

// MaxBasisPoints is the upper bound of any ratio in basis points.
const MaxBasisPoints = 10_000

var (
	// ErrNoTerms is returned when the registry has LTV 0 for an asset and
	// duration. Zero never means "borrow nothing".
	ErrNoTerms = errors.New("terms: no terms available")
	// ErrInvalidTerms is returned for values outside 0..10000 or a liquidation
	// threshold below the maximum LTV.
	ErrInvalidTerms = errors.New("terms: invalid configuration")
)

// Resolver reads the LTV registry.
type Resolver struct {
	reader   chain.Reader
	registry contracts.LTVConfigContract
	logger   *slog.Logger
}

// NewResolver builds a resolver for the registry at address.
func NewResolver(reader chain.Reader, address common.Address, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reader: reader, registry: contracts.LTVConfigContract{Address: address}, logger: logger}
}

// Terms reads max LTV and liquidation threshold concurrently.
func (r *Resolver) Terms(ctx context.Context, asset common.Address, durationDays uint64) (lending.LTVTerms, error) {
	if r == nil || r.reader == nil {
		return lending.LTVTerms{}, fmt.Errorf("terms: resolver not initialised")
	}
	var ltv, threshold uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.readUint(gctx, r.registry.GetLTV(asset, durationDays))
		ltv = v
		return err
	})
	g.Go(func() error {
		v, err := r.readUint(gctx, r.registry.GetLiquidationThreshold(asset, durationDays))
		threshold = v
		return err
	})
	if err := g.Wait(); err != nil {
		return lending.LTVTerms{}, err
	}
	return Validate(lending.LTVTerms{
		Asset:                   asset,
		DurationDays:            durationDays,
		MaxLTVBps:               ltv,
		LiquidationThresholdBps: threshold,
	})
}

// Validate applies the registry rules to values that were already read.
func Validate(t lending.LTVTerms) (lending.LTVTerms, error) {
	if t.MaxLTVBps == 0 {
		return t, lending.NewFlowError(lending.KindUnavailable, lending.RemedyNone,
			fmt.Sprintf("no LTV configured for %s over %d days", t.Asset.Hex(), t.DurationDays), ErrNoTerms)
	}
	if t.MaxLTVBps > MaxBasisPoints || t.LiquidationThresholdBps > MaxBasisPoints {
		return t, fmt.Errorf("%w: ltv %d threshold %d", ErrInvalidTerms, t.MaxLTVBps, t.LiquidationThresholdBps)
	}
	if t.LiquidationThresholdBps != 0 && t.LiquidationThresholdBps < t.MaxLTVBps {
		return t, fmt.Errorf("%w: threshold %d below ltv %d", ErrInvalidTerms, t.LiquidationThresholdBps, t.MaxLTVBps)
	}
	return t, nil
}

func (r *Resolver) readUint(ctx context.Context, call contracts.Call) (uint64, error) {
	data, _, err := r.reader.Read(ctx, call)
	if err != nil {
		if revert, ok := chain.AsRevert(err); ok && revert.Name == "NoLTVConfigured" {
			return 0, nil
		}
		return 0, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, call.Method+" read failed", err)
	}
	v, err := contracts.DecodeUint(call, data)
	if err != nil {
		return 0, fmt.Errorf("terms: decode %s: %w", call.Method, err)
	}
	return v, nil
}
