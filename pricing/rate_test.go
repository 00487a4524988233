package pricing

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lendclient/chain"
	"lendclient/chain/chaintest"
	"lendclient/contracts"
	"lendclient/lending"
)

func rateFixture(t *testing.T, rates map[string][2]int64) (*chaintest.Fake, *RateFeed) {
	t.Helper()
	fake := chaintest.New(common.HexToAddress("0x00000000000000000000000000000000000000b0"))
	fake.OnRead("getRate", func(call contracts.Call) ([]byte, error) {
		code := call.Args[0].(string)
		entry, ok := rates[code]
		if !ok {
			return nil, &chain.RevertError{Name: "RateNotConfigured", Args: []any{code}}
		}
		return chaintest.Outputs(call, big.NewInt(entry[0]), big.NewInt(entry[1])), nil
	})
	return fake, NewRateFeed(fake, common.HexToAddress("0x00000000000000000000000000000000000000e2"), WithClock(fake.Now))
}

func TestRateStalenessBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).Unix()
	_, feed := rateFixture(t, map[string][2]int64{
		"EUR": {92_000_000, now - 3600},
		"GBP": {79_000_000, now - 3601},
		"JPY": {0, now},
	})

	eur, err := feed.Rate(context.Background(), "eur")
	require.NoError(t, err)
	require.Equal(t, PriceStatusOK, eur.Status)
	require.Equal(t, "EUR", eur.Rate.Currency)

	gbp, err := feed.Rate(context.Background(), "GBP")
	require.NoError(t, err)
	require.Equal(t, PriceStatusStale, gbp.Status)
	require.False(t, gbp.Fresh())

	_, err = feed.Rate(context.Background(), "JPY")
	require.ErrorIs(t, err, ErrRateUnavailable)

	_, err = feed.Rate(context.Background(), "CHF")
	require.ErrorIs(t, err, ErrRateUnavailable)
	require.ErrorIs(t, err, lending.ErrUnavailable)
}

func TestCentsConversionTruncates(t *testing.T) {
	rate := lending.ExchangeRate{
		Currency:  "EUR",
		PerUSD:    lending.NewAmount(92_000_000),
		UpdatedAt: time.Unix(1_700_000_000, 0),
	}

	usd, err := ToUSDCents(lending.NewAmount(10_000), rate)
	require.NoError(t, err)
	// 10000 * 1e8 / 0.92e8 = 10869.56...
	require.Equal(t, "10869", usd.String())

	eur, err := FromUSDCents(lending.NewAmount(10_869), rate)
	require.NoError(t, err)
	// 10869 * 0.92 = 9999.48
	require.Equal(t, "9999", eur.String())

	_, err = ToUSDCents(lending.NewAmount(1), lending.ExchangeRate{Currency: "EUR"})
	require.True(t, errors.Is(err, ErrRateUnavailable))
}
