package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendclient/chain"
	"lendclient/lending"
)

func snapshotAt(block uint64) chain.Snapshot {
	return chain.Snapshot{Block: block, Time: time.Unix(1_700_000_000+int64(block), 0).UTC()}
}

func TestUpsertRequiresConfirmedRead(t *testing.T) {
	repo := NewRepository(NewMemDB(), nil)
	_, err := repo.Upsert(chain.Snapshot{}, lending.Loan{ID: 1, Status: lending.LoanActive})
	require.ErrorIs(t, err, ErrUnconfirmed)
}

func TestUpsertSkipsOlderReads(t *testing.T) {
	repo := NewRepository(NewMemDB(), nil)
	newer := lending.Loan{ID: 1, AmountRepaid: lending.NewAmount(50), Status: lending.LoanActive}
	older := lending.Loan{ID: 1, AmountRepaid: lending.NewAmount(10), Status: lending.LoanActive}

	res, err := repo.Upsert(snapshotAt(20), newer)
	require.NoError(t, err)
	require.Equal(t, WriteStored, res)

	res, err = repo.Upsert(snapshotAt(19), older)
	require.NoError(t, err)
	require.Equal(t, WriteSkippedOlder, res)

	var cached lending.Loan
	snap, err := repo.Get(lending.EntityLoan, "1", &cached)
	require.NoError(t, err)
	require.Equal(t, uint64(20), snap.Block)
	require.Equal(t, "50", cached.AmountRepaid.String())
}

func TestUpsertRejectsStatusRegression(t *testing.T) {
	repo := NewRepository(NewMemDB(), nil)
	_, err := repo.Upsert(snapshotAt(30), lending.LenderOffer{ID: 4, Status: lending.ListingFunded})
	require.NoError(t, err)

	res, err := repo.Upsert(snapshotAt(31), lending.LenderOffer{ID: 4, Status: lending.ListingPending})
	require.NoError(t, err)
	require.Equal(t, WriteRejectedRegression, res)

	var cached lending.LenderOffer
	_, err = repo.Get(lending.EntityLenderOffer, "4", &cached)
	require.NoError(t, err)
	require.Equal(t, lending.ListingFunded, cached.Status)
}

func TestInvalidateForcesMiss(t *testing.T) {
	repo := NewRepository(NewMemDB(), nil)
	quote := lending.PriceQuote{Price: lending.NewAmount(300_000_000_000), UpdatedAt: time.Unix(1_700_000_000, 0).UTC()}
	_, err := repo.Upsert(snapshotAt(5), quote)
	require.NoError(t, err)
	require.NoError(t, repo.Invalidate(lending.EntityPriceQuote, quote.EntityID()))

	var cached lending.PriceQuote
	_, err = repo.Get(lending.EntityPriceQuote, quote.EntityID(), &cached)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListOnLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, nil)
	_, err = repo.UpsertBatch(snapshotAt(7),
		lending.LoanRequest{ID: 1, Status: lending.ListingPending},
		lending.LoanRequest{ID: 2, Status: lending.ListingCancelled},
		lending.Loan{ID: 1, Status: lending.LoanActive},
	)
	require.NoError(t, err)

	var ids []string
	err = repo.List(lending.EntityLoanRequest, func(id string, snap chain.Snapshot, _ []byte) error {
		require.Equal(t, uint64(7), snap.Block)
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}
