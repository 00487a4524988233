package flows

import (
	"context"
	"errors"

	"lendclient/chain"
	"lendclient/contracts"
	"lendclient/lending"
)

// MaxListing caps one listing page.
const MaxListing = 100

// Page selects a window of sequential ids. Ids start at 1; the newest entity
// has id next-1.
type Page struct {
	// Before lists ids strictly below this one. Zero means from the newest.
	Before uint64
	Limit  int
}

func (p Page) limit() int {
	if p.Limit <= 0 || p.Limit > MaxListing {
		return MaxListing
	}
	return p.Limit
}

// listRange reads up to page.Limit entities, newest first, from one block.
// Ids the contract reports as unset are skipped; other per-item failures are
// logged and skipped so one bad record does not hide the rest.
func listRange[T lending.Entity](ctx context.Context, b *base, counter contracts.Call, page Page,
	get func(id uint64) contracts.Call, decode func(id uint64, data []byte) (T, error)) ([]T, chain.Snapshot, error) {
	data, _, err := b.Reader.Read(ctx, counter)
	if err != nil {
		return nil, chain.Snapshot{}, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, counter.Method+" read failed", err)
	}
	next, err := contracts.DecodeUint(counter, data)
	if err != nil {
		return nil, chain.Snapshot{}, err
	}
	top := next
	if page.Before != 0 && page.Before < top {
		top = page.Before
	}
	ids := make([]uint64, 0, page.limit())
	for id := top; id > 1 && len(ids) < page.limit(); id-- {
		ids = append(ids, id-1)
	}
	if len(ids) == 0 {
		return nil, chain.Snapshot{}, nil
	}

	calls := make([]contracts.Call, len(ids))
	for i, id := range ids {
		calls[i] = get(id)
	}
	results, snap, err := b.Reader.ReadBatch(ctx, calls)
	if err != nil {
		return nil, snap, lending.NewFlowError(lending.KindTransport, lending.RemedyRetry, "listing batch failed", err)
	}
	out := make([]T, 0, len(ids))
	entities := make([]lending.Entity, 0, len(ids))
	for i, res := range results {
		if res.Err != nil {
			b.Logger.Warn("listing item read failed", "method", calls[i].Method, "id", ids[i], "error", res.Err)
			continue
		}
		entity, err := decode(ids[i], res.Data)
		if errors.Is(err, contracts.ErrNotFound) {
			continue
		}
		if err != nil {
			b.Logger.Warn("listing item undecodable", "method", calls[i].Method, "id", ids[i], "error", err)
			continue
		}
		out = append(out, entity)
		entities = append(entities, entity)
	}
	b.store(snap, entities...)
	return out, snap, nil
}
