package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lendclient/chain"
	"lendclient/lending"
	"lendclient/observability"
)

// ErrUnconfirmed is returned when a write carries no read snapshot. The cache
// only accepts values observed on chain.
var ErrUnconfirmed = errors.New("storage: write requires a confirmed read")

// WriteResult describes what Upsert did with an entity.
type WriteResult string

const (
	WriteStored             WriteResult = "stored"
	WriteSkippedOlder       WriteResult = "skipped_older"
	WriteRejectedRegression WriteResult = "rejected_regression"
)

type record struct {
	Type    lending.EntityType `json:"type"`
	ID      string             `json:"id"`
	Block   uint64             `json:"block"`
	ReadAt  time.Time          `json:"readAt"`
	Status  uint8              `json:"status"`
	Payload json.RawMessage    `json:"payload"`
}

// Repository is a read-through cache of contract-owned entities keyed by
// (type, id). It never originates state: every write must come from a chain
// read, older reads never overwrite newer ones, and an entity's status never
// moves backwards.
type Repository struct {
	mu      sync.Mutex
	db      Database
	logger  *slog.Logger
	metrics interface{ RecordWrite(entity, result string) }
}

// NewRepository wraps db.
func NewRepository(db Database, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger, metrics: observability.Cache()}
}

func entityKey(typ lending.EntityType, id string) []byte {
	return []byte("entity/" + string(typ) + "/" + id)
}

func typePrefix(typ lending.EntityType) []byte {
	return []byte("entity/" + string(typ) + "/")
}

// Upsert stores entity as observed at snap.
func (r *Repository) Upsert(snap chain.Snapshot, entity lending.Entity) (WriteResult, error) {
	if r == nil || r.db == nil {
		return "", fmt.Errorf("storage: repository not initialised")
	}
	if snap.IsZero() {
		return "", ErrUnconfirmed
	}
	if entity == nil {
		return "", fmt.Errorf("storage: entity required")
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return "", fmt.Errorf("storage: encode %s: %w", entity.EntityType(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := entityKey(entity.EntityType(), entity.EntityID())
	existing, err := r.load(key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", err
	default:
		if existing.Block > snap.Block {
			r.record(entity, WriteSkippedOlder)
			return WriteSkippedOlder, nil
		}
		if !entity.CanFollow(existing.Status) {
			r.logger.Warn("cache rejected status regression",
				slog.String("entity", string(entity.EntityType())),
				slog.String("id", entity.EntityID()),
				slog.Int("cached_status", int(existing.Status)),
				slog.Int("read_status", int(entity.StatusCode())))
			r.record(entity, WriteRejectedRegression)
			return WriteRejectedRegression, nil
		}
	}

	encoded, err := json.Marshal(record{
		Type:    entity.EntityType(),
		ID:      entity.EntityID(),
		Block:   snap.Block,
		ReadAt:  snap.Time,
		Status:  entity.StatusCode(),
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("storage: encode record: %w", err)
	}
	if err := r.db.Put(key, encoded); err != nil {
		return "", fmt.Errorf("storage: put: %w", err)
	}
	r.record(entity, WriteStored)
	return WriteStored, nil
}

// UpsertBatch stores every entity observed at snap. It stops at the first
// storage error.
func (r *Repository) UpsertBatch(snap chain.Snapshot, entities ...lending.Entity) ([]WriteResult, error) {
	results := make([]WriteResult, 0, len(entities))
	for _, entity := range entities {
		res, err := r.Upsert(snap, entity)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Get decodes the cached entity into out and returns the snapshot it was read
// at. ErrNotFound is returned on a miss.
func (r *Repository) Get(typ lending.EntityType, id string, out any) (chain.Snapshot, error) {
	if r == nil || r.db == nil {
		return chain.Snapshot{}, fmt.Errorf("storage: repository not initialised")
	}
	r.mu.Lock()
	rec, err := r.load(entityKey(typ, id))
	r.mu.Unlock()
	if err != nil {
		return chain.Snapshot{}, err
	}
	if err := json.Unmarshal(rec.Payload, out); err != nil {
		return chain.Snapshot{}, fmt.Errorf("storage: decode %s/%s: %w", typ, id, err)
	}
	return chain.Snapshot{Block: rec.Block, Time: rec.ReadAt}, nil
}

// Invalidate drops a cached entity so the next access re-reads the chain.
func (r *Repository) Invalidate(typ lending.EntityType, id string) error {
	if r == nil || r.db == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Delete(entityKey(typ, id))
}

// List visits every cached entity of typ in key order.
func (r *Repository) List(typ lending.EntityType, fn func(id string, snap chain.Snapshot, payload []byte) error) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("storage: repository not initialised")
	}
	prefix := typePrefix(typ)
	return r.db.Iterate(prefix, func(key, value []byte) error {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("storage: decode %s: %w", key, err)
		}
		id := strings.TrimPrefix(string(key), string(prefix))
		return fn(id, chain.Snapshot{Block: rec.Block, Time: rec.ReadAt}, rec.Payload)
	})
}

func (r *Repository) load(key []byte) (record, error) {
	raw, err := r.db.Get(key)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return rec, nil
}

func (r *Repository) record(entity lending.Entity, result WriteResult) {
	if r.metrics != nil {
		r.metrics.RecordWrite(string(entity.EntityType()), string(result))
	}
}
