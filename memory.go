package conductor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// MemoryBackend is an in-process Backend for tests and ephemeral
	// environments. Transactions buffer writes and apply them atomically
	// on commit; only one transaction is open at a time
	MemoryBackend struct {
		registry *Registry
		mu       sync.RWMutex
		data     map[string]map[string]*record
		txMu     sync.Mutex
		tx       *memoryTx
	}

	memoryTx struct {
		saves   map[string]map[string]*record
		deletes map[string]map[string]struct{}
	}
)

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend. Entities are
// materialized through the registry's factories
func NewMemoryBackend(registry *Registry) *MemoryBackend {
	return &MemoryBackend{
		registry: registry,
		data:     map[string]map[string]*record{},
	}
}

// Save persists the entity's snapshot, assigning an identity when the
// record is new and advancing its version timestamp
func (b *MemoryBackend) Save(_ context.Context, e Entity) (string, error) {
	if e.EntityID() == "" {
		e.SetEntityID(uuid.NewString())
	}
	e.Touch(time.Now().UTC())
	rec := recordOf(e).clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx != nil {
		b.tx.stageSave(e.EntityType(), rec)
		return rec.ID, nil
	}
	b.put(e.EntityType(), rec)
	return rec.ID, nil
}

// Load returns the stored entity, or (nil, nil) when it does not exist
func (b *MemoryBackend) Load(
	_ context.Context, entityType, entityID string,
) (Entity, error) {
	b.mu.RLock()
	rec, ok := b.lookup(entityType, entityID)
	b.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return materialize(b.registry, entityType, rec.clone())
}

// Delete removes the stored record, reporting whether it existed
func (b *MemoryBackend) Delete(
	_ context.Context, entityType, entityID string,
) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.lookup(entityType, entityID)
	if b.tx != nil {
		b.tx.stageDelete(entityType, entityID)
		return existed, nil
	}
	if existed {
		delete(b.data[entityType], entityID)
	}
	return existed, nil
}

// Query returns entities of a type matching the options
func (b *MemoryBackend) Query(
	_ context.Context, entityType string, opts QueryOptions,
) ([]Entity, error) {
	b.mu.RLock()
	recs := b.visible(entityType)
	b.mu.RUnlock()

	recs = applyQuery(recs, opts)
	entities := make([]Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := materialize(b.registry, entityType, rec.clone())
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// BeginTransaction opens a buffered write scope, blocking until any other
// open transaction finishes
func (b *MemoryBackend) BeginTransaction(_ context.Context) error {
	b.txMu.Lock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tx = &memoryTx{
		saves:   map[string]map[string]*record{},
		deletes: map[string]map[string]struct{}{},
	}
	return nil
}

// CommitTransaction applies the buffered writes atomically
func (b *MemoryBackend) CommitTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	for entityType, ids := range b.tx.deletes {
		for id := range ids {
			delete(b.data[entityType], id)
		}
	}
	for entityType, recs := range b.tx.saves {
		for _, rec := range recs {
			b.put(entityType, rec)
		}
	}
	b.tx = nil
	b.txMu.Unlock()
	return nil
}

// RollbackTransaction discards the buffered writes
func (b *MemoryBackend) RollbackTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	b.tx = nil
	b.txMu.Unlock()
	return nil
}

// put stores a record; callers hold the write lock
func (b *MemoryBackend) put(entityType string, rec *record) {
	if b.data[entityType] == nil {
		b.data[entityType] = map[string]*record{}
	}
	b.data[entityType][rec.ID] = rec
}

// lookup consults the transaction overlay first; callers hold a lock
func (b *MemoryBackend) lookup(entityType, entityID string) (*record, bool) {
	if b.tx != nil {
		if rec, ok := b.tx.saves[entityType][entityID]; ok {
			return rec, true
		}
		if _, ok := b.tx.deletes[entityType][entityID]; ok {
			return nil, false
		}
	}
	rec, ok := b.data[entityType][entityID]
	return rec, ok
}

// visible merges stored records with the transaction overlay; callers hold
// a lock
func (b *MemoryBackend) visible(entityType string) []*record {
	var recs []*record
	for id, rec := range b.data[entityType] {
		if b.tx != nil {
			if _, ok := b.tx.deletes[entityType][id]; ok {
				continue
			}
			if _, ok := b.tx.saves[entityType][id]; ok {
				continue
			}
		}
		recs = append(recs, rec)
	}
	if b.tx != nil {
		for _, rec := range b.tx.saves[entityType] {
			recs = append(recs, rec)
		}
	}
	return recs
}

func (tx *memoryTx) stageSave(entityType string, rec *record) {
	if tx.saves[entityType] == nil {
		tx.saves[entityType] = map[string]*record{}
	}
	tx.saves[entityType][rec.ID] = rec
	if ids, ok := tx.deletes[entityType]; ok {
		delete(ids, rec.ID)
	}
}

func (tx *memoryTx) stageDelete(entityType, entityID string) {
	if tx.deletes[entityType] == nil {
		tx.deletes[entityType] = map[string]struct{}{}
	}
	tx.deletes[entityType][entityID] = struct{}{}
	if recs, ok := tx.saves[entityType]; ok {
		delete(recs, entityID)
	}
}
