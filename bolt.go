package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

type (
	// BoltBackend persists entity records in a local Bolt database with one
	// bucket per entity type. Transactions buffer writes and apply them in
	// a single Bolt update on commit
	BoltBackend struct {
		registry *Registry
		db       *bolt.DB

		mu   sync.Mutex
		txMu sync.Mutex
		tx   *boltTx
	}

	boltTx struct {
		saves   map[string]map[string]*record
		deletes map[string]map[string]struct{}
	}
)

const boltOpenTimeout = time.Second

var _ Backend = (*BoltBackend)(nil)

// NewBoltBackend opens (or creates) the database file
func NewBoltBackend(cfg BoltConfig, registry *Registry) (*BoltBackend, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultBoltPath
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: boltOpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	return &BoltBackend{registry: registry, db: db}, nil
}

// Close closes the database file
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// Save persists the entity's record, assigning an identity when new
func (b *BoltBackend) Save(_ context.Context, e Entity) (string, error) {
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

	err := b.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, e.EntityType(), rec)
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Load returns the stored entity, or (nil, nil) when it does not exist
func (b *BoltBackend) Load(
	_ context.Context, entityType, entityID string,
) (Entity, error) {
	b.mu.Lock()
	if b.tx != nil {
		if rec, ok := b.tx.saves[entityType][entityID]; ok {
			b.mu.Unlock()
			return materialize(b.registry, entityType, rec.clone())
		}
		if _, ok := b.tx.deletes[entityType][entityID]; ok {
			b.mu.Unlock()
			return nil, nil
		}
	}
	b.mu.Unlock()

	var rec *record
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entityType))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(entityID))
		if data == nil {
			return nil
		}
		rec = &record{}
		return jsonc.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return materialize(b.registry, entityType, rec)
}

// Delete removes the stored record, reporting whether it existed
func (b *BoltBackend) Delete(
	_ context.Context, entityType, entityID string,
) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existed, err := b.exists(entityType, entityID)
	if err != nil {
		return false, err
	}
	if b.tx != nil {
		b.tx.stageDelete(entityType, entityID)
		return existed, nil
	}
	if !existed {
		return false, nil
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entityType))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(entityID))
	})
	return err == nil, err
}

// Query returns entities of a type matching the options
func (b *BoltBackend) Query(
	_ context.Context, entityType string, opts QueryOptions,
) ([]Entity, error) {
	b.mu.Lock()
	tx := b.tx
	b.mu.Unlock()

	var recs []*record
	err := b.db.View(func(btx *bolt.Tx) error {
		bucket := btx.Bucket([]byte(entityType))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if tx != nil {
				if _, ok := tx.deletes[entityType][string(k)]; ok {
					return nil
				}
				if _, ok := tx.saves[entityType][string(k)]; ok {
					return nil
				}
			}
			rec := &record{}
			if err := jsonc.Unmarshal(v, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if tx != nil {
		for _, rec := range tx.saves[entityType] {
			recs = append(recs, rec)
		}
	}

	recs = applyQuery(recs, opts)
	entities := make([]Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := materialize(b.registry, entityType, rec)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// BeginTransaction opens a buffered write scope, blocking until any other
// open transaction finishes
func (b *BoltBackend) BeginTransaction(_ context.Context) error {
	b.txMu.Lock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tx = &boltTx{
		saves:   map[string]map[string]*record{},
		deletes: map[string]map[string]struct{}{},
	}
	return nil
}

// CommitTransaction applies the buffered writes in one Bolt update
func (b *BoltBackend) CommitTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	tx := b.tx

	err := b.db.Update(func(btx *bolt.Tx) error {
		for entityType, ids := range tx.deletes {
			bucket := btx.Bucket([]byte(entityType))
			if bucket == nil {
				continue
			}
			for id := range ids {
				if err := bucket.Delete([]byte(id)); err != nil {
					return err
				}
			}
		}
		for entityType, recs := range tx.saves {
			for _, rec := range recs {
				if err := putRecord(btx, entityType, rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.tx = nil
	b.txMu.Unlock()
	return nil
}

// RollbackTransaction discards the buffered writes
func (b *BoltBackend) RollbackTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	b.tx = nil
	b.txMu.Unlock()
	return nil
}

// exists consults the transaction overlay before the store; callers hold
// the state lock
func (b *BoltBackend) exists(entityType, entityID string) (bool, error) {
	if b.tx != nil {
		if _, ok := b.tx.saves[entityType][entityID]; ok {
			return true, nil
		}
		if _, ok := b.tx.deletes[entityType][entityID]; ok {
			return false, nil
		}
	}
	var existed bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entityType))
		if bucket == nil {
			return nil
		}
		existed = bucket.Get([]byte(entityID)) != nil
		return nil
	})
	return existed, err
}

func putRecord(tx *bolt.Tx, entityType string, rec *record) error {
	bucket, err := tx.CreateBucketIfNotExists([]byte(entityType))
	if err != nil {
		return err
	}
	data, err := jsonc.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(rec.ID), data)
}

func (tx *boltTx) stageSave(entityType string, rec *record) {
	if tx.saves[entityType] == nil {
		tx.saves[entityType] = map[string]*record{}
	}
	tx.saves[entityType][rec.ID] = rec
	if ids, ok := tx.deletes[entityType]; ok {
		delete(ids, rec.ID)
	}
}

func (tx *boltTx) stageDelete(entityType, entityID string) {
	if tx.deletes[entityType] == nil {
		tx.deletes[entityType] = map[string]struct{}{}
	}
	tx.deletes[entityType][entityID] = struct{}{}
	if recs, ok := tx.saves[entityType]; ok {
		delete(recs, entityID)
	}
}
