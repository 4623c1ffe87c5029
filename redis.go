package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type (
	// RedisBackend persists entity records as JSON values in Redis, with a
	// per-type set indexing the live identities. Transactions buffer writes
	// and flush them in a single MULTI/EXEC pipeline on commit
	RedisBackend struct {
		registry *Registry
		client   *redis.Client
		prefix   string

		mu   sync.Mutex
		txMu sync.Mutex
		tx   *redisTx
	}

	redisTx struct {
		saves   map[string]map[string]*record
		deletes map[string]map[string]struct{}
	}
)

const redisPingTimeout = 5 * time.Second

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to Redis and verifies the connection
func NewRedisBackend(cfg RedisConfig, registry *Registry) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		registry: registry,
		client:   client,
		prefix:   prefix,
	}, nil
}

// Close releases the connection pool
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Save persists the entity's record, assigning an identity when new
func (b *RedisBackend) Save(ctx context.Context, e Entity) (string, error) {
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
	if err := b.write(ctx, b.client, e.EntityType(), rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Load returns the stored entity, or (nil, nil) when it does not exist
func (b *RedisBackend) Load(
	ctx context.Context, entityType, entityID string,
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

	data, err := b.client.Get(ctx, b.recordKey(entityType, entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec record
	if err := jsonc.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w",
			entityType, entityID, err)
	}
	return materialize(b.registry, entityType, &rec)
}

// Delete removes the stored record, reporting whether it existed
func (b *RedisBackend) Delete(
	ctx context.Context, entityType, entityID string,
) (bool, error) {
	b.mu.Lock()
	if b.tx != nil {
		defer b.mu.Unlock()
		existed, err := b.exists(ctx, entityType, entityID)
		if err != nil {
			return false, err
		}
		b.tx.stageDelete(entityType, entityID)
		return existed, nil
	}
	b.mu.Unlock()

	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.recordKey(entityType, entityID))
	pipe.SRem(ctx, b.indexKey(entityType), entityID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

// Query returns entities of a type matching the options, scanning the
// type's identity index
func (b *RedisBackend) Query(
	ctx context.Context, entityType string, opts QueryOptions,
) ([]Entity, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey(entityType)).Result()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	tx := b.tx
	b.mu.Unlock()

	var recs []*record
	for _, id := range ids {
		if tx != nil {
			if _, ok := tx.deletes[entityType][id]; ok {
				continue
			}
			if _, ok := tx.saves[entityType][id]; ok {
				continue
			}
		}
		data, err := b.client.Get(ctx, b.recordKey(entityType, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec record
		if err := jsonc.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s/%s: %w",
				entityType, id, err)
		}
		recs = append(recs, &rec)
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
func (b *RedisBackend) BeginTransaction(_ context.Context) error {
	b.txMu.Lock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tx = &redisTx{
		saves:   map[string]map[string]*record{},
		deletes: map[string]map[string]struct{}{},
	}
	return nil
}

// CommitTransaction flushes the buffered writes in one MULTI/EXEC pipeline
func (b *RedisBackend) CommitTransaction(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	tx := b.tx

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for entityType, ids := range tx.deletes {
			for id := range ids {
				pipe.Del(ctx, b.recordKey(entityType, id))
				pipe.SRem(ctx, b.indexKey(entityType), id)
			}
		}
		for entityType, recs := range tx.saves {
			for _, rec := range recs {
				data, err := jsonc.Marshal(rec)
				if err != nil {
					return err
				}
				pipe.Set(ctx, b.recordKey(entityType, rec.ID), data, 0)
				pipe.SAdd(ctx, b.indexKey(entityType), rec.ID)
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
func (b *RedisBackend) RollbackTransaction(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	b.tx = nil
	b.txMu.Unlock()
	return nil
}

func (b *RedisBackend) recordKey(entityType, entityID string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, entityType, entityID)
}

func (b *RedisBackend) indexKey(entityType string) string {
	return fmt.Sprintf("%s:%s", b.prefix, entityType)
}

// exists consults the transaction overlay before the store; callers hold
// the state lock
func (b *RedisBackend) exists(
	ctx context.Context, entityType, entityID string,
) (bool, error) {
	if b.tx != nil {
		if _, ok := b.tx.saves[entityType][entityID]; ok {
			return true, nil
		}
		if _, ok := b.tx.deletes[entityType][entityID]; ok {
			return false, nil
		}
	}
	n, err := b.client.Exists(ctx, b.recordKey(entityType, entityID)).Result()
	return n > 0, err
}

// write stores one record and indexes its identity
func (b *RedisBackend) write(
	ctx context.Context, client *redis.Client, entityType string, rec *record,
) error {
	data, err := jsonc.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := client.TxPipeline()
	pipe.Set(ctx, b.recordKey(entityType, rec.ID), data, 0)
	pipe.SAdd(ctx, b.indexKey(entityType), rec.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (tx *redisTx) stageSave(entityType string, rec *record) {
	if tx.saves[entityType] == nil {
		tx.saves[entityType] = map[string]*record{}
	}
	tx.saves[entityType][rec.ID] = rec
	if ids, ok := tx.deletes[entityType]; ok {
		delete(ids, rec.ID)
	}
}

func (tx *redisTx) stageDelete(entityType, entityID string) {
	if tx.deletes[entityType] == nil {
		tx.deletes[entityType] = map[string]struct{}{}
	}
	tx.deletes[entityType][entityID] = struct{}{}
	if recs, ok := tx.saves[entityType]; ok {
		delete(recs, entityID)
	}
}
