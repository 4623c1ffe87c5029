package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type (
	// PostgresBackend persists entity records as jsonb rows in a single
	// table. The expected schema:
	//
	//	CREATE TABLE entities (
	//	    entity_type text        NOT NULL,
	//	    entity_id   text        NOT NULL,
	//	    data        jsonb       NOT NULL,
	//	    updated_at  timestamptz NOT NULL,
	//	    PRIMARY KEY (entity_type, entity_id)
	//	);
	//
	// Transactions map directly onto database transactions
	PostgresBackend struct {
		registry *Registry
		pool     *pgxpool.Pool
		table    string
		dialect  goqu.DialectWrapper

		mu   sync.Mutex
		txMu sync.Mutex
		tx   pgx.Tx
	}

	// pgQuerier is the subset of pgx satisfied by both the pool and an open
	// transaction
	pgQuerier interface {
		Exec(ctx context.Context, sql string, args ...any) (
			pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
)

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend connects to Postgres and verifies the connection
func NewPostgresBackend(
	ctx context.Context, cfg PostgresConfig, registry *Registry,
) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresBackend{
		registry: registry,
		pool:     pool,
		table:    table,
		dialect:  goqu.Dialect("postgres"),
	}, nil
}

// Close releases the connection pool
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

// Save upserts the entity's record, assigning an identity when new
func (b *PostgresBackend) Save(ctx context.Context, e Entity) (string, error) {
	if e.EntityID() == "" {
		e.SetEntityID(uuid.NewString())
	}
	e.Touch(time.Now().UTC())
	rec := recordOf(e)

	data, err := jsonc.Marshal(rec.Fields)
	if err != nil {
		return "", err
	}

	sql, args, err := b.dialect.Insert(b.table).Prepared(true).
		Rows(goqu.Record{
			"entity_type": e.EntityType(),
			"entity_id":   rec.ID,
			"data":        string(data),
			"updated_at":  rec.UpdatedAt,
		}).
		OnConflict(goqu.DoUpdate("entity_type, entity_id", goqu.Record{
			"data":       string(data),
			"updated_at": rec.UpdatedAt,
		})).
		ToSQL()
	if err != nil {
		return "", err
	}

	if _, err := b.conn().Exec(ctx, sql, args...); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Load returns the stored entity, or (nil, nil) when it does not exist
func (b *PostgresBackend) Load(
	ctx context.Context, entityType, entityID string,
) (Entity, error) {
	sql, args, err := b.dialect.From(b.table).Prepared(true).
		Select("data", "updated_at").
		Where(goqu.Ex{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var (
		data    []byte
		updated time.Time
	)
	err = b.conn().QueryRow(ctx, sql, args...).Scan(&data, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeRow(entityID, updated, data)
	if err != nil {
		return nil, err
	}
	return materialize(b.registry, entityType, rec)
}

// Delete removes the stored row, reporting whether it existed
func (b *PostgresBackend) Delete(
	ctx context.Context, entityType, entityID string,
) (bool, error) {
	sql, args, err := b.dialect.Delete(b.table).Prepared(true).
		Where(goqu.Ex{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).
		ToSQL()
	if err != nil {
		return false, err
	}

	tag, err := b.conn().Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Query returns entities of a type matching the options. Rows are fetched
// by type and the remaining options applied to the decoded records, since
// filters address snapshot fields inside the jsonb document
func (b *PostgresBackend) Query(
	ctx context.Context, entityType string, opts QueryOptions,
) ([]Entity, error) {
	sql, args, err := b.dialect.From(b.table).Prepared(true).
		Select("entity_id", "data", "updated_at").
		Where(goqu.Ex{"entity_type": entityType}).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := b.conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*record
	for rows.Next() {
		var (
			id      string
			data    []byte
			updated time.Time
		)
		if err := rows.Scan(&id, &data, &updated); err != nil {
			return nil, err
		}
		rec, err := decodeRow(id, updated, data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

// BeginTransaction opens a database transaction, blocking until any other
// open transaction finishes
func (b *PostgresBackend) BeginTransaction(ctx context.Context) error {
	b.txMu.Lock()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		b.txMu.Unlock()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tx = tx
	return nil
}

// CommitTransaction commits the open database transaction
func (b *PostgresBackend) CommitTransaction(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	err := b.tx.Commit(ctx)
	b.tx = nil
	b.txMu.Unlock()
	return err
}

// RollbackTransaction rolls back the open database transaction
func (b *PostgresBackend) RollbackTransaction(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx == nil {
		return ErrBackendTxNotActive
	}
	err := b.tx.Rollback(ctx)
	b.tx = nil
	b.txMu.Unlock()
	return err
}

// conn routes statements through the open transaction when one is active
func (b *PostgresBackend) conn() pgQuerier {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tx != nil {
		return b.tx
	}
	return b.pool
}

func decodeRow(id string, updated time.Time, data []byte) (*record, error) {
	var fields map[string]any
	if err := jsonc.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &record{ID: id, UpdatedAt: updated, Fields: fields}, nil
}
