package metrics

import (
	"context"
	"fmt"

	"github.com/fluxlog/logpipe/core/store"
)

// Postgres is a Sink that appends one row per event into three
// narrow, schema-free tables, created lazily on first use the same
// way the rest of the pipeline treats its own tables (idempotent
// CREATE TABLE IF NOT EXISTS, never migrated further). It is the
// default Sink: every deployment already has the log store's
// connection, so no additional operational dependency is required to
// see batchWrites/schemaMigrations/dataPruning history.
type Postgres struct {
	db store.Store
}

// NewPostgres builds a Postgres-backed Sink over db, creating its three
// tables if they do not exist yet.
func NewPostgres(ctx context.Context, db store.Store) (*Postgres, error) {
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS "_metrics_batch_writes_" (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			colo TEXT,
			batch_size BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS "_metrics_schema_migrations_" (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			migration_type TEXT NOT NULL,
			schema_hash TEXT NOT NULL,
			colo TEXT,
			duration_ms BIGINT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS "_metrics_data_pruning_" (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			outcome TEXT NOT NULL,
			colo TEXT,
			rows_deleted BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, ddl := range ddls {
		if err := db.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("metrics: create table: %w", err)
		}
	}
	return &Postgres{db: db}, nil
}

// RecordBatchWrite appends one row to "_metrics_batch_writes_".
func (p *Postgres) RecordBatchWrite(ctx context.Context, m BatchWrite) error {
	_, err := p.db.Batch(ctx, []store.Statement{store.Bind(
		`INSERT INTO "_metrics_batch_writes_" (table_name, outcome, colo, batch_size, duration_ms) VALUES ($1,$2,$3,$4,$5);`,
		m.TableName, string(m.Outcome), m.Colo, m.BatchSize, m.DurationMs,
	)})
	return err
}

// RecordSchemaMigration appends one row to "_metrics_schema_migrations_".
func (p *Postgres) RecordSchemaMigration(ctx context.Context, m SchemaMigration) error {
	_, err := p.db.Batch(ctx, []store.Statement{store.Bind(
		`INSERT INTO "_metrics_schema_migrations_" (table_name, migration_type, schema_hash, colo, duration_ms) VALUES ($1,$2,$3,$4,$5);`,
		m.TableName, m.MigrationType, m.SchemaHash, m.Colo, m.DurationMs,
	)})
	return err
}

// RecordDataPruning appends one row to "_metrics_data_pruning_".
func (p *Postgres) RecordDataPruning(ctx context.Context, m DataPruning) error {
	_, err := p.db.Batch(ctx, []store.Statement{store.Bind(
		`INSERT INTO "_metrics_data_pruning_" (table_name, outcome, colo, rows_deleted, duration_ms) VALUES ($1,$2,$3,$4,$5);`,
		m.TableName, string(m.Outcome), m.Colo, m.RowsDeleted, m.DurationMs,
	)})
	return err
}
