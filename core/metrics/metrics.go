// Package metrics defines the three operational datasets the pipeline
// emits (§6: batchWrites, schemaMigrations, dataPruning) behind a narrow
// Sink interface, with a Postgres-backed and a Kafka-backed
// implementation.
package metrics

import "context"

// Outcome is the shared success/failure tag used across all three
// datasets.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// BatchWrite is one row of the "batchWrites" dataset.
type BatchWrite struct {
	TableName  string
	Outcome    Outcome
	Colo       string
	BatchSize  int
	DurationMs int64
}

// SchemaMigration is one row of the "schemaMigrations" dataset.
type SchemaMigration struct {
	TableName     string
	MigrationType string
	SchemaHash    string
	Colo          string
	DurationMs    int64
}

// DataPruning is one row of the "dataPruning" dataset.
type DataPruning struct {
	TableName   string
	Outcome     Outcome
	Colo        string
	RowsDeleted int64
	DurationMs  int64
}

// Sink is the narrow interface the batcher, schema manager, and pruner
// emit through. Every method is expected to be called fire-and-forget
// by its caller; a Sink implementation should not block the caller on
// a slow downstream.
type Sink interface {
	RecordBatchWrite(ctx context.Context, m BatchWrite) error
	RecordSchemaMigration(ctx context.Context, m SchemaMigration) error
	RecordDataPruning(ctx context.Context, m DataPruning) error
}
