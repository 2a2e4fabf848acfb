// Package schemamgr implements the Schema Manager (§4.7): it keeps a
// table's actual columns and indexes in sync with a route's declared
// schema, memoizing on the schema fingerprint so that an unchanged
// route performs zero DDL on repeated initialization.
package schemamgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fluxlog/logpipe/core/fields"
	"github.com/fluxlog/logpipe/core/store"
)

// MigrationType distinguishes a brand-new table from an additive
// migration onto an existing one, for metrics purposes.
type MigrationType string

const (
	MigrationCreateTable MigrationType = "create_table"
	MigrationAlterTable  MigrationType = "alter_table"
)

// MigrationEvent is emitted whenever Initialize finds a fingerprint that
// differs from the stored one and runs applySchema, even if the table
// already had every column and index and no DDL was executed.
type MigrationEvent struct {
	TableName     string
	MigrationType MigrationType
	SchemaHash    string
	Duration      time.Duration
}

// Manager memoizes schema fingerprints per table, backed by a durable
// registry accessor so that the comparison survives process restarts
// (§4.7: stored under "schema_hash_<tableName>").
type Manager struct {
	db           store.Store
	fingerprints fingerprintStore

	mu     sync.Mutex
	cached map[string]string // tableName -> last-applied fingerprint, in-process cache
}

// fingerprintStore is the narrow durable key-value contract Initialize
// needs; core/registry.Accessor satisfies it.
type fingerprintStore interface {
	Read(ctx context.Context, key string, value any) (time.Time, error)
	Write(ctx context.Context, key string, value any, ttl time.Duration) error
}

// New builds a Manager that applies DDL through db and persists
// fingerprints through fingerprints.
func New(db store.Store, fingerprints fingerprintStore) *Manager {
	return &Manager{db: db, fingerprints: fingerprints, cached: make(map[string]string)}
}

// Initialize brings tableName's schema in line with schema, calling
// applySchema only if the fingerprint changed since the last call for
// this table (in this process, or durably for a fresh process). It
// returns the migration event if one occurred, or nil if the schema was
// already current.
func (m *Manager) Initialize(ctx context.Context, tableName string, schema []fields.Column, schemaHash string) (*MigrationEvent, error) {
	if m.currentHash(tableName) == schemaHash {
		return nil, nil
	}

	var stored string
	hadPrior := false
	if _, err := m.fingerprints.Read(ctx, fingerprintKey(tableName), &stored); err == nil && stored != "" {
		hadPrior = true
	}
	if stored == schemaHash {
		m.setCurrentHash(tableName, schemaHash)
		return nil, nil
	}

	start := time.Now()
	if err := applySchema(ctx, m.db, tableName, schema); err != nil {
		return nil, fmt.Errorf("schemamgr: apply schema for %q: %w", tableName, err)
	}
	if err := m.fingerprints.Write(ctx, fingerprintKey(tableName), schemaHash, 0); err != nil {
		return nil, fmt.Errorf("schemamgr: persist fingerprint for %q: %w", tableName, err)
	}
	m.setCurrentHash(tableName, schemaHash)

	migrationType := MigrationAlterTable
	if !hadPrior {
		migrationType = MigrationCreateTable
	}
	return &MigrationEvent{
		TableName:     tableName,
		MigrationType: migrationType,
		SchemaHash:    schemaHash,
		Duration:      time.Since(start),
	}, nil
}

func (m *Manager) currentHash(tableName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached[tableName]
}

func (m *Manager) setCurrentHash(tableName, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[tableName] = hash
}

func fingerprintKey(tableName string) string {
	return "schema_hash_" + tableName
}

// applySchema creates tableName if absent, or additively migrates it if
// present (§4.7): existing columns are never altered or dropped, and
// indexes are only ever added.
func applySchema(ctx context.Context, db store.Store, tableName string, schema []fields.Column) error {
	exists, err := db.TableExists(ctx, tableName)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		var defs []string
		for _, c := range schema {
			defs = append(defs, columnDefinition(c))
		}
		createStmt := fmt.Sprintf(`CREATE TABLE %s (%s);`, quoteIdent(tableName), strings.Join(defs, ", "))
		if err := db.Exec(ctx, createStmt); err != nil {
			return fmt.Errorf("create table: %s: %w", createStmt, err)
		}
		for _, c := range schema {
			if !c.Indexed {
				continue
			}
			if err := createIndex(ctx, db, tableName, c); err != nil {
				return err
			}
		}
		return nil
	}

	existingColumns, err := db.Columns(ctx, tableName)
	if err != nil {
		return fmt.Errorf("read existing columns: %w", err)
	}
	have := make(map[string]bool, len(existingColumns))
	for _, c := range existingColumns {
		have[c.Name] = true
	}
	for _, c := range schema {
		if have[c.Name] {
			continue
		}
		alterStmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s;`, quoteIdent(tableName), columnDefinition(c))
		if err := db.Exec(ctx, alterStmt); err != nil {
			return fmt.Errorf("alter table: %s: %w", alterStmt, err)
		}
	}

	existingIndexes, err := db.Indexes(ctx, tableName)
	if err != nil {
		return fmt.Errorf("read existing indexes: %w", err)
	}
	haveIndex := make(map[string]bool, len(existingIndexes))
	for _, name := range existingIndexes {
		haveIndex[name] = true
	}
	for _, c := range schema {
		if !c.Indexed || haveIndex[indexName(tableName, c.Name)] {
			continue
		}
		if err := createIndex(ctx, db, tableName, c); err != nil {
			return err
		}
	}
	return nil
}

func createIndex(ctx context.Context, db store.Store, tableName string, c fields.Column) error {
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s);`,
		quoteIdent(indexName(tableName, c.Name)), quoteIdent(tableName), quoteIdent(c.Name))
	if err := db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create index: %s: %w", stmt, err)
	}
	return nil
}

func indexName(tableName, columnName string) string {
	return fmt.Sprintf("idx_%s_%s", tableName, columnName)
}

func columnDefinition(c fields.Column) string {
	def := quoteIdent(c.Name) + " " + sqlType(c.Type)
	if c.Constraints != "" {
		def += " " + c.Constraints
	}
	return def
}

// sqlType maps a portable ColumnType to its Postgres column type.
func sqlType(t fields.ColumnType) string {
	switch t {
	case fields.TypeText:
		return "TEXT"
	case fields.TypeInteger:
		return "BIGINT"
	case fields.TypeBoolean:
		return "BOOLEAN"
	case fields.TypeDatetime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
