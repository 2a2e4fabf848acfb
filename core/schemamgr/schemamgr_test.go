package schemamgr_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fluxlog/logpipe/core/fields"
	"github.com/fluxlog/logpipe/core/schemamgr"
	"github.com/fluxlog/logpipe/core/store"
)

type fakeStore struct {
	tables      map[string]bool
	columns     map[string][]store.ColumnInfo
	indexes     map[string][]string
	execHistory []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:  map[string]bool{},
		columns: map[string][]store.ColumnInfo{},
		indexes: map[string][]string{},
	}
}

func (f *fakeStore) Batch(ctx context.Context, stmts []store.Statement) (store.BatchResult, error) {
	return store.BatchResult{Changes: int64(len(stmts))}, nil
}
func (f *fakeStore) Exec(ctx context.Context, sql string, args ...any) error {
	f.execHistory = append(f.execHistory, sql)
	return nil
}
func (f *fakeStore) First(ctx context.Context, sql string, args ...any) (store.Row, error) {
	return nil, store.ErrNoRows
}
func (f *fakeStore) All(ctx context.Context, sql string, args ...any) ([]store.Row, error) {
	return nil, nil
}
func (f *fakeStore) TableExists(ctx context.Context, table string) (bool, error) {
	return f.tables[table], nil
}
func (f *fakeStore) Columns(ctx context.Context, table string) ([]store.ColumnInfo, error) {
	return f.columns[table], nil
}
func (f *fakeStore) Indexes(ctx context.Context, table string) ([]string, error) {
	return f.indexes[table], nil
}
func (f *fakeStore) Analyze(ctx context.Context, table string) error { return nil }

type fakeFingerprints struct {
	values map[string]string
}

func newFakeFingerprints() *fakeFingerprints {
	return &fakeFingerprints{values: map[string]string{}}
}

func (f *fakeFingerprints) Read(ctx context.Context, key string, value any) (time.Time, error) {
	v, ok := f.values[key]
	if !ok {
		return time.Time{}, nil
	}
	*(value.(*string)) = v
	return time.Now(), nil
}

func (f *fakeFingerprints) Write(ctx context.Context, key string, value any, ttl time.Duration) error {
	f.values[key] = value.(string)
	return nil
}

var testSchema = []fields.Column{
	{Name: "logId", Type: fields.TypeText, Constraints: "PRIMARY KEY"},
	{Name: "method", Type: fields.TypeText},
	{Name: "receivedAt", Type: fields.TypeDatetime, Indexed: true},
}

func TestInitializeCreatesTableWhenAbsent(t *testing.T) {
	db := newFakeStore()
	fp := newFakeFingerprints()
	mgr := schemamgr.New(db, fp)

	event, err := mgr.Initialize(context.Background(), "log_firehose", testSchema, "hash-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil || event.MigrationType != schemamgr.MigrationCreateTable {
		t.Fatalf("expected create_table migration, got %+v", event)
	}
	foundCreate, foundIndex := false, false
	for _, s := range db.execHistory {
		if strings.Contains(s, "CREATE TABLE") {
			foundCreate = true
		}
		if strings.Contains(s, "CREATE INDEX") {
			foundIndex = true
		}
	}
	if !foundCreate || !foundIndex {
		t.Fatalf("expected CREATE TABLE and CREATE INDEX statements, got %v", db.execHistory)
	}
}

func TestInitializeIsIdempotentWithSameFingerprint(t *testing.T) {
	db := newFakeStore()
	fp := newFakeFingerprints()
	mgr := schemamgr.New(db, fp)

	if _, err := mgr.Initialize(context.Background(), "t", testSchema, "hash-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := len(db.execHistory)

	event, err := mgr.Initialize(context.Background(), "t", testSchema, "hash-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Fatalf("expected no migration event on repeat initialize, got %+v", event)
	}
	if len(db.execHistory) != before {
		t.Fatal("expected zero additional DDL on repeat initialize")
	}
}

func TestInitializeAltersExistingTableAdditively(t *testing.T) {
	db := newFakeStore()
	db.tables["t"] = true
	db.columns["t"] = []store.ColumnInfo{{Name: "logId", Type: "text"}}
	fp := newFakeFingerprints()
	// A prior fingerprint is what makes this an alter_table migration.
	fp.values["schema_hash_t"] = "hash-a"
	mgr := schemamgr.New(db, fp)

	event, err := mgr.Initialize(context.Background(), "t", testSchema, "hash-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil || event.MigrationType != schemamgr.MigrationAlterTable {
		t.Fatalf("expected alter_table migration, got %+v", event)
	}
	foundAlter := false
	for _, s := range db.execHistory {
		if strings.Contains(s, "ALTER TABLE") && strings.Contains(s, "method") {
			foundAlter = true
		}
		if strings.Contains(s, "CREATE TABLE") {
			t.Fatal("expected no CREATE TABLE for an existing table")
		}
	}
	if !foundAlter {
		t.Fatalf("expected ALTER TABLE ADD COLUMN for missing column, got %v", db.execHistory)
	}
}

func TestInitializeDurablyMemoizedAcrossManagerInstances(t *testing.T) {
	db := newFakeStore()
	fp := newFakeFingerprints()

	mgr1 := schemamgr.New(db, fp)
	if _, err := mgr1.Initialize(context.Background(), "t", testSchema, "hash-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := len(db.execHistory)

	mgr2 := schemamgr.New(db, fp)
	event, err := mgr2.Initialize(context.Background(), "t", testSchema, "hash-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Fatal("expected a fresh Manager to trust the durably persisted fingerprint")
	}
	if len(db.execHistory) != before {
		t.Fatal("expected zero DDL when the durable fingerprint already matches")
	}
}

