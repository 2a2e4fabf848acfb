package batcher_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluxlog/logpipe/core/assembler"
	"github.com/fluxlog/logpipe/core/batcher"
	"github.com/fluxlog/logpipe/core/diagnostics"
	"github.com/fluxlog/logpipe/core/fields"
	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/metrics"
	"github.com/fluxlog/logpipe/core/planner"
	"github.com/fluxlog/logpipe/core/registry"
	"github.com/fluxlog/logpipe/core/schemamgr"
	"github.com/fluxlog/logpipe/core/store"
)

var testSchema = []fields.Column{
	{Name: "logId", Type: fields.TypeText, Constraints: "PRIMARY KEY"},
	{Name: "method", Type: fields.TypeText},
	{Name: "receivedAt", Type: fields.TypeDatetime, Indexed: true},
}

func testRoute(table string, pruningIntervalDays, retentionDays int) planner.CompiledLogRoute {
	return planner.CompiledLogRoute{
		TableName:           table,
		Predicate:           nil,
		Schema:              testSchema,
		SchemaHash:          "hash-" + table,
		RetentionDays:       retentionDays,
		PruningIntervalDays: pruningIntervalDays,
	}
}

// fakeStore lets tests script Batch outcomes (fail N times then
// succeed) and records exactly what was submitted. Exec/First/All are
// no-ops so the same fake doubles as the registry's backing store.
type fakeStore struct {
	mu           sync.Mutex
	failNext     int
	batchCalls   [][]store.Statement
	deleteChange int64
}

func (f *fakeStore) Batch(ctx context.Context, stmts []store.Statement) (store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls = append(f.batchCalls, stmts)
	if f.failNext > 0 {
		f.failNext--
		return store.BatchResult{}, fmt.Errorf("simulated transient store error")
	}
	return store.BatchResult{Changes: f.deleteChange}, nil
}
func (f *fakeStore) Exec(ctx context.Context, sql string, args ...any) error { return nil }
func (f *fakeStore) First(ctx context.Context, sql string, args ...any) (store.Row, error) {
	return nil, store.ErrNoRows
}
func (f *fakeStore) All(ctx context.Context, sql string, args ...any) ([]store.Row, error) {
	return nil, nil
}
func (f *fakeStore) TableExists(ctx context.Context, table string) (bool, error) { return true, nil }
func (f *fakeStore) Columns(ctx context.Context, table string) ([]store.ColumnInfo, error) {
	return []store.ColumnInfo{{Name: "logId"}, {Name: "method"}, {Name: "receivedAt"}}, nil
}
func (f *fakeStore) Indexes(ctx context.Context, table string) ([]string, error) { return nil, nil }
func (f *fakeStore) Analyze(ctx context.Context, table string) error            { return nil }

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batchCalls)
}

func (f *fakeStore) lastBatchSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batchCalls) == 0 {
		return 0
	}
	return len(f.batchCalls[len(f.batchCalls)-1])
}

// fakeKV is a durable string -> value map satisfying the narrow
// fingerprint/last-pruned read/write contracts schemamgr and batcher
// each depend on.
type fakeKV struct {
	mu     sync.Mutex
	values map[string]any
}

func newFakeKV() *fakeKV { return &fakeKV{values: map[string]any{}} }

func (f *fakeKV) Read(ctx context.Context, key string, value any) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return time.Time{}, nil
	}
	switch ptr := value.(type) {
	case *string:
		*ptr = v.(string)
	case *int64:
		*ptr = v.(int64)
	}
	return time.Now(), nil
}

func (f *fakeKV) Write(ctx context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	writes   []metrics.BatchWrite
	prunings []metrics.DataPruning
}

func (r *recordingMetrics) RecordBatchWrite(ctx context.Context, m metrics.BatchWrite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, m)
	return nil
}
func (r *recordingMetrics) RecordSchemaMigration(ctx context.Context, m metrics.SchemaMigration) error {
	return nil
}
func (r *recordingMetrics) RecordDataPruning(ctx context.Context, m metrics.DataPruning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prunings = append(r.prunings, m)
	return nil
}

func (r *recordingMetrics) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func (r *recordingMetrics) outcomes() []metrics.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]metrics.Outcome, len(r.writes))
	for i, w := range r.writes {
		out[i] = w.Outcome
	}
	return out
}

// newHarness wires a batcher.Instance against a scriptable store, a
// real diagnostics.Sink backed by the same store (its own writes are
// no-ops here), and a recording metrics sink.
func newHarness(t *testing.T, db *fakeStore, cfg batcher.Config) (*batcher.Instance, *recordingMetrics) {
	t.Helper()
	ctx := context.Background()
	reg, err := registry.New(ctx, db, "_registry_test_")
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	diag := diagnostics.New(reg)
	mgr := schemamgr.New(db, newFakeKV())
	rm := &recordingMetrics{}
	inst := batcher.New("shard-1", "colo-1", db, mgr, diag, rm, newFakeKV(), "log_firehose", cfg)
	return inst, rm
}

func rec(logID string) assembler.Record {
	return assembler.Record{"logId": logID, "method": "GET", "receivedAt": time.Now().UTC().Format(time.RFC3339Nano)}
}

func TestAddLogFlushesOnSizeTrigger(t *testing.T) {
	db := &fakeStore{}
	inst, rm := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 3})
	route := testRoute("events", 0, 0)
	inst.SetLogPlan([]planner.CompiledLogRoute{route})

	inst.AddLog(rec("a"), []planner.CompiledLogRoute{route})
	inst.AddLog(rec("b"), []planner.CompiledLogRoute{route})
	inst.AddLog(rec("c"), []planner.CompiledLogRoute{route})

	inst.Shutdown(context.Background())

	if db.callCount() != 1 {
		t.Fatalf("expected exactly one batch write, got %d", db.callCount())
	}
	if db.lastBatchSize() != 3 {
		t.Fatalf("expected a 3-row batch, got %d", db.lastBatchSize())
	}
	if rm.writeCount() != 1 || rm.outcomes()[0] != metrics.OutcomeSuccess {
		t.Fatalf("expected one successful batchWrite metric, got %+v", rm.outcomes())
	}
}

func TestAddLogWithoutSizeTriggerWaitsForAlarm(t *testing.T) {
	db := &fakeStore{}
	inst, rm := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 10})
	route := testRoute("events", 0, 0)
	inst.SetLogPlan([]planner.CompiledLogRoute{route})

	inst.AddLog(rec("a"), []planner.CompiledLogRoute{route})
	inst.AddLog(rec("b"), []planner.CompiledLogRoute{route})

	if db.callCount() != 0 {
		t.Fatalf("expected no flush before size trigger or alarm, got %d calls", db.callCount())
	}

	inst.Alarm(context.Background())
	if db.callCount() != 1 || db.lastBatchSize() != 2 {
		t.Fatalf("expected alarm to flush the 2 buffered records, got %d calls size %d", db.callCount(), db.lastBatchSize())
	}
	_ = rm
}

func TestLoggerContextFieldNeverReachesSubmittedStatement(t *testing.T) {
	db := &fakeStore{}
	inst, _ := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 10})
	route := testRoute("events", 0, 0)
	inst.SetLogPlan([]planner.CompiledLogRoute{route})

	ctx, _ := logger.ContextWithLogger(context.Background())
	record := rec("a")
	record[assembler.LoggerContextField] = string(logger.SerializeLoggerContext(ctx))
	inst.AddLog(record, []planner.CompiledLogRoute{route})

	inst.Alarm(context.Background())
	if db.callCount() != 1 {
		t.Fatalf("expected one flush, got %d", db.callCount())
	}
	stmt := db.batchCalls[0][0]
	if len(stmt.Args) != len(testSchema) {
		t.Fatalf("expected %d bound args matching the compiled schema, got %d (loggerContext leaked into the INSERT)", len(testSchema), len(stmt.Args))
	}
}

func TestAlarmWithoutPlanRetainsBuffers(t *testing.T) {
	db := &fakeStore{}
	inst, _ := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 10})
	route := testRoute("events", 0, 0)
	// Deliberately never call SetLogPlan.
	inst.AddLog(rec("a"), []planner.CompiledLogRoute{route})

	inst.Alarm(context.Background())

	if db.callCount() != 0 {
		t.Fatalf("expected alarm with no plan to skip flushing entirely, got %d calls", db.callCount())
	}

	inst.SetLogPlan([]planner.CompiledLogRoute{route})
	inst.Alarm(context.Background())
	if db.callCount() != 1 {
		t.Fatalf("expected the buffer to survive and flush once a plan is set, got %d calls", db.callCount())
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	db := &fakeStore{failNext: batcher.MaxRetries}
	inst, rm := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 1})
	route := testRoute("events", 0, 0)
	inst.SetLogPlan([]planner.CompiledLogRoute{route})

	inst.AddLog(rec("a"), []planner.CompiledLogRoute{route})
	inst.Shutdown(context.Background())

	for i := 0; i < batcher.MaxRetries-1; i++ {
		inst.Alarm(context.Background())
	}
	inst.Shutdown(context.Background()) // drains the fire-and-forget metric emissions

	if db.callCount() != batcher.MaxRetries {
		t.Fatalf("expected exactly %d attempts before dead-lettering, got %d", batcher.MaxRetries, db.callCount())
	}
	outcomes := rm.outcomes()
	for _, o := range outcomes {
		if o != metrics.OutcomeFailure {
			t.Fatalf("expected every attempt to report failure, got %v", outcomes)
		}
	}

	// A fresh AddLog after exhaustion starts a clean buffer (failure
	// counter reset, §8 property 4).
	db.failNext = 0
	inst.AddLog(rec("b"), []planner.CompiledLogRoute{route})
	inst.Alarm(context.Background())
	inst.Shutdown(context.Background())
	if db.callCount() != batcher.MaxRetries+1 {
		t.Fatalf("expected one more successful attempt, got %d calls", db.callCount())
	}
}

func TestFIFOPreservedAcrossRetry(t *testing.T) {
	db := &fakeStore{failNext: 1}
	inst, _ := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 10})
	route := testRoute("events", 0, 0)
	inst.SetLogPlan([]planner.CompiledLogRoute{route})

	inst.AddLog(rec("a"), []planner.CompiledLogRoute{route})
	inst.AddLog(rec("b"), []planner.CompiledLogRoute{route})
	inst.Shutdown(context.Background()) // first attempt fails, re-prepends a+b

	inst.AddLog(rec("c"), []planner.CompiledLogRoute{route})
	inst.Alarm(context.Background())

	if db.callCount() != 2 {
		t.Fatalf("expected 2 batch submissions (1 failed, 1 retried), got %d", db.callCount())
	}
	last := db.batchCalls[len(db.batchCalls)-1]
	if len(last) != 3 {
		t.Fatalf("expected the retried flush to carry all 3 records in order, got %d", len(last))
	}
	if last[0].Args[0] != "a" || last[1].Args[0] != "b" || last[2].Args[0] != "c" {
		t.Fatalf("expected FIFO order a,b,c; got %v, %v, %v", last[0].Args[0], last[1].Args[0], last[2].Args[0])
	}
}

func TestRunRetentionCheckRespectsInterval(t *testing.T) {
	db := &fakeStore{deleteChange: 5}
	inst, rm := newHarness(t, db, batcher.Config{BatchInterval: time.Hour, MaxBatchSize: 10})
	route := testRoute("events", 1, 30)

	if err := inst.RunRetentionCheck(context.Background(), route); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst.Shutdown(context.Background()) // drains the fire-and-forget metric emission
	if len(rm.prunings) != 1 || rm.prunings[0].Outcome != metrics.OutcomeSuccess {
		t.Fatalf("expected one successful pruning metric, got %+v", rm.prunings)
	}

	// Running again immediately must no-op: the pruning interval has
	// not elapsed since lastPruned was just set.
	if err := inst.RunRetentionCheck(context.Background(), route); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst.Shutdown(context.Background())
	if len(rm.prunings) != 1 {
		t.Fatalf("expected no additional prune within the interval, got %d", len(rm.prunings))
	}
}
