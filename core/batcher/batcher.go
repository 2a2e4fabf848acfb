// Package batcher implements the Batcher (§4.6), the hardest single
// component in the pipeline: a durable, named, single-consumer
// accumulator that buffers records per destination table, flushes them
// on size or alarm triggers, retries failed flushes, quarantines
// batches that exceed the retry budget, and drains best-effort on
// shutdown. It satisfies dispatch.Instance so the Shard Dispatcher can
// address it without knowing any of this.
package batcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxlog/logpipe/core/assembler"
	"github.com/fluxlog/logpipe/core/diagnostics"
	"github.com/fluxlog/logpipe/core/fields"
	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/metrics"
	"github.com/fluxlog/logpipe/core/planner"
	"github.com/fluxlog/logpipe/core/pruner"
	"github.com/fluxlog/logpipe/core/schemamgr"
	"github.com/fluxlog/logpipe/core/store"
)

// DefaultBatchInterval and DefaultMaxBatchSize are the §4.6 defaults
// restored whenever the configured value is non-positive or fails to
// parse.
const (
	DefaultBatchInterval = 10 * time.Second
	DefaultMaxBatchSize  = 200

	// MaxRetries is the number of failed flush attempts a buffer
	// tolerates before it is moved to the dead-letter queue (§4.6 step 5).
	MaxRetries = 3
)

// Config holds the two tunables of §4.6.
type Config struct {
	BatchInterval time.Duration
	MaxBatchSize  int
}

// ParseConfig parses BATCH_INTERVAL_MS and MAX_BATCH_SIZE defensively
// (§4.6): a non-numeric or non-positive value reverts to the default
// rather than failing.
func ParseConfig(batchIntervalMs, maxBatchSize string) Config {
	cfg := Config{BatchInterval: DefaultBatchInterval, MaxBatchSize: DefaultMaxBatchSize}
	if ms, err := strconv.Atoi(batchIntervalMs); err == nil && ms > 0 {
		cfg.BatchInterval = time.Duration(ms) * time.Millisecond
	}
	if n, err := strconv.Atoi(maxBatchSize); err == nil && n > 0 {
		cfg.MaxBatchSize = n
	}
	return cfg
}

// lastPrunedStore is the narrow durable key-value contract
// runRetentionCheck needs for its per-table last-pruned timestamp;
// core/registry.Accessor satisfies it.
type lastPrunedStore interface {
	Read(ctx context.Context, key string, value any) (time.Time, error)
	Write(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Instance is one durable batcher shard (§4.6, §3 BatcherInstanceState).
// Per §5, an Instance is single-consumer: addLog, alarm,
// runRetentionCheck, and Shutdown never run truly in parallel against
// its own state, enforced here with a mutex covering the claim step of
// every flush since Go has no cooperative-runtime guarantee to lean on
// (§5: "Implementations that cannot rely on a cooperative runtime must
// add a per-table mutex covering claim+flush").
type Instance struct {
	ShardKey string
	Colo     string

	db         store.Store
	schemas    *schemamgr.Manager
	diag       *diagnostics.Sink
	metrics    metrics.Sink
	lastPruned lastPrunedStore
	cfg        Config

	// firehoseTable names the route whose successful flushes also get
	// mirrored to the diagnostics "last firehose batch/event" keys
	// (§4.6 step 4). Empty disables the mirroring.
	firehoseTable string

	mu           sync.Mutex
	batches      map[string][]assembler.Record
	failureCount map[string]int
	lastPrunedAt map[string]int64
	plan         []planner.CompiledLogRoute
	routeByTable map[string]planner.CompiledLogRoute
	timer        *time.Timer

	bgWG sync.WaitGroup
}

// New builds an Instance for shardKey, colo-tagged for diagnostics and
// metrics. firehoseTable is the route name mirrored to the "last
// firehose batch/event" diagnostics keys; pass "" if none.
func New(shardKey, colo string, db store.Store, schemas *schemamgr.Manager, diag *diagnostics.Sink, metricsSink metrics.Sink, lastPruned lastPrunedStore, firehoseTable string, cfg Config) *Instance {
	return &Instance{
		ShardKey:      shardKey,
		Colo:          colo,
		db:            db,
		schemas:       schemas,
		diag:          diag,
		metrics:       metricsSink,
		lastPruned:    lastPruned,
		firehoseTable: firehoseTable,
		cfg:           cfg,
		batches:       make(map[string][]assembler.Record),
		failureCount:  make(map[string]int),
		lastPrunedAt:  make(map[string]int64),
		routeByTable:  make(map[string]planner.CompiledLogRoute),
	}
}

// SetLogPlan stores the compiled plan so alarm-driven flushes can
// resolve a buffered table back to its route without re-evaluating
// filters (§4.5, §4.6(b)).
func (in *Instance) SetLogPlan(plan []planner.CompiledLogRoute) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.plan = plan
	in.routeByTable = make(map[string]planner.CompiledLogRoute, len(plan))
	for _, route := range plan {
		in.routeByTable[route.TableName] = route
	}
}

// AddLog appends record to every matched route's buffer, schedules an
// immediate flush if a buffer just reached MaxBatchSize, and (re)arms
// the alarm (§4.6 addLog). An unhandled flush error can never fail the
// add: the immediate flush is itself fire-and-forget.
func (in *Instance) AddLog(record assembler.Record, matched []planner.CompiledLogRoute) {
	in.mu.Lock()
	var toFlush []planner.CompiledLogRoute
	for _, route := range matched {
		in.batches[route.TableName] = append(in.batches[route.TableName], record)
		if len(in.batches[route.TableName]) >= in.cfg.MaxBatchSize {
			toFlush = append(toFlush, route)
		}
	}
	in.mu.Unlock()

	for _, route := range toFlush {
		in.flushInBackground(route)
	}
	in.armAlarm()
}

func (in *Instance) armAlarm() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.timer == nil {
		in.timer = time.AfterFunc(in.cfg.BatchInterval, in.fireAlarm)
		return
	}
	in.timer.Stop()
	in.timer.Reset(in.cfg.BatchInterval)
}

func (in *Instance) fireAlarm() {
	in.Alarm(context.Background())
}

// Alarm implements §4.6 alarm(): snapshots state, bails out without
// touching buffers if no plan has been set yet, then flushes every
// non-empty buffer concurrently.
func (in *Instance) Alarm(ctx context.Context) {
	ctx, rlog := logger.ContextWithShard(ctx, in.ShardKey)

	in.goBackground(func(bgCtx context.Context) {
		if err := in.publishState(bgCtx); err != nil {
			rlog.Errorf("[Batcher] publish state: %v", err)
		}
	})

	plan := in.currentPlan()
	if plan == nil {
		rlog.Error("[Batcher] alarm fired with no log plan set, buffers retained")
		return
	}

	routes := in.routesToFlush()
	var wg sync.WaitGroup
	for _, route := range routes {
		wg.Add(1)
		go func(route planner.CompiledLogRoute) {
			defer wg.Done()
			in.flush(ctx, route)
		}(route)
	}
	wg.Wait()
}

// Shutdown implements the destructor hook (§4.6): a best-effort drain
// of every non-empty buffer, flushed concurrently. No error propagates
// past it.
func (in *Instance) Shutdown(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Errorf("[Batcher] panic during shutdown drain: %v", r)
		}
	}()

	routes := in.routesToFlush()
	var wg sync.WaitGroup
	for _, route := range routes {
		wg.Add(1)
		go func(route planner.CompiledLogRoute) {
			defer wg.Done()
			in.flush(ctx, route)
		}(route)
	}
	wg.Wait()
	in.bgWG.Wait()
}

// routesToFlush resolves every currently non-empty buffer to its
// compiled route, logging and skipping any buffer whose route is
// unknown (it stays buffered for the next attempt, §4.6(c)).
func (in *Instance) routesToFlush() []planner.CompiledLogRoute {
	in.mu.Lock()
	defer in.mu.Unlock()
	var routes []planner.CompiledLogRoute
	for table, buf := range in.batches {
		if len(buf) == 0 {
			continue
		}
		route, ok := in.routeByTable[table]
		if !ok {
			logger.Default().Errorf("[Batcher] no compiled route for buffered table %q, skipping this alarm", table)
			continue
		}
		routes = append(routes, route)
	}
	return routes
}

func (in *Instance) currentPlan() []planner.CompiledLogRoute {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.plan
}

func (in *Instance) flushInBackground(route planner.CompiledLogRoute) {
	in.goBackground(func(ctx context.Context) {
		in.flush(ctx, route)
	})
}

// flush is the flush protocol of §4.6: claim, migrate, submit, and
// react to the outcome (retry with FIFO-preserving prepend, or
// dead-letter past MaxRetries).
func (in *Instance) flush(ctx context.Context, route planner.CompiledLogRoute) {
	start := time.Now()

	batch := in.claim(route.TableName)
	if len(batch) == 0 {
		return
	}
	ctx = restoreLoggerContext(ctx, batch)
	rlog := logger.FromContext(ctx)

	migration, err := in.schemas.Initialize(ctx, route.TableName, route.Schema, route.SchemaHash)
	if err != nil {
		rlog.Errorf("[Batcher] schema init for %q failed: %v", route.TableName, err)
		in.onFlushFailure(ctx, route, batch, err, time.Since(start))
		return
	}
	if migration != nil {
		in.goBackground(func(bgCtx context.Context) {
			if mErr := in.metrics.RecordSchemaMigration(bgCtx, metrics.SchemaMigration{
				TableName:     migration.TableName,
				MigrationType: string(migration.MigrationType),
				SchemaHash:    migration.SchemaHash,
				Colo:          in.Colo,
				DurationMs:    migration.Duration.Milliseconds(),
			}); mErr != nil {
				logger.FromContext(bgCtx).Errorf("[Batcher] record schema migration metric: %v", mErr)
			}
		})
	}

	stmts := make([]store.Statement, 0, len(batch))
	for _, record := range batch {
		stmts = append(stmts, insertStatement(route.TableName, route.Schema, record))
	}

	if _, err := in.db.Batch(ctx, stmts); err != nil {
		in.onFlushFailure(ctx, route, batch, err, time.Since(start))
		return
	}

	in.onFlushSuccess(ctx, route, batch, time.Since(start))
}

// claim atomically swaps out the buffer for table, the synchronous
// first step of a flush so no interleaved AddLog can observe a
// half-cleared buffer (§5).
func (in *Instance) claim(table string) []assembler.Record {
	in.mu.Lock()
	defer in.mu.Unlock()
	batch := in.batches[table]
	in.batches[table] = nil
	return batch
}

// restoreLoggerContext re-attaches the logger context of the request
// that first populated this buffer, read back off the oldest record's
// assembler.LoggerContextField. Every record in a claimed buffer shares
// the same originating request (the Shard Dispatcher keys an Instance
// by that request's cf-ray/logId, §4.5), so the first record's context
// speaks for the whole batch, and a flush failure logs under the same
// correlation fields the original request logged under instead of a
// bare context.Background(). If ctx already carries a logger (as the
// shard-tagged context Alarm passes in does), ctx is returned unchanged.
func restoreLoggerContext(ctx context.Context, batch []assembler.Record) context.Context {
	raw, ok := batch[0][assembler.LoggerContextField].(string)
	if !ok || raw == "" {
		return ctx
	}
	return logger.ContextWithLoggerFromData(ctx, []byte(raw))
}

func (in *Instance) onFlushSuccess(ctx context.Context, route planner.CompiledLogRoute, batch []assembler.Record, dur time.Duration) {
	in.mu.Lock()
	in.failureCount[route.TableName] = 0
	in.mu.Unlock()

	if in.firehoseTable != "" && route.TableName == in.firehoseTable {
		rows := recordsToRows(batch)
		in.goBackground(func(bgCtx context.Context) {
			if err := in.diag.PutLastFirehoseBatch(bgCtx, rows); err != nil {
				logger.FromContext(bgCtx).Errorf("[Batcher] put last firehose batch: %v", err)
			}
			if err := in.diag.PutLastFirehoseEvent(bgCtx, rows[len(rows)-1]); err != nil {
				logger.FromContext(bgCtx).Errorf("[Batcher] put last firehose event: %v", err)
			}
		})
	}

	in.goBackground(func(bgCtx context.Context) {
		if err := in.metrics.RecordBatchWrite(bgCtx, metrics.BatchWrite{
			TableName:  route.TableName,
			Outcome:    metrics.OutcomeSuccess,
			Colo:       in.Colo,
			BatchSize:  len(batch),
			DurationMs: dur.Milliseconds(),
		}); err != nil {
			logger.FromContext(bgCtx).Errorf("[Batcher] record batch write metric: %v", err)
		}
	})
}

func (in *Instance) onFlushFailure(ctx context.Context, route planner.CompiledLogRoute, batch []assembler.Record, flushErr error, dur time.Duration) {
	rows := recordsToRows(batch)
	in.goBackground(func(bgCtx context.Context) {
		if err := in.diag.PutLastFailedBatch(bgCtx, route.TableName, flushErr, rows); err != nil {
			logger.FromContext(bgCtx).Errorf("[Batcher] put last failed batch: %v", err)
		}
	})

	in.mu.Lock()
	in.failureCount[route.TableName]++
	exhausted := in.failureCount[route.TableName] >= MaxRetries
	if exhausted {
		in.failureCount[route.TableName] = 0
	} else {
		// Prepend the claimed batch ahead of anything accumulated since
		// the claim, preserving FIFO order across retries (§9 open
		// question: prepend, not append).
		in.batches[route.TableName] = append(batch, in.batches[route.TableName]...)
	}
	in.mu.Unlock()

	if exhausted {
		now := time.Now().UTC()
		in.goBackground(func(bgCtx context.Context) {
			if err := in.diag.PutDeadLetter(bgCtx, route.TableName, rows, now); err != nil {
				logger.FromContext(bgCtx).Errorf("[Batcher] put dead letter for %q: %v", route.TableName, err)
			}
		})
	}

	in.goBackground(func(bgCtx context.Context) {
		if err := in.metrics.RecordBatchWrite(bgCtx, metrics.BatchWrite{
			TableName:  route.TableName,
			Outcome:    metrics.OutcomeFailure,
			Colo:       in.Colo,
			BatchSize:  len(batch),
			DurationMs: dur.Milliseconds(),
		}); err != nil {
			logger.FromContext(bgCtx).Errorf("[Batcher] record batch write metric: %v", err)
		}
	})
}

// RunRetentionCheck implements §4.6 runRetentionCheck: prunes
// route.TableName if the configured pruning interval has elapsed since
// the table's last prune, leaving lastPruned untouched on failure so
// the next cron tick retries.
func (in *Instance) RunRetentionCheck(ctx context.Context, route planner.CompiledLogRoute) error {
	if route.PruningIntervalDays <= 0 {
		return nil
	}
	rlog := logger.FromContext(ctx)

	last := in.readLastPruned(ctx, route.TableName)
	interval := time.Duration(route.PruningIntervalDays) * 24 * time.Hour
	now := time.Now().UTC()
	if now.Sub(time.UnixMilli(last)) <= interval {
		return nil
	}

	if _, err := in.schemas.Initialize(ctx, route.TableName, route.Schema, route.SchemaHash); err != nil {
		return fmt.Errorf("batcher: ensure schema before prune of %q: %w", route.TableName, err)
	}

	result, err := pruner.PruneTable(ctx, in.db, route.TableName, route.RetentionDays, now)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
		rlog.Errorf("[Batcher] prune %q failed: %v", route.TableName, err)
	} else {
		in.writeLastPruned(ctx, route.TableName, now.UnixMilli())
		in.goBackground(func(bgCtx context.Context) {
			if putErr := in.diag.PutPruningSummary(bgCtx, route.TableName, diagnostics.PruningSummaryEntry{
				LastPrunedTimestamp: now,
				LastRowsDeleted:     result.RowsDeleted,
				LastPruneDuration:   result.Duration,
			}); putErr != nil {
				logger.FromContext(bgCtx).Errorf("[Batcher] put pruning summary for %q: %v", route.TableName, putErr)
			}
		})
	}

	in.goBackground(func(bgCtx context.Context) {
		if mErr := in.metrics.RecordDataPruning(bgCtx, metrics.DataPruning{
			TableName:   route.TableName,
			Outcome:     outcome,
			Colo:        in.Colo,
			RowsDeleted: result.RowsDeleted,
			DurationMs:  result.Duration.Milliseconds(),
		}); mErr != nil {
			logger.FromContext(bgCtx).Errorf("[Batcher] record data pruning metric: %v", mErr)
		}
	})

	return err
}

func (in *Instance) readLastPruned(ctx context.Context, table string) int64 {
	in.mu.Lock()
	if v, ok := in.lastPrunedAt[table]; ok {
		in.mu.Unlock()
		return v
	}
	in.mu.Unlock()

	var stored int64
	if _, err := in.lastPruned.Read(ctx, lastPrunedKey(table), &stored); err != nil {
		logger.FromContext(ctx).Errorf("[Batcher] read last pruned for %q: %v", table, err)
		return 0
	}
	in.mu.Lock()
	in.lastPrunedAt[table] = stored
	in.mu.Unlock()
	return stored
}

func (in *Instance) writeLastPruned(ctx context.Context, table string, at int64) {
	in.mu.Lock()
	in.lastPrunedAt[table] = at
	in.mu.Unlock()
	if err := in.lastPruned.Write(ctx, lastPrunedKey(table), at, 0); err != nil {
		logger.FromContext(ctx).Errorf("[Batcher] persist last pruned for %q: %v", table, err)
	}
}

func lastPrunedKey(table string) string {
	return "last_pruned_" + table
}

// publishState snapshots this instance's buffers and registers it as
// alive in the diagnostics store (§4.6 alarm step (a), §3
// BatcherInstanceState).
func (in *Instance) publishState(ctx context.Context) error {
	in.mu.Lock()
	sizes := make(map[string]int, len(in.batches))
	for table, buf := range in.batches {
		sizes[table] = len(buf)
	}
	failures := make(map[string]int, len(in.failureCount))
	for table, n := range in.failureCount {
		failures[table] = n
	}
	lastPruned := make(map[string]int64, len(in.lastPrunedAt))
	for table, ts := range in.lastPrunedAt {
		lastPruned[table] = ts
	}
	in.mu.Unlock()

	if err := in.diag.PutState(ctx, in.ShardKey, diagnostics.InstanceState{
		ShardKey:            in.ShardKey,
		BufferSizeByTable:   sizes,
		FailureCountByTable: failures,
		LastPrunedByTable:   lastPruned,
	}); err != nil {
		return err
	}
	return in.diag.PutActive(ctx, in.ShardKey, in.Colo)
}

// goBackground runs fn on its own goroutine, recovering any panic so
// that a fire-and-forget diagnostics/metrics write can never bring
// down the instance (§4.6, §9: "fire-and-forget ... held until
// completion by the host"). Shutdown waits for every such task before
// returning.
func (in *Instance) goBackground(fn func(ctx context.Context)) {
	in.bgWG.Add(1)
	go func() {
		defer in.bgWG.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Default().Errorf("[Batcher] background task panic: %v", r)
			}
		}()
		fn(context.Background())
	}()
}

// insertStatement builds a single parameterized INSERT for record,
// columns ordered per schema, binding missing fields as null (§4.6
// step 3).
func insertStatement(table string, schema []fields.Column, record assembler.Record) store.Statement {
	names := make([]string, len(schema))
	placeholders := make([]string, len(schema))
	args := make([]any, len(schema))
	for i, col := range schema {
		names[i] = `"` + col.Name + `"`
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = record[col.Name]
	}
	sql := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s);`,
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	return store.Bind(sql, args...)
}

func recordsToRows(batch []assembler.Record) []map[string]any {
	rows := make([]map[string]any, len(batch))
	for i, r := range batch {
		rows[i] = r
	}
	return rows
}
