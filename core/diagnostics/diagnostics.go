// Package diagnostics is a typed wrapper over the registry's key-value
// namespace (§6): it names the fixed set of snapshot keys the batcher
// and pruner publish, and the separate dead-letter namespace failed
// batches are moved into.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/fluxlog/logpipe/core/registry"
)

// Sink publishes batcher/pruner state snapshots to the diagnostics
// key-value namespace (§6).
type Sink struct {
	state      registry.Accessor
	activeDO   registry.Accessor
	firehose   registry.Accessor
	failures   registry.Accessor
	pruning    registry.Accessor
	deadletter registry.Accessor
}

const activeDOTTL = 65 * time.Second

// New builds a Sink over reg, splitting the diagnostics and dead-letter
// namespaces by key prefix so both live in the same registry table
// without colliding (§6: "Dead-letter store. Same kind; key pattern
// distinct from diagnostics").
func New(reg *registry.Registry) *Sink {
	return &Sink{
		state:      reg.Accessor("state"),
		activeDO:   reg.Accessor("active_do"),
		firehose:   reg.Accessor("firehose"),
		failures:   reg.Accessor("failure"),
		pruning:    reg.Accessor("pruning"),
		deadletter: reg.Accessor("deadletter"),
	}
}

// InstanceState is the snapshot a batcher instance publishes on every
// alarm.
type InstanceState struct {
	ShardKey            string           `json:"shardKey"`
	BufferSizeByTable   map[string]int   `json:"bufferSizeByTable"`
	FailureCountByTable map[string]int   `json:"failureCountByTable"`
	LastPrunedByTable   map[string]int64 `json:"lastPrunedByTable"`
}

// PutState publishes doID's current state snapshot.
func (s *Sink) PutState(ctx context.Context, doID string, state InstanceState) error {
	return s.state.Write(ctx, doID, state, 0)
}

// Liveness is the {colo, lastSeen} payload for "active_do_<doId>".
type Liveness struct {
	Colo     string    `json:"colo"`
	LastSeen time.Time `json:"lastSeen"`
}

// PutActive registers doID as alive, expiring after 65 seconds (§6).
func (s *Sink) PutActive(ctx context.Context, doID, colo string) error {
	return s.activeDO.Write(ctx, doID, Liveness{Colo: colo, LastSeen: time.Now().UTC()}, activeDOTTL)
}

// FirehoseBatch is the "last_firehose_batch" payload.
type FirehoseBatch struct {
	Batch     []map[string]any `json:"batch"`
	Timestamp time.Time        `json:"timestamp"`
}

// PutLastFirehoseBatch records the most recent successful firehose
// write as a whole batch.
func (s *Sink) PutLastFirehoseBatch(ctx context.Context, batch []map[string]any) error {
	return s.firehose.Write(ctx, "last_batch", FirehoseBatch{Batch: batch, Timestamp: time.Now().UTC()}, 0)
}

// PutLastFirehoseEvent records the most recent successful firehose
// write's last record.
func (s *Sink) PutLastFirehoseEvent(ctx context.Context, record map[string]any) error {
	return s.firehose.Write(ctx, "last_event", record, 0)
}

// FailedBatch is the "last_failed_batch" payload.
type FailedBatch struct {
	TableName string           `json:"tableName"`
	Error     string           `json:"error"`
	Batch     []map[string]any `json:"batch"`
	Timestamp time.Time        `json:"timestamp"`
}

// PutLastFailedBatch records the most recent flush failure.
func (s *Sink) PutLastFailedBatch(ctx context.Context, tableName string, flushErr error, batch []map[string]any) error {
	return s.failures.Write(ctx, "last_failed_batch", FailedBatch{
		TableName: tableName,
		Error:     flushErr.Error(),
		Batch:     batch,
		Timestamp: time.Now().UTC(),
	}, 0)
}

// PruningSummaryEntry is one table's entry in "pruning_summary".
type PruningSummaryEntry struct {
	LastPrunedTimestamp time.Time     `json:"lastPrunedTimestamp"`
	LastRowsDeleted     int64         `json:"lastRowsDeleted"`
	LastPruneDuration   time.Duration `json:"lastPruneDurationMs"`
}

// MarshalJSON writes LastPruneDuration as whole milliseconds under
// "lastPruneDurationMs".
func (e PruningSummaryEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		LastPrunedTimestamp time.Time `json:"lastPrunedTimestamp"`
		LastRowsDeleted     int64     `json:"lastRowsDeleted"`
		LastPruneDurationMs int64     `json:"lastPruneDurationMs"`
	}{e.LastPrunedTimestamp, e.LastRowsDeleted, e.LastPruneDuration.Milliseconds()})
}

// PutPruningSummary records tableName's pruning outcome.
func (s *Sink) PutPruningSummary(ctx context.Context, tableName string, entry PruningSummaryEntry) error {
	return s.pruning.Write(ctx, tableName, entry, 0)
}

// PutDeadLetter moves a batch that exceeded MAX_RETRIES into the
// dead-letter namespace under key "<tableName>_<RFC3339Nano>", which the
// "deadletter" accessor stores as "deadletter:<tableName>_<RFC3339Nano>".
func (s *Sink) PutDeadLetter(ctx context.Context, tableName string, batch []map[string]any, at time.Time) error {
	key := fmt.Sprintf("%s_%s", tableName, at.UTC().Format(time.RFC3339Nano))
	return s.deadletter.Write(ctx, key, batch, 0)
}

// GetState reads the most recently published state snapshot for doID,
// for the admin diagnostics surface's "/logpipe/diagnostics/batcher/{id}"
// route. found is false if doID has never published a snapshot.
func (s *Sink) GetState(ctx context.Context, doID string) (state InstanceState, found bool, err error) {
	at, err := s.state.Read(ctx, doID, &state)
	if err != nil {
		return InstanceState{}, false, err
	}
	return state, !at.IsZero(), nil
}

// DeadLetterKeys lists every dead-lettered batch key recorded for
// tableName, for the admin diagnostics surface's
// "/logpipe/diagnostics/deadletter" route.
func (s *Sink) DeadLetterKeys(ctx context.Context, tableName string) ([]string, error) {
	return s.deadletter.Keys(ctx, tableName+"_")
}

// GetDeadLetter reads back one dead-lettered batch by the full key
// returned from DeadLetterKeys.
func (s *Sink) GetDeadLetter(ctx context.Context, key string) (batch []map[string]any, found bool, err error) {
	at, err := s.deadletter.Read(ctx, key, &batch)
	if err != nil {
		return nil, false, err
	}
	return batch, !at.IsZero(), nil
}
