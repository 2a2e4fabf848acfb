// Package pruner implements the Retention Pruner (§4.8): it deletes
// rows older than a table's retention window and refreshes the store's
// planner statistics when it actually removes anything.
package pruner

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxlog/logpipe/core/store"
)

// Result reports the outcome of a single prune pass.
type Result struct {
	TableName   string
	RowsDeleted int64
	Duration    time.Duration
}

// PruneTable deletes every row of tableName whose receivedAt precedes
// now - retentionDays days, then analyzes the table if any row was
// removed (§4.8). Errors propagate to the caller; lastPruned bookkeeping
// is the caller's responsibility.
func PruneTable(ctx context.Context, db store.Store, tableName string, retentionDays int, now time.Time) (Result, error) {
	start := time.Now()
	cutoff := now.AddDate(0, 0, -retentionDays)

	result, err := db.Batch(ctx, []store.Statement{
		store.Bind(fmt.Sprintf(`DELETE FROM %q WHERE "receivedAt" < $1;`, tableName), cutoff.UTC().Format(time.RFC3339Nano)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("pruner: delete from %q: %w", tableName, err)
	}

	if result.Changes > 0 {
		if err := db.Analyze(ctx, tableName); err != nil {
			return Result{}, fmt.Errorf("pruner: analyze %q: %w", tableName, err)
		}
	}

	return Result{
		TableName:   tableName,
		RowsDeleted: result.Changes,
		Duration:    time.Since(start),
	}, nil
}
