package main

import (
	"context"
	"time"

	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/pipeline"
)

// startHeartbeat drives the cron path (§4.9) on a fixed interval,
// mirroring the teacher's ProcessJobsAsync heartbeat loop. It waits on
// time.After in a select rather than a time.Ticker, so a slow
// RunScheduled never queues up a backlog of pending ticks. It returns a stop function
// that ends the loop after its current iteration.
func startHeartbeat(ctx context.Context, pl *pipeline.Pipeline, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(interval):
			}
			if err := pl.RunScheduled(ctx); err != nil {
				logger.Default().Errorf("[Heartbeat] scheduled run failed: %v", err)
			}
		}
	}()
	return func() { close(done) }
}
