// Package pipeline is the Entrypoint (§4.9, component K): it exposes
// the two logical caller operations (log, getLogData) and the cron
// handler, and holds the process-lifetime compiled plan. Nothing
// upstream of this package needs to know about the assembler, filter
// compiler, shard dispatcher, or batcher individually.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxlog/logpipe/core/assembler"
	"github.com/fluxlog/logpipe/core/dispatch"
	"github.com/fluxlog/logpipe/core/logger"
	"github.com/fluxlog/logpipe/core/planner"
	"github.com/fluxlog/logpipe/core/request"
)

// retentionRunner is the subset of a batcher instance the cron path
// needs; batcher.Instance satisfies it. Declared locally because
// dispatch.Instance (§4.5) intentionally exposes only SetLogPlan/AddLog
// to the dispatcher, and the cron path is not the dispatcher.
type retentionRunner interface {
	SetLogPlan(plan []planner.CompiledLogRoute)
	RunRetentionCheck(ctx context.Context, route planner.CompiledLogRoute) error
}

// Pipeline is the process-lifetime entrypoint: one immutable compiled
// plan, one shard dispatcher, shared for the life of the worker.
type Pipeline struct {
	Plan        []planner.CompiledLogRoute
	Environment map[string]any
	MaxBodySize int

	dispatcher *dispatch.Dispatcher

	bgWG sync.WaitGroup
}

// New builds a Pipeline over an already-compiled plan (§4.3) and an
// InstanceFactory that produces a fresh batcher instance per shard key
// (§4.5). environment is the scalar-only snapshot assembled into every
// record's "environment" field; maxBodySize bounds body capture (§4.4
// step 7).
func New(plan []planner.CompiledLogRoute, newInstance dispatch.InstanceFactory, environment map[string]any, maxBodySize int) *Pipeline {
	return &Pipeline{
		Plan:        plan,
		Environment: environment,
		MaxBodySize: maxBodySize,
		dispatcher:  dispatch.New(newInstance),
	}
}

// Log fires-and-forgets the enqueue of req (plus optional caller data)
// into the compiled plan (§4.9): it returns immediately, while
// assembly and dispatch proceed as a background task the caller's host
// must keep alive until Shutdown drains it (§5).
func (p *Pipeline) Log(ctx context.Context, req *request.Request, data any) {
	workerStart := time.Now().UTC()
	ctx, rlog := logger.ContextWithLogger(ctx)

	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		defer func() {
			if r := recover(); r != nil {
				rlog.Errorf("[Pipeline] panic assembling/dispatching log: %v", r)
			}
		}()
		record := assembler.Assemble(ctx, req, data, p.Environment, p.MaxBodySize, workerStart)
		logID, _ := record["logId"].(string)
		shardKey := dispatch.ShardKey(req, logID)
		p.dispatcher.Dispatch(shardKey, req, record, p.Plan)
	}()
}

// GetLogData synchronously assembles and returns the record for req
// without enqueuing it anywhere (§4.9 debug affordance).
func (p *Pipeline) GetLogData(ctx context.Context, req *request.Request, data any) assembler.Record {
	return assembler.Assemble(ctx, req, data, p.Environment, p.MaxBodySize, time.Now().UTC())
}

// RunScheduled implements the cron handler (§4.9): for every route
// carrying both a retention window and a pruning interval, it reaches
// the "pruner_<tableName>" instance, sends it the compiled plan, and
// only then runs its retention check — that ordering is required so
// the instance can resolve schemas during the check (§4.9: "cron call
// ordering (setLogPlan before runRetentionCheck) is required to avoid
// a latent race").
func (p *Pipeline) RunScheduled(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	var firstErr error
	for _, route := range p.Plan {
		if route.RetentionDays <= 0 || route.PruningIntervalDays <= 0 {
			continue
		}
		name := "pruner_" + route.TableName
		inst := p.dispatcher.InstanceFor(name)
		runner, ok := inst.(retentionRunner)
		if !ok {
			rlog.Errorf("[Pipeline] instance %q cannot run retention checks", name)
			continue
		}
		runner.SetLogPlan(p.Plan)
		if err := runner.RunRetentionCheck(ctx, route); err != nil {
			rlog.Errorf("[Pipeline] retention check for %q failed: %v", route.TableName, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("pipeline: retention check for %q: %w", route.TableName, err)
			}
		}
	}
	return firstErr
}

// Shutdown waits for every in-flight Log() assembly/dispatch task to
// finish, the process-hold semantics §5 requires of the background
// task model. It does not drain batcher instances itself; callers that
// also need those drained should type-assert and call Shutdown on each
// (see cmd/logpipe for the wiring).
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.bgWG.Wait()
}

// Dispatcher exposes the underlying shard dispatcher for callers (e.g.
// the admin HTTP surface, or a shutdown hook) that need to enumerate
// or drain live batcher instances directly.
func (p *Pipeline) Dispatcher() *dispatch.Dispatcher {
	return p.dispatcher
}
