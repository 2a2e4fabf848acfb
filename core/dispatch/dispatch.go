// Package dispatch implements the Shard Dispatcher (§4.5): it picks a
// batcher instance for an assembled record and keeps the mapping from
// shard key to instance, creating instances lazily on first contact.
package dispatch

import (
	"context"
	"sync"

	"github.com/fluxlog/logpipe/core/assembler"
	"github.com/fluxlog/logpipe/core/planner"
	"github.com/fluxlog/logpipe/core/request"
)

// Instance is the batcher-side contract the dispatcher drives. Dispatch
// only ever calls these two methods; Drain additionally calls Shutdown
// on instances that implement it.
type Instance interface {
	// SetLogPlan installs the compiled plan so the instance can resolve
	// routes during alarm-driven flushes without re-evaluating filters.
	// Called once, before the first AddLog for that instance.
	SetLogPlan(plan []planner.CompiledLogRoute)
	// AddLog hands the instance a record together with the routes it
	// matched at dispatch time.
	AddLog(record assembler.Record, matched []planner.CompiledLogRoute)
}

// InstanceFactory creates a new, empty Instance for a shard key.
type InstanceFactory func(shardKey string) Instance

// Dispatcher keys batcher instances by shard id (§4.5): same request
// shard key always resolves to the same Instance, created lazily.
type Dispatcher struct {
	newInstance InstanceFactory

	mu        sync.Mutex
	instances map[string]Instance
}

// New builds a Dispatcher that creates instances via newInstance.
func New(newInstance InstanceFactory) *Dispatcher {
	return &Dispatcher{
		newInstance: newInstance,
		instances:   make(map[string]Instance),
	}
}

// ShardKey derives the shard key for a request: the incoming cf-ray
// header if present, else the assembled logId. This guarantees the
// same request always maps to the same key, since both logId and
// cf-ray are stable for the lifetime of a single request.
func ShardKey(req *request.Request, logID string) string {
	if req != nil && req.Request != nil {
		if ray := req.Header.Get("cf-ray"); ray != "" {
			return ray
		}
	}
	return logID
}

// Dispatch routes record to the instance for shardKey, matching it
// against plan and invoking SetLogPlan on first contact with that
// shard (§4.5). matched is the subset of plan whose Predicate accepted
// req.
func (d *Dispatcher) Dispatch(shardKey string, req *request.Request, record assembler.Record, plan []planner.CompiledLogRoute) {
	var matched []planner.CompiledLogRoute
	for _, route := range plan {
		if route.Predicate(req) {
			matched = append(matched, route)
		}
	}

	inst, firstContact := d.instanceFor(shardKey)
	if firstContact {
		inst.SetLogPlan(plan)
	}
	inst.AddLog(record, matched)
}

func (d *Dispatcher) instanceFor(shardKey string) (inst Instance, firstContact bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.instances[shardKey]; ok {
		return existing, false
	}
	inst = d.newInstance(shardKey)
	d.instances[shardKey] = inst
	return inst, true
}

// Len reports how many distinct shard instances are currently tracked.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances)
}

// InstanceFor returns the instance named name, creating it lazily if
// this is the first contact. Unlike Dispatch, it does not evaluate any
// predicate or route a record: it is the cron path's way of reaching a
// named instance directly (e.g. "pruner_<tableName>", §4.9) without a
// request to shard on.
func (d *Dispatcher) InstanceFor(name string) Instance {
	inst, _ := d.instanceFor(name)
	return inst
}

// shutdownable is the subset of batcher.Instance the host's graceful
// shutdown path needs; Instance itself only exposes SetLogPlan/AddLog
// to the dispatcher proper.
type shutdownable interface {
	Shutdown(ctx context.Context)
}

// Drain calls Shutdown on every live instance that implements it,
// concurrently, and waits for them all. It is the host's hook for
// draining every batcher shard before the process exits.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	instances := make([]Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		instances = append(instances, inst)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		sd, ok := inst.(shutdownable)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(sd shutdownable) {
			defer wg.Done()
			sd.Shutdown(ctx)
		}(sd)
	}
	wg.Wait()
}
