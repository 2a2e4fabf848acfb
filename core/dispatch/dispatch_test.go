package dispatch_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fluxlog/logpipe/core/assembler"
	"github.com/fluxlog/logpipe/core/dispatch"
	"github.com/fluxlog/logpipe/core/planner"
	"github.com/fluxlog/logpipe/core/request"
)

type fakeInstance struct {
	mu      sync.Mutex
	key     string
	plan    []planner.CompiledLogRoute
	planSet int
	logs    []assembler.Record
	matched []int
}

func (f *fakeInstance) SetLogPlan(plan []planner.CompiledLogRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan = plan
	f.planSet++
}

func (f *fakeInstance) AddLog(record assembler.Record, matched []planner.CompiledLogRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, record)
	f.matched = append(f.matched, len(matched))
}

func newFactory() (dispatch.InstanceFactory, map[string]*fakeInstance, *sync.Mutex) {
	var mu sync.Mutex
	created := map[string]*fakeInstance{}
	factory := func(shardKey string) dispatch.Instance {
		mu.Lock()
		defer mu.Unlock()
		inst := &fakeInstance{key: shardKey}
		created[shardKey] = inst
		return inst
	}
	return factory, created, &mu
}

func req() *request.Request {
	return &request.Request{Request: httptest.NewRequest(http.MethodGet, "https://example.com/", nil)}
}

func TestShardKeyPrefersCfRayHeader(t *testing.T) {
	r := req()
	r.Header.Set("cf-ray", "abc-DFW")
	if got := dispatch.ShardKey(r, "log-id-1"); got != "abc-DFW" {
		t.Fatalf("expected cf-ray shard key, got %s", got)
	}
}

func TestShardKeyFallsBackToLogID(t *testing.T) {
	r := req()
	if got := dispatch.ShardKey(r, "log-id-1"); got != "log-id-1" {
		t.Fatalf("expected logId fallback, got %s", got)
	}
}

func TestDispatchCreatesOneInstancePerShardKey(t *testing.T) {
	factory, created, mu := newFactory()
	d := dispatch.New(factory)

	plan, err := planner.Compile(planner.FirehoseConfig{TableName: "log_firehose"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Dispatch("shard-a", req(), assembler.Record{"logId": "1"}, plan)
	d.Dispatch("shard-a", req(), assembler.Record{"logId": "2"}, plan)
	d.Dispatch("shard-b", req(), assembler.Record{"logId": "3"}, plan)

	if d.Len() != 2 {
		t.Fatalf("expected 2 distinct instances, got %d", d.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(created["shard-a"].logs) != 2 {
		t.Fatalf("expected 2 logs routed to shard-a, got %d", len(created["shard-a"].logs))
	}
	if len(created["shard-b"].logs) != 1 {
		t.Fatalf("expected 1 log routed to shard-b, got %d", len(created["shard-b"].logs))
	}
}

func TestDispatchCallsSetLogPlanOnlyOnFirstContact(t *testing.T) {
	factory, created, mu := newFactory()
	d := dispatch.New(factory)

	plan, err := planner.Compile(planner.FirehoseConfig{TableName: "log_firehose"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Dispatch("shard-a", req(), assembler.Record{"logId": "1"}, plan)
	d.Dispatch("shard-a", req(), assembler.Record{"logId": "2"}, plan)

	mu.Lock()
	defer mu.Unlock()
	if created["shard-a"].planSet != 1 {
		t.Fatalf("expected SetLogPlan called exactly once, got %d", created["shard-a"].planSet)
	}
}

func TestDispatchMatchesRoutesAgainstPlan(t *testing.T) {
	factory, created, mu := newFactory()
	d := dispatch.New(factory)

	plan, err := planner.Compile(
		planner.FirehoseConfig{TableName: "log_firehose"},
		[]planner.LogRouteConfig{{
			TableName: "ab_tests",
			Filter:    []byte(`[{"request.method":{"equals":"POST"}}]`),
		}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	getReq := req()
	d.Dispatch("shard-a", getReq, assembler.Record{"logId": "1"}, plan)

	postReq := &request.Request{Request: httptest.NewRequest(http.MethodPost, "https://example.com/", nil)}
	d.Dispatch("shard-a", postReq, assembler.Record{"logId": "2"}, plan)

	mu.Lock()
	defer mu.Unlock()
	if len(created["shard-a"].logs) != 2 {
		t.Fatalf("expected both logs recorded regardless of match count, got %d", len(created["shard-a"].logs))
	}
	if got := created["shard-a"].matched; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected the GET to match only the firehose and the POST to match both routes, got %v", got)
	}
}
