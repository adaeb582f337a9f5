package dispatch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/jobs"
	"github.com/redunix/computed/internal/metrics"
	"github.com/redunix/computed/internal/pool"
	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

type fixture struct {
	disp    *Dispatcher
	metrics *metrics.Collector
	jobs    *jobs.Manager
	release chan struct{}
}

// newFixture builds a dispatcher over a small registry: a fast echo, a
// blocking command released by the test, and a slow cooperative one.
func newFixture(t *testing.T, cpuWorkers, cpuCapacity int) *fixture {
	t.Helper()

	release := make(chan struct{})
	reg := registry.New()
	reg.Register(registry.Spec{
		Command:  "echo",
		Category: types.CategoryBasic,
		Timeout:  5 * time.Second,
		Handler: func(ctx *registry.Context) (any, error) {
			return map[string]string{"echo": ctx.Params["text"]}, nil
		},
		Params: []registry.ParamSpec{{Name: "text", Required: true}},
	})
	reg.Register(registry.Spec{
		Command:  "block",
		Category: types.CategoryCPU,
		Timeout:  10 * time.Second,
		Handler: func(ctx *registry.Context) (any, error) {
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			return map[string]bool{"done": true}, nil
		},
	})
	reg.Register(registry.Spec{
		Command:  "slow",
		Category: types.CategoryCPU,
		Timeout:  5 * time.Second,
		Handler: func(ctx *registry.Context) (any, error) {
			for i := 0; i < 200; i++ {
				if err := ctx.Cancel.Check(); err != nil {
					return nil, err
				}
				time.Sleep(10 * time.Millisecond)
			}
			return map[string]bool{"done": true}, nil
		},
	})

	clock := ident.SystemClock{}
	collector := metrics.NewCollector(clock)

	pools := map[types.Category]*pool.Pool{}
	for cat, cfg := range map[types.Category]pool.Config{
		types.CategoryBasic: {Category: types.CategoryBasic, Workers: 2, Capacity: 8, Grace: time.Second},
		types.CategoryCPU:   {Category: types.CategoryCPU, Workers: cpuWorkers, Capacity: cpuCapacity, Grace: time.Second},
		types.CategoryIO:    {Category: types.CategoryIO, Workers: 1, Capacity: 8, Grace: time.Second},
	} {
		p := pool.New(cfg, clock, collector)
		require.NoError(t, p.Start())
		t.Cleanup(p.Stop)
		collector.RegisterSyncPool(cat, p.Gauges)
		pools[cat] = p
	}

	manager := jobs.NewManager(jobs.Config{
		Categories: map[types.Category]jobs.CategoryConfig{
			types.CategoryBasic: {Workers: 1, Capacity: 4, Timeout: 5 * time.Second},
			types.CategoryCPU:   {Workers: 1, Capacity: 4, Timeout: 5 * time.Second},
			types.CategoryIO:    {Workers: 1, Capacity: 4, Timeout: 5 * time.Second},
		},
		StorePath: filepath.Join(t.TempDir(), "jobs.json"),
		DataDir:   t.TempDir(),
	}, reg, collector, clock, ident.NewGenerator())
	require.NoError(t, manager.Start())
	t.Cleanup(manager.Stop)

	disp := New(Config{DataDir: t.TempDir(), RetryAfterSecs: 5}, reg, pools, manager, collector, clock, ident.NewGenerator())
	return &fixture{disp: disp, metrics: collector, jobs: manager, release: release}
}

func get(path string, query map[string]string) Request {
	if query == nil {
		query = map[string]string{}
	}
	return Request{Method: "GET", Path: path, Query: query}
}

func TestSyncSuccess(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(get("/echo", map[string]string{"text": "hi"}))
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, map[string]string{"echo": "hi"}, resp.Body)

	assert.NotEmpty(t, resp.Headers["X-Request-Id"])
	assert.NotEmpty(t, resp.Headers["X-Worker-Pid"])
	assert.NotEmpty(t, resp.Headers["X-Worker-Thread"])
	assert.NotEmpty(t, resp.Headers["X-Elapsed-Ms"])
}

func TestUnknownPath(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(get("/nope", nil))
	assert.Equal(t, 404, resp.Status)
	body := resp.Body.(map[string]string)
	assert.Contains(t, body["error"], "NotFound")
}

func TestBadRequestParams(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(get("/echo", nil))
	assert.Equal(t, 400, resp.Status)
	body := resp.Body.(map[string]string)
	assert.Contains(t, body["error"], "BadRequest")
}

func TestAdmissionRejection(t *testing.T) {
	f := newFixture(t, 1, 1)

	// Occupy the single CPU worker.
	first := make(chan Response, 1)
	go func() { first <- f.disp.Handle(get("/block", nil)) }()

	waitFor(t, func() bool {
		return f.metrics.Snapshot().SyncPools[types.CategoryCPU].Busy == 1
	})

	// Fill the single inbox slot.
	second := make(chan Response, 1)
	go func() { second <- f.disp.Handle(get("/block", nil)) }()
	waitFor(t, func() bool {
		return f.metrics.Snapshot().SyncPools[types.CategoryCPU].Depth == 1
	})

	// Third submission must be rejected immediately.
	resp := f.disp.Handle(get("/block", nil))
	assert.Equal(t, 503, resp.Status)
	assert.Equal(t, "5", resp.Headers["Retry-After"])
	body := resp.Body.(map[string]string)
	assert.Contains(t, body["error"], "QueueFull")

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Categories[types.CategoryCPU].Rejected)

	close(f.release)
	assert.Equal(t, 200, (<-first).Status)
	assert.Equal(t, 200, (<-second).Status)
}

func TestJobLifecycleThroughDispatcher(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(get("/jobs/submit", map[string]string{"task": "echo", "text": "hi", "prio": "high"}))
	require.Equal(t, 200, resp.Status)
	body := resp.Body.(map[string]any)
	jobID := body["job_id"].(string)
	assert.Equal(t, types.StateQueued, body["status"])
	assert.Equal(t, types.PriorityHigh, body["priority"])

	// Wait for completion, then fetch the result.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp = f.disp.Handle(get("/jobs/status", map[string]string{"id": jobID}))
		require.Equal(t, 200, resp.Status)
		snap := resp.Body.(jobs.StatusSnapshot)
		if snap.State == types.StateDone {
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not finish")
		time.Sleep(10 * time.Millisecond)
	}

	resp = f.disp.Handle(get("/jobs/result", map[string]string{"id": jobID}))
	require.Equal(t, 200, resp.Status)
	result := resp.Body.(map[string]any)
	assert.Equal(t, map[string]string{"echo": "hi"}, result["result"])
}

func TestJobSubmitPOSTBody(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(Request{
		Method: "POST",
		Path:   "/jobs/submit",
		Query:  map[string]string{},
		Body:   []byte(`{"command":"echo","params":{"text":"from-body"},"priority":"low"}`),
	})
	require.Equal(t, 200, resp.Status)
	body := resp.Body.(map[string]any)
	assert.Equal(t, types.PriorityLow, body["priority"])
	assert.NotEmpty(t, body["job_id"])
}

func TestJobSubmitErrors(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(get("/jobs/submit", nil))
	assert.Equal(t, 400, resp.Status)

	resp = f.disp.Handle(get("/jobs/submit", map[string]string{"task": "nope"}))
	assert.Equal(t, 400, resp.Status)
	body := resp.Body.(map[string]string)
	assert.Contains(t, body["error"], "UnknownCommand")

	resp = f.disp.Handle(get("/jobs/submit", map[string]string{"task": "echo", "text": "x", "prio": "urgent"}))
	assert.Equal(t, 400, resp.Status)
}

func TestJobResultNotReadyAndCancel(t *testing.T) {
	f := newFixture(t, 1, 8)

	resp := f.disp.Handle(get("/jobs/submit", map[string]string{"task": "slow"}))
	require.Equal(t, 200, resp.Status)
	jobID := resp.Body.(map[string]any)["job_id"].(string)

	resp = f.disp.Handle(get("/jobs/result", map[string]string{"id": jobID}))
	assert.Equal(t, 409, resp.Status)

	resp = f.disp.Handle(get("/jobs/cancel", map[string]string{"id": jobID}))
	require.Equal(t, 200, resp.Status)

	// Within the liveness bound the job reaches Canceled.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = f.disp.Handle(get("/jobs/status", map[string]string{"id": jobID}))
		snap := resp.Body.(jobs.StatusSnapshot)
		if snap.State == types.StateCanceled {
			break
		}
		require.True(t, time.Now().Before(deadline), "cancellation did not land")
		time.Sleep(20 * time.Millisecond)
	}

	resp = f.disp.Handle(get("/jobs/result", map[string]string{"id": jobID}))
	assert.Equal(t, 409, resp.Status)
	body := resp.Body.(map[string]string)
	assert.Contains(t, body["error"], "Canceled")

	// Second cancel on a terminal job.
	resp = f.disp.Handle(get("/jobs/cancel", map[string]string{"id": jobID}))
	assert.Equal(t, 409, resp.Status)
	body = resp.Body.(map[string]string)
	assert.Contains(t, body["error"], "AlreadyFinished")
}

func TestJobUnknownID(t *testing.T) {
	f := newFixture(t, 1, 8)

	for _, path := range []string{"/jobs/status", "/jobs/result", "/jobs/cancel"} {
		resp := f.disp.Handle(get(path, map[string]string{"id": "job-missing"}))
		assert.Equal(t, 404, resp.Status, path)
	}

	resp := f.disp.Handle(get("/jobs/status", nil))
	assert.Equal(t, 400, resp.Status)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, 400, StatusForKind(types.KindBadRequest))
	assert.Equal(t, 400, StatusForKind(types.KindUnknownCommand))
	assert.Equal(t, 404, StatusForKind(types.KindNotFound))
	assert.Equal(t, 409, StatusForKind(types.KindNotReady))
	assert.Equal(t, 409, StatusForKind(types.KindAlreadyFinished))
	assert.Equal(t, 503, StatusForKind(types.KindQueueFull))
	assert.Equal(t, 504, StatusForKind(types.KindTimeout))
	assert.Equal(t, 500, StatusForKind(types.KindServerError))
	assert.Equal(t, 500, StatusForKind(types.KindRecoveryAborted))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
