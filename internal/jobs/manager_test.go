package jobs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

// testRegistry registers a small command set exercising every outcome.
func testRegistry() *registry.Registry {
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
		Command:  "slow",
		Category: types.CategoryCPU,
		Timeout:  5 * time.Second,
		Handler: func(ctx *registry.Context) (any, error) {
			for i := 0; i < 100; i++ {
				if err := ctx.Cancel.Check(); err != nil {
					return nil, err
				}
				ctx.Progress.Report(i)
				time.Sleep(20 * time.Millisecond)
			}
			return map[string]bool{"done": true}, nil
		},
	})

	reg.Register(registry.Spec{
		Command:  "fail",
		Category: types.CategoryBasic,
		Timeout:  5 * time.Second,
		Handler: func(ctx *registry.Context) (any, error) {
			return nil, types.NewError(types.KindServerError, "deliberate failure")
		},
	})

	reg.Register(registry.Spec{
		Command:  "stubborn",
		Category: types.CategoryCPU,
		Timeout:  5 * time.Second,
		Handler: func(ctx *registry.Context) (any, error) {
			time.Sleep(2 * time.Second) // ignores the cancel token
			return map[string]bool{"done": true}, nil
		},
	})

	return reg
}

func testConfig(t *testing.T) Config {
	return Config{
		Categories: map[types.Category]CategoryConfig{
			types.CategoryBasic: {Workers: 1, Capacity: 8, Timeout: 2 * time.Second},
			types.CategoryCPU:   {Workers: 1, Capacity: 8, Timeout: 2 * time.Second},
			types.CategoryIO:    {Workers: 1, Capacity: 8, Timeout: 2 * time.Second},
		},
		StorePath:       filepath.Join(t.TempDir(), "jobs.json"),
		DataDir:         t.TempDir(),
		ReapInterval:    25 * time.Millisecond,
		PersistInterval: 100 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, testRegistry(), nil, ident.SystemClock{}, ident.NewGenerator())
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func awaitState(t *testing.T, m *Manager, id string, want types.JobState, within time.Duration) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		snap, err := m.Status(id)
		require.Nil(t, err)
		if snap.State == want {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := m.Status(id)
	t.Fatalf("job %s did not reach %s within %s (state: %s)", id, want, within, snap.State)
	return StatusSnapshot{}
}

func TestSubmitAndComplete(t *testing.T) {
	m := newTestManager(t, nil)

	job, errInfo := m.Submit("echo", map[string]string{"text": "hi"}, types.PriorityNormal)
	require.Nil(t, errInfo)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StateQueued, job.State)
	assert.Equal(t, types.CategoryBasic, job.Category)

	snap := awaitState(t, m, job.ID, types.StateDone, 3*time.Second)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.FinishedAt)
	assert.Equal(t, 100, snap.Progress)

	result, errInfo := m.Result(job.ID)
	require.Nil(t, errInfo)
	assert.Equal(t, map[string]string{"echo": "hi"}, result.Result)
}

func TestSubmitValidation(t *testing.T) {
	m := newTestManager(t, nil)

	_, errInfo := m.Submit("nope", nil, types.PriorityNormal)
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindUnknownCommand, errInfo.Kind)

	_, errInfo = m.Submit("echo", map[string]string{}, types.PriorityNormal)
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindBadRequest, errInfo.Kind)
}

func TestSubmitDistinctIDs(t *testing.T) {
	m := newTestManager(t, nil)

	a, errInfo := m.Submit("echo", map[string]string{"text": "x"}, types.PriorityNormal)
	require.Nil(t, errInfo)
	b, errInfo := m.Submit("echo", map[string]string{"text": "x"}, types.PriorityNormal)
	require.Nil(t, errInfo)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestQueueFullAdmission(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.Categories[types.CategoryCPU] = CategoryConfig{Workers: 1, Capacity: 2, Timeout: 5 * time.Second}
	})

	// One running + one queued fills capacity 2.
	first, errInfo := m.Submit("slow", nil, types.PriorityNormal)
	require.Nil(t, errInfo)
	awaitState(t, m, first.ID, types.StateRunning, 2*time.Second)

	_, errInfo = m.Submit("slow", nil, types.PriorityNormal)
	require.Nil(t, errInfo)

	rejected, errInfo := m.Submit("slow", nil, types.PriorityNormal)
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindQueueFull, errInfo.Kind)
	assert.Nil(t, rejected)

	// No record allocated for the rejected submission.
	stats := m.Stats()
	states := stats["states"].(map[string]int)
	total := 0
	for _, n := range states {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestPriorityExecutionOrder(t *testing.T) {
	m := newTestManager(t, nil)

	// Occupy the single CPU worker so subsequent jobs stack up.
	blocker, errInfo := m.Submit("slow", nil, types.PriorityNormal)
	require.Nil(t, errInfo)
	awaitState(t, m, blocker.ID, types.StateRunning, 2*time.Second)

	n1, _ := m.Submit("slow", nil, types.PriorityNormal)
	n2, _ := m.Submit("slow", nil, types.PriorityNormal)
	h1, _ := m.Submit("slow", nil, types.PriorityHigh)

	// Cancel the blocker so the worker frees up; high must start first.
	_, errInfo = m.Cancel(blocker.ID)
	require.Nil(t, errInfo)

	awaitState(t, m, h1.ID, types.StateRunning, 3*time.Second)
	s1, _ := m.Status(n1.ID)
	s2, _ := m.Status(n2.ID)
	assert.Equal(t, types.StateQueued, s1.State)
	assert.Equal(t, types.StateQueued, s2.State)

	// Drain in order: h1, then n1, then n2.
	_, errInfo = m.Cancel(h1.ID)
	require.Nil(t, errInfo)
	awaitState(t, m, n1.ID, types.StateRunning, 3*time.Second)
	s2, _ = m.Status(n2.ID)
	assert.Equal(t, types.StateQueued, s2.State)

	m.Cancel(n1.ID)
	m.Cancel(n2.ID)
}

func TestCancelQueuedJob(t *testing.T) {
	m := newTestManager(t, nil)

	blocker, _ := m.Submit("slow", nil, types.PriorityNormal)
	awaitState(t, m, blocker.ID, types.StateRunning, 2*time.Second)

	queued, _ := m.Submit("slow", nil, types.PriorityNormal)
	state, errInfo := m.Cancel(queued.ID)
	require.Nil(t, errInfo)
	assert.Equal(t, types.StateCanceled, state)

	result, errInfo := m.Result(queued.ID)
	require.Nil(t, errInfo)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.KindCanceled, result.Error.Kind)

	m.Cancel(blocker.ID)
}

func TestCancelRunningJob(t *testing.T) {
	m := newTestManager(t, nil)

	job, _ := m.Submit("slow", nil, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateRunning, 2*time.Second)

	state, errInfo := m.Cancel(job.ID)
	require.Nil(t, errInfo)
	assert.Equal(t, types.StateRunning, state)

	// Cooperative handler yields well inside the 5s liveness bound.
	awaitState(t, m, job.ID, types.StateCanceled, 5*time.Second)

	result, errInfo := m.Result(job.ID)
	require.Nil(t, errInfo)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.KindCanceled, result.Error.Kind)
}

func TestCancelIdempotent(t *testing.T) {
	m := newTestManager(t, nil)

	job, _ := m.Submit("echo", map[string]string{"text": "x"}, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateDone, 3*time.Second)

	_, errInfo := m.Cancel(job.ID)
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindAlreadyFinished, errInfo.Kind)

	_, errInfo = m.Cancel(job.ID)
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindAlreadyFinished, errInfo.Kind)
}

func TestHandlerErrorStored(t *testing.T) {
	m := newTestManager(t, nil)

	job, _ := m.Submit("fail", nil, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateError, 3*time.Second)

	result, errInfo := m.Result(job.ID)
	require.Nil(t, errInfo)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.KindServerError, result.Error.Kind)
	assert.Contains(t, result.Error.Message, "deliberate failure")
}

func TestTimeoutEnforcedByReaper(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.Categories[types.CategoryCPU] = CategoryConfig{
			Workers:  1,
			Capacity: 8,
			Timeout:  100 * time.Millisecond,
			Grace:    100 * time.Millisecond,
		}
	})

	// stubborn ignores cancellation for 2s; reaper forces Timeout at
	// deadline+grace (~200ms) and replaces the worker.
	job, _ := m.Submit("stubborn", nil, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateTimeout, 3*time.Second)

	result, errInfo := m.Result(job.ID)
	require.Nil(t, errInfo)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.KindTimeout, result.Error.Kind)

	// The lane still serves fresh jobs while the rogue handler sleeps.
	next, _ := m.Submit("slow", nil, types.PriorityNormal)
	awaitState(t, m, next.ID, types.StateRunning, 2*time.Second)
	m.Cancel(next.ID)
}

func TestResultNotReady(t *testing.T) {
	m := newTestManager(t, nil)

	job, _ := m.Submit("slow", nil, types.PriorityNormal)

	_, errInfo := m.Result(job.ID)
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindNotReady, errInfo.Kind)

	m.Cancel(job.ID)
}

func TestNotFound(t *testing.T) {
	m := newTestManager(t, nil)

	_, errInfo := m.Status("job-missing")
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindNotFound, errInfo.Kind)

	_, errInfo = m.Result("job-missing")
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindNotFound, errInfo.Kind)

	_, errInfo = m.Cancel("job-missing")
	require.NotNil(t, errInfo)
	assert.Equal(t, types.KindNotFound, errInfo.Kind)
}

func TestRecoveryMarksNonTerminal(t *testing.T) {
	cfg := testConfig(t)
	store := NewStore(cfg.StorePath)

	now := time.Now()
	started := now.Add(-time.Minute)
	require.NoError(t, store.Write(types.SnapshotData{
		Jobs: []*types.Job{
			{ID: "job-q", Command: "echo", Category: types.CategoryBasic, State: types.StateQueued, SubmittedAt: started},
			{ID: "job-r", Command: "slow", Category: types.CategoryCPU, State: types.StateRunning, SubmittedAt: started},
			{ID: "job-d", Command: "echo", Category: types.CategoryBasic, State: types.StateDone, SubmittedAt: started},
		},
	}))

	m := NewManager(cfg, testRegistry(), nil, ident.SystemClock{}, ident.NewGenerator())
	require.NoError(t, m.Start())
	defer m.Stop()

	for _, id := range []string{"job-q", "job-r"} {
		snap, errInfo := m.Status(id)
		require.Nil(t, errInfo)
		assert.Equal(t, types.StateError, snap.State, id)

		result, errInfo := m.Result(id)
		require.Nil(t, errInfo)
		require.NotNil(t, result.Error)
		assert.Equal(t, types.KindRecoveryAborted, result.Error.Kind)
	}

	snap, errInfo := m.Status("job-d")
	require.Nil(t, errInfo)
	assert.Equal(t, types.StateDone, snap.State)
}

func TestPersistOnTerminal(t *testing.T) {
	cfg := testConfig(t)
	m := NewManager(cfg, testRegistry(), nil, ident.SystemClock{}, ident.NewGenerator())
	require.NoError(t, m.Start())

	job, _ := m.Submit("echo", map[string]string{"text": "x"}, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateDone, 3*time.Second)
	m.Stop()

	loaded, err := NewStore(cfg.StorePath).Load()
	require.NoError(t, err)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, types.StateDone, loaded.Jobs[0].State)
}

func TestProgressReporting(t *testing.T) {
	m := newTestManager(t, nil)

	job, _ := m.Submit("slow", nil, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateRunning, 2*time.Second)

	// slow reports progress each 20ms tick.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, errInfo := m.Status(job.ID)
		require.Nil(t, errInfo)
		if snap.Progress > 0 {
			m.Cancel(job.ID)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no progress observed")
}

func TestCleanupRemovesOldTerminalRecords(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.CleanupAge = 50 * time.Millisecond
		cfg.CleanupInterval = 25 * time.Millisecond
	})

	job, _ := m.Submit("echo", map[string]string{"text": "x"}, types.PriorityNormal)
	awaitState(t, m, job.ID, types.StateDone, 3*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, errInfo := m.Status(job.ID); errInfo != nil {
			assert.Equal(t, types.KindNotFound, errInfo.Kind)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("terminal record was not cleaned up")
}
