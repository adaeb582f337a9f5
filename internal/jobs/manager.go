// ============================================================================
// Job manager
// Responsibility: own the per-category queues and job workers, the job
// record table, cancellation signalling, timeout enforcement (reaper),
// and periodic persistence. The record table in memory is the source of
// truth; the store file is a crash-recovery snapshot.
// ============================================================================

package jobs

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/metrics"
	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

var log = slog.Default()

// CategoryConfig tunes one category's job lane.
type CategoryConfig struct {
	Workers  int
	Capacity int
	Timeout  time.Duration
	// Grace is how long past the deadline the reaper waits for the
	// worker to honour the cancel token before forcing Timeout.
	// Zero picks min(Timeout, 5s).
	Grace time.Duration
}

func (c CategoryConfig) grace() time.Duration {
	if c.Grace > 0 {
		return c.Grace
	}
	g := c.Timeout
	if g > 5*time.Second {
		g = 5 * time.Second
	}
	return g
}

// Config tunes the manager.
type Config struct {
	Categories map[types.Category]CategoryConfig

	AgingThreshold time.Duration // 0 disables aging
	StorePath      string
	DataDir        string

	ReapInterval    time.Duration // default 250ms
	PersistInterval time.Duration // default 2s
	CleanupAge      time.Duration // not defaulted; 0 disables cleanup
	CleanupInterval time.Duration // default 5m
}

func (c *Config) fillDefaults() {
	if c.ReapInterval <= 0 {
		c.ReapInterval = 250 * time.Millisecond
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 2 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// record pairs a job with its per-record lock and cancel token. The
// manager map lock guards membership; rec.mu guards the job's fields.
type record struct {
	mu     sync.Mutex
	job    *types.Job
	cancel *types.CancelToken
	// forced is set by the reaper when it transitions the job to
	// Timeout past the grace window; the stuck worker observes it and
	// retires in favour of its replacement.
	forced bool
}

// StatusSnapshot is the read-only view returned by Status.
type StatusSnapshot struct {
	ID          string          `json:"id"`
	State       types.JobState  `json:"state"`
	Progress    int             `json:"progress"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Manager coordinates queues, workers, reaper, and persistence.
type Manager struct {
	cfg     Config
	reg     *registry.Registry
	store   *Store
	metrics *metrics.Collector
	clock   ident.Clock
	ids     *ident.Generator

	mu      sync.RWMutex
	records map[string]*record

	queues map[types.Category]*Queue

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stopped bool
	stopMu  sync.Mutex

	// persistSignal triggers an immediate snapshot write (terminal
	// transitions); the ticker covers progress updates.
	persistSignal chan struct{}
	dirtyTicks    atomic.Uint64
}

// NewManager wires the manager. Start must be called before use.
func NewManager(cfg Config, reg *registry.Registry, collector *metrics.Collector, clock ident.Clock, ids *ident.Generator) *Manager {
	cfg.fillDefaults()

	m := &Manager{
		cfg:           cfg,
		reg:           reg,
		store:         NewStore(cfg.StorePath),
		metrics:       collector,
		clock:         clock,
		ids:           ids,
		records:       make(map[string]*record),
		queues:        make(map[types.Category]*Queue),
		stopCh:        make(chan struct{}),
		persistSignal: make(chan struct{}, 1),
	}
	for cat, cc := range cfg.Categories {
		m.queues[cat] = NewQueue(cc.Capacity, cfg.AgingThreshold)
	}
	return m
}

// Start recovers persisted records, then launches workers and the
// reaper, persister, and cleanup loops.
func (m *Manager) Start() error {
	if err := m.recover(); err != nil {
		return err
	}

	for cat, cc := range m.cfg.Categories {
		for i := 0; i < cc.Workers; i++ {
			m.loopWg.Add(1)
			go func(cat types.Category, idx int) {
				defer m.loopWg.Done()
				m.workerLoop(cat, idx)
			}(cat, i)
		}
		if m.metrics != nil {
			q := m.queues[cat]
			m.metrics.RegisterJobQueue(cat, func() (int, int) {
				return q.Depth(), q.Running()
			})
		}
	}

	m.loopWg.Add(3)
	go func() { defer m.loopWg.Done(); m.reaperLoop() }()
	go func() { defer m.loopWg.Done(); m.persisterLoop() }()
	go func() { defer m.loopWg.Done(); m.cleanupLoop() }()

	log.Info("job manager started", "categories", len(m.cfg.Categories))
	return nil
}

// recover loads the snapshot and marks every non-terminal record as
// Error{RecoveryAborted}: in-flight jobs are never resumed.
func (m *Manager) recover() error {
	data, err := m.store.Load()
	if err != nil {
		return err
	}

	aborted := 0
	now := m.clock.Now()
	m.mu.Lock()
	for _, job := range data.Jobs {
		if !job.State.Terminal() {
			prior := job.State
			job.State = types.StateError
			job.Error = types.NewError(types.KindRecoveryAborted, "job was in state %q at shutdown", prior)
			t := now
			job.FinishedAt = &t
			aborted++
		}
		m.records[job.ID] = &record{job: job, cancel: &types.CancelToken{}}
	}
	m.mu.Unlock()

	if len(data.Jobs) > 0 {
		log.Info("job records recovered", "total", len(data.Jobs), "aborted", aborted)
	}
	if aborted > 0 {
		m.markDirty(true)
	}
	return nil
}

// Submit validates, creates a Queued record, and enqueues it.
// Admission is non-blocking; a full queue allocates nothing.
func (m *Manager) Submit(command string, params map[string]string, prio types.Priority) (*types.Job, *types.ErrorInfo) {
	spec, ok := m.reg.Lookup(command)
	if !ok {
		return nil, types.NewError(types.KindUnknownCommand, "unknown command: %s", command)
	}
	if err := m.reg.ValidateParams(spec, params); err != nil {
		return nil, err
	}
	queue, ok := m.queues[spec.Category]
	if !ok {
		return nil, types.NewError(types.KindServerError, "no job lane for category %s", spec.Category)
	}

	now := m.clock.Now()
	job := &types.Job{
		ID:          m.ids.JobID(),
		Command:     command,
		Params:      params,
		Priority:    prio,
		Category:    spec.Category,
		State:       types.StateQueued,
		SubmittedAt: now,
		DeadlineAt:  now.Add(m.cfg.Categories[spec.Category].Timeout),
	}

	// Enqueue and insert under the map lock so a worker that dequeues
	// the id always finds the record.
	m.mu.Lock()
	if err := queue.Enqueue(job.ID, int(prio), now); err != nil {
		m.mu.Unlock()
		return nil, types.NewError(types.KindQueueFull, "%s job queue at capacity", spec.Category)
	}
	m.records[job.ID] = &record{job: job, cancel: &types.CancelToken{}}
	m.mu.Unlock()

	m.markDirty(false)
	return job.Clone(), nil
}

// Status returns a point-in-time view of one job.
func (m *Manager) Status(id string) (StatusSnapshot, *types.ErrorInfo) {
	rec := m.getRecord(id)
	if rec == nil {
		return StatusSnapshot{}, types.NewError(types.KindNotFound, "job not found: %s", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	snap := StatusSnapshot{
		ID:          rec.job.ID,
		State:       rec.job.State,
		Progress:    rec.job.Progress,
		SubmittedAt: rec.job.SubmittedAt,
	}
	if rec.job.StartedAt != nil {
		t := *rec.job.StartedAt
		snap.StartedAt = &t
	}
	if rec.job.FinishedAt != nil {
		t := *rec.job.FinishedAt
		snap.FinishedAt = &t
	}
	return snap, nil
}

// Result returns the terminal outcome: the result for Done, the stored
// error otherwise. Non-terminal jobs yield NotReady.
func (m *Manager) Result(id string) (*types.Job, *types.ErrorInfo) {
	rec := m.getRecord(id)
	if rec == nil {
		return nil, types.NewError(types.KindNotFound, "job not found: %s", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.job.State.Terminal() {
		return nil, types.NewError(types.KindNotReady, "job not finished yet (state: %s)", rec.job.State)
	}
	return rec.job.Clone(), nil
}

// Cancel requests cancellation. Queued jobs transition to Canceled
// immediately; Running jobs are signalled and transition when the
// handler yields; terminal jobs return AlreadyFinished.
func (m *Manager) Cancel(id string) (types.JobState, *types.ErrorInfo) {
	rec := m.getRecord(id)
	if rec == nil {
		return "", types.NewError(types.KindNotFound, "job not found: %s", id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.job.State.Terminal() {
		return rec.job.State, types.NewError(types.KindAlreadyFinished, "job already finished (state: %s)", rec.job.State)
	}

	rec.job.CancelRequested = true
	rec.cancel.Cancel()

	if rec.job.State == types.StateQueued {
		if m.queues[rec.job.Category].Remove(id) {
			m.finishLocked(rec, types.StateCanceled, nil, types.NewError(types.KindCanceled, "canceled before start"), false)
			return types.StateCanceled, nil
		}
		// A worker dequeued it concurrently; it will observe the flag.
	}
	return rec.job.State, nil
}

// workerLoop runs jobs for one category. Exactly one worker owns a job
// while it is Running.
func (m *Manager) workerLoop(cat types.Category, index int) {
	queue := m.queues[cat]

	for {
		id, ok := queue.Dequeue(m.clock.Now)
		if !ok {
			return
		}

		rec := m.getRecord(id)
		if rec == nil {
			queue.Release()
			continue
		}

		if retired := m.runJob(rec, cat, index); retired {
			// The reaper forced this job to Timeout and spawned a
			// replacement worker; this goroutine retires.
			return
		}
	}
}

// runJob executes one job. Returns true when this worker was replaced
// because the handler ignored cancellation past the grace window.
func (m *Manager) runJob(rec *record, cat types.Category, index int) bool {
	queue := m.queues[cat]
	now := m.clock.Now()

	rec.mu.Lock()
	if rec.job.CancelRequested {
		m.finishLocked(rec, types.StateCanceled, nil, types.NewError(types.KindCanceled, "canceled before start"), false)
		rec.mu.Unlock()
		queue.Release()
		return false
	}
	rec.job.State = types.StateRunning
	t := now
	rec.job.StartedAt = &t
	rec.job.WorkerIndex = index
	spec, _ := m.reg.Lookup(rec.job.Command)
	ctx := &registry.Context{
		Params:   rec.job.Params,
		Deadline: rec.job.DeadlineAt,
		Cancel:   rec.cancel,
		Progress: &recordProgress{m: m, rec: rec},
		DataDir:  m.cfg.DataDir,
	}
	rec.mu.Unlock()

	start := m.clock.Now()
	body, err := m.safeRun(spec.Handler, ctx)
	elapsed := m.clock.Now().Sub(start)

	rec.mu.Lock()
	if rec.job.State.Terminal() {
		// The reaper already forced Timeout; the queue slot was
		// released then, and a replacement worker owns this lane.
		retired := rec.forced
		rec.mu.Unlock()
		return retired
	}

	state, outcome, info := m.classify(rec, err)
	m.finishLocked(rec, state, body, info, false)
	rec.mu.Unlock()

	queue.Release()

	if m.metrics != nil {
		m.metrics.Record(types.Sample{
			Category: cat,
			Command:  rec.job.Command,
			Elapsed:  elapsed,
			Outcome:  outcome,
		})
	}
	return false
}

// safeRun shields the worker from handler panics.
func (m *Manager) safeRun(handler registry.HandlerFunc, ctx *registry.Context) (body any, err error) {
	defer func() {
		if r := recover(); r != nil {
			body = nil
			err = types.NewError(types.KindServerError, "handler panic: %v", r)
		}
	}()
	return handler(ctx)
}

// classify orders terminal causes: Canceled > Timeout > Error > Done.
// Caller holds rec.mu.
func (m *Manager) classify(rec *record, err error) (types.JobState, types.Outcome, *types.ErrorInfo) {
	deadlineExceeded := !m.clock.Now().Before(rec.job.DeadlineAt)

	switch {
	case rec.job.CancelRequested:
		return types.StateCanceled, types.OutcomeClientError, types.NewError(types.KindCanceled, "canceled")
	case deadlineExceeded:
		return types.StateTimeout, types.OutcomeTimeout, types.NewError(types.KindTimeout, "job exceeded its deadline")
	case err != nil:
		info := types.AsErrorInfo(err)
		if info.Kind == types.KindCanceled {
			return types.StateCanceled, types.OutcomeClientError, info
		}
		if info.Kind == types.KindTimeout {
			return types.StateTimeout, types.OutcomeTimeout, info
		}
		if info.Kind.ClientKind() {
			return types.StateError, types.OutcomeClientError, info
		}
		return types.StateError, types.OutcomeServerError, info
	default:
		return types.StateDone, types.OutcomeSuccess, nil
	}
}

// finishLocked applies a terminal transition exactly once. Caller holds
// rec.mu. forced marks a reaper-driven transition.
func (m *Manager) finishLocked(rec *record, state types.JobState, body any, info *types.ErrorInfo, forced bool) {
	if rec.job.State.Terminal() {
		return
	}
	rec.job.State = state
	t := m.clock.Now()
	rec.job.FinishedAt = &t
	rec.forced = forced
	if state == types.StateDone {
		rec.job.Result = body
		rec.job.Progress = 100
		rec.job.Error = nil
	} else {
		rec.job.Error = info
	}
	m.markDirty(true)
}

// reaperLoop scans Running jobs on a short interval. Past the deadline
// it sets the cancel token; past deadline+grace it forces Timeout and
// spawns a replacement worker, leaving the rogue handler to finish in
// the background.
func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Info("reaper stopped")
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	now := m.clock.Now()

	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		if rec.job.State != types.StateRunning {
			rec.mu.Unlock()
			continue
		}
		cc := m.cfg.Categories[rec.job.Category]
		deadline := rec.job.DeadlineAt

		if now.Before(deadline) {
			rec.mu.Unlock()
			continue
		}

		rec.cancel.Cancel()

		if now.Sub(deadline) >= cc.grace() {
			log.Warn("worker stuck past grace window, forcing timeout",
				"job", rec.job.ID,
				"command", rec.job.Command,
				"worker", rec.job.WorkerIndex)
			m.finishLocked(rec, types.StateTimeout, nil,
				types.NewError(types.KindTimeout, "job exceeded its deadline and grace window"), true)
			cat := rec.job.Category
			cmd := rec.job.Command
			worker := rec.job.WorkerIndex
			rec.mu.Unlock()

			// The stuck worker still occupies its thread; free the
			// queue slot and add a replacement so dispatch continues.
			m.queues[cat].Release()
			m.spawnReplacement(cat, worker)

			if m.metrics != nil {
				m.metrics.Record(types.Sample{
					Category: cat,
					Command:  cmd,
					Elapsed:  now.Sub(deadline) + cc.Timeout,
					Outcome:  types.OutcomeTimeout,
				})
			}
			continue
		}
		rec.mu.Unlock()
	}
}

// spawnReplacement starts a worker that takes over the stuck worker's
// index.
func (m *Manager) spawnReplacement(cat types.Category, index int) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.stopped {
		return
	}
	m.loopWg.Add(1)
	go func() {
		defer m.loopWg.Done()
		m.workerLoop(cat, index)
	}()
}

// persisterLoop writes the snapshot on terminal transitions and at
// most every PersistInterval during long runs.
func (m *Manager) persisterLoop() {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()

	var lastWritten uint64
	for {
		select {
		case <-m.stopCh:
			m.writeSnapshot()
			log.Info("persister stopped")
			return
		case <-m.persistSignal:
			m.writeSnapshot()
			lastWritten = m.dirtyTicks.Load()
		case <-ticker.C:
			if ticks := m.dirtyTicks.Load(); ticks != lastWritten {
				m.writeSnapshot()
				lastWritten = ticks
			}
		}
	}
}

// markDirty notes a record change. urgent requests an immediate write
// (terminal transitions); otherwise the next tick picks it up.
func (m *Manager) markDirty(urgent bool) {
	m.dirtyTicks.Add(1)
	if urgent {
		select {
		case m.persistSignal <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) writeSnapshot() {
	if err := m.store.Write(m.SnapshotData()); err != nil {
		log.Error("failed to persist job snapshot", "error", err)
	}
}

// SnapshotData deep-copies the record table for serialization, sorted
// by submission time for stable output.
func (m *Manager) SnapshotData() types.SnapshotData {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	jobs := make([]*types.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		jobs = append(jobs, rec.job.Clone())
		rec.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return types.SnapshotData{SchemaVer: storeSchemaVer, Jobs: jobs}
}

// cleanupLoop drops terminal records older than CleanupAge so the
// table stays bounded across long runs.
func (m *Manager) cleanupLoop() {
	if m.cfg.CleanupAge <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupOnce()
		}
	}
}

func (m *Manager) cleanupOnce() {
	cutoff := m.clock.Now().Add(-m.cfg.CleanupAge)

	m.mu.Lock()
	removed := 0
	for id, rec := range m.records {
		rec.mu.Lock()
		old := rec.job.State.Terminal() && rec.job.FinishedAt != nil && rec.job.FinishedAt.Before(cutoff)
		rec.mu.Unlock()
		if old {
			delete(m.records, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		log.Info("cleaned up old job records", "removed", removed)
		m.markDirty(false)
	}
}

// Stats summarizes queue depth and running counts per category plus
// record states, for /status and the metrics snapshot.
func (m *Manager) Stats() map[string]any {
	states := map[types.JobState]int{}
	m.mu.RLock()
	for _, rec := range m.records {
		rec.mu.Lock()
		states[rec.job.State]++
		rec.mu.Unlock()
	}
	m.mu.RUnlock()

	queues := map[types.Category]map[string]int{}
	for cat, q := range m.queues {
		depths := q.BandDepths()
		queues[cat] = map[string]int{
			"queued":  q.Depth(),
			"running": q.Running(),
			"low":     depths[0],
			"normal":  depths[1],
			"high":    depths[2],
		}
	}

	stateCounts := map[string]int{}
	for state, n := range states {
		stateCounts[string(state)] = n
	}
	return map[string]any{
		"queues": queues,
		"states": stateCounts,
	}
}

func (m *Manager) getRecord(id string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

// Stop closes the queues, waits for workers and loops, and writes a
// final snapshot.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	if m.stopped {
		m.stopMu.Unlock()
		return
	}
	m.stopped = true
	m.stopMu.Unlock()

	close(m.stopCh)
	for _, q := range m.queues {
		q.Close()
	}
	m.loopWg.Wait()
	log.Info("job manager stopped")
}

// recordProgress forwards handler progress into the record under its
// lock.
type recordProgress struct {
	m   *Manager
	rec *record
}

func (p *recordProgress) Report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.rec.mu.Lock()
	if p.rec.job.State == types.StateRunning {
		p.rec.job.Progress = pct
	}
	p.rec.mu.Unlock()
	p.m.markDirty(false)
}
