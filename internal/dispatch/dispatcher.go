// ============================================================================
// Dispatcher
// Responsibility: entry point from the HTTP layer. Classifies each
// parsed request, routes job endpoints to the job manager, runs
// everything else synchronously on the category's bounded pool, and
// enforces admission with Retry-After on rejection.
// ============================================================================

package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/jobs"
	"github.com/redunix/computed/internal/metrics"
	"github.com/redunix/computed/internal/pool"
	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/pkg/types"
)

var log = slog.Default()

// Request is the already-parsed HTTP request handed in by the server
// adapter.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   []byte
}

// Response is the structured result the adapter renders: status code,
// extra headers, and a JSON-shaped body.
type Response struct {
	Status  int
	Headers map[string]string
	Body    any
}

// Config tunes the dispatcher.
type Config struct {
	DataDir         string
	RetryAfterSecs  int
}

// Dispatcher bridges the server's I/O goroutines and the worker pools.
// It never blocks an I/O goroutine beyond the task's completion or
// grace-extended deadline.
type Dispatcher struct {
	cfg     Config
	reg     *registry.Registry
	pools   map[types.Category]*pool.Pool
	jobs    *jobs.Manager
	metrics *metrics.Collector
	clock   ident.Clock
	ids     *ident.Generator
	pid     int
}

// New wires a dispatcher over its collaborators.
func New(cfg Config, reg *registry.Registry, pools map[types.Category]*pool.Pool, manager *jobs.Manager, collector *metrics.Collector, clock ident.Clock, ids *ident.Generator) *Dispatcher {
	if cfg.RetryAfterSecs <= 0 {
		cfg.RetryAfterSecs = 5
	}
	return &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		pools:   pools,
		jobs:    manager,
		metrics: collector,
		clock:   clock,
		ids:     ids,
		pid:     os.Getpid(),
	}
}

// Handle routes one request and blocks until its outcome is known.
func (d *Dispatcher) Handle(req Request) Response {
	if strings.HasPrefix(req.Path, "/jobs/") {
		return d.handleJobs(req)
	}
	return d.handleSync(req)
}

// handleSync runs a command on its category's bounded pool.
func (d *Dispatcher) handleSync(req Request) Response {
	requestID := d.ids.RequestID()
	start := d.clock.Now()

	command := strings.TrimPrefix(req.Path, "/")
	spec, ok := d.reg.Lookup(command)
	if !ok {
		return d.errorResponse(requestID, 0, start,
			types.NewError(types.KindNotFound, "route not found: %s", req.Path))
	}

	if err := d.reg.ValidateParams(spec, req.Query); err != nil {
		return d.errorResponse(requestID, 0, start, err)
	}

	p, ok := d.pools[spec.Category]
	if !ok {
		return d.errorResponse(requestID, 0, start,
			types.NewError(types.KindServerError, "no pool for category %s", spec.Category))
	}

	ctx := &registry.Context{
		Params:   req.Query,
		Deadline: start.Add(spec.Timeout),
		Cancel:   &types.CancelToken{},
		Progress: types.NoopProgress{},
		DataDir:  d.cfg.DataDir,
	}
	task := pool.NewTask(requestID, command, spec.Category, spec.Handler, ctx, start)

	if err := p.Submit(task); err != nil {
		d.recordRejected(spec.Category, command, start)
		return d.rejectResponse(requestID, start)
	}

	out := <-task.Done
	return d.outcomeResponse(requestID, out)
}

// outcomeResponse renders a pool outcome with the mandated headers.
func (d *Dispatcher) outcomeResponse(requestID string, out pool.Outcome) Response {
	headers := d.baseHeaders(requestID, out.WorkerIndex, out.Elapsed)

	if out.Outcome == types.OutcomeSuccess {
		return Response{Status: 200, Headers: headers, Body: out.Body}
	}

	info := out.Err
	if info == nil {
		info = types.NewError(types.KindServerError, "unknown failure")
	}
	return Response{Status: StatusForKind(info.Kind), Headers: headers, Body: errorBody(info)}
}

// handleJobs routes the four job endpoints.
func (d *Dispatcher) handleJobs(req Request) Response {
	requestID := d.ids.RequestID()
	start := d.clock.Now()

	switch req.Path {
	case "/jobs/submit":
		return d.jobSubmit(req, requestID, start)
	case "/jobs/status":
		return d.jobStatus(req, requestID, start)
	case "/jobs/result":
		return d.jobResult(req, requestID, start)
	case "/jobs/cancel":
		return d.jobCancel(req, requestID, start)
	}
	return d.errorResponse(requestID, 0, start,
		types.NewError(types.KindNotFound, "unknown jobs endpoint: %s", req.Path))
}

// submitPayload is the POST body form of /jobs/submit.
type submitPayload struct {
	Command  string            `json:"command"`
	Task     string            `json:"task"`
	Params   map[string]string `json:"params"`
	Priority string            `json:"priority"`
}

// parseSubmit accepts both forms: a JSON body {command, params,
// priority} and the flat query form task=X&prio=P&<params>.
func parseSubmit(req Request) (command string, params map[string]string, prio types.Priority, err *types.ErrorInfo) {
	params = map[string]string{}
	prio = types.PriorityNormal

	if len(req.Body) > 0 {
		var payload submitPayload
		if jsonErr := json.Unmarshal(req.Body, &payload); jsonErr != nil {
			return "", nil, 0, types.NewError(types.KindBadRequest, "invalid JSON body: %v", jsonErr)
		}
		command = payload.Command
		if command == "" {
			command = payload.Task
		}
		if payload.Params != nil {
			params = payload.Params
		}
		if payload.Priority != "" {
			p, ok := types.ParsePriority(payload.Priority)
			if !ok {
				return "", nil, 0, types.NewError(types.KindBadRequest, "invalid priority: %q", payload.Priority)
			}
			prio = p
		}
	}

	// Query form; flat keys become job params.
	for key, value := range req.Query {
		switch key {
		case "task", "command":
			if command == "" {
				command = value
			}
		case "prio", "priority":
			p, ok := types.ParsePriority(value)
			if !ok {
				return "", nil, 0, types.NewError(types.KindBadRequest, "invalid priority: %q", value)
			}
			prio = p
		default:
			if _, exists := params[key]; !exists {
				params[key] = value
			}
		}
	}

	if command == "" {
		return "", nil, 0, types.NewError(types.KindBadRequest, "missing required parameter: task")
	}
	return command, params, prio, nil
}

func (d *Dispatcher) jobSubmit(req Request, requestID string, start time.Time) Response {
	command, params, prio, errInfo := parseSubmit(req)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	job, errInfo := d.jobs.Submit(command, params, prio)
	if errInfo != nil {
		if errInfo.Kind == types.KindQueueFull {
			if spec, ok := d.reg.Lookup(command); ok {
				d.recordRejected(spec.Category, command, start)
			}
			return d.rejectResponse(requestID, start)
		}
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	return Response{
		Status:  200,
		Headers: d.baseHeaders(requestID, 0, d.clock.Now().Sub(start)),
		Body: map[string]any{
			"job_id":   job.ID,
			"status":   job.State,
			"priority": job.Priority,
		},
	}
}

func (d *Dispatcher) jobStatus(req Request, requestID string, start time.Time) Response {
	id, errInfo := requireID(req)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	snap, errInfo := d.jobs.Status(id)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}
	return Response{
		Status:  200,
		Headers: d.baseHeaders(requestID, 0, d.clock.Now().Sub(start)),
		Body:    snap,
	}
}

func (d *Dispatcher) jobResult(req Request, requestID string, start time.Time) Response {
	id, errInfo := requireID(req)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	job, errInfo := d.jobs.Result(id)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	headers := d.baseHeaders(requestID, job.WorkerIndex, d.clock.Now().Sub(start))
	if job.State == types.StateDone {
		return Response{
			Status:  200,
			Headers: headers,
			Body: map[string]any{
				"id":     job.ID,
				"status": job.State,
				"result": job.Result,
			},
		}
	}

	info := job.Error
	if info == nil {
		info = types.NewError(types.KindServerError, "job finished without a stored outcome")
	}
	return Response{Status: StatusForKind(info.Kind), Headers: headers, Body: errorBody(info)}
}

func (d *Dispatcher) jobCancel(req Request, requestID string, start time.Time) Response {
	id, errInfo := requireID(req)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	state, errInfo := d.jobs.Cancel(id)
	if errInfo != nil {
		return d.errorResponse(requestID, 0, start, errInfo)
	}

	status := "canceled"
	if state == types.StateRunning {
		status = "canceling"
	}
	return Response{
		Status:  200,
		Headers: d.baseHeaders(requestID, 0, d.clock.Now().Sub(start)),
		Body:    map[string]any{"id": id, "status": status},
	}
}

func requireID(req Request) (string, *types.ErrorInfo) {
	id := req.Query["id"]
	if id == "" {
		return "", types.NewError(types.KindBadRequest, "missing required parameter: id")
	}
	return id, nil
}

// recordRejected feeds an admission rejection into the collector.
func (d *Dispatcher) recordRejected(cat types.Category, command string, start time.Time) {
	log.Warn("admission rejected", "category", cat, "command", command)
	if d.metrics != nil {
		d.metrics.Record(types.Sample{
			Category: cat,
			Command:  command,
			Elapsed:  d.clock.Now().Sub(start),
			Outcome:  types.OutcomeRejected,
		})
	}
}

func (d *Dispatcher) rejectResponse(requestID string, start time.Time) Response {
	headers := d.baseHeaders(requestID, 0, d.clock.Now().Sub(start))
	headers["Retry-After"] = strconv.Itoa(d.cfg.RetryAfterSecs)
	info := types.NewError(types.KindQueueFull, "queue at capacity, retry later")
	return Response{Status: 503, Headers: headers, Body: errorBody(info)}
}

func (d *Dispatcher) errorResponse(requestID string, workerIndex int, start time.Time, info *types.ErrorInfo) Response {
	return Response{
		Status:  StatusForKind(info.Kind),
		Headers: d.baseHeaders(requestID, workerIndex, d.clock.Now().Sub(start)),
		Body:    errorBody(info),
	}
}

// baseHeaders builds the response metadata every reply carries.
func (d *Dispatcher) baseHeaders(requestID string, workerIndex int, elapsed time.Duration) map[string]string {
	return map[string]string{
		"X-Request-Id":    requestID,
		"X-Worker-Pid":    strconv.Itoa(d.pid),
		"X-Worker-Thread": strconv.Itoa(workerIndex),
		"X-Elapsed-Ms":    strconv.FormatInt(elapsed.Milliseconds(), 10),
	}
}

func errorBody(info *types.ErrorInfo) map[string]string {
	return map[string]string{"error": fmt.Sprintf("%s: %s", info.Kind, info.Message)}
}

// StatusForKind maps the error taxonomy to HTTP status codes.
func StatusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindBadRequest, types.KindUnknownCommand:
		return 400
	case types.KindNotFound:
		return 404
	case types.KindNotReady, types.KindAlreadyFinished, types.KindCanceled:
		return 409
	case types.KindQueueFull:
		return 503
	case types.KindTimeout:
		return 504
	default:
		return 500
	}
}
