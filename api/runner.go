/*
runner.go - Background execution of pipeline runs

PURPOSE:
  Pipeline runs take minutes per state, far longer than an HTTP request.
  POST /api/runs only records the run and queues it; a single background
  worker executes queued runs one at a time and records the outcome.

DESIGN:
  - Runs are persisted before they are queued, so GET /api/runs/{id}
    works immediately
  - One worker; runs never overlap, so two runs cannot write the same
    table concurrently
  - Stop cancels the run in progress and waits for the worker to exit
  - Runs still queued at Stop stay "queued" in the store

STATUS FLOW:
  queued -> running -> completed | failed

USAGE:
  queue := NewRunQueue(store, pipeline, log)
  queue.Start()
  defer queue.Stop()
  run, err := queue.Submit(ctx, sel)

SEE ALSO:
  - handlers.go: SubmitRun, GetRun, ListRuns
  - rais/pipeline.go: Execute
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/rais-engine/logger"
	"github.com/warp/rais-engine/rais"
	"github.com/warp/rais-engine/store/sqlite"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultQueueSize bounds the number of runs waiting for the worker.
const DefaultQueueSize = 16

var (
	// ErrRunPanicked is recorded when the executor panics during a run.
	ErrRunPanicked = errors.New("run panicked")

	// ErrQueueFull is returned by Submit when no more runs can wait.
	ErrQueueFull = errors.New("run queue is full")

	// ErrQueueStopped is returned by Submit after Stop.
	ErrQueueStopped = errors.New("run queue is stopped")
)

// Executor runs a selection of pipeline steps.
type Executor interface {
	Execute(ctx context.Context, sel rais.Selection) ([]rais.StepResult, error)
}

// RunQueue executes submitted runs in the background, in order.
type RunQueue struct {
	Store    *sqlite.Store
	Executor Executor

	log     *logger.Logger
	jobs    chan string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewRunQueue creates a queue with DefaultQueueSize.
func NewRunQueue(store *sqlite.Store, exec Executor, log *logger.Logger) *RunQueue {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RunQueue{
		Store:    store,
		Executor: exec,
		log:      log.With("component", "run-queue"),
		jobs:     make(chan string, DefaultQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker. Calling Start twice has no effect.
func (q *RunQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.stopped {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.run()

	q.log.Info("started")
}

// Stop cancels the run in progress and waits for the worker to exit.
func (q *RunQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Info("stopped")
}

// Submit records a queued run and hands it to the worker.
func (q *RunQueue) Submit(ctx context.Context, sel rais.Selection) (sqlite.RunRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return sqlite.RunRecord{}, ErrQueueStopped
	}

	selJSON, err := json.Marshal(sel)
	if err != nil {
		return sqlite.RunRecord{}, err
	}
	rec := sqlite.RunRecord{
		ID:            uuid.NewString(),
		Status:        StatusQueued,
		SelectionJSON: string(selJSON),
		CreatedAt:     time.Now().UTC(),
	}
	if err := q.Store.SaveRun(ctx, rec); err != nil {
		return sqlite.RunRecord{}, err
	}

	select {
	case q.jobs <- rec.ID:
	default:
		rec.Status = StatusFailed
		rec.Error = ErrQueueFull.Error()
		now := time.Now().UTC()
		rec.FinishedAt = &now
		if err := q.Store.SaveRun(ctx, rec); err != nil {
			q.log.Error("failed to record rejected run", "run", rec.ID, "error", err)
		}
		return sqlite.RunRecord{}, ErrQueueFull
	}

	q.log.Info("run queued", "run", rec.ID)
	return rec, nil
}

func (q *RunQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case id := <-q.jobs:
			q.process(id)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *RunQueue) process(id string) {
	// Bookkeeping must survive a cancelled run.
	bg := context.Background()
	log := q.log.With("run", id)

	rec, err := q.Store.GetRun(bg, id)
	if err != nil {
		log.Error("failed to load queued run", "error", err)
		return
	}
	var sel rais.Selection
	if err := json.Unmarshal([]byte(rec.SelectionJSON), &sel); err != nil {
		q.finish(bg, rec, nil, err)
		return
	}

	started := time.Now().UTC()
	rec.Status = StatusRunning
	rec.StartedAt = &started
	if err := q.Store.SaveRun(bg, rec); err != nil {
		log.Error("failed to mark run as running", "error", err)
	}
	log.Info("run started")

	results, err := q.execute(sel)
	q.finish(bg, rec, results, err)
}

// execute turns a panic inside the pipeline into a failed run so the
// worker keeps serving the queue.
func (q *RunQueue) execute(sel rais.Selection) (results []rais.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRunPanicked, r)
		}
	}()
	return q.Executor.Execute(q.ctx, sel)
}

func (q *RunQueue) finish(ctx context.Context, rec sqlite.RunRecord, results []rais.StepResult, runErr error) {
	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	rec.Status = StatusCompleted
	rec.Error = ""
	if runErr != nil {
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
	}
	if data, err := json.Marshal(toStepResultDTOs(results)); err == nil {
		rec.ResultsJSON = string(data)
	}

	if err := q.Store.SaveRun(ctx, rec); err != nil {
		q.log.Error("failed to record run outcome", "run", rec.ID, "error", err)
		return
	}
	q.log.Info("run finished", "run", rec.ID, "status", rec.Status, "steps", len(results), "error", rec.Error)
}
