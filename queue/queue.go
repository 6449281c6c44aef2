// Package queue serializes proof generation. Proving is memory-bound, so
// admission is capped at a configurable concurrency (default one at a
// time); everything else waits in FIFO order. Submission never blocks:
// callers get a job ID and poll or wait for the outcome.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shielded/orchestrator/logging"
	"shielded/orchestrator/metrics"
	"shielded/orchestrator/prover"
)

// Stage is the lifecycle position of a proof job. Stages only move
// forward; SUCCESS and ERROR are terminal.
type Stage string

const (
	StageQueued     Stage = "queued"
	StagePreparing  Stage = "preparing"
	StageComputing  Stage = "computing"
	StageProving    Stage = "proving"
	StageSubmitting Stage = "submitting"
	StageSuccess    Stage = "success"
	StageError      Stage = "error"
)

// Terminal reports whether the stage is an end state.
func (s Stage) Terminal() bool {
	return s == StageSuccess || s == StageError
}

// ValidationError is a request rejected before it entered the queue.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proof request: %s", e.Detail)
}

// LookupError is a status query for a job the queue does not know, either
// never submitted or already evicted after retention.
type LookupError struct {
	JobID string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unknown or expired job %s", e.JobID)
}

// JobError is a job that ended in ERROR: the canonical reason plus a
// bounded diagnostic tail.
type JobError struct {
	JobID  string
	Reason string
	Tail   string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// Receipt acknowledges an accepted submission. QueuePosition is the
// number of jobs ahead at admission time; zero means proving starts
// immediately.
type Receipt struct {
	JobID         string
	QueuePosition int
}

// Status is a point-in-time snapshot of a job.
type Status struct {
	JobID         string
	Stage         Stage
	QueuePosition int
	SubmittedAt   time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	Result        *prover.Response
	ErrorReason   string
	ErrorTail     string
}

// Stats summarizes queue occupancy.
type Stats struct {
	Waiting   int
	Active    int
	Succeeded int
	Failed    int
	Retained  int
}

// Config tunes the queue. Zero values take defaults.
type Config struct {
	// MaxConcurrent caps simultaneously proving jobs. Default 1.
	MaxConcurrent int
	// Retention keeps terminal jobs queryable before eviction.
	// Default 10 minutes.
	Retention time.Duration
	// SweepInterval is how often evictions run. Default 30 seconds.
	SweepInterval time.Duration
	// ProveTimeout bounds one proving attempt. Expiry surfaces as a
	// process-error; the backend is never killed mid-flight beyond
	// context cancellation. Default 10 minutes.
	ProveTimeout time.Duration
}

const diagnosticTailBytes = 512

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.ProveTimeout <= 0 {
		c.ProveTimeout = 10 * time.Minute
	}
	return c
}

type job struct {
	id          string
	req         *prover.Request
	stage       Stage
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	result      *prover.Response
	errReason   string
	errTail     string

	ready     chan struct{}
	readyOnce sync.Once
}

func (j *job) signalReady() {
	j.readyOnce.Do(func() { close(j.ready) })
}

// Queue is the in-process proof job queue.
type Queue struct {
	cfg     Config
	backend prover.Prover
	mirror  *ResultMirror

	mu        sync.Mutex
	jobs      map[string]*job
	waiting   []*job
	active    int
	succeeded int
	failed    int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a queue over the given proving backend. mirror may be nil.
func New(backend prover.Prover, cfg Config, mirror *ResultMirror) *Queue {
	return &Queue{
		cfg:      cfg.withDefaults(),
		backend:  backend,
		mirror:   mirror,
		jobs:     make(map[string]*job),
		stopChan: make(chan struct{}),
	}
}

// Start launches the retention sweeper. Proving itself is driven by
// submissions, not by Start.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopChan:
				return
			case <-ticker.C:
				q.sweep()
			}
		}
	}()
}

// Stop halts the sweeper. In-flight proving jobs run to completion.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopChan) })
	q.wg.Wait()
}

// Submit validates and enqueues a proof request. It returns immediately;
// admission happens inline when a slot is free.
func (q *Queue) Submit(req *prover.Request) (Receipt, error) {
	if err := req.Validate(); err != nil {
		return Receipt{}, &ValidationError{Detail: err.Error()}
	}

	j := &job{
		id:          uuid.New().String(),
		req:         req,
		stage:       StageQueued,
		submittedAt: time.Now(),
		ready:       make(chan struct{}),
	}

	q.mu.Lock()
	position := q.active + len(q.waiting)
	q.jobs[j.id] = j
	q.waiting = append(q.waiting, j)
	q.admitLocked()
	q.mu.Unlock()

	metrics.ProofRequestsTotal.Inc()

	logging.Logger().Info().
		Str("job_id", j.id).
		Int("queue_position", position).
		Int("inputs", len(req.InputNotes)).
		Msg("proof job enqueued")

	return Receipt{JobID: j.id, QueuePosition: position}, nil
}

// admitLocked starts waiting jobs while proving slots are free. Caller
// holds q.mu.
func (q *Queue) admitLocked() {
	for q.active < q.cfg.MaxConcurrent && len(q.waiting) > 0 {
		j := q.waiting[0]
		q.waiting = q.waiting[1:]
		if j.stage.Terminal() {
			continue
		}
		q.active++
		j.stage = StagePreparing
		j.startedAt = time.Now()
		go q.run(j)
	}
	metrics.QueueDepth.Set(float64(len(q.waiting)))
	metrics.ActiveJobs.Set(float64(q.active))
}

func (q *Queue) run(j *job) {
	metrics.QueueWaitTime.Observe(j.startedAt.Sub(j.submittedAt).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ProveTimeout)
	defer cancel()

	progress := func(s prover.Stage) {
		q.mu.Lock()
		defer q.mu.Unlock()
		if j.stage.Terminal() {
			return
		}
		switch s {
		case prover.StagePreparing:
			j.stage = StagePreparing
		case prover.StageComputing:
			j.stage = StageComputing
		case prover.StageProving:
			j.stage = StageProving
		}
	}

	resp, err := q.backend.Prove(ctx, j.req, progress)

	q.mu.Lock()
	q.active--
	if err != nil {
		j.stage = StageError
		j.errReason = prover.FailureReason(err)
		j.errTail = boundTail(err.Error())
		j.finishedAt = time.Now()
		q.failed++
	} else {
		j.stage = StageSubmitting
		j.result = resp
	}
	j.signalReady()
	q.admitLocked()
	q.mu.Unlock()

	if err != nil {
		metrics.ObserveJobTerminal(false, 0, j.errReason)
		logging.Logger().Error().
			Str("job_id", j.id).
			Str("reason", j.errReason).
			Msg("proof job failed")
		q.mirrorJob(j)
		return
	}

	logging.Logger().Info().
		Str("job_id", j.id).
		Dur("proving_time", time.Since(j.startedAt)).
		Msg("proof ready, awaiting submission")
}

// WaitReady blocks until the job's proof is ready for submission (stage
// SUBMITTING) or the job failed. It does not wait for SUCCESS.
func (q *Queue) WaitReady(ctx context.Context, jobID string) (*prover.Response, error) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return nil, &LookupError{JobID: jobID}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.ready:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if j.stage == StageError {
		return nil, &JobError{JobID: j.id, Reason: j.errReason, Tail: j.errTail}
	}
	return j.result, nil
}

// MarkSubmitted moves a job from SUBMITTING to SUCCESS once its
// transaction landed on the ledger.
func (q *Queue) MarkSubmitted(jobID string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return &LookupError{JobID: jobID}
	}
	if j.stage != StageSubmitting {
		stage := j.stage
		q.mu.Unlock()
		return fmt.Errorf("job %s is %s, not %s", jobID, stage, StageSubmitting)
	}
	j.stage = StageSuccess
	j.finishedAt = time.Now()
	q.succeeded++
	duration := j.finishedAt.Sub(j.startedAt)
	q.mu.Unlock()

	metrics.ObserveJobTerminal(true, duration, "")
	q.mirrorJob(j)
	return nil
}

// MarkFailed forces a job into ERROR with the given reason, for failures
// past proving (ledger rejection, submission transport errors).
func (q *Queue) MarkFailed(jobID, reason, detail string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return &LookupError{JobID: jobID}
	}
	if j.stage.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("job %s already terminal", jobID)
	}
	j.stage = StageError
	j.errReason = reason
	j.errTail = boundTail(detail)
	j.finishedAt = time.Now()
	q.failed++
	j.signalReady()
	// A job failed while still queued must not occupy a waiting slot.
	for i, w := range q.waiting {
		if w == j {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			metrics.QueueDepth.Set(float64(len(q.waiting)))
			break
		}
	}
	q.mu.Unlock()

	metrics.ObserveJobTerminal(false, 0, reason)
	q.mirrorJob(j)
	return nil
}

// Status snapshots a job. Returns *LookupError for unknown or evicted
// jobs.
func (q *Queue) Status(jobID string) (*Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return nil, &LookupError{JobID: jobID}
	}

	position := 0
	if j.stage == StageQueued {
		for i, w := range q.waiting {
			if w == j {
				position = q.active + i
				break
			}
		}
	}

	return &Status{
		JobID:         j.id,
		Stage:         j.stage,
		QueuePosition: position,
		SubmittedAt:   j.submittedAt,
		StartedAt:     j.startedAt,
		FinishedAt:    j.finishedAt,
		Result:        j.result,
		ErrorReason:   j.errReason,
		ErrorTail:     j.errTail,
	}, nil
}

// Stats reports queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   len(q.waiting),
		Active:    q.active,
		Succeeded: q.succeeded,
		Failed:    q.failed,
		Retained:  len(q.jobs),
	}
}

// sweep evicts terminal jobs older than the retention window.
func (q *Queue) sweep() {
	cutoff := time.Now().Add(-q.cfg.Retention)

	q.mu.Lock()
	var evicted int
	for id, j := range q.jobs {
		if j.stage.Terminal() && !j.finishedAt.IsZero() && j.finishedAt.Before(cutoff) {
			delete(q.jobs, id)
			evicted++
		}
	}
	q.mu.Unlock()

	if evicted > 0 {
		logging.Logger().Debug().
			Int("evicted", evicted).
			Time("cutoff", cutoff).
			Msg("evicted expired job results")
	}
}

// Sweep runs one eviction pass immediately. Exposed for tests and for
// shutdown paths that want a final cleanup without waiting for the ticker.
func (q *Queue) Sweep() {
	q.sweep()
}

func (q *Queue) mirrorJob(j *job) {
	if q.mirror == nil {
		return
	}
	q.mu.Lock()
	record := mirrorRecord{
		JobID:       j.id,
		Stage:       string(j.stage),
		ErrorReason: j.errReason,
		Result:      j.result,
		FinishedAt:  j.finishedAt,
	}
	q.mu.Unlock()
	if err := q.mirror.Store(record); err != nil {
		logging.Logger().Warn().
			Err(err).
			Str("job_id", j.id).
			Msg("failed to mirror job result")
	}
}

func boundTail(s string) string {
	if len(s) <= diagnosticTailBytes {
		return s
	}
	return s[len(s)-diagnosticTailBytes:]
}
