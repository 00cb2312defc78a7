package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

// Status is the lifecycle state of a job.
// Transitions: Pending -> Running -> {Completed, Failed}. Terminal states are
// final; a terminal job stays queryable until eviction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound is returned for unknown or evicted job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned while a job has no terminal result yet.
	ErrNotReady = errors.New("job not ready")
)

// EngineError is the cached failure of a research run. Duplicate submits
// within the cooldown window receive it instead of re-triggering the engine.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}

// EventSink receives job progress and terminal results. The event router
// implements it; terminal notifications flow back into the tracker through
// MarkCompleted/MarkFailed so that state transitions stay centralized here.
type EventSink interface {
	Progress(jobID, message string)
	Complete(jobID string, report *engine.Report)
	Fail(jobID, message string)
}

// Job represents one research run keyed by query and report type.
// All mutable fields are guarded by the tracker's mutex.
type Job struct {
	ID         string
	Query      string
	ReportType string

	status      Status
	subscribers map[string]bool
	result      *engine.Report
	errMsg      string
	done        chan struct{}
	cancel      context.CancelFunc
	createdAt   time.Time
	finishedAt  time.Time
	lastAccess  time.Time
}

// JobID derives the stable identifier for a (query, reportType) pair. The
// same request always maps to the same ID, which is what lets a reconnecting
// client re-attach by re-issuing the identical research_request.
func JobID(query, reportType string) string {
	h := sha256.Sum256([]byte(reportType + "\x00" + query))
	return hex.EncodeToString(h[:8])
}

// Tracker owns the lifecycle of every in-flight and cached job. At most one
// engine invocation is in flight per job ID at any time.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	engine engine.Engine
	sink   EventSink
	logger *logger.Logger

	ttl      time.Duration
	cooldown time.Duration

	latestCompleted string // job ID of the most recently completed job

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewTracker creates a job tracker. Call SetSink before submitting jobs.
func NewTracker(eng engine.Engine, log *logger.Logger, ttl, cooldown time.Duration) *Tracker {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Tracker{
		jobs:     make(map[string]*Job),
		engine:   eng,
		logger:   log.WithComponent("job_tracker"),
		ttl:      ttl,
		cooldown: cooldown,
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// SetSink wires the event router. Separate from the constructor because the
// router needs the tracker too.
func (t *Tracker) SetSink(sink EventSink) {
	t.sink = sink
}

// Submit registers interest in a research run. If an equivalent job is
// pending or running, the connection is attached as a subscriber and the
// existing job ID is returned. A completed job returns its cached result; a
// failed job returns the cached failure until the cooldown expires, after
// which an identical request starts a fresh run.
//
// connID may be empty for the synchronous HTTP path, which waits via Await
// instead of subscribing.
//
// The returned status is the job's state at attach time. Callers use it to
// decide whether to serve the cached terminal result themselves: a terminal
// job gains no subscriber, so the event router will not deliver for it again.
func (t *Tracker) Submit(query, reportType, connID string) (jobID string, status Status, created bool) {
	id := JobID(query, reportType)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if job, ok := t.jobs[id]; ok {
		expired := job.status == StatusFailed && now.Sub(job.finishedAt) > t.cooldown
		if !expired {
			terminal := job.status == StatusCompleted || job.status == StatusFailed
			if connID != "" && !terminal {
				job.subscribers[connID] = true
			}
			job.lastAccess = now
			t.logger.Debug("attached to existing job",
				slog.String("job_id", id),
				slog.String("status", string(job.status)),
				slog.Int("subscribers", len(job.subscribers)))
			return id, job.status, false
		}
		// Failed past the cooldown: forget it and run again.
		delete(t.jobs, id)
	}

	job := &Job{
		ID:          id,
		Query:       query,
		ReportType:  reportType,
		status:      StatusPending,
		subscribers: make(map[string]bool),
		done:        make(chan struct{}),
		createdAt:   now,
		lastAccess:  now,
	}
	if connID != "" {
		job.subscribers[connID] = true
	}

	ctx, cancel := context.WithCancel(t.baseCtx)
	job.cancel = cancel
	job.status = StatusRunning
	t.jobs[id] = job

	t.wg.Add(1)
	go t.run(ctx, job)

	t.logger.Info("job started",
		slog.String("job_id", id),
		slog.String("query", query),
		slog.String("report_type", reportType))

	return id, StatusRunning, true
}

// run drives one engine invocation. Progress and terminal results flow to the
// sink; the sink routes terminal results back through MarkCompleted/MarkFailed.
func (t *Tracker) run(ctx context.Context, job *Job) {
	defer t.wg.Done()
	defer job.cancel()

	start := time.Now()

	report, err := t.engine.RunResearch(ctx, job.Query, job.ReportType, func(message string) {
		t.sink.Progress(job.ID, message)
	})

	if err != nil {
		msg := fmt.Sprintf("research failed: %v", err)
		if ctx.Err() != nil {
			msg = "research cancelled"
		}
		t.logger.Error("job failed",
			slog.String("job_id", job.ID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		t.sink.Fail(job.ID, msg)
		return
	}

	t.logger.Info("job produced report",
		slog.String("job_id", job.ID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("sources", len(report.Sources)))
	t.sink.Complete(job.ID, report)
}

// MarkCompleted records the terminal report for a job. Returns false if the
// job is unknown or already terminal.
func (t *Tracker) MarkCompleted(jobID string, report *engine.Report) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok || job.status == StatusCompleted || job.status == StatusFailed {
		return false
	}

	job.status = StatusCompleted
	job.result = report
	job.finishedAt = time.Now()
	job.lastAccess = job.finishedAt
	t.latestCompleted = jobID
	close(job.done)
	return true
}

// MarkFailed records a terminal failure for a job. Returns false if the job
// is unknown or already terminal.
func (t *Tracker) MarkFailed(jobID, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok || job.status == StatusCompleted || job.status == StatusFailed {
		return false
	}

	job.status = StatusFailed
	job.errMsg = message
	job.finishedAt = time.Now()
	job.lastAccess = job.finishedAt
	close(job.done)
	return true
}

// Subscribers returns a snapshot of the connections subscribed to a job.
func (t *Tracker) Subscribers(jobID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(job.subscribers))
	for id := range job.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// DetachConnection removes a closed connection from every subscriber set.
// Jobs keep running: the cache must still be populated for later identical
// requests or for other subscribers.
func (t *Tracker) DetachConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, job := range t.jobs {
		delete(job.subscribers, connID)
	}
}

// JobInfo returns the request that a job was created from.
func (t *Tracker) JobInfo(jobID string) (query, reportType string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, found := t.jobs[jobID]
	if !found {
		return "", "", false
	}
	return job.Query, job.ReportType, true
}

// Status returns the current state of a job.
func (t *Tracker) Status(jobID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.status, true
}

// GetResult returns the cached report for a terminal job, ErrNotReady while
// the job is in flight, ErrNotFound for unknown IDs, and the cached
// *EngineError for failed jobs.
func (t *Tracker) GetResult(jobID string) (*engine.Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	job.lastAccess = time.Now()

	switch job.status {
	case StatusCompleted:
		return job.result, nil
	case StatusFailed:
		return nil, &EngineError{Message: job.errMsg}
	default:
		return nil, ErrNotReady
	}
}

// Await blocks until the job reaches a terminal state or the context is
// cancelled. Used by the synchronous request path; no polling involved.
func (t *Tracker) Await(ctx context.Context, jobID string) (*engine.Report, error) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-job.done:
		return t.GetResult(jobID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation of a running job. Returns false
// when the job is unknown or already terminal.
func (t *Tracker) Cancel(jobID string) bool {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	var cancel context.CancelFunc
	if ok && (job.status == StatusPending || job.status == StatusRunning) {
		cancel = job.cancel
	}
	t.mu.RUnlock()

	if cancel == nil {
		return false
	}

	t.logger.Info("cancelling job", slog.String("job_id", jobID))
	cancel()
	return true
}

// LatestCompletedReport returns the most recently completed report, used as
// chat context. Returns nil when no job has completed yet.
func (t *Tracker) LatestCompletedReport() *engine.Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[t.latestCompleted]
	if !ok || job.status != StatusCompleted {
		return nil
	}
	return job.result
}

// Evict removes terminal jobs that have been idle longer than the TTL and
// returns how many were removed. Bounds memory growth from cached reports.
func (t *Tracker) Evict() int {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, job := range t.jobs {
		if job.status != StatusCompleted && job.status != StatusFailed {
			continue
		}
		if now.Sub(job.lastAccess) > t.ttl {
			delete(t.jobs, id)
			if t.latestCompleted == id {
				t.latestCompleted = ""
			}
			evicted++
		}
	}

	if evicted > 0 {
		t.logger.Info("evicted idle jobs",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(t.jobs)))
	}
	return evicted
}

// Counts returns the number of running and terminal jobs, for health and
// metrics reporting.
func (t *Tracker) Counts() (running, completed, failed int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, job := range t.jobs {
		switch job.status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		default:
			running++
		}
	}
	return running, completed, failed
}

// Shutdown cancels every running job and waits for their goroutines to exit,
// up to the given timeout.
func (t *Tracker) Shutdown(timeout time.Duration) error {
	running, _, _ := t.Counts()
	t.logger.Info("shutting down job tracker", slog.Int("running_jobs", running))

	t.stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("all job workers shut down")
		return nil
	case <-time.After(timeout):
		t.logger.Warn("job tracker shutdown timed out, some workers may still be running")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}
