package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

// fakeEngine counts invocations and returns a canned result.
type fakeEngine struct {
	mu       sync.Mutex
	calls    int
	report   *engine.Report
	err      error
	progress []string
	block    chan struct{} // when set, the run waits for close or cancellation
}

func (f *fakeEngine) RunResearch(ctx context.Context, query, reportType string, onProgress engine.ProgressFunc) (*engine.Report, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	for _, msg := range f.progress {
		onProgress(msg)
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.err != nil {
		return nil, f.err
	}
	report := *f.report
	return &report, nil
}

func (f *fakeEngine) Chat(ctx context.Context, message, reportContext string) (string, error) {
	return "chat reply", nil
}

func (f *fakeEngine) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// stubSink marks terminal transitions the way the event router does and
// records everything it saw.
type stubSink struct {
	tracker *Tracker

	mu        sync.Mutex
	progress  []string
	completed []string
	failed    []string
}

func (s *stubSink) Progress(jobID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, message)
}

func (s *stubSink) Complete(jobID string, report *engine.Report) {
	s.tracker.MarkCompleted(jobID, report)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID)
}

func (s *stubSink) Fail(jobID, message string) {
	s.tracker.MarkFailed(jobID, message)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, message)
}

func newTestTracker(t *testing.T, eng engine.Engine, ttl, cooldown time.Duration) (*Tracker, *stubSink) {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	tracker := NewTracker(eng, log, ttl, cooldown)
	sink := &stubSink{tracker: tracker}
	tracker.SetSink(sink)
	return tracker, sink
}

func awaitReport(t *testing.T, tracker *Tracker, jobID string) *engine.Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := tracker.Await(ctx, jobID)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	return report
}

func TestJobIDDeterministic(t *testing.T) {
	a := JobID("neural scaling laws", "research_report")
	b := JobID("neural scaling laws", "research_report")
	if a != b {
		t.Errorf("same request should map to the same ID: %s vs %s", a, b)
	}

	c := JobID("neural scaling laws", "literature_review")
	if a == c {
		t.Error("different report types should map to different IDs")
	}

	d := JobID("other query", "research_report")
	if a == d {
		t.Error("different queries should map to different IDs")
	}
}

func TestSubmitDeduplicates(t *testing.T) {
	eng := &fakeEngine{
		report: &engine.Report{Text: "findings"},
		block:  make(chan struct{}),
	}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id1, status1, created1 := tracker.Submit("dark matter detection", "research_report", "conn-a")
	id2, status2, created2 := tracker.Submit("dark matter detection", "research_report", "conn-b")

	if id1 != id2 {
		t.Errorf("expected the same job ID, got %s and %s", id1, id2)
	}
	if !created1 || created2 {
		t.Errorf("expected created=(true,false), got (%v,%v)", created1, created2)
	}
	if status1 != StatusRunning || status2 != StatusRunning {
		t.Errorf("expected both running, got %s and %s", status1, status2)
	}
	if subs := tracker.Subscribers(id1); len(subs) != 2 {
		t.Errorf("expected 2 subscribers, got %d", len(subs))
	}

	close(eng.block)
	awaitReport(t, tracker, id1)

	if eng.invocations() != 1 {
		t.Errorf("expected exactly 1 engine invocation, got %d", eng.invocations())
	}
}

func TestCompletedJobServesCachedResult(t *testing.T) {
	eng := &fakeEngine{report: &engine.Report{Text: "cached findings"}}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("protein folding", "research_report", "")
	awaitReport(t, tracker, id)

	// Identical request joins the cache instead of re-running the engine.
	id2, status, created := tracker.Submit("protein folding", "research_report", "conn-late")
	if id2 != id || created {
		t.Errorf("expected cached attach, got id=%s created=%v", id2, created)
	}
	if status != StatusCompleted {
		t.Errorf("expected completed status at attach, got %s", status)
	}
	// Terminal jobs gain no subscribers; the caller replays the cached result.
	if subs := tracker.Subscribers(id); len(subs) != 0 {
		t.Errorf("terminal job should have no subscribers, got %d", len(subs))
	}

	report, err := tracker.GetResult(id)
	if err != nil {
		t.Fatalf("expected cached report, got %v", err)
	}
	if report.Text != "cached findings" {
		t.Errorf("unexpected report text: %s", report.Text)
	}
	if eng.invocations() != 1 {
		t.Errorf("expected 1 invocation, got %d", eng.invocations())
	}
}

func TestFailureCachedUntilCooldown(t *testing.T) {
	eng := &fakeEngine{err: errors.New("engine exploded")}
	tracker, sink := newTestTracker(t, eng, time.Minute, 50*time.Millisecond)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("room temperature superconductors", "research_report", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tracker.Await(ctx, id); err == nil {
		t.Fatal("expected a failure")
	}

	var engErr *EngineError
	if _, err := tracker.GetResult(id); !errors.As(err, &engErr) {
		t.Fatalf("expected *EngineError, got %v", err)
	}

	// Within the cooldown the failure is served from cache.
	_, status, created := tracker.Submit("room temperature superconductors", "research_report", "")
	if created || status != StatusFailed {
		t.Errorf("expected cached failure, got created=%v status=%s", created, status)
	}
	if eng.invocations() != 1 {
		t.Fatalf("expected 1 invocation during cooldown, got %d", eng.invocations())
	}

	// After the cooldown an identical request starts a fresh run.
	time.Sleep(80 * time.Millisecond)
	_, _, created = tracker.Submit("room temperature superconductors", "research_report", "")
	if !created {
		t.Error("expected a fresh run after the cooldown")
	}

	sink.mu.Lock()
	failures := len(sink.failed)
	sink.mu.Unlock()
	if failures < 1 {
		t.Error("sink should have observed the failure")
	}
}

func TestProgressReachesSink(t *testing.T) {
	eng := &fakeEngine{
		report:   &engine.Report{Text: "done"},
		progress: []string{"searching sources", "drafting report"},
	}
	tracker, sink := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("fusion energy", "research_report", "")
	awaitReport(t, tracker, id)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.progress) != 2 {
		t.Fatalf("expected 2 progress events, got %d", len(sink.progress))
	}
	if sink.progress[0] != "searching sources" || sink.progress[1] != "drafting report" {
		t.Errorf("progress out of order: %v", sink.progress)
	}
}

func TestDetachConnectionKeepsJobRunning(t *testing.T) {
	eng := &fakeEngine{
		report: &engine.Report{Text: "survives detach"},
		block:  make(chan struct{}),
	}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("graphene batteries", "research_report", "conn-x")
	tracker.DetachConnection("conn-x")

	if subs := tracker.Subscribers(id); len(subs) != 0 {
		t.Errorf("expected no subscribers after detach, got %d", len(subs))
	}
	if status, _ := tracker.Status(id); status != StatusRunning {
		t.Errorf("job should still be running, got %s", status)
	}

	close(eng.block)
	report := awaitReport(t, tracker, id)
	if report.Text != "survives detach" {
		t.Errorf("unexpected report: %s", report.Text)
	}
}

func TestCancelRunningJob(t *testing.T) {
	eng := &fakeEngine{
		report: &engine.Report{Text: "never delivered"},
		block:  make(chan struct{}),
	}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("time crystals", "research_report", "")

	if !tracker.Cancel(id) {
		t.Fatal("expected cancel to succeed on a running job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tracker.Await(ctx, id)

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *EngineError, got %v", err)
	}
	if engErr.Message != "research cancelled" {
		t.Errorf("unexpected failure message: %s", engErr.Message)
	}

	// Terminal jobs cannot be cancelled again.
	if tracker.Cancel(id) {
		t.Error("cancel on a terminal job should return false")
	}
}

func TestEvictRemovesIdleTerminalJobs(t *testing.T) {
	eng := &fakeEngine{report: &engine.Report{Text: "ephemeral"}}
	tracker, _ := newTestTracker(t, eng, 30*time.Millisecond, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("ephemeral topic", "research_report", "")
	awaitReport(t, tracker, id)

	time.Sleep(50 * time.Millisecond)
	if evicted := tracker.Evict(); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}

	if _, err := tracker.GetResult(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after eviction, got %v", err)
	}
	if tracker.LatestCompletedReport() != nil {
		t.Error("latest completed report should be cleared by eviction")
	}
}

func TestEvictSkipsRunningJobs(t *testing.T) {
	eng := &fakeEngine{
		report: &engine.Report{Text: "still going"},
		block:  make(chan struct{}),
	}
	tracker, _ := newTestTracker(t, eng, time.Nanosecond, time.Second)
	defer func() {
		close(eng.block)
		tracker.Shutdown(time.Second) //nolint:errcheck
	}()

	id, _, _ := tracker.Submit("long haul", "research_report", "")
	time.Sleep(10 * time.Millisecond)

	if evicted := tracker.Evict(); evicted != 0 {
		t.Errorf("running jobs must not be evicted, got %d", evicted)
	}
	if status, ok := tracker.Status(id); !ok || status != StatusRunning {
		t.Errorf("expected running job to survive eviction, got %s ok=%v", status, ok)
	}
}

func TestLatestCompletedReport(t *testing.T) {
	eng := &fakeEngine{report: &engine.Report{Text: "first"}}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	if tracker.LatestCompletedReport() != nil {
		t.Error("expected nil before any job completes")
	}

	id, _, _ := tracker.Submit("first topic", "research_report", "")
	awaitReport(t, tracker, id)

	eng.mu.Lock()
	eng.report = &engine.Report{Text: "second"}
	eng.mu.Unlock()

	id2, _, _ := tracker.Submit("second topic", "research_report", "")
	awaitReport(t, tracker, id2)

	if report := tracker.LatestCompletedReport(); report == nil || report.Text != "second" {
		t.Errorf("expected the most recent report, got %+v", report)
	}
}

func TestGetResultUnknownJob(t *testing.T) {
	eng := &fakeEngine{report: &engine.Report{Text: "x"}}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	if _, err := tracker.GetResult("deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetResultWhileRunning(t *testing.T) {
	eng := &fakeEngine{
		report: &engine.Report{Text: "x"},
		block:  make(chan struct{}),
	}
	tracker, _ := newTestTracker(t, eng, time.Minute, time.Second)
	defer tracker.Shutdown(time.Second) //nolint:errcheck

	id, _, _ := tracker.Submit("in flight", "research_report", "")
	if _, err := tracker.GetResult(id); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	close(eng.block)
	awaitReport(t, tracker, id)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	eng := &fakeEngine{
		report: &engine.Report{Text: "x"},
		block:  make(chan struct{}),
	}
	tracker, sink := newTestTracker(t, eng, time.Minute, time.Second)

	tracker.Submit("doomed", "research_report", "")

	if err := tracker.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 1 || sink.failed[0] != "research cancelled" {
		t.Errorf("expected one cancellation failure, got %v", sink.failed)
	}
}
