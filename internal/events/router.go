package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
	"github.com/ycmlab/academic-researcher/internal/jobs"
	"github.com/ycmlab/academic-researcher/internal/logger"
	"github.com/ycmlab/academic-researcher/internal/metrics"
	"github.com/ycmlab/academic-researcher/internal/protocol"
	"github.com/ycmlab/academic-researcher/internal/registry"
	"github.com/ycmlab/academic-researcher/internal/vectorstore"
)

// archiveTimeout bounds the postgres write for a completed report. The archive
// is best-effort and must not delay terminal delivery for long.
const archiveTimeout = 10 * time.Second

// Archiver stores completed reports durably. Nil when the database is not
// configured.
type Archiver interface {
	Save(ctx context.Context, jobID, query, reportType string, report *engine.Report) error
}

// Router fans job events out to every subscribed connection. It is the single
// consumer of engine events per job: progress and terminal frames for one job
// are encoded and enqueued in the order they were produced, so each subscriber
// observes updates in order with exactly one terminal frame at the end.
type Router struct {
	registry *registry.Registry
	tracker  *jobs.Tracker
	bridge   *vectorstore.Bridge
	archive  Archiver
	logger   *logger.Logger
}

// NewRouter creates the event router. archive may be nil.
func NewRouter(reg *registry.Registry, tracker *jobs.Tracker, bridge *vectorstore.Bridge, archive Archiver, log *logger.Logger) *Router {
	return &Router{
		registry: reg,
		tracker:  tracker,
		bridge:   bridge,
		archive:  archive,
		logger:   log.WithComponent("event_router"),
	}
}

// Progress delivers a non-terminal status update to every subscriber.
func (r *Router) Progress(jobID, message string) {
	r.deliver(jobID, protocol.EncodeResearchUpdate(jobID, message))
}

// Complete finishes a successful job. Persistence runs first so that the
// terminal frame carries the real saved_to_vector_db flag; only then is the
// result cached and delivered. A persistence failure downgrades the flag but
// never fails the job.
func (r *Router) Complete(jobID string, report *engine.Report) {
	query, reportType, ok := r.tracker.JobInfo(jobID)
	if !ok {
		r.logger.Warn("completion for unknown job, dropping",
			slog.String("job_id", jobID))
		return
	}

	report.Persisted = r.bridge.Persist(context.Background(), jobID, query, reportType, report)
	if !report.Persisted {
		metrics.PersistenceFailuresTotal.Inc()
	}

	if !r.tracker.MarkCompleted(jobID, report) {
		// Lost the race with a cancellation; nothing to deliver.
		return
	}
	metrics.JobsCompletedTotal.Inc()

	r.deliver(jobID, protocol.EncodeResearchComplete(jobID, report))

	if r.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := r.archive.Save(ctx, jobID, query, reportType, report); err != nil {
			r.logger.Error("failed to archive report",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
		}
	}
}

// Fail finishes a failed or cancelled job and delivers the terminal error.
func (r *Router) Fail(jobID, message string) {
	if !r.tracker.MarkFailed(jobID, message) {
		return
	}
	metrics.JobsFailedTotal.Inc()

	r.deliver(jobID, protocol.EncodeResearchError(jobID, message))
}

// deliver enqueues one frame for every connection subscribed to the job.
// A gone or slow connection only loses its own copy of the frame.
func (r *Router) deliver(jobID string, payload []byte) {
	delivered, dropped := r.registry.Broadcast(r.tracker.Subscribers(jobID), payload)
	metrics.EventsDeliveredTotal.Add(float64(delivered))
	if dropped > 0 {
		metrics.EventsDroppedTotal.Add(float64(dropped))
		r.logger.Debug("dropped event frames",
			slog.String("job_id", jobID),
			slog.Int("dropped", dropped))
	}
}
