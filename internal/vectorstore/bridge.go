package vectorstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

// persistTimeout bounds one persistence attempt. Persistence runs between the
// engine finishing and the terminal event going out, so it must not hang.
const persistTimeout = 30 * time.Second

// Bridge invokes the vector store once per completed job. A persistence
// failure never fails the job: the report is delivered with persisted=false
// and written to the fallback cache instead. There is no automatic retry.
type Bridge struct {
	store   Store
	cache   *FallbackCache
	enabled bool
	logger  *logger.Logger
}

// NewBridge creates the persistence bridge. store may be nil when the vector
// store is disabled; cache may be nil when no fallback directory could be
// created.
func NewBridge(store Store, cache *FallbackCache, enabled bool, log *logger.Logger) *Bridge {
	return &Bridge{
		store:   store,
		cache:   cache,
		enabled: enabled,
		logger:  log.WithComponent("persistence_bridge"),
	}
}

// Persist pushes a report to the vector store and reports success. Called
// exactly once per completed job, before the terminal event is delivered.
func (b *Bridge) Persist(ctx context.Context, jobID, query, reportType string, report *engine.Report) bool {
	if !b.enabled || b.store == nil {
		b.logger.Debug("vector store disabled, skipping persistence",
			slog.String("job_id", jobID))
		return false
	}

	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := b.store.StoreReport(persistCtx, jobID, query, reportType, report); err != nil {
		b.logger.Error("failed to persist report to vector store",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))

		if b.cache != nil {
			if path, cacheErr := b.cache.Save(jobID, query, reportType, report); cacheErr != nil {
				b.logger.Error("failed to write fallback cache",
					slog.String("job_id", jobID),
					slog.String("error", cacheErr.Error()))
			} else {
				b.logger.Info("report written to fallback cache",
					slog.String("job_id", jobID),
					slog.String("path", path))
			}
		}
		return false
	}

	b.logger.Info("report persisted to vector store",
		slog.String("job_id", jobID),
		slog.Int("report_bytes", len(report.Text)))
	return true
}
