package orchestrator

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/ycmlab/academic-researcher/internal/config"
	"github.com/ycmlab/academic-researcher/internal/engine"
	"github.com/ycmlab/academic-researcher/internal/jobs"
	"github.com/ycmlab/academic-researcher/internal/logger"
	"github.com/ycmlab/academic-researcher/internal/registry"
	"github.com/ycmlab/academic-researcher/internal/storage/pg"
)

// ReportArchive reads the durable report archive. Nil when the database is
// not configured.
type ReportArchive interface {
	GetByJobID(ctx context.Context, jobID string) (*pg.ArchivedReport, error)
	ListRecent(ctx context.Context, limit int) ([]pg.ArchivedReport, error)
}

// Handler owns the HTTP and websocket surfaces of the research session
// service. Both surfaces drive the same job tracker, so a query submitted
// over HTTP and the identical query submitted over a websocket share one
// engine invocation.
type Handler struct {
	cfg        *config.Config
	logger     *logger.Logger
	registry   *registry.Registry
	tracker    *jobs.Tracker
	engine     engine.Engine
	archive    ReportArchive
	distCancel *jobs.DistributedCancelService
}

// NewHandler creates the session handler. archive and distCancel may be nil
// when their backing services are not configured.
func NewHandler(
	cfg *config.Config,
	log *logger.Logger,
	reg *registry.Registry,
	tracker *jobs.Tracker,
	eng engine.Engine,
	archive ReportArchive,
	distCancel *jobs.DistributedCancelService,
) *Handler {
	return &Handler{
		cfg:        cfg,
		logger:     log.WithComponent("orchestrator"),
		registry:   reg,
		tracker:    tracker,
		engine:     eng,
		archive:    archive,
		distCancel: distCancel,
	}
}

// RegisterRoutes attaches every session route to the gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.POST("/research", h.SubmitResearch)
		api.GET("/research/:jobID", h.GetResearch)
		api.POST("/research/:jobID/cancel", h.CancelResearch)
		api.POST("/chat", h.Chat)
		api.GET("/reports", h.ListReports)
	}

	r.GET("/ws", h.HandleWebSocket)
}
