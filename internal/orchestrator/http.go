package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apierrors "github.com/ycmlab/academic-researcher/internal/errors"
	"github.com/ycmlab/academic-researcher/internal/jobs"
	"github.com/ycmlab/academic-researcher/internal/logger"
	"github.com/ycmlab/academic-researcher/internal/protocol"
	"github.com/ycmlab/academic-researcher/internal/storage/pg"
)

type researchRequest struct {
	Query      string `json:"query" binding:"required"`
	ReportType string `json:"report_type"`
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

// researchResponse is the synchronous result shape. It matches the data
// payload of a research_complete frame so both paths return the same report.
type researchResponse struct {
	JobID string `json:"job_id"`
	protocol.CompleteData
}

// SubmitResearch handles POST /api/research: start (or join) a research job
// and block until the report is ready or the wait window expires. The job
// keeps running after a timeout; the client can fetch the result later with
// the returned job ID.
func (h *Handler) SubmitResearch(c *gin.Context) {
	var req researchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "missing required field 'query'", nil)
		return
	}
	if req.ReportType == "" {
		req.ReportType = protocol.ReportTypeResearchReport
	}
	if !protocol.ValidReportType(req.ReportType) {
		apierrors.AbortWithBadRequest(c, "unsupported report_type '"+req.ReportType+"'", nil)
		return
	}

	jobID, _, created := h.tracker.Submit(req.Query, req.ReportType, "")

	log := h.logger.WithContext(logger.WithJobID(c.Request.Context(), jobID))
	log.Info("synchronous research request",
		slog.Bool("created", created),
		slog.String("report_type", req.ReportType))

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.ResearchTimeout())
	defer cancel()

	report, err := h.tracker.Await(ctx, jobID)
	if err == nil {
		c.JSON(http.StatusOK, researchResponse{
			JobID:        jobID,
			CompleteData: protocol.CompletePayload(report),
		})
		return
	}

	var engErr *jobs.EngineError
	switch {
	case errors.As(err, &engErr):
		apierrors.BadGateway(c, engErr.Message, map[string]interface{}{"job_id": jobID})
	case errors.Is(err, context.DeadlineExceeded):
		apierrors.GatewayTimeout(c, "research did not finish in time",
			map[string]interface{}{"job_id": jobID})
	case errors.Is(err, jobs.ErrNotFound):
		// Evicted between submit and await; vanishingly unlikely.
		apierrors.NotFound(c, "job not found", nil)
	default:
		// Client went away; nothing useful to write.
		c.Abort()
	}
}

// GetResearch handles GET /api/research/:jobID: return the cached result of
// a job, 202 while it is still running. Falls back to the durable archive for
// jobs the in-memory cache has already evicted.
func (h *Handler) GetResearch(c *gin.Context) {
	jobID := c.Param("jobID")

	report, err := h.tracker.GetResult(jobID)
	if err == nil {
		c.JSON(http.StatusOK, researchResponse{
			JobID:        jobID,
			CompleteData: protocol.CompletePayload(report),
		})
		return
	}

	var engErr *jobs.EngineError
	switch {
	case errors.As(err, &engErr):
		apierrors.BadGateway(c, engErr.Message, map[string]interface{}{"job_id": jobID})
	case errors.Is(err, jobs.ErrNotReady):
		apierrors.NotReady(c, jobID)
	default:
		if h.archive != nil {
			if archived, archiveErr := h.archive.GetByJobID(c.Request.Context(), jobID); archiveErr == nil {
				c.JSON(http.StatusOK, archived)
				return
			} else if !errors.Is(archiveErr, pg.ErrReportNotFound) {
				h.logger.LogError(c.Request.Context(), archiveErr, "report archive lookup failed")
			}
		}
		apierrors.NotFound(c, "job not found", nil)
	}
}

// CancelResearch handles POST /api/research/:jobID/cancel. Cancellation is
// attempted locally first; when another instance owns the job, the request is
// relayed over NATS.
func (h *Handler) CancelResearch(c *gin.Context) {
	jobID := c.Param("jobID")

	if h.tracker.Cancel(jobID) {
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "cancelled": true})
		return
	}

	if status, ok := h.tracker.Status(jobID); ok {
		c.JSON(http.StatusOK, gin.H{
			"job_id":    jobID,
			"cancelled": false,
			"status":    status,
		})
		return
	}

	if h.distCancel != nil {
		resp, err := h.distCancel.RequestCancel(c.Request.Context(), jobID)
		if err != nil {
			apierrors.Internal(c, "cancel request failed", nil)
			return
		}
		if resp.Found {
			c.JSON(http.StatusOK, gin.H{
				"job_id":           jobID,
				"cancelled":        resp.Success,
				"already_complete": resp.AlreadyComplete,
				"instance_id":      resp.InstanceID,
			})
			return
		}
	}

	apierrors.NotFound(c, "job not found", nil)
}

// Chat handles POST /api/chat: one conversational turn grounded in the most
// recently completed report, if any.
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "missing required field 'message'", nil)
		return
	}

	reply, err := h.engine.Chat(c.Request.Context(), req.Message, h.chatContext())
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "chat turn failed")
		apierrors.Internal(c, "chat failed", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"response": reply})
}

// ListReports handles GET /api/reports: the newest archived reports.
func (h *Handler) ListReports(c *gin.Context) {
	if h.archive == nil {
		apierrors.NotFound(c, "report archive is not enabled", nil)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	reports, err := h.archive.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "failed to list archived reports")
		apierrors.Internal(c, "failed to list reports", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// chatContext returns the body of the latest completed report, or empty when
// no research has completed yet.
func (h *Handler) chatContext() string {
	if report := h.tracker.LatestCompletedReport(); report != nil {
		return report.Text
	}
	return ""
}
