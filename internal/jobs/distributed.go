package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

const (
	// NATS subject for research job cancellation requests
	jobCancelSubject = "research.cancel"

	// Timeout for distributed cancel requests
	distributedCancelTimeout = 5 * time.Second
)

// CancelRequest asks whichever instance owns a job to cancel it.
type CancelRequest struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// CancelResponse is the result of a distributed cancel operation.
type CancelResponse struct {
	Success         bool   `json:"success"`
	Found           bool   `json:"found"`
	AlreadyComplete bool   `json:"already_complete,omitempty"`
	Error           string `json:"error,omitempty"`
	InstanceID      string `json:"instance_id"`
}

// DistributedCancelService handles cross-instance job cancellation via NATS.
//
// Jobs live in-memory on the instance that started the engine invocation.
// When a cancel request arrives at a different instance, this service
// broadcasts it via NATS request-reply so the owning instance can cancel the
// run. Instances that do not own the job stay silent.
type DistributedCancelService struct {
	nc           *nats.Conn
	tracker      *Tracker
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDistributedCancelService creates a new distributed cancel service.
// Returns nil if NATS connection is not available.
func NewDistributedCancelService(nc *nats.Conn, tracker *Tracker, log *logger.Logger, instanceID string) *DistributedCancelService {
	if nc == nil {
		return nil
	}

	return &DistributedCancelService{
		nc:         nc,
		tracker:    tracker,
		logger:     log.WithComponent("distributed-cancel"),
		instanceID: instanceID,
	}
}

// Start begins listening for distributed cancel requests.
// This should be called once during server startup.
func (s *DistributedCancelService) Start() error {
	sub, err := s.nc.Subscribe(jobCancelSubject, s.handleCancelRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", jobCancelSubject, err)
	}

	s.subscription = sub
	s.logger.Info("distributed cancel service started",
		slog.String("subject", jobCancelSubject),
		slog.String("instance_id", s.instanceID))

	return nil
}

// Stop gracefully shuts down the service.
func (s *DistributedCancelService) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	s.logger.Info("distributed cancel service stopped")
	return nil
}

// RequestCancel sends a cancel request to all instances and waits for the
// owning instance to reply. A response with Found=false means no instance
// owns a running job with this ID.
func (s *DistributedCancelService) RequestCancel(ctx context.Context, jobID string) (*CancelResponse, error) {
	req := CancelRequest{
		JobID:  jobID,
		Reason: "user_cancelled",
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedCancelTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, jobCancelSubject, data)
	if err != nil {
		// No subscribers on the subject
		if errors.Is(err, nats.ErrNoResponders) {
			return &CancelResponse{Success: false, Found: false}, nil
		}
		// Timeout - no instance owns this job
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return &CancelResponse{Success: false, Found: false}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}

	var resp CancelResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// handleCancelRequest processes incoming cancel requests from other
// instances. Only responds if this instance owns a live job with the given
// ID - otherwise stays silent so the owning instance can respond.
func (s *DistributedCancelService) handleCancelRequest(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid cancel request", slog.String("error", err.Error()))
		return
	}

	status, ok := s.tracker.Status(req.JobID)
	if !ok {
		s.logger.Debug("job not owned by this instance, ignoring",
			slog.String("job_id", req.JobID))
		return
	}

	resp := CancelResponse{Found: true, InstanceID: s.instanceID}
	switch status {
	case StatusCompleted, StatusFailed:
		resp.AlreadyComplete = true
	default:
		resp.Success = s.tracker.Cancel(req.JobID)
		if !resp.Success {
			resp.Error = "job reached a terminal state before cancellation"
		}
	}

	s.reply(msg, resp)

	s.logger.Info("processed distributed cancel request",
		slog.String("job_id", req.JobID),
		slog.Bool("success", resp.Success))
}

// reply sends a response back to the requester.
func (s *DistributedCancelService) reply(msg *nats.Msg, resp CancelResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}
