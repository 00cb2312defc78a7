package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ycmlab/academic-researcher/internal/jobs"
	"github.com/ycmlab/academic-researcher/internal/logger"
	"github.com/ycmlab/academic-researcher/internal/metrics"
	"github.com/ycmlab/academic-researcher/internal/protocol"
	"github.com/ycmlab/academic-researcher/internal/registry"
)

const (
	// chatTurnTimeout bounds one chat completion round-trip.
	chatTurnTimeout = 2 * time.Minute

	// chatQueueSize is the number of chat turns a single connection may have
	// pending. Turns beyond this are rejected rather than queued unbounded.
	chatQueueSize = 8

	// maxInboundMessageBytes caps one inbound frame. Both wire message types
	// are small JSON objects; anything bigger is not a legitimate client.
	maxInboundMessageBytes = 8 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the web app origin; access control for the
	// deployment happens at the CORS layer and the ingress.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket handles GET /ws. One goroutine reads inbound frames; all
// outbound traffic flows through the registry's per-connection queue, so
// research events and chat replies reach the client in enqueue order. Chat
// turns run on a separate per-connection worker and never block research
// event delivery.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "websocket upgrade failed")
		return
	}

	ws.SetReadLimit(maxInboundMessageBytes)

	conn := h.registry.Register(ws)
	metrics.ConnectionsActive.Inc()

	ctx := logger.WithConnectionID(context.Background(), conn.ID)
	log := h.logger.WithContext(ctx)
	log.Info("websocket session started")

	chatQueue := make(chan string, chatQueueSize)
	go h.chatWorker(conn, chatQueue)

	defer func() {
		h.registry.Unregister(conn.ID)
		h.tracker.DetachConnection(conn.ID)
		metrics.ConnectionsActive.Dec()
		log.Info("websocket session ended")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		msg, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			// Malformed input costs the sender one error frame, not the session.
			_ = h.registry.Send(conn.ID, protocol.EncodeResearchError("", decodeErr.Error()))
			continue
		}

		switch msg.Type {
		case protocol.TypeResearchRequest:
			h.handleResearchRequest(ctx, conn, msg)

		case protocol.TypeChatMessage:
			select {
			case chatQueue <- msg.Message:
			default:
				_ = h.registry.Send(conn.ID,
					protocol.EncodeResearchError("", "too many pending chat messages"))
			}
		}
	}
}

// handleResearchRequest starts or joins a research job for this connection.
// The client always receives an update frame carrying the job ID first: job
// IDs are derived from the request, so the ack is enqueued before the tracker
// can subscribe this connection, and no engine frame can precede it in the
// outbound queue. When the job is already terminal the cached result is
// replayed here; the event router only delivers for jobs that were live at
// subscribe time, so the client sees exactly one terminal frame either way.
func (h *Handler) handleResearchRequest(ctx context.Context, conn *registry.Connection, msg *protocol.ClientMessage) {
	jobID := jobs.JobID(msg.Query, msg.ReportType)

	ack := "Starting research"
	if _, known := h.tracker.Status(jobID); known {
		ack = "Research already in progress, subscribing to updates"
	}
	_ = h.registry.Send(conn.ID, protocol.EncodeResearchUpdate(jobID, ack))

	_, status, created := h.tracker.Submit(msg.Query, msg.ReportType, conn.ID)

	log := h.logger.WithContext(logger.WithJobID(ctx, jobID))
	log.Info("research request",
		slog.Bool("created", created),
		slog.String("status", string(status)),
		slog.String("report_type", msg.ReportType))

	switch status {
	case jobs.StatusCompleted:
		if report, err := h.tracker.GetResult(jobID); err == nil {
			_ = h.registry.Send(conn.ID, protocol.EncodeResearchComplete(jobID, report))
		}
	case jobs.StatusFailed:
		if _, err := h.tracker.GetResult(jobID); err != nil {
			_ = h.registry.Send(conn.ID, protocol.EncodeResearchError(jobID, err.Error()))
		}
	}
}

// chatWorker serializes one connection's chat turns. Replies go through the
// same outbound queue as research events, preserving per-connection order.
func (h *Handler) chatWorker(conn *registry.Connection, queue <-chan string) {
	for {
		select {
		case <-conn.Done():
			return
		case message := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), chatTurnTimeout)
			reply, err := h.engine.Chat(ctx, message, h.chatContext())
			cancel()

			if err != nil {
				_ = h.registry.Send(conn.ID,
					protocol.EncodeResearchError("", "chat failed: "+err.Error()))
				continue
			}
			_ = h.registry.Send(conn.ID,
				protocol.EncodeChatMessage(protocol.SenderAssistant, reply))
		}
	}
}
