package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

// startFrame is the first message sent to the research engine after dialing.
type startFrame struct {
	Type       string `json:"type"`
	Query      string `json:"query"`
	ReportType string `json:"report_type"`
}

// engineFrame is a single message received from the research engine.
type engineFrame struct {
	Type    string   `json:"type"`
	Message string   `json:"message,omitempty"`
	Report  string   `json:"report,omitempty"`
	Sources []Source `json:"sources,omitempty"`
}

// RemoteEngine talks to the research engine over a websocket: one dial per
// research run, progress frames until a terminal report or error frame.
type RemoteEngine struct {
	wsURL  string
	dialer *websocket.Dialer
	chat   *chatClient
	logger *logger.Logger
}

// NewRemoteEngine creates a client for the research engine collaborator.
func NewRemoteEngine(wsURL string, chat *ChatConfig, log *logger.Logger) *RemoteEngine {
	return &RemoteEngine{
		wsURL: wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		chat:   newChatClient(chat, log),
		logger: log.WithComponent("engine"),
	}
}

// RunResearch dials the engine, sends the start frame and consumes progress
// frames until the terminal report or error. Context cancellation closes the
// socket, which unblocks the read loop.
func (e *RemoteEngine) RunResearch(ctx context.Context, query, reportType string, onProgress ProgressFunc) (*Report, error) {
	log := e.logger.WithContext(ctx)

	conn, _, err := e.dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to research engine: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(startFrame{
		Type:       "research_request",
		Query:      query,
		ReportType: reportType,
	}); err != nil {
		return nil, fmt.Errorf("failed to send research request: %w", err)
	}

	log.Info("research run started",
		slog.String("query", query),
		slog.String("report_type", reportType))

	// Close the socket when the context is cancelled so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var frame engineFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("research engine connection lost: %w", err)
		}

		switch frame.Type {
		case "progress", "logs":
			if onProgress != nil && frame.Message != "" {
				onProgress(frame.Message)
			}
		case "report":
			log.Info("research run completed",
				slog.Int("report_bytes", len(frame.Report)),
				slog.Int("sources", len(frame.Sources)))
			return &Report{
				Text:    frame.Report,
				Sources: frame.Sources,
			}, nil
		case "error":
			return nil, fmt.Errorf("research engine error: %s", frame.Message)
		default:
			log.Debug("ignoring unknown engine frame", slog.String("type", frame.Type))
		}
	}
}

// Chat forwards one conversational turn to the engine's chat capability.
func (e *RemoteEngine) Chat(ctx context.Context, message, reportContext string) (string, error) {
	return e.chat.Chat(ctx, message, reportContext)
}
