package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ycmlab/academic-researcher/internal/logger"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeEngineServer runs a websocket endpoint that replays canned frames after
// receiving the start frame.
func fakeEngineServer(t *testing.T, frames []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var start map[string]any
		if err := conn.ReadJSON(&start); err != nil {
			t.Errorf("failed to read start frame: %v", err)
			return
		}
		if start["type"] != "research_request" {
			t.Errorf("expected research_request start frame, got %v", start["type"])
		}
		if start["query"] == "" {
			t.Error("start frame missing query")
		}

		for _, frame := range frames {
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}

		// Keep the socket open until the client hangs up.
		conn.ReadMessage() //nolint:errcheck
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestEngine(srv *httptest.Server) *RemoteEngine {
	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewRemoteEngine(wsURL(srv), &ChatConfig{}, log)
}

func TestRunResearchCollectsProgressAndReport(t *testing.T) {
	srv := fakeEngineServer(t, []map[string]any{
		{"type": "progress", "message": "gathering sources"},
		{"type": "logs", "message": "reading 12 papers"},
		{"type": "unknown_frame"},
		{"type": "report", "report": "the findings", "sources": []map[string]string{
			{"url": "https://example.org/a", "title": "Paper A"},
		}},
	})
	defer srv.Close()

	var progress []string
	report, err := newTestEngine(srv).RunResearch(context.Background(),
		"test query", "research_report", func(message string) {
			progress = append(progress, message)
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Text != "the findings" {
		t.Errorf("unexpected report text: %s", report.Text)
	}
	if len(report.Sources) != 1 || report.Sources[0].URL != "https://example.org/a" {
		t.Errorf("unexpected sources: %+v", report.Sources)
	}
	if len(progress) != 2 {
		t.Fatalf("expected 2 progress callbacks, got %d", len(progress))
	}
	if progress[0] != "gathering sources" || progress[1] != "reading 12 papers" {
		t.Errorf("progress out of order: %v", progress)
	}
}

func TestRunResearchEngineError(t *testing.T) {
	srv := fakeEngineServer(t, []map[string]any{
		{"type": "error", "message": "no sources found"},
	})
	defer srv.Close()

	_, err := newTestEngine(srv).RunResearch(context.Background(),
		"test query", "research_report", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "no sources found") {
		t.Errorf("error should carry the engine message, got: %v", err)
	}
}

func TestRunResearchCancellation(t *testing.T) {
	// A server that never sends a terminal frame.
	srv := fakeEngineServer(t, []map[string]any{
		{"type": "progress", "message": "working"},
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := newTestEngine(srv).RunResearch(ctx,
			"test query", "research_report", func(string) {})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the run")
	}
}

func TestRunResearchDialFailure(t *testing.T) {
	log := logger.New(logger.Config{Level: slog.LevelError})
	eng := NewRemoteEngine("ws://127.0.0.1:1/ws", &ChatConfig{}, log)

	_, err := eng.RunResearch(context.Background(), "q", "research_report", nil)
	if err == nil {
		t.Fatal("expected a dial error")
	}
}

func TestChatClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", auth)
		}

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("request does not parse: %v", err)
		}
		if len(req.Messages) != 2 {
			t.Errorf("expected system + user message, got %d", len(req.Messages))
		}
		if !strings.Contains(req.Messages[0].Content, "prior findings") &&
			!strings.Contains(req.Messages[0].Content, "Research report") {
			t.Errorf("system prompt missing report context: %s", req.Messages[0].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"the key finding is X"}}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	log := logger.New(logger.Config{Level: slog.LevelError})
	client := newChatClient(&ChatConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, log)

	reply, err := client.Chat(context.Background(), "what did we find?", "prior findings")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "the key finding is X" {
		t.Errorf("unexpected reply: %s", reply)
	}
}
