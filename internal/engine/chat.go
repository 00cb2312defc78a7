package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ycmlab/academic-researcher/internal/logger"
)

const chatSystemPrompt = "You are an academic research assistant. Answer questions " +
	"about the research report provided below. If no report is provided, answer from " +
	"general knowledge and say that no research context is available yet."

// ChatConfig configures the chat-completions client.
type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// chatClient calls an OpenAI-compatible chat completions endpoint.
type chatClient struct {
	cfg        ChatConfig
	httpClient *http.Client
	logger     *logger.Logger
}

func newChatClient(cfg *ChatConfig, log *logger.Logger) *chatClient {
	return &chatClient{
		cfg: *cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithComponent("chat_client"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends one turn and returns the assistant reply.
func (c *chatClient) Chat(ctx context.Context, message, reportContext string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("chat API key not configured")
	}

	system := chatSystemPrompt
	if reportContext != "" {
		system += "\n\nResearch report:\n" + reportContext
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: message},
		},
		Temperature: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Error("chat API returned error",
			slog.Int("status_code", resp.StatusCode))
		return "", fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no reply returned from chat API")
	}

	return chatResp.Choices[0].Message.Content, nil
}
