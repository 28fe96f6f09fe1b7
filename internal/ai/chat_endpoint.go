package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatEndpointClient speaks the minimal completion protocol:
// POST {"messages": [...]} and read {"content": "..."}.
type ChatEndpointClient struct {
	url        string
	httpClient *http.Client
}

func NewChatEndpointClient(url string, timeout time.Duration) *ChatEndpointClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ChatEndpointClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *ChatEndpointClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	bodyBytes, err := json.Marshal(map[string]interface{}{"messages": messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("build chat request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat response status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse chat json failed: %w", err)
	}
	if parsed.Content == nil {
		return "", fmt.Errorf("chat response has no content field")
	}
	return *parsed.Content, nil
}
