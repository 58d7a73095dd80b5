package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"g3-engine/internal/metrics"
)

// ClaudeClient calls the Anthropic messages API.
type ClaudeClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClaudeClient creates a Claude API client.
func NewClaudeClient(apiKey string) *ClaudeClient {
	return &ClaudeClient{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1/messages",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Provider implements Client.
func (c *ClaudeClient) Provider() Provider { return ProviderClaude }

// Chat implements Client.
func (c *ClaudeClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	creq := &claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, claudeMessage(m))
	}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, fmt.Errorf("marshal claude request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build claude request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderClaude), "error").Inc()
		return nil, fmt.Errorf("claude request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderClaude), "error").Inc()
		return nil, fmt.Errorf("read claude response: %w", err)
	}

	var cresp claudeResponse
	if err := json.Unmarshal(respBody, &cresp); err != nil && httpResp.StatusCode < 300 {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderClaude), "error").Inc()
		return nil, fmt.Errorf("decode claude response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if cresp.Error != nil {
			msg = cresp.Error.Message
		}
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderClaude), "error").Inc()
		return nil, &ProviderError{Provider: ProviderClaude, Status: httpResp.StatusCode, Message: msg}
	}

	content := ""
	if len(cresp.Content) > 0 && cresp.Content[0].Type == "text" {
		content = cresp.Content[0].Text
	}

	metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderClaude), "ok").Inc()
	metrics.Get().ProviderCallDuration.WithLabelValues(string(ProviderClaude)).Observe(time.Since(start).Seconds())

	return &ChatResponse{
		Provider: ProviderClaude,
		Model:    cresp.Model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     cresp.Usage.InputTokens,
			CompletionTokens: cresp.Usage.OutputTokens,
			TotalTokens:      cresp.Usage.InputTokens + cresp.Usage.OutputTokens,
		},
		Duration: time.Since(start),
	}, nil
}
