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

// DeepSeekClient calls the DeepSeek OpenAI-compatible chat API.
type DeepSeekClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type deepseekRequest struct {
	Model       string            `json:"model"`
	Messages    []deepseekMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
}

type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewDeepSeekClient creates a DeepSeek API client.
func NewDeepSeekClient(apiKey string) *DeepSeekClient {
	return &DeepSeekClient{
		apiKey:  apiKey,
		baseURL: "https://api.deepseek.com/chat/completions",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Provider implements Client.
func (c *DeepSeekClient) Provider() Provider { return ProviderDeepSeek }

// Chat implements Client.
func (c *DeepSeekClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	dreq := &deepseekRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		dreq.Messages = append(dreq.Messages, deepseekMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		dreq.Messages = append(dreq.Messages, deepseekMessage(m))
	}

	body, err := json.Marshal(dreq)
	if err != nil {
		return nil, fmt.Errorf("marshal deepseek request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build deepseek request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderDeepSeek), "error").Inc()
		return nil, fmt.Errorf("deepseek request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderDeepSeek), "error").Inc()
		return nil, fmt.Errorf("read deepseek response: %w", err)
	}

	var dresp deepseekResponse
	if err := json.Unmarshal(respBody, &dresp); err != nil && httpResp.StatusCode < 300 {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderDeepSeek), "error").Inc()
		return nil, fmt.Errorf("decode deepseek response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if dresp.Error != nil {
			msg = dresp.Error.Message
		}
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderDeepSeek), "error").Inc()
		return nil, &ProviderError{Provider: ProviderDeepSeek, Status: httpResp.StatusCode, Message: msg}
	}

	content := ""
	if len(dresp.Choices) > 0 {
		content = dresp.Choices[0].Message.Content
	}

	metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderDeepSeek), "ok").Inc()
	metrics.Get().ProviderCallDuration.WithLabelValues(string(ProviderDeepSeek)).Observe(time.Since(start).Seconds())

	return &ChatResponse{
		Provider: ProviderDeepSeek,
		Model:    dresp.Model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     dresp.Usage.PromptTokens,
			CompletionTokens: dresp.Usage.CompletionTokens,
			TotalTokens:      dresp.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}
