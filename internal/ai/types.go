// Package ai contains the outbound AI-provider layer: the uniform chat
// client contract, the shared rate limiter, the task-type model router and
// the primary/fallback wrappers.
package ai

import (
	"context"
	"fmt"
	"time"
)

// Provider identifies an external AI backend.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderGemini   Provider = "gemini"
	ProviderDeepSeek Provider = "deepseek"
)

// TaskType classifies what a model call is for; routing chains are
// configured per task type.
type TaskType string

const (
	TaskCodegen  TaskType = "CODEGEN"
	TaskRepair   TaskType = "REPAIR"
	TaskAnalysis TaskType = "ANALYSIS"
)

// ChatMessage is a single turn in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral request shape.
type ChatRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

// ChatResponse is the provider-neutral response shape.
type ChatResponse struct {
	Provider Provider      `json:"provider"`
	Model    string        `json:"model"`
	Content  string        `json:"content"`
	Usage    *Usage        `json:"usage,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client is the uniform call contract every provider implements.
// Role logic never references a concrete provider; selection happens
// exclusively in the ModelRouter.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Provider() Provider
}

// Embedder generates vector embeddings. Batch calls fall back as a whole,
// never per item, so the interface keeps the two paths separate.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderError is a transport-level failure from a provider, carrying the
// HTTP status so the caller can classify rate-limit responses.
type ProviderError struct {
	Provider Provider
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

// ModelSelection is the result of routing: a provider and the concrete
// model to invoke on it. Derived per attempt, never persisted.
type ModelSelection struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
}
