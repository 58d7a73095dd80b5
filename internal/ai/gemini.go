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

// GeminiClient calls the Google Generative Language API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenCfg struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float32 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta/models",
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Provider implements Client.
func (c *GeminiClient) Provider() Provider { return ProviderGemini }

// Chat implements Client.
func (c *GeminiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	greq := &geminiRequest{}
	if req.System != "" {
		greq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		greq.Contents = append(greq.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		greq.GenerationConfig = &geminiGenCfg{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}

	body, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return nil, fmt.Errorf("read gemini response: %w", err)
	}

	var gresp geminiResponse
	if err := json.Unmarshal(respBody, &gresp); err != nil && httpResp.StatusCode < 300 {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if gresp.Error != nil {
			msg = gresp.Error.Message
		}
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return nil, &ProviderError{Provider: ProviderGemini, Status: httpResp.StatusCode, Message: msg}
	}

	content := ""
	if len(gresp.Candidates) > 0 && len(gresp.Candidates[0].Content.Parts) > 0 {
		content = gresp.Candidates[0].Content.Parts[0].Text
	}

	metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "ok").Inc()
	metrics.Get().ProviderCallDuration.WithLabelValues(string(ProviderGemini)).Observe(time.Since(start).Seconds())

	return &ChatResponse{
		Provider: ProviderGemini,
		Model:    req.Model,
		Content:  content,
		Usage: &Usage{
			PromptTokens:     gresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gresp.UsageMetadata.TotalTokenCount,
		},
		Duration: time.Since(start),
	}, nil
}

// GeminiEmbedder generates embeddings through the same API surface.
type GeminiEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiBatchEmbedRequest struct {
	Requests []geminiNamedEmbedRequest `json:"requests"`
}

type geminiNamedEmbedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiEmbedding struct {
	Values []float32 `json:"values"`
}

type geminiEmbedResponse struct {
	Embedding  geminiEmbedding   `json:"embedding"`
	Embeddings []geminiEmbedding `json:"embeddings"`
}

// NewGeminiEmbedder creates an embedding client. An empty model selects
// the current text embedding model.
func NewGeminiEmbedder(apiKey, model string) *GeminiEmbedder {
	if model == "" {
		model = "text-embedding-004"
	}
	return &GeminiEmbedder{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta/models",
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Embed implements Embedder.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := geminiEmbedRequest{Content: geminiContent{Parts: []geminiPart{{Text: text}}}}
	var resp geminiEmbedResponse
	if err := e.post(ctx, "embedContent", req, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding.Values, nil
}

// EmbedAll implements Embedder. The batch travels as one request; partial
// results are never returned.
func (e *GeminiEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	req := geminiBatchEmbedRequest{}
	for _, text := range texts {
		req.Requests = append(req.Requests, geminiNamedEmbedRequest{
			Model:   "models/" + e.model,
			Content: geminiContent{Parts: []geminiPart{{Text: text}}},
		})
	}
	var resp geminiEmbedResponse
	if err := e.post(ctx, "batchEmbedContents", req, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GeminiEmbedder) post(ctx context.Context, op string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal gemini embed request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:%s?key=%s", e.baseURL, e.model, op, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gemini embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return fmt.Errorf("gemini embed request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return fmt.Errorf("read gemini embed response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "error").Inc()
		return &ProviderError{Provider: ProviderGemini, Status: httpResp.StatusCode, Message: string(respBody)}
	}

	metrics.Get().ProviderCallsTotal.WithLabelValues(string(ProviderGemini), "ok").Inc()
	return json.Unmarshal(respBody, out)
}
