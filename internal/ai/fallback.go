package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"g3-engine/internal/logging"
	"g3-engine/internal/metrics"
)

// FallbackChatModel wraps a primary chat client with an automatic switch
// to a secondary on any primary failure. Fallback is for availability;
// throughput throttling stays with the rate limiter's backoff.
type FallbackChatModel struct {
	primary  Client
	fallback Client
}

// NewFallbackChatModel pairs a primary and a fallback client.
func NewFallbackChatModel(primary, fallback Client) *FallbackChatModel {
	return &FallbackChatModel{primary: primary, fallback: fallback}
}

// Provider reports the primary's identity; the caller learns about a
// switch from the response's Provider field.
func (f *FallbackChatModel) Provider() Provider {
	return f.primary.Provider()
}

// Chat invokes the primary; on any error it retries the same request on
// the fallback. If both fail the fallback's error propagates, wrapping the
// primary's.
func (f *FallbackChatModel) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, primaryErr := f.primary.Chat(ctx, req)
	if primaryErr == nil {
		return resp, nil
	}

	metrics.Get().FallbacksTotal.WithLabelValues("chat").Inc()
	logging.L().Warn("chat primary failed, switching to fallback",
		zap.String("primary", string(f.primary.Provider())),
		zap.String("fallback", string(f.fallback.Provider())),
		zap.Error(primaryErr))

	resp, fallbackErr := f.fallback.Chat(ctx, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback %s failed: %w (primary %s: %v)",
			f.fallback.Provider(), fallbackErr, f.primary.Provider(), primaryErr)
	}
	return resp, nil
}

// FallbackEmbedder wraps a primary embedder with a secondary. Single-item
// and batch paths fall back independently; a failed batch is retried on
// the fallback as a whole, never item by item.
type FallbackEmbedder struct {
	primary  Embedder
	fallback Embedder
}

// NewFallbackEmbedder pairs a primary and a fallback embedder.
func NewFallbackEmbedder(primary, fallback Embedder) *FallbackEmbedder {
	return &FallbackEmbedder{primary: primary, fallback: fallback}
}

// Embed generates one embedding, falling back on primary failure.
func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, primaryErr := f.primary.Embed(ctx, text)
	if primaryErr == nil {
		return out, nil
	}
	metrics.Get().FallbacksTotal.WithLabelValues("embed").Inc()
	logging.S().Warnf("embed primary failed, switching to fallback: %v", primaryErr)

	out, fallbackErr := f.fallback.Embed(ctx, text)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback embed failed: %w (primary: %v)", fallbackErr, primaryErr)
	}
	return out, nil
}

// EmbedAll generates embeddings for a batch, falling back as a whole on
// primary failure.
func (f *FallbackEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out, primaryErr := f.primary.EmbedAll(ctx, texts)
	if primaryErr == nil {
		return out, nil
	}
	metrics.Get().FallbacksTotal.WithLabelValues("embed_all").Inc()
	logging.S().Warnf("embedAll primary failed, switching to fallback: %v", primaryErr)

	out, fallbackErr := f.fallback.EmbedAll(ctx, texts)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback embedAll failed: %w (primary: %v)", fallbackErr, primaryErr)
	}
	return out, nil
}
