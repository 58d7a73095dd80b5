package ai

import (
	"context"
	"errors"
	"testing"
)

type stubChatClient struct {
	provider Provider
	err      error
	calls    int
}

func (s *stubChatClient) Provider() Provider { return s.provider }

func (s *stubChatClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Provider: s.provider, Model: req.Model, Content: "ok"}, nil
}

type stubEmbedder struct {
	err        error
	embedCalls int
	batchCalls int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.embedCalls++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2}, nil
}

func (s *stubEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	s.batchCalls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func TestFallbackChatSwitchesOnPrimaryFailure(t *testing.T) {
	t.Parallel()

	primary := &stubChatClient{provider: ProviderClaude, err: errors.New("boom")}
	secondary := &stubChatClient{provider: ProviderGemini}
	model := NewFallbackChatModel(primary, secondary)

	resp, err := model.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("fallback chat should succeed: %v", err)
	}
	if resp.Provider != ProviderGemini {
		t.Fatalf("response should come from the fallback, got %s", resp.Provider)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.calls, secondary.calls)
	}
}

func TestFallbackChatSkipsFallbackOnPrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &stubChatClient{provider: ProviderClaude}
	secondary := &stubChatClient{provider: ProviderGemini}
	model := NewFallbackChatModel(primary, secondary)

	if _, err := model.Chat(context.Background(), &ChatRequest{Model: "m"}); err != nil {
		t.Fatalf("primary chat should succeed: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 0 {
		t.Fatalf("calls = %d/%d, want 1/0", primary.calls, secondary.calls)
	}
}

func TestFallbackChatPropagatesSecondFailure(t *testing.T) {
	t.Parallel()

	primary := &stubChatClient{provider: ProviderClaude, err: errors.New("primary down")}
	secondary := &stubChatClient{provider: ProviderGemini, err: errors.New("fallback down")}
	model := NewFallbackChatModel(primary, secondary)

	_, err := model.Chat(context.Background(), &ChatRequest{Model: "m"})
	if err == nil {
		t.Fatalf("both failing must propagate an error")
	}
}

func TestFallbackEmbedSingle(t *testing.T) {
	t.Parallel()

	primary := &stubEmbedder{err: errors.New("boom")}
	secondary := &stubEmbedder{}
	emb := NewFallbackEmbedder(primary, secondary)

	out, err := emb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed should succeed via fallback: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("embedding must not be empty")
	}
	if primary.embedCalls != 1 || secondary.embedCalls != 1 {
		t.Fatalf("embed calls = %d/%d, want 1/1", primary.embedCalls, secondary.embedCalls)
	}

	// Success path leaves the fallback untouched.
	okPrimary := &stubEmbedder{}
	okSecondary := &stubEmbedder{}
	emb = NewFallbackEmbedder(okPrimary, okSecondary)
	if _, err := emb.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("embed should succeed: %v", err)
	}
	if okSecondary.embedCalls != 0 {
		t.Fatalf("fallback called %d times on primary success, want 0", okSecondary.embedCalls)
	}
}

func TestFallbackEmbedBatchFallsBackAsWhole(t *testing.T) {
	t.Parallel()

	primary := &stubEmbedder{err: errors.New("boom")}
	secondary := &stubEmbedder{}
	emb := NewFallbackEmbedder(primary, secondary)

	out, err := emb.EmbedAll(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embedAll should succeed via fallback: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(out))
	}
	// One batch call each, never per-item retries.
	if primary.batchCalls != 1 || secondary.batchCalls != 1 {
		t.Fatalf("batch calls = %d/%d, want 1/1", primary.batchCalls, secondary.batchCalls)
	}

	okPrimary := &stubEmbedder{}
	okSecondary := &stubEmbedder{}
	emb = NewFallbackEmbedder(okPrimary, okSecondary)
	if _, err := emb.EmbedAll(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("embedAll should succeed: %v", err)
	}
	if okSecondary.batchCalls != 0 {
		t.Fatalf("fallback batch called %d times on primary success, want 0", okSecondary.batchCalls)
	}
}
