package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"g3-engine/internal/ai"
)

type fakeChat struct {
	provider ai.Provider

	mu      sync.Mutex
	calls   int
	models  []string
	results []error
}

func (f *fakeChat) Provider() ai.Provider { return f.provider }

func (f *fakeChat) Chat(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	f.models = append(f.models, req.Model)
	if idx < len(f.results) && f.results[idx] != nil {
		return nil, f.results[idx]
	}
	return &ai.ChatResponse{Content: "ok", Model: req.Model}, nil
}

func (f *fakeChat) seenModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.models))
	copy(out, f.models)
	return out
}

func testGateway(client *fakeChat, policy RetryPolicy) *ModelGateway {
	// One shared backend registered under every provider key; the router
	// still picks models per attempt, which is what these tests observe.
	clients := ai.ClientSet{
		ai.ProviderClaude:   client,
		ai.ProviderGemini:   client,
		ai.ProviderDeepSeek: client,
	}
	limiter := ai.NewRateLimiter(1000, 10, time.Millisecond)
	return NewModelGateway(limiter, ai.NewModelRouter(nil), clients, policy)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AcquireTimeout: time.Second,
	}
}

func discardLog(LogEntry) {}

func TestCallRetriesThrottleAcrossChain(t *testing.T) {
	t.Parallel()

	throttle := &ai.ProviderError{Provider: ai.ProviderClaude, Status: 429, Message: "too many requests"}
	client := &fakeChat{provider: ai.ProviderClaude, results: []error{throttle, throttle, nil}}
	g := testGateway(client, fastPolicy())

	resp, err := g.Call(context.Background(), RoleCoder, ai.TaskCodegen, &ai.ChatRequest{}, discardLog)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("content = %q", resp.Content)
	}

	// Codegen degrades claude, then gemini, then deepseek.
	want := []string{"claude-4-5", "gemini-3-pro", "deepseek-v3"}
	got := client.seenModels()
	if len(got) != len(want) {
		t.Fatalf("models = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d model = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCallEscalatesNonTransientImmediately(t *testing.T) {
	t.Parallel()

	authErr := &ai.ProviderError{Provider: ai.ProviderClaude, Status: 401, Message: "invalid api key"}
	client := &fakeChat{provider: ai.ProviderClaude, results: []error{authErr}}
	g := testGateway(client, fastPolicy())

	_, err := g.Call(context.Background(), RoleCoder, ai.TaskCodegen, &ai.ChatRequest{}, discardLog)
	if err == nil {
		t.Fatal("auth error was swallowed")
	}
	var pe *ai.ProviderError
	if !errors.As(err, &pe) || pe.Status != 401 {
		t.Fatalf("err = %v, want the 401 provider error", err)
	}
	if len(client.seenModels()) != 1 {
		t.Fatalf("calls = %d, want 1", len(client.seenModels()))
	}
}

func TestCallGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	throttle := &ai.ProviderError{Provider: ai.ProviderClaude, Status: 429, Message: "rate limit"}
	client := &fakeChat{provider: ai.ProviderClaude, results: []error{throttle, throttle, throttle}}
	policy := fastPolicy()
	policy.MaxRetries = 2
	g := testGateway(client, policy)

	_, err := g.Call(context.Background(), RoleCoder, ai.TaskCodegen, &ai.ChatRequest{}, discardLog)
	if err == nil {
		t.Fatal("exhausted retries did not fail")
	}
	if got := len(client.seenModels()); got != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestCallAdmissionTimeout(t *testing.T) {
	t.Parallel()

	client := &fakeChat{provider: ai.ProviderClaude}
	clients := ai.ClientSet{ai.ProviderClaude: client}
	limiter := ai.NewRateLimiter(1000, 1, time.Millisecond)
	policy := fastPolicy()
	policy.MaxRetries = 1
	policy.AcquireTimeout = 20 * time.Millisecond
	g := NewModelGateway(limiter, ai.NewModelRouter(nil), clients, policy)

	// Hold the only permit so every acquire times out.
	if !limiter.Acquire(context.Background(), time.Second) {
		t.Fatal("setup acquire failed")
	}
	defer limiter.Release()

	_, err := g.Call(context.Background(), RoleArchitect, ai.TaskAnalysis, &ai.ChatRequest{}, discardLog)
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("err = %v, want ErrAdmissionTimeout", err)
	}
	if len(client.seenModels()) != 0 {
		t.Fatalf("provider was called despite admission timeout")
	}
}

func TestCallHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	client := &fakeChat{provider: ai.ProviderClaude}
	g := testGateway(client, fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Call(ctx, RoleCoder, ai.TaskCodegen, &ai.ChatRequest{}, discardLog)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
