package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"g3-engine/internal/ai"
)

// ErrAdmissionTimeout reports that the rate limiter refused admission
// before the acquire timeout. Transient: the gateway retries it with
// backoff like a provider throttle.
var ErrAdmissionTimeout = errors.New("rate limiter admission timeout")

// Logf receives structured log entries from a role or the gateway.
type Logf func(LogEntry)

// RetryPolicy bounds the gateway's rate-limit retry loop.
type RetryPolicy struct {
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AcquireTimeout time.Duration
}

// DefaultRetryPolicy mirrors the engine's configured defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     2 * time.Minute,
		AcquireTimeout: 60 * time.Second,
	}
}

// ModelGateway funnels every role's model call through the shared rate
// limiter and the task-type router. Rate-limited failures are retried with
// exponential backoff, degrading through the provider chain one attempt at
// a time; any other provider error escalates immediately.
type ModelGateway struct {
	limiter *ai.RateLimiter
	router  *ai.ModelRouter
	clients ai.ClientSet
	policy  RetryPolicy
}

// NewModelGateway wires the shared limiter, router and client set.
func NewModelGateway(limiter *ai.RateLimiter, router *ai.ModelRouter, clients ai.ClientSet, policy RetryPolicy) *ModelGateway {
	return &ModelGateway{limiter: limiter, router: router, clients: clients, policy: policy}
}

// Call performs one logical model call for a role. attempt numbering is
// shared between routing (0-indexed, picks the provider) and backoff
// (1-indexed, doubles the delay).
func (g *ModelGateway) Call(ctx context.Context, role Role, task ai.TaskType, req *ai.ChatRequest, logf Logf) (*ai.ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= g.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := g.attempt(ctx, role, task, attempt, req, logf)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		transient := errors.Is(err, ErrAdmissionTimeout) || ai.ClassifyError(err)
		if !transient {
			// Auth failures, malformed responses and the like do not get
			// better with waiting; retrying would burn the rate budget.
			return nil, err
		}
		if attempt == g.policy.MaxRetries {
			break
		}

		delay := ai.CalculateExponentialBackoff(attempt+1, g.policy.BaseBackoff, g.policy.MaxBackoff)
		logf(Warn(role, fmt.Sprintf("provider throttled (%v), retry %d/%d in %s",
			err, attempt+1, g.policy.MaxRetries, delay.Round(time.Millisecond))))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("model call failed after %d retries: %w", g.policy.MaxRetries, lastErr)
}

// attempt performs a single admission + routed provider call. The permit
// is released on every exit path.
func (g *ModelGateway) attempt(ctx context.Context, role Role, task ai.TaskType, attempt int, req *ai.ChatRequest, logf Logf) (*ai.ChatResponse, error) {
	if !g.limiter.Acquire(ctx, g.policy.AcquireTimeout) {
		return nil, ErrAdmissionTimeout
	}
	defer g.limiter.Release()

	sel := g.router.Select(task, attempt, nil)
	client, err := g.clients.Resolve(sel)
	if err != nil {
		return nil, err
	}

	logf(Info(role, fmt.Sprintf("calling %s/%s (attempt %d)", sel.Provider, sel.Model, attempt+1)))

	callReq := *req
	callReq.Model = sel.Model
	resp, err := client.Chat(ctx, &callReq)
	if err != nil {
		return nil, err
	}
	logf(Info(role, fmt.Sprintf("%s/%s responded (%d tokens)", sel.Provider, sel.Model, totalTokens(resp))))
	return resp, nil
}

func totalTokens(resp *ai.ChatResponse) int {
	if resp.Usage == nil {
		return 0
	}
	return resp.Usage.TotalTokens
}
