package ai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"g3-engine/internal/logging"
	"g3-engine/internal/metrics"
)

// Default admission caps. Providers in the default chain throttle around
// 60 RPM, so 30 leaves headroom for retries.
const (
	DefaultRPM         = 30
	DefaultConcurrent  = 3
	DefaultMinInterval = 2 * time.Second
)

// RateLimiter admits outbound AI calls under two independent caps: a
// concurrency cap (permits) and a rolling 60-second request cap (RPM).
// One instance is shared by every job in the process.
type RateLimiter struct {
	maxRPM        int
	maxConcurrent int

	permits chan struct{}
	pace    *rate.Limiter

	mu          sync.Mutex
	window      []time.Time
	lastRequest time.Time
}

// NewRateLimiter builds a limiter with the given caps. Non-positive
// arguments fall back to the defaults.
func NewRateLimiter(maxRPM, maxConcurrent int, minInterval time.Duration) *RateLimiter {
	if maxRPM <= 0 {
		maxRPM = DefaultRPM
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultConcurrent
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &RateLimiter{
		maxRPM:        maxRPM,
		maxConcurrent: maxConcurrent,
		permits:       make(chan struct{}, maxConcurrent),
		pace:          rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Acquire blocks until a concurrency permit is free and the rolling-window
// request count is below the RPM cap, or until timeout elapses. It returns
// false on timeout or context cancellation without holding a permit.
// Every true return must be paired with exactly one Release.
func (rl *RateLimiter) Acquire(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	select {
	case rl.permits <- struct{}{}:
	default:
		// Permit not immediately available: a real wait begins.
		metrics.Get().LimiterWaitsTotal.Inc()
		select {
		case rl.permits <- struct{}{}:
		case <-ctx.Done():
			metrics.Get().LimiterTimeoutsTotal.Inc()
			logging.S().Warnf("rate limiter: concurrency permit timeout after %s (cap %d)",
				time.Since(start).Round(time.Millisecond), rl.maxConcurrent)
			return false
		}
	}

	if !rl.waitForWindow(ctx) {
		<-rl.permits
		metrics.Get().LimiterTimeoutsTotal.Inc()
		return false
	}

	// Spacing between consecutive calls; shares the same deadline.
	if err := rl.pace.Wait(ctx); err != nil {
		rl.unrecordRequest()
		<-rl.permits
		metrics.Get().LimiterTimeoutsTotal.Inc()
		return false
	}

	rl.mu.Lock()
	rl.lastRequest = time.Now()
	rl.mu.Unlock()

	metrics.Get().LimiterInFlight.Inc()
	return true
}

// Release returns a previously acquired permit. Call exactly once per
// successful Acquire, on every exit path.
func (rl *RateLimiter) Release() {
	metrics.Get().LimiterInFlight.Dec()
	<-rl.permits
}

// waitForWindow blocks until the trailing 60-second window has room for
// one more request, recording the request on success.
func (rl *RateLimiter) waitForWindow(ctx context.Context) bool {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.pruneWindow(now)
		if len(rl.window) < rl.maxRPM {
			rl.window = append(rl.window, now)
			rl.mu.Unlock()
			return true
		}
		// Oldest entry leaving the window frees the next slot.
		wait := rl.window[0].Add(time.Minute).Sub(now)
		rl.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		logging.S().Debugf("rate limiter: RPM cap reached (%d), waiting %s", rl.maxRPM, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// unrecordRequest removes the most recent window entry after an admission
// that was subsequently abandoned.
func (rl *RateLimiter) unrecordRequest() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if n := len(rl.window); n > 0 {
		rl.window = rl.window[:n-1]
	}
}

func (rl *RateLimiter) pruneWindow(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(rl.window) && !rl.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.window = append(rl.window[:0], rl.window[i:]...)
	}
}

// CalculateExponentialBackoff returns base * 2^(attempt-1) capped at max,
// plus uniform jitter in [0%, 25%] of the capped value. Jitter is applied
// after capping, so the result may exceed max by up to 25%. attempt is
// 1-indexed.
func (rl *RateLimiter) CalculateExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	return CalculateExponentialBackoff(attempt, base, max)
}

// CalculateExponentialBackoff is the package-level form; see the method.
func CalculateExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 6 {
		shift = 6 // 64x cap on the exponent keeps the shift well-defined
	}
	delay := base << uint(shift)
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// rateLimitKeywords are matched case-insensitively against provider error
// messages when no HTTP 429 status is present.
var rateLimitKeywords = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"rpm",
	"quota",
	"throttl",
}

// IsRateLimitError reports whether a provider failure is a throttling
// response: HTTP 429, or a message containing a known rate-limit keyword.
// status 0 means no HTTP status is available.
func IsRateLimitError(status int, message string) bool {
	if status == 429 {
		return true
	}
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, kw := range rateLimitKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ClassifyError inspects any error for rate-limit characteristics,
// unwrapping ProviderError for its HTTP status.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return IsRateLimitError(pe.Status, pe.Message)
	}
	return IsRateLimitError(0, err.Error())
}

// Status returns a human-readable snapshot for operational visibility.
// Not for control decisions; the counts race with concurrent callers.
func (rl *RateLimiter) Status() string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneWindow(time.Now())

	last := "never"
	if !rl.lastRequest.IsZero() {
		last = fmt.Sprintf("%dms ago", time.Since(rl.lastRequest).Milliseconds())
	}
	return fmt.Sprintf("RPM: %d/%d, concurrency: %d/%d, last request: %s",
		len(rl.window), rl.maxRPM, len(rl.permits), rl.maxConcurrent, last)
}
