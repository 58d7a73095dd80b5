package ai

import (
	"fmt"

	"go.uber.org/zap"

	"g3-engine/internal/logging"
)

// FailureContext carries optional hints about prior failures for a routing
// decision. Reserved for request-shape-based overrides; current selection
// ignores it.
type FailureContext struct {
	LastProvider Provider
	LastError    string
}

// RouterConfig maps task types to ordered provider chains and providers to
// their concrete model identifiers.
type RouterConfig struct {
	Chains map[TaskType][]Provider
	Models map[Provider]string
}

// DefaultRouterConfig returns the built-in routing tables. The first entry
// of each chain is the most capable provider; the last is the one presumed
// most available, which absorbs all overflow attempts.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Chains: map[TaskType][]Provider{
			TaskCodegen:  {ProviderClaude, ProviderGemini, ProviderDeepSeek},
			TaskRepair:   {ProviderClaude, ProviderDeepSeek, ProviderGemini},
			TaskAnalysis: {ProviderGemini, ProviderDeepSeek, ProviderClaude},
		},
		Models: map[Provider]string{
			ProviderClaude:   "claude-4-5",
			ProviderGemini:   "gemini-3-pro",
			ProviderDeepSeek: "deepseek-v3",
		},
	}
}

// ModelRouter selects a provider/model pair for a task type and retry
// attempt. Selection is pure configuration lookup; health tracking and
// availability fallback live in the fallback wrapper and retry loop.
type ModelRouter struct {
	config *RouterConfig
}

// NewModelRouter builds a router over the given config, or the defaults
// when config is nil. Call Validate before serving traffic.
func NewModelRouter(config *RouterConfig) *ModelRouter {
	if config == nil {
		config = DefaultRouterConfig()
	}
	return &ModelRouter{config: config}
}

// Validate rejects unusable routing tables at startup so that an
// unconfigured task type is a boot error, never a call-time surprise.
func (r *ModelRouter) Validate() error {
	for _, task := range []TaskType{TaskCodegen, TaskRepair, TaskAnalysis} {
		chain, ok := r.config.Chains[task]
		if !ok || len(chain) == 0 {
			return fmt.Errorf("router: no provider chain configured for task type %s", task)
		}
		for _, p := range chain {
			if model, ok := r.config.Models[p]; !ok || model == "" {
				return fmt.Errorf("router: provider %s in chain for %s has no model configured", p, task)
			}
		}
	}
	return nil
}

// Select returns the provider at index min(attempt, len-1) of the task's
// chain. attempt is 0-indexed: attempt 0 is always the primary provider,
// later attempts degrade through the chain, and attempts beyond its length
// stick on the last entry.
func (r *ModelRouter) Select(taskType TaskType, attempt int, fctx *FailureContext) ModelSelection {
	chain := r.config.Chains[taskType]
	if len(chain) == 0 {
		// Validate() rejects this at startup; reaching it means the router
		// was constructed without validation.
		logging.L().Warn("router: no chain for task type", zap.String("task", string(taskType)))
		return ModelSelection{Provider: "unknown", Model: "unknown"}
	}

	if attempt < 0 {
		attempt = 0
	}
	idx := attempt
	if idx > len(chain)-1 {
		idx = len(chain) - 1
	}
	provider := chain[idx]

	model := r.config.Models[provider]
	if model == "" {
		model = "unknown"
	}

	logging.L().Debug("router: selected model",
		zap.String("task", string(taskType)),
		zap.String("provider", string(provider)),
		zap.String("model", model),
		zap.Int("attempt", attempt))
	return ModelSelection{Provider: provider, Model: model}
}
