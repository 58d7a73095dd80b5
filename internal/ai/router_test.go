package ai

import "testing"

func TestSelectDegradesThroughChain(t *testing.T) {
	t.Parallel()

	router := NewModelRouter(nil)
	if err := router.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	tests := []struct {
		attempt      int
		wantProvider Provider
		wantModel    string
	}{
		{attempt: 0, wantProvider: ProviderClaude, wantModel: "claude-4-5"},
		{attempt: 1, wantProvider: ProviderGemini, wantModel: "gemini-3-pro"},
		{attempt: 2, wantProvider: ProviderDeepSeek, wantModel: "deepseek-v3"},
		// Attempts past the chain clamp on the last provider.
		{attempt: 9, wantProvider: ProviderDeepSeek, wantModel: "deepseek-v3"},
	}

	for _, tt := range tests {
		sel := router.Select(TaskCodegen, tt.attempt, nil)
		if sel.Provider != tt.wantProvider || sel.Model != tt.wantModel {
			t.Fatalf("attempt %d: got %s/%s, want %s/%s",
				tt.attempt, sel.Provider, sel.Model, tt.wantProvider, tt.wantModel)
		}
	}
}

func TestSelectNegativeAttemptUsesPrimary(t *testing.T) {
	t.Parallel()

	router := NewModelRouter(nil)
	sel := router.Select(TaskCodegen, -3, nil)
	if sel.Provider != ProviderClaude {
		t.Fatalf("negative attempt must use the primary provider, got %s", sel.Provider)
	}
}

func TestSelectPerTaskChains(t *testing.T) {
	t.Parallel()

	router := NewModelRouter(nil)
	if sel := router.Select(TaskRepair, 1, nil); sel.Provider != ProviderDeepSeek {
		t.Fatalf("repair attempt 1 should route to deepseek, got %s", sel.Provider)
	}
	if sel := router.Select(TaskAnalysis, 0, nil); sel.Provider != ProviderGemini {
		t.Fatalf("analysis attempt 0 should route to gemini, got %s", sel.Provider)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	t.Parallel()

	empty := NewModelRouter(&RouterConfig{
		Chains: map[TaskType][]Provider{},
		Models: map[Provider]string{},
	})
	if err := empty.Validate(); err == nil {
		t.Fatalf("missing chains must fail validation")
	}

	noModel := NewModelRouter(&RouterConfig{
		Chains: map[TaskType][]Provider{
			TaskCodegen:  {ProviderClaude},
			TaskRepair:   {ProviderClaude},
			TaskAnalysis: {ProviderClaude},
		},
		Models: map[Provider]string{},
	})
	if err := noModel.Validate(); err == nil {
		t.Fatalf("provider without model must fail validation")
	}
}
