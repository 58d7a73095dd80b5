package ai

import "fmt"

// ClientSet resolves routed selections to concrete clients. Built once at
// startup from configured credentials.
type ClientSet map[Provider]Client

// NewClientSet wires the default provider clients. Providers without a key
// are still registered; their calls fail with an auth error and the retry
// loop degrades through the chain.
func NewClientSet(claudeKey, geminiKey, deepseekKey string) ClientSet {
	return ClientSet{
		ProviderClaude:   NewClaudeClient(claudeKey),
		ProviderGemini:   NewGeminiClient(geminiKey),
		ProviderDeepSeek: NewDeepSeekClient(deepseekKey),
	}
}

// Resolve returns the client for a routed selection.
func (s ClientSet) Resolve(sel ModelSelection) (Client, error) {
	client, ok := s[sel.Provider]
	if !ok {
		return nil, fmt.Errorf("no client registered for provider %s", sel.Provider)
	}
	return client, nil
}
