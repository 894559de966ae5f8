package llm

import "strings"

// Provider identifies which upstream serves a model.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ProviderForModel maps a model identifier to its provider. Claude models go
// to Anthropic; everything else is treated as OpenAI-compatible.
func ProviderForModel(model string) Provider {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}

// Pricing is USD per million tokens.
type Pricing struct {
	Input  float64
	Output float64
}

// pricingTable holds per-model pricing in USD per million tokens. Unknown
// models fall back to defaultPricing.
var pricingTable = map[string]Pricing{
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
	"gpt-4.1":           {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":      {Input: 0.40, Output: 1.60},
	"gpt-4.1-nano":      {Input: 0.10, Output: 0.40},
	"claude-sonnet-4-0": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku-latest": {Input: 0.80, Output: 4.00},
}

var defaultPricing = Pricing{Input: 1.00, Output: 2.00}

// PricingFor returns the pricing for a model.
func PricingFor(model string) Pricing {
	if p, ok := pricingTable[model]; ok {
		return p
	}
	return defaultPricing
}

// CostUSD computes the cost of one call from token usage and pricing.
func CostUSD(inputTokens, outputTokens int, p Pricing) float64 {
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

// RateLimits describes how aggressively the sync runner may dispatch calls
// against a provider: chunk size (concurrent in-flight requests) and the
// delay between chunks.
type RateLimits struct {
	ConcurrentRequests   int
	DelayBetweenChunksMs int
}

// rateLimitTable is a typed per-provider lookup so adding a provider is
// additive rather than a new branch at every call site.
var rateLimitTable = map[Provider]RateLimits{
	ProviderOpenAI:    {ConcurrentRequests: 20, DelayBetweenChunksMs: 500},
	ProviderAnthropic: {ConcurrentRequests: 5, DelayBetweenChunksMs: 1000},
}

var defaultRateLimits = RateLimits{ConcurrentRequests: 5, DelayBetweenChunksMs: 1000}

// RateLimitsFor returns the dispatch limits for a provider.
func RateLimitsFor(provider Provider) RateLimits {
	if rl, ok := rateLimitTable[provider]; ok {
		return rl
	}
	return defaultRateLimits
}
