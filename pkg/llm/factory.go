package llm

import (
	"go.uber.org/zap"
)

// FactoryConfig holds per-provider credentials and endpoints.
type FactoryConfig struct {
	OpenAIAPIKey    string
	OpenAIEndpoint  string
	AnthropicAPIKey string
}

// ClientFactory creates model clients keyed by model identifier. The model's
// provider is derived from its name, so a new model on an existing provider
// needs no code change.
type ClientFactory interface {
	CreateForModel(model string) (ModelClient, error)
}

type clientFactory struct {
	cfg    FactoryConfig
	logger *zap.Logger
}

// NewClientFactory creates the default factory.
func NewClientFactory(cfg FactoryConfig, logger *zap.Logger) ClientFactory {
	return &clientFactory{cfg: cfg, logger: logger}
}

func (f *clientFactory) CreateForModel(model string) (ModelClient, error) {
	switch ProviderForModel(model) {
	case ProviderAnthropic:
		return NewAnthropicClient(f.cfg.AnthropicAPIKey, model, f.logger)
	default:
		return NewClient(&Config{
			Endpoint: f.cfg.OpenAIEndpoint,
			Model:    model,
			APIKey:   f.cfg.OpenAIAPIKey,
		}, f.logger)
	}
}

var _ ClientFactory = (*clientFactory)(nil)
