package registry

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/config"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider/claude"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider/gemini"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider/hf"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider/ollama"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider/openai"
)

// constructors is the closed set of adapters. Adding a provider means
// implementing provider.Provider and adding one line here.
var constructors = map[string]func(provider.Config) provider.Provider{
	gemini.Name: gemini.New,
	openai.Name: openai.New,
	claude.Name: claude.New,
	ollama.Name: ollama.New,
	hf.Name:     hf.New,
}

// Register instantiates the adapter for cfg and stores it under its
// identity, replacing any prior instance.
func (r *Registry) Register(cfg provider.Config) error {
	build, ok := constructors[cfg.Name]
	if !ok {
		return &provider.ConfigurationError{Reason: fmt.Sprintf("unknown provider %q", cfg.Name)}
	}
	r.Add(build(cfg))
	return nil
}

// FromConfig builds a registry from the declarative provider list.
// Providers without credentials never appear in cfg.Providers, so absence
// of a credential silently omits that provider.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	r := New(logger)
	for _, pc := range cfg.Providers {
		err := r.Register(provider.Config{
			Name:         pc.Name,
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Timeout:      pc.Timeout,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			Runtime:      pc.Runtime,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("registered provider", zap.String("provider", pc.Name))
	}
	return r, nil
}
