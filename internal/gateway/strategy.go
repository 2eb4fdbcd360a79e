package gateway

import (
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/registry"
)

// visionOrder prefers vision-capable cloud providers; costRank orders
// providers cheapest-first for embedding work and the free-first default.
var (
	visionOrder = []string{"gemini", "claude", "openai"}
	costRank    = []string{"ollama", "huggingface", "gemini", "openai", "claude"}
)

// StrategyTable maps task types to selection strategies. It is built once
// from the registered provider set and is unit-testable independent of
// the orchestration code.
type StrategyTable struct {
	byTask   map[provider.TaskType]registry.Strategy
	fallback registry.Strategy
}

// BuildStrategies derives the default routing table. Chat, analysis and
// default tasks prefer a free/self-hosted provider first, then paid cloud
// providers — a cost optimization callers can override per call or via
// the configured primary/fallback list.
func BuildStrategies(registered []string, cfgPrimary string, cfgFallbacks []string) *StrategyTable {
	have := make(map[string]bool, len(registered))
	for _, name := range registered {
		have[name] = true
	}

	keep := func(order []string) []string {
		var out []string
		for _, name := range order {
			if have[name] {
				out = append(out, name)
			}
		}
		return out
	}

	// the configured default wins for chat-like tasks when present
	chatOrder := keep(costRank)
	if cfgPrimary != "" && have[cfgPrimary] {
		order := []string{cfgPrimary}
		for _, name := range cfgFallbacks {
			if have[name] && name != cfgPrimary {
				order = append(order, name)
			}
		}
		if len(order) > 1 || len(cfgFallbacks) == 0 {
			// fill remaining registered providers cheapest-first
			for _, name := range chatOrder {
				if name != cfgPrimary && !contains(order, name) {
					order = append(order, name)
				}
			}
			chatOrder = order
		}
	}

	chat := toStrategy(chatOrder)
	vision := toStrategy(keep(visionOrder))
	if vision.Primary != "" {
		vision.Criteria = &registry.Criteria{RequiredCaps: provider.Capabilities{Vision: true}}
	}
	embedding := toStrategy(keep(costRank))

	t := &StrategyTable{
		byTask: map[provider.TaskType]registry.Strategy{
			provider.TaskChat:      chat,
			provider.TaskAnalysis:  chat,
			provider.TaskDefault:   chat,
			provider.TaskVision:    vision,
			provider.TaskEmbedding: embedding,
		},
		fallback: chat,
	}
	return t
}

// For resolves the strategy for a task type.
func (t *StrategyTable) For(task provider.TaskType) registry.Strategy {
	if s, ok := t.byTask[task]; ok && s.Primary != "" {
		return s
	}
	return t.fallback
}

func toStrategy(order []string) registry.Strategy {
	if len(order) == 0 {
		return registry.Strategy{}
	}
	return registry.Strategy{Primary: order[0], Fallbacks: order[1:]}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
