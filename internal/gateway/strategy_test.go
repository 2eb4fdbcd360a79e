package gateway

import (
	"testing"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

func TestBuildStrategies_FreeFirstDefault(t *testing.T) {
	table := BuildStrategies([]string{"gemini", "openai", "claude", "ollama", "huggingface"}, "", nil)

	chat := table.For(provider.TaskChat)
	if chat.Primary != "ollama" {
		t.Errorf("chat should prefer the free provider first, got %s", chat.Primary)
	}
	want := []string{"huggingface", "gemini", "openai", "claude"}
	if len(chat.Fallbacks) != len(want) {
		t.Fatalf("unexpected fallbacks: %v", chat.Fallbacks)
	}
	for i, name := range want {
		if chat.Fallbacks[i] != name {
			t.Errorf("fallback[%d]: expected %s, got %s", i, name, chat.Fallbacks[i])
		}
	}
}

func TestBuildStrategies_VisionOrderAndCriteria(t *testing.T) {
	table := BuildStrategies([]string{"gemini", "openai", "claude", "ollama"}, "", nil)

	vision := table.For(provider.TaskVision)
	if vision.Primary != "gemini" {
		t.Errorf("vision should prefer gemini, got %s", vision.Primary)
	}
	if vision.Criteria == nil || !vision.Criteria.RequiredCaps.Vision {
		t.Error("vision strategy must require vision capability")
	}
	for _, name := range append([]string{vision.Primary}, vision.Fallbacks...) {
		if name == "ollama" || name == "huggingface" {
			t.Errorf("non-vision provider %s in the vision order", name)
		}
	}
}

func TestBuildStrategies_ConfiguredPrimaryWins(t *testing.T) {
	table := BuildStrategies([]string{"gemini", "openai", "ollama"}, "gemini", []string{"openai"})

	chat := table.For(provider.TaskChat)
	if chat.Primary != "gemini" {
		t.Errorf("configured primary must win, got %s", chat.Primary)
	}
	if len(chat.Fallbacks) == 0 || chat.Fallbacks[0] != "openai" {
		t.Errorf("configured fallback must come first: %v", chat.Fallbacks)
	}
}

func TestBuildStrategies_UnregisteredConfiguredPrimaryIgnored(t *testing.T) {
	table := BuildStrategies([]string{"ollama", "openai"}, "gemini", nil)

	chat := table.For(provider.TaskChat)
	if chat.Primary != "ollama" {
		t.Errorf("unregistered configured primary must be ignored, got %s", chat.Primary)
	}
}

func TestBuildStrategies_OnlyRegisteredProvidersAppear(t *testing.T) {
	table := BuildStrategies([]string{"openai"}, "", nil)

	chat := table.For(provider.TaskChat)
	if chat.Primary != "openai" || len(chat.Fallbacks) != 0 {
		t.Errorf("unexpected strategy: %+v", chat)
	}
}

func TestBuildStrategies_EmbeddingUsesCostRank(t *testing.T) {
	table := BuildStrategies([]string{"gemini", "ollama"}, "", nil)

	embedding := table.For(provider.TaskEmbedding)
	if embedding.Primary != "ollama" {
		t.Errorf("embedding should use the cheapest provider, got %s", embedding.Primary)
	}
}

func TestFor_UnknownTaskFallsBack(t *testing.T) {
	table := BuildStrategies([]string{"ollama"}, "", nil)

	s := table.For(provider.TaskType("nonsense"))
	if s.Primary != "ollama" {
		t.Errorf("unknown task should use the fallback strategy, got %s", s.Primary)
	}
}

func TestFor_VisionWithNoVisionProvidersFallsBack(t *testing.T) {
	table := BuildStrategies([]string{"ollama"}, "", nil)

	s := table.For(provider.TaskVision)
	if s.Primary != "ollama" {
		t.Errorf("empty vision strategy should fall back to chat order, got %s", s.Primary)
	}
}
