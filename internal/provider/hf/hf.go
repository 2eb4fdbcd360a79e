// Package hf adapts the hosted open-model inference API, which takes a
// raw-text "inputs + parameters" payload and does not stream.
package hf

import (
	"context"
	"fmt"
	"time"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

const Name = "huggingface"

type HuggingFace struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *provider.Client
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxNewTokens   int      `json:"max_new_tokens,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	TopP           float64  `json:"top_p,omitempty"`
	Stop           []string `json:"stop,omitempty"`
	ReturnFullText bool     `json:"return_full_text"`
}

type hfGeneratedText struct {
	GeneratedText string `json:"generated_text"`
}

func New(cfg provider.Config) provider.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api-inference.huggingface.co"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "mistralai/Mistral-7B-Instruct-v0.3"
	}
	return &HuggingFace{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       provider.NewClient(Name, cfg),
	}
}

var knownModels = []provider.ModelDescriptor{
	{
		ID: "mistralai/Mistral-7B-Instruct-v0.3", DisplayName: "Mistral 7B Instruct", Provider: Name,
		ContextWindow: 32768, MaxOutputTokens: 4096,
		Capabilities: provider.Capabilities{Chat: true},
	},
	{
		ID: "meta-llama/Llama-3.1-8B-Instruct", DisplayName: "Llama 3.1 8B Instruct", Provider: Name,
		ContextWindow: 131072, MaxOutputTokens: 4096,
		Capabilities: provider.Capabilities{Chat: true},
	},
}

func (p *HuggingFace) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/models/%s", p.baseURL, model)

	// the inference API has no system role; prepend the instruction
	input := req.Prompt
	if req.System != "" {
		input = req.System + "\n\n" + req.Prompt
	}

	body := hfRequest{
		Inputs: input,
		Parameters: hfParameters{
			MaxNewTokens: req.MaxTokens,
			Temperature:  req.Temperature,
			TopP:         req.TopP,
			Stop:         req.StopSequences,
		},
	}

	start := time.Now()
	var out []hfGeneratedText
	if err := p.client.DoJSON(ctx, "POST", url, p.headers(), body, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &provider.ProviderError{Provider: Name, Code: provider.CodeBadResponse, Message: "empty generation result"}
	}

	// the API reports no usage; fall back to the shared estimate
	in := provider.EstimateTokens(input)
	outTok := provider.EstimateTokens(out[0].GeneratedText)
	return &provider.Response{
		Text:         out[0].GeneratedText,
		Model:        model,
		Provider:     Name,
		InputTokens:  in,
		OutputTokens: outTok,
		TotalTokens:  in + outTok,
		CostUSD:      0,
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: provider.FinishStop,
	}, nil
}

// GenerateStream is not supported by the hosted inference API.
func (p *HuggingFace) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (p *HuggingFace) Models(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return knownModels, nil
}

func (p *HuggingFace) EstimateCost(req *provider.Request, modelID string) (float64, error) {
	if modelID == "" {
		modelID = p.resolveModel(req)
	}
	desc, err := provider.FindModel(knownModels, modelID)
	if err != nil {
		return 0, err
	}
	return provider.EstimateRequestCost(req, desc), nil
}

func (p *HuggingFace) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// model status endpoint is the cheapest probe
	var out map[string]any
	url := fmt.Sprintf("%s/status/%s", p.baseURL, p.defaultModel)
	return p.client.DoJSON(ctx, "GET", url, p.headers(), nil, &out) == nil
}

func (p *HuggingFace) Name() string { return Name }

func (p *HuggingFace) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *HuggingFace) resolveModel(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}
