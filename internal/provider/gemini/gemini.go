package gemini

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
)

const Name = "gemini"

type Gemini struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *provider.Client
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiModelList struct {
	Models []struct {
		Name        string `json:"name"` // "models/gemini-..."
		DisplayName string `json:"displayName"`
	} `json:"models"`
}

func New(cfg provider.Config) provider.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &Gemini{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       provider.NewClient(Name, cfg),
	}
}

// knownModels is the pricing fallback when the live model listing is
// unreachable. Prices are USD per million tokens.
var knownModels = []provider.ModelDescriptor{
	{
		ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Provider: Name,
		ContextWindow: 1048576, InputCostPer1M: 0.10, OutputCostPer1M: 0.40, MaxOutputTokens: 8192,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
	{
		ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Provider: Name,
		ContextWindow: 2097152, InputCostPer1M: 1.25, OutputCostPer1M: 5.00, MaxOutputTokens: 8192,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
	{
		ID: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", Provider: Name,
		ContextWindow: 1048576, InputCostPer1M: 0.075, OutputCostPer1M: 0.30, MaxOutputTokens: 8192,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
}

func (p *Gemini) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)

	start := time.Now()
	var out geminiResponse
	if err := p.client.DoJSON(ctx, "POST", url, nil, p.mapRequest(req), &out); err != nil {
		return nil, err
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.ProviderError{Provider: Name, Code: provider.CodeBadResponse, Message: "no candidates returned"}
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	in, outTok := out.UsageMetadata.PromptTokenCount, out.UsageMetadata.CandidatesTokenCount
	return &provider.Response{
		Text:         text.String(),
		Model:        model,
		Provider:     Name,
		InputTokens:  in,
		OutputTokens: outTok,
		TotalTokens:  in + outTok,
		CostUSD:      p.price(model, in, outTok),
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: mapFinishReason(out.Candidates[0].FinishReason),
	}, nil
}

func (p *Gemini) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, model, p.apiKey)

	resp, err := p.client.Stream(ctx, "POST", url, nil, p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, &provider.Chunk{Done: true})
				} else {
					emit(ctx, ch, &provider.Chunk{Err: err})
				}
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				emit(ctx, ch, &provider.Chunk{Done: true})
				return
			}

			var event geminiResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			if len(event.Candidates) == 0 {
				continue
			}
			for _, part := range event.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				if !emit(ctx, ch, &provider.Chunk{Delta: part.Text}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func (p *Gemini) Models(ctx context.Context) ([]provider.ModelDescriptor, error) {
	url := fmt.Sprintf("%s/v1beta/models?key=%s", p.baseURL, p.apiKey)
	var list geminiModelList
	if err := p.client.DoJSON(ctx, "GET", url, nil, nil, &list); err != nil {
		// Live listing unreachable; fall back to the static table.
		return knownModels, nil
	}

	var models []provider.ModelDescriptor
	for _, m := range list.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		if desc, err := provider.FindModel(knownModels, id); err == nil {
			d := *desc
			if m.DisplayName != "" {
				d.DisplayName = m.DisplayName
			}
			models = append(models, d)
		}
	}
	if len(models) == 0 {
		return knownModels, nil
	}
	return models, nil
}

func (p *Gemini) EstimateCost(req *provider.Request, modelID string) (float64, error) {
	if modelID == "" {
		modelID = p.resolveModel(req)
	}
	desc, err := provider.FindModel(knownModels, modelID)
	if err != nil {
		return 0, err
	}
	return provider.EstimateRequestCost(req, desc), nil
}

func (p *Gemini) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models?key=%s", p.baseURL, p.apiKey)
	var list geminiModelList
	return p.client.DoJSON(ctx, "GET", url, nil, nil, &list) == nil
}

func (p *Gemini) Name() string { return Name }

func (p *Gemini) resolveModel(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Gemini) mapRequest(req *provider.Request) geminiRequest {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MIMEType: img.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}

	out := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences,
		},
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	return out
}

func (p *Gemini) price(model string, in, out int) float64 {
	desc, err := provider.FindModel(knownModels, model)
	if err != nil {
		return 0
	}
	return float64(in)/1e6*desc.InputCostPer1M + float64(out)/1e6*desc.OutputCostPer1M
}

func mapFinishReason(reason string) string {
	switch reason {
	case "", "STOP":
		return provider.FinishStop
	default:
		return strings.ToLower(reason)
	}
}

// emit sends a chunk unless the consumer is gone. Returns false when the
// context is done.
func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
