package openai

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

const Name = "openai"

type OpenAI struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *provider.Client
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

// chatMessage content is either a plain string or, for image-bearing
// requests, an array of typed parts.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(cfg provider.Config) provider.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAI{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       provider.NewClient(Name, cfg),
	}
}

var knownModels = []provider.ModelDescriptor{
	{
		ID: "gpt-4o", DisplayName: "GPT-4o", Provider: Name,
		ContextWindow: 128000, InputCostPer1M: 2.50, OutputCostPer1M: 10.00, MaxOutputTokens: 16384,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
	{
		ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Provider: Name,
		ContextWindow: 128000, InputCostPer1M: 0.15, OutputCostPer1M: 0.60, MaxOutputTokens: 16384,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
	{
		ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Provider: Name,
		ContextWindow: 128000, InputCostPer1M: 10.00, OutputCostPer1M: 30.00, MaxOutputTokens: 4096,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
}

func (p *OpenAI) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)

	start := time.Now()
	var out chatResponse
	if err := p.client.DoJSON(ctx, "POST", url, p.headers(), p.mapRequest(req, model, false), &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, &provider.ProviderError{Provider: Name, Code: provider.CodeBadResponse, Message: "no choices returned"}
	}

	in, outTok := out.Usage.PromptTokens, out.Usage.CompletionTokens
	return &provider.Response{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		Provider:     Name,
		InputTokens:  in,
		OutputTokens: outTok,
		TotalTokens:  in + outTok,
		CostUSD:      p.price(model, in, outTok),
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: mapFinishReason(out.Choices[0].FinishReason),
	}, nil
}

func (p *OpenAI) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)

	resp, err := p.client.Stream(ctx, "POST", url, p.headers(), p.mapRequest(req, model, true))
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

			var event chatResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(ctx, ch, &provider.Chunk{Delta: event.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return ch, nil
}

func (p *OpenAI) Models(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return knownModels, nil
}

func (p *OpenAI) EstimateCost(req *provider.Request, modelID string) (float64, error) {
	if modelID == "" {
		modelID = p.resolveModel(req)
	}
	desc, err := provider.FindModel(knownModels, modelID)
	if err != nil {
		return 0, err
	}
	return provider.EstimateRequestCost(req, desc), nil
}

func (p *OpenAI) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/models", p.baseURL)
	return p.client.DoJSON(ctx, "GET", url, p.headers(), nil, &out) == nil
}

func (p *OpenAI) Name() string { return Name }

func (p *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAI) resolveModel(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *OpenAI) mapRequest(req *provider.Request, model string, stream bool) chatRequest {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}

	if len(req.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := []contentPart{{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, contentPart{
				Type: "image_url",
				ImageURL: &imageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)),
				},
			})
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}

	return chatRequest{
		Model:            model,
		Messages:         messages,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.StopSequences,
		Stream:           stream,
	}
}

func (p *OpenAI) price(model string, in, out int) float64 {
	desc, err := provider.FindModel(knownModels, model)
	if err != nil {
		return 0
	}
	return float64(in)/1e6*desc.InputCostPer1M + float64(out)/1e6*desc.OutputCostPer1M
}

func mapFinishReason(reason string) string {
	switch reason {
	case "", "stop":
		return provider.FinishStop
	default:
		return reason
	}
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
