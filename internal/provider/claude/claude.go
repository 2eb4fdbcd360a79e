package claude

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

const Name = "claude"

type Claude struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *provider.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type   string        `json:"type"` // "text" or "image"
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      claudeUsage   `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func New(cfg provider.Config) provider.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-3-5-haiku-20241022"
	}
	return &Claude{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       provider.NewClient(Name, cfg),
	}
}

var knownModels = []provider.ModelDescriptor{
	{
		ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Provider: Name,
		ContextWindow: 200000, InputCostPer1M: 3.00, OutputCostPer1M: 15.00, MaxOutputTokens: 8192,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
	{
		ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Provider: Name,
		ContextWindow: 200000, InputCostPer1M: 0.80, OutputCostPer1M: 4.00, MaxOutputTokens: 8192,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
	{
		ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", Provider: Name,
		ContextWindow: 200000, InputCostPer1M: 15.00, OutputCostPer1M: 75.00, MaxOutputTokens: 4096,
		Capabilities: provider.Capabilities{Chat: true, Vision: true, Streaming: true, FunctionCalling: true},
	},
}

func (p *Claude) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/messages", p.baseURL)

	start := time.Now()
	var out claudeResponse
	if err := p.client.DoJSON(ctx, "POST", url, p.headers(), p.mapRequest(req, model, false), &out); err != nil {
		return nil, err
	}

	if len(out.Content) == 0 {
		return nil, &provider.ProviderError{Provider: Name, Code: provider.CodeBadResponse, Message: "no content returned"}
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	in, outTok := out.Usage.InputTokens, out.Usage.OutputTokens
	return &provider.Response{
		Text:         text.String(),
		Model:        out.Model,
		Provider:     Name,
		InputTokens:  in,
		OutputTokens: outTok,
		TotalTokens:  in + outTok,
		CostUSD:      p.price(model, in, outTok),
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: mapStopReason(out.StopReason),
	}, nil
}

func (p *Claude) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	url := fmt.Sprintf("%s/messages", p.baseURL)

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

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !emit(ctx, ch, &provider.Chunk{Delta: event.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				emit(ctx, ch, &provider.Chunk{Done: true})
				return
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				emit(ctx, ch, &provider.Chunk{Err: &provider.ProviderError{
					Provider: Name, Code: provider.CodeUpstream, Message: msg,
				}})
				return
			}
		}
	}()
	return ch, nil
}

func (p *Claude) Models(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return knownModels, nil
}

func (p *Claude) EstimateCost(req *provider.Request, modelID string) (float64, error) {
	if modelID == "" {
		modelID = p.resolveModel(req)
	}
	desc, err := provider.FindModel(knownModels, modelID)
	if err != nil {
		return 0, err
	}
	return provider.EstimateRequestCost(req, desc), nil
}

// Available probes with a minimal one-token request; the messages API has
// no cheap list endpoint.
func (p *Claude) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body := claudeRequest{
		Model:     p.defaultModel,
		MaxTokens: 1,
		Messages: []claudeMessage{
			{Role: "user", Content: []claudeBlock{{Type: "text", Text: "ping"}}},
		},
	}
	var out claudeResponse
	return p.client.DoJSON(ctx, "POST", fmt.Sprintf("%s/messages", p.baseURL), p.headers(), body, &out) == nil
}

func (p *Claude) Name() string { return Name }

func (p *Claude) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

func (p *Claude) resolveModel(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Claude) mapRequest(req *provider.Request, model string, stream bool) claudeRequest {
	blocks := []claudeBlock{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		blocks = append(blocks, claudeBlock{
			Type: "image",
			Source: &claudeSource{
				Type:      "base64",
				MediaType: img.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      []claudeMessage{{Role: "user", Content: blocks}},
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        stream,
	}
}

func (p *Claude) price(model string, in, out int) float64 {
	desc, err := provider.FindModel(knownModels, model)
	if err != nil {
		return 0
	}
	return float64(in)/1e6*desc.InputCostPer1M + float64(out)/1e6*desc.OutputCostPer1M
}

func mapStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
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
