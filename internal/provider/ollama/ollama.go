package ollama

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

const Name = "ollama"

// Runtime selects which wire protocol the self-hosted server speaks.
const (
	RuntimeNative = "native" // prompt + options, NDJSON streaming
	RuntimeOpenAI = "openai" // OpenAI-compatible chat completions
)

type Ollama struct {
	baseURL      string
	defaultModel string
	runtime      string
	client       *provider.Client
}

type nativeRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"` // base64
	Stream  bool           `json:"stream"`
	Options *nativeOptions `json:"options,omitempty"`
}

type nativeOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type nativeResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func New(cfg provider.Config) provider.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "llama3.2"
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = RuntimeNative
	}
	if cfg.Timeout == 0 {
		// local inference can be slow
		cfg.Timeout = 120 * time.Second
	}
	return &Ollama{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		runtime:      runtime,
		client:       provider.NewClient(Name, cfg),
	}
}

func (p *Ollama) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)
	start := time.Now()

	if p.runtime == RuntimeOpenAI {
		var out openAIResponse
		url := fmt.Sprintf("%s/v1/chat/completions", p.baseURL)
		if err := p.client.DoJSON(ctx, "POST", url, nil, p.mapOpenAIRequest(req, model, false), &out); err != nil {
			return nil, err
		}
		if len(out.Choices) == 0 {
			return nil, &provider.ProviderError{Provider: Name, Code: provider.CodeBadResponse, Message: "no choices returned"}
		}
		in, outTok := out.Usage.PromptTokens, out.Usage.CompletionTokens
		if in == 0 {
			in = provider.EstimateTokens(req.Prompt + req.System)
		}
		if outTok == 0 {
			outTok = provider.EstimateTokens(out.Choices[0].Message.Content)
		}
		return p.response(out.Choices[0].Message.Content, model, in, outTok, start), nil
	}

	var out nativeResponse
	url := fmt.Sprintf("%s/api/generate", p.baseURL)
	if err := p.client.DoJSON(ctx, "POST", url, nil, p.mapNativeRequest(req, model, false), &out); err != nil {
		return nil, err
	}

	in, outTok := out.PromptEvalCount, out.EvalCount
	if in == 0 {
		in = provider.EstimateTokens(req.Prompt + req.System)
	}
	if outTok == 0 {
		outTok = provider.EstimateTokens(out.Response)
	}
	return p.response(out.Response, model, in, outTok, start), nil
}

func (p *Ollama) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := provider.ValidateRequest(req); err != nil {
		return nil, err
	}

	model := p.resolveModel(req)

	if p.runtime == RuntimeOpenAI {
		return p.streamOpenAI(ctx, req, model)
	}

	url := fmt.Sprintf("%s/api/generate", p.baseURL)
	resp, err := p.client.Stream(ctx, "POST", url, nil, p.mapNativeRequest(req, model, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// the native runtime streams newline-delimited JSON objects
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var event nativeResponse
			if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
				continue
			}
			if event.Response != "" {
				if !emit(ctx, ch, &provider.Chunk{Delta: event.Response}) {
					return
				}
			}
			if event.Done {
				emit(ctx, ch, &provider.Chunk{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		emit(ctx, ch, &provider.Chunk{Done: true})
	}()
	return ch, nil
}

func (p *Ollama) streamOpenAI(ctx context.Context, req *provider.Request, model string) (<-chan *provider.Chunk, error) {
	url := fmt.Sprintf("%s/v1/chat/completions", p.baseURL)
	resp, err := p.client.Stream(ctx, "POST", url, nil, p.mapOpenAIRequest(req, model, true))
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
			var event openAIResponse
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

// Models lists what the local server has pulled. Self-hosted inference is
// free, so pricing is zero and the context window is a conservative guess.
func (p *Ollama) Models(ctx context.Context) ([]provider.ModelDescriptor, error) {
	var tags tagsResponse
	url := fmt.Sprintf("%s/api/tags", p.baseURL)
	if err := p.client.DoJSON(ctx, "GET", url, nil, nil, &tags); err != nil {
		return nil, err
	}

	models := make([]provider.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, provider.ModelDescriptor{
			ID:              m.Name,
			DisplayName:     m.Name,
			Provider:        Name,
			ContextWindow:   8192,
			MaxOutputTokens: 4096,
			Capabilities:    provider.Capabilities{Chat: true, Streaming: true},
		})
	}
	return models, nil
}

func (p *Ollama) EstimateCost(req *provider.Request, modelID string) (float64, error) {
	return 0, nil
}

func (p *Ollama) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var tags tagsResponse
	url := fmt.Sprintf("%s/api/tags", p.baseURL)
	return p.client.DoJSON(ctx, "GET", url, nil, nil, &tags) == nil
}

func (p *Ollama) Name() string { return Name }

func (p *Ollama) resolveModel(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *Ollama) mapNativeRequest(req *provider.Request, model string, stream bool) nativeRequest {
	var images []string
	for _, img := range req.Images {
		images = append(images, base64.StdEncoding.EncodeToString(img.Data))
	}

	opts := &nativeOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}

	return nativeRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Images:  images,
		Stream:  stream,
		Options: opts,
	}
}

func (p *Ollama) mapOpenAIRequest(req *provider.Request, model string, stream bool) openAIRequest {
	var messages []openAIMessage
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	return openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      stream,
	}
}

func (p *Ollama) response(text, model string, in, out int, start time.Time) *provider.Response {
	return &provider.Response{
		Text:         text,
		Model:        model,
		Provider:     Name,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		CostUSD:      0,
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: provider.FinishStop,
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
