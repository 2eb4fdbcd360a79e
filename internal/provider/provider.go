package provider

import (
	"context"
	"time"
)

// TaskType classifies what a generation call is for. It drives default
// provider routing and cache TTL selection.
type TaskType string

const (
	TaskChat      TaskType = "chat"
	TaskAnalysis  TaskType = "analysis"
	TaskVision    TaskType = "vision"
	TaskEmbedding TaskType = "embedding"
	TaskDefault   TaskType = "default"
)

// Image is one inline image attached to a request.
type Image struct {
	Data     []byte
	MIMEType string // "image/png", "image/jpeg", ...
}

// Request is the uniform generation request. Immutable once submitted.
type Request struct {
	Prompt           string
	System           string
	Images           []Image
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	StopSequences    []string
	Model            string // optional explicit model id
	Metadata         map[string]string
}

const (
	FinishStop  = "stop"
	FinishError = "error"
)

// Response is the uniform generation response. Never mutated after return.
type Response struct {
	Text         string            `json:"text"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	TotalTokens  int               `json:"total_tokens"`
	CostUSD      float64           `json:"cost_usd"`
	LatencyMs    int64             `json:"latency_ms"`
	Cached       bool              `json:"cached"`
	FinishReason string            `json:"finish_reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Chunk is one incremental segment of a streaming response.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Capabilities flags what a model can do.
type Capabilities struct {
	Chat            bool `json:"chat"`
	Vision          bool `json:"vision"`
	Streaming       bool `json:"streaming"`
	FunctionCalling bool `json:"function_calling"`
}

// ModelDescriptor is static reference data for one model.
type ModelDescriptor struct {
	ID              string       `json:"id"`
	DisplayName     string       `json:"display_name"`
	Provider        string       `json:"provider"`
	ContextWindow   int          `json:"context_window"`
	InputCostPer1M  float64      `json:"input_cost_per_1m"`
	OutputCostPer1M float64      `json:"output_cost_per_1m"`
	MaxOutputTokens int          `json:"max_output_tokens"`
	Capabilities    Capabilities `json:"capabilities"`
}

// Config holds one provider's startup configuration. Read-only after load.
type Config struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Runtime      string // self-hosted only: "native" or "openai"
}

// Provider normalizes one vendor wire protocol into the uniform contract.
type Provider interface {
	// Generate performs one blocking round trip. The request is validated
	// before any network call.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream yields incremental text segments. Adapters without the
	// streaming capability return ErrUnsupportedOperation before any
	// network call.
	GenerateStream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Models returns the provider's known models with pricing.
	Models(ctx context.Context) ([]ModelDescriptor, error)

	// EstimateCost returns a pre-flight cost estimate in USD for the given
	// model, using approximate token counts.
	EstimateCost(req *Request, modelID string) (float64, error)

	// Available is a cheap liveness probe. It never panics or errors;
	// unavailability is signaled by returning false.
	Available(ctx context.Context) bool

	Name() string
}
