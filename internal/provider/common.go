package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// ValidateRequest checks the uniform request before any network call.
// Every adapter calls this first.
func ValidateRequest(req *Request) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "must not be nil"}
	}
	if req.Prompt == "" {
		return &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if req.MaxTokens < 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must not be negative"}
	}
	if req.TopP < 0 || req.TopP > 1 {
		return &ValidationError{Field: "top_p", Reason: "must be between 0 and 1"}
	}
	for i, img := range req.Images {
		if len(img.Data) == 0 {
			return &ValidationError{Field: "images", Reason: fmt.Sprintf("image %d is empty", i)}
		}
	}
	return nil
}

// EstimateTokens approximates a token count as one token per four
// characters. Exact vendor tokenizers differ, so the estimate is
// deliberately tokenizer-agnostic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// imageTokenEstimate is the flat per-image token charge used for
// pre-flight estimates. Vendors bill vision input differently; this is a
// rough middle ground.
const imageTokenEstimate = 800

// EstimateRequestCost computes the pre-flight USD cost of req against a
// model's published per-million-token pricing. Output is bounded by
// MaxTokens when set, otherwise the model's maximum.
func EstimateRequestCost(req *Request, desc *ModelDescriptor) float64 {
	in := EstimateTokens(req.Prompt) + EstimateTokens(req.System)
	in += len(req.Images) * imageTokenEstimate

	out := req.MaxTokens
	if out <= 0 {
		out = desc.MaxOutputTokens
	}

	cost := float64(in)/1e6*desc.InputCostPer1M + float64(out)/1e6*desc.OutputCostPer1M
	if cost < 0 {
		cost = 0
	}
	return cost
}

// FindModel looks up a descriptor by id in a static table.
func FindModel(models []ModelDescriptor, id string) (*ModelDescriptor, error) {
	for i := range models {
		if models[i].ID == id {
			return &models[i], nil
		}
	}
	return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown model %q", id)}
}

// Client wraps one vendor's HTTP plumbing: timeout, bounded retry and
// error normalization. All adapters share it so every vendor failure comes
// back as the same *ProviderError shape.
type Client struct {
	provider   string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

func NewClient(providerName string, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	delay := cfg.RetryDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Client{
		provider:   providerName,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: delay,
	}
}

// DoJSON posts body as JSON and decodes the response into out. Vendor
// failures are normalized; 429 and 5xx responses are retried with a
// jittered delay up to the configured retry count.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &ProviderError{Provider: c.provider, Code: CodeNetwork, Message: ctx.Err().Error()}
			case <-time.After(c.jitter(attempt)):
			}
		}

		resp, err := c.do(ctx, method, url, headers, payload)
		if err != nil {
			lastErr = err
			continue
		}

		perr := c.checkStatus(resp)
		if perr != nil {
			resp.Body.Close()
			lastErr = perr
			if !perr.Retryable() {
				return perr
			}
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return &ProviderError{Provider: c.provider, Code: CodeBadResponse, Message: err.Error()}
		}
		return nil
	}
	return lastErr
}

// Stream issues the request without retry and hands back the raw response
// body for the adapter's stream reader. The caller closes the body.
func (c *Client) Stream(ctx context.Context, method, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, method, url, headers, payload)
	if err != nil {
		return nil, err
	}
	if perr := c.checkStatus(resp); perr != nil {
		resp.Body.Close()
		return nil, perr
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Code: CodeBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Code: CodeNetwork, Message: err.Error()}
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response) *ProviderError {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	code := CodeBadRequest
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = CodeAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		code = CodeRateLimited
	case resp.StatusCode >= 500:
		code = CodeUpstream
	}
	return &ProviderError{
		Provider: c.provider,
		Code:     code,
		Message:  string(respBody),
		Status:   resp.StatusCode,
	}
}

func (c *Client) jitter(attempt int) time.Duration {
	// full jitter over an exponentially growing window
	window := float64(c.retryDelay) * float64(int(1)<<uint(attempt-1))
	d := time.Duration(rand.Float64() * window)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
