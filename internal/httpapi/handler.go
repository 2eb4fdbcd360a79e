// Package httpapi exposes the gateway over chi. Authentication is an
// external collaborator; callers attribute usage via X-User-ID and
// X-Project-ID headers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/internal/gateway"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/provider"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/registry"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/tracker"
	"github.com/robinkiplangat/metrrik-llm-gateway/pkg/ratelimit"
)

type Handler struct {
	gw      *gateway.Gateway
	limiter *ratelimit.Limiter // nil when rate limiting is disabled
	logger  *zap.Logger
}

func NewHandler(gw *gateway.Gateway, limiter *ratelimit.Limiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gw: gw, limiter: limiter, logger: logger}
}

// generateRequest is the wire shape of a generation call.
type generateRequest struct {
	Prompt           string            `json:"prompt"`
	System           string            `json:"system,omitempty"`
	Images           []imagePayload    `json:"images,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	TopP             float64           `json:"top_p,omitempty"`
	FrequencyPenalty float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64           `json:"presence_penalty,omitempty"`
	StopSequences    []string          `json:"stop_sequences,omitempty"`
	Model            string            `json:"model,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	// options
	Provider          string   `json:"provider,omitempty"`
	TaskType          string   `json:"task_type,omitempty"`
	DisableCache      bool     `json:"disable_cache,omitempty"`
	CacheTTLSeconds   int      `json:"cache_ttl_seconds,omitempty"`
	DisableTracking   bool     `json:"disable_tracking,omitempty"`
	StrategyPrimary   string   `json:"strategy_primary,omitempty"`
	StrategyFallbacks []string `json:"strategy_fallbacks,omitempty"`
}

type imagePayload struct {
	Data     []byte `json:"data"` // base64 via encoding/json
	MIMEType string `json:"mime_type"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.prepare(w, r)
	if !ok {
		return
	}

	resp, err := h.gw.Generate(r.Context(), req, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := h.prepare(w, r)
	if !ok {
		return
	}

	ch, err := h.gw.GenerateStream(r.Context(), req, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			break
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}
		payload, _ := json.Marshal(map[string]string{"delta": chunk.Delta})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req := body.toRequest()

	cost, err := h.gw.EstimateCost(r.Context(), req, body.Provider, body.Model)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"estimated_cost_usd": cost})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := h.gw.AvailableModels(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.gw.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"providers": snapshot})
}

func (h *Handler) HandleUsageStats(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stats, err := h.gw.Tracker().GetCostStats(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleCostByUser(w http.ResponseWriter, r *http.Request) {
	h.handleGrouped(w, r, h.gw.Tracker().GetCostByUser)
}

func (h *Handler) HandleCostByProject(w http.ResponseWriter, r *http.Request) {
	h.handleGrouped(w, r, h.gw.Tracker().GetCostByProject)
}

func (h *Handler) HandleCostThreshold(w http.ResponseWriter, r *http.Request) {
	var threshold float64
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		var err error
		threshold, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'threshold'"})
			return
		}
	}
	status, err := h.gw.Tracker().CheckCostThreshold(r.Context(), r.URL.Query().Get("user_id"), threshold)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleGrouped(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, f tracker.Filter) ([]tracker.GroupTotal, error)) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	totals, err := fn(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*provider.Request, gateway.Options, bool) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, gateway.Options{}, false
	}

	opts := gateway.Options{
		Provider:        body.Provider,
		TaskType:        provider.TaskType(body.TaskType),
		DisableCache:    body.DisableCache,
		DisableTracking: body.DisableTracking,
		UserID:          r.Header.Get("X-User-ID"),
		ProjectID:       r.Header.Get("X-Project-ID"),
	}
	if body.CacheTTLSeconds > 0 {
		opts.CacheTTL = time.Duration(body.CacheTTLSeconds) * time.Second
	}
	if body.StrategyPrimary != "" {
		opts.Strategy = &registry.Strategy{
			Primary:   body.StrategyPrimary,
			Fallbacks: body.StrategyFallbacks,
		}
	}

	if h.limiter != nil && opts.UserID != "" {
		estimated := body.MaxTokens
		if estimated <= 0 {
			estimated = 1000
		}
		allowed, err := h.limiter.Allow(r.Context(), opts.UserID, estimated)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return nil, gateway.Options{}, false
		}
	}

	return body.toRequest(), opts, true
}

func (b *generateRequest) toRequest() *provider.Request {
	req := &provider.Request{
		Prompt:           b.Prompt,
		System:           b.System,
		Temperature:      b.Temperature,
		MaxTokens:        b.MaxTokens,
		TopP:             b.TopP,
		FrequencyPenalty: b.FrequencyPenalty,
		PresencePenalty:  b.PresencePenalty,
		StopSequences:    b.StopSequences,
		Model:            b.Model,
		Metadata:         b.Metadata,
	}
	for _, img := range b.Images {
		req.Images = append(req.Images, provider.Image{Data: img.Data, MIMEType: img.MIMEType})
	}
	return req
}

func filterFromQuery(r *http.Request) (tracker.Filter, error) {
	f := tracker.Filter{
		UserID:    r.URL.Query().Get("user_id"),
		ProjectID: r.URL.Query().Get("project_id"),
		Provider:  r.URL.Query().Get("provider"),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid 'from' date format (use RFC3339)")
		}
		f.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid 'to' date format (use RFC3339)")
		}
		f.To = t
	}
	return f, nil
}

// writeError maps the gateway error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var valErr *provider.ValidationError
	var cfgErr *provider.ConfigurationError
	var provErr *provider.ProviderError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &valErr), errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrUnsupportedOperation):
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &provErr):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		h.logger.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
