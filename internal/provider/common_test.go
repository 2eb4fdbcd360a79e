package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     *Request
		wantErr bool
		field   string
	}{
		{"valid", &Request{Prompt: "hi", Temperature: 0.7, MaxTokens: 100, TopP: 0.9}, false, ""},
		{"empty prompt", &Request{Prompt: ""}, true, "prompt"},
		{"temperature too high", &Request{Prompt: "hi", Temperature: 2.5}, true, "temperature"},
		{"negative max tokens", &Request{Prompt: "hi", MaxTokens: -1}, true, "max_tokens"},
		{"top_p out of range", &Request{Prompt: "hi", TopP: 1.5}, true, "top_p"},
		{"empty image", &Request{Prompt: "hi", Images: []Image{{MIMEType: "image/png"}}}, true, "images"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRequest(tc.req)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if valErr.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, valErr.Field)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty string: expected 0, got %d", got)
	}
	if got := EstimateTokens("ab"); got != 1 {
		t.Errorf("short string: expected 1, got %d", got)
	}
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestEstimateRequestCost_NonDecreasingInMaxTokens(t *testing.T) {
	desc := &ModelDescriptor{
		ID: "m", InputCostPer1M: 1.0, OutputCostPer1M: 4.0, MaxOutputTokens: 8192,
	}

	prev := -1.0
	for _, maxTokens := range []int{1, 10, 100, 1000, 10000} {
		req := &Request{Prompt: "hello world", MaxTokens: maxTokens}
		cost := EstimateRequestCost(req, desc)
		if cost < 0 {
			t.Fatalf("cost must be non-negative, got %f", cost)
		}
		if cost < prev {
			t.Fatalf("cost decreased from %f to %f as maxTokens grew", prev, cost)
		}
		prev = cost
	}
}

func TestEstimateRequestCost_ZeroPricedModel(t *testing.T) {
	desc := &ModelDescriptor{ID: "free", MaxOutputTokens: 4096}
	cost := EstimateRequestCost(&Request{Prompt: "hi", MaxTokens: 100}, desc)
	if cost != 0 {
		t.Errorf("expected zero cost, got %f", cost)
	}
}

func TestClient_NormalizesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, CodeAuthFailed},
		{http.StatusForbidden, CodeAuthFailed},
		{http.StatusBadRequest, CodeBadRequest},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		c := NewClient("test", Config{})
		var out map[string]any
		err := c.DoJSON(context.Background(), "POST", server.URL, nil, map[string]string{}, &out)
		server.Close()

		var provErr *ProviderError
		if !errors.As(err, &provErr) {
			t.Fatalf("status %d: expected ProviderError, got %v", tc.status, err)
		}
		if provErr.Code != tc.code {
			t.Errorf("status %d: expected code %s, got %s", tc.status, tc.code, provErr.Code)
		}
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := NewClient("test", Config{MaxRetries: 3, RetryDelay: time.Millisecond})
	var out map[string]bool
	if err := c.DoJSON(context.Background(), "POST", server.URL, nil, map[string]string{}, &out); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if !out["ok"] {
		t.Error("expected decoded body")
	}
}

func TestClient_DoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient("test", Config{MaxRetries: 3, RetryDelay: time.Millisecond})
	var out map[string]any
	err := c.DoJSON(context.Background(), "POST", server.URL, nil, map[string]string{}, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("auth failure must not retry, got %d calls", calls.Load())
	}
}

func TestProviderError_Retryable(t *testing.T) {
	if !(&ProviderError{Code: CodeRateLimited}).Retryable() {
		t.Error("rate limit should be retryable")
	}
	if (&ProviderError{Code: CodeAuthFailed}).Retryable() {
		t.Error("auth failure should not be retryable")
	}
}
