package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dotsetgreg/companion/pkg/config"
)

func TestHTTPProvider_Chat(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello back"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("test-key", srv.URL)
	reply, err := p.Chat(context.Background(), []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "hi"},
	}, Options{Model: "test/model", MaxTokens: 64})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply.Content != "hello back" || reply.FinishReason != "stop" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("missing auth header: %q", gotAuth)
	}
	if gotBody["model"] != "test/model" {
		t.Fatalf("model not forwarded: %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(64) {
		t.Fatalf("max_tokens not forwarded: %v", gotBody["max_tokens"])
	}
}

func TestHTTPProvider_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider("k", srv.URL)
	if _, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, Options{}); err == nil {
		t.Fatalf("expected error on 429")
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	reply, err := parseResponse([]byte(`{"choices": []}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reply.Content != "" {
		t.Fatalf("expected empty content, got %q", reply.Content)
	}
}

func TestCreateProvider_RequiresAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected error without API key")
	}

	cfg.Providers.OpenRouter.APIKey = "k"
	p, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.GetDefaultModel() == "" {
		t.Fatalf("provider should have a default model")
	}
}
