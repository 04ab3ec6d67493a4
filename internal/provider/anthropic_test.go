package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

func TestAnthropicChat_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Error("missing anthropic-version header")
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "claude-sonnet-4-20250514" {
			t.Errorf("expected default model, got %s", req.Model)
		}
		if req.MaxTokens != 1024 {
			t.Errorf("expected default max_tokens 1024, got %d", req.MaxTokens)
		}

		resp := anthropicResponse{
			Content: []anthropicBlock{{Type: "text", Text: "Hello!"}},
			Usage:   anthropicUsage{InputTokens: 10, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL))

	got, err := p.Chat(context.Background(), protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", got.Content)
	}
	if got.Usage.TotalTokens() != 15 {
		t.Errorf("total tokens = %d, want 15", got.Usage.TotalTokens())
	}
}

func TestAnthropicChat_SystemPrompt(t *testing.T) {
	var capturedReq anthropicRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&capturedReq)
		resp := anthropicResponse{
			Content: []anthropicBlock{{Type: "text", Text: "OK"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL))

	_, err := p.Chat(context.Background(), protocol.ChatRequest{
		Messages: []protocol.ChatMessage{
			{Role: "system", Content: "You are an intake assistant."},
			{Role: "user", Content: "Hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedReq.System != "You are an intake assistant." {
		t.Errorf("system = %q", capturedReq.System)
	}
	// System message should NOT appear in the messages array
	if len(capturedReq.Messages) != 1 {
		t.Fatalf("expected 1 message (system extracted), got %d", len(capturedReq.Messages))
	}
	if capturedReq.Messages[0].Role != "user" {
		t.Errorf("role = %q", capturedReq.Messages[0].Role)
	}
}

func TestAnthropicChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	p := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL))

	_, err := p.Chat(context.Background(), protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error on 429 response")
	}
}

func TestAnthropicChat_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := NewAnthropic("test-key", WithAnthropicBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Chat(ctx, protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
