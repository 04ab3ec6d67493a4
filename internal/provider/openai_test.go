package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsdesk-io/opsdesk/pkg/protocol"
)

func TestOpenAIChat_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing Authorization header")
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}

		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected default model, got %s", req.Model)
		}

		resp := openaiResponse{
			Choices: []openaiChoice{{Message: protocol.ChatMessage{Role: "assistant", Content: "Hi there"}}},
			Usage:   openaiUsage{PromptTokens: 8, CompletionTokens: 3},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", WithBaseURL(srv.URL))

	got, err := p.Chat(context.Background(), protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "Hi there" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Usage.PromptTokens != 8 {
		t.Errorf("prompt tokens = %d", got.Usage.PromptTokens)
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(openaiResponse{})
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", WithBaseURL(srv.URL))

	_, err := p.Chat(context.Background(), protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error on empty choices")
	}
}

func TestOpenAIChat_ModelOverride(t *testing.T) {
	var capturedReq openaiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&capturedReq)
		resp := openaiResponse{
			Choices: []openaiChoice{{Message: protocol.ChatMessage{Role: "assistant", Content: "ok"}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAI("test-key", WithBaseURL(srv.URL), WithModel("gpt-4o-mini"))

	_, err := p.Chat(context.Background(), protocol.ChatRequest{
		Model:    "gpt-5",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedReq.Model != "gpt-5" {
		t.Errorf("model = %q, want request override", capturedReq.Model)
	}
}
