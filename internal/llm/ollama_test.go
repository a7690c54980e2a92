package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, capture *ollamaRequest, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaResponse{Response: reply, Done: true})
	}))
}

func TestGenerate_ReturnsResponse(t *testing.T) {
	var captured ollamaRequest
	srv := newTestServer(t, &captured, "the answer")
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL), WithModel("test-model"))

	got, err := client.Generate(context.Background(), "the prompt", GenerateOptions{
		SystemPrompt: "be brief",
		Temperature:  0.3,
		MaxTokens:    100,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "the answer" {
		t.Errorf("expected %q, got %q", "the answer", got)
	}

	if captured.Model != "test-model" {
		t.Errorf("expected client default model, got %q", captured.Model)
	}
	if captured.Prompt != "the prompt" {
		t.Errorf("prompt not forwarded: %q", captured.Prompt)
	}
	if captured.System != "be brief" {
		t.Errorf("system prompt not forwarded: %q", captured.System)
	}
	if captured.Stream {
		t.Error("expected non-streaming request")
	}
	if captured.Options["num_predict"] != float64(100) {
		t.Errorf("max tokens not forwarded: %v", captured.Options["num_predict"])
	}
}

func TestGenerate_ZeroTemperatureAlwaysSent(t *testing.T) {
	var captured ollamaRequest
	srv := newTestServer(t, &captured, "ok")
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL))

	if _, err := client.Generate(context.Background(), "p", GenerateOptions{Temperature: 0}); err != nil {
		t.Fatalf("generate: %v", err)
	}

	temp, ok := captured.Options["temperature"]
	if !ok {
		t.Fatal("temperature omitted from request options")
	}
	if temp != float64(0) {
		t.Errorf("expected temperature 0, got %v", temp)
	}
}

func TestGenerate_RequestModelOverridesClientModel(t *testing.T) {
	var captured ollamaRequest
	srv := newTestServer(t, &captured, "ok")
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL), WithModel("client-model"))

	if _, err := client.Generate(context.Background(), "p", GenerateOptions{Model: "request-model"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if captured.Model != "request-model" {
		t.Errorf("expected request model to win, got %q", captured.Model)
	}
}

func TestGenerate_APIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL))

	if _, err := client.Generate(context.Background(), "p", GenerateOptions{}); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestGenerate_ContextCancellation(t *testing.T) {
	srv := newTestServer(t, &ollamaRequest{}, "ok")
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Generate(ctx, "p", GenerateOptions{}); err == nil {
		t.Error("expected error for canceled context")
	}
}
