package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/worker"
)

func TestExtractionClientRoundTrip(t *testing.T) {
	var gotReq worker.ExtractRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"text":            "hello world",
			"markdown":        "# hello",
			"elapsed_seconds": 2.5,
		})
	}))
	t.Cleanup(srv.Close)

	c := NewExtractionClient(ExtractionConfig{BaseURL: srv.URL, APIKey: "secret"}, zap.NewNop().Sugar())

	result, err := c.Extract(context.Background(), worker.ExtractRequest{
		StorageKey: "uploads/doc.pdf",
		Filename:   "doc.pdf",
		Method:     "ocr",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
	assert.Equal(t, "# hello", result.Markdown)
	assert.Equal(t, 2.5, result.ElapsedSeconds)
	assert.Equal(t, "uploads/doc.pdf", gotReq.StorageKey)
	assert.Equal(t, "ocr", gotReq.Method)
}

func TestExtractionClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "extractor overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewExtractionClient(ExtractionConfig{BaseURL: srv.URL}, zap.NewNop().Sugar())

	_, err := c.Extract(context.Background(), worker.ExtractRequest{StorageKey: "k", Filename: "f"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestProcessingClientRoundTrip(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer api-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"vendor": "Acme", "total": 12}`}},
			},
			"usage": map[string]any{"total_tokens": 120},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewProcessingClient(ProcessingConfig{BaseURL: srv.URL, APIKey: "api-key", Model: "gpt-4o-mini"}, zap.NewNop().Sugar())

	result, err := c.Process(context.Background(), worker.ProcessRequest{
		Content:    "invoice text",
		Schema:     json.RawMessage(`{"type": "object"}`),
		SchemaName: "invoice",
		Method:     "llm",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"vendor": "Acme", "total": 12}`, string(result.Data))
	assert.JSONEq(t, `{"total_tokens": 120}`, string(result.Metadata))

	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	rf, ok := gotBody["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", rf["type"])
}

func TestProcessingClientOverridesModelPerJob(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{}`}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewProcessingClient(ProcessingConfig{BaseURL: srv.URL, APIKey: "k", Model: "default-model"}, zap.NewNop().Sugar())

	_, err := c.Process(context.Background(), worker.ProcessRequest{Content: "x", Model: "job-model"})
	require.NoError(t, err)
	assert.Equal(t, "job-model", gotBody["model"])
}

func TestProcessingClientNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	t.Cleanup(srv.Close)

	c := NewProcessingClient(ProcessingConfig{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop().Sugar())

	_, err := c.Process(context.Background(), worker.ProcessRequest{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestProcessingClientRejectsNonJSONContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "sorry, I cannot do that"}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	c := NewProcessingClient(ProcessingConfig{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop().Sugar())

	_, err := c.Process(context.Background(), worker.ProcessRequest{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}
