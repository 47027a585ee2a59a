package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/worker"
)

// ProcessingConfig configures the chat-completions processing client.
type ProcessingConfig struct {
	BaseURL     string  // default https://api.openai.com/v1
	APIKey      string  // if empty, falls back to env OPENAI_API_KEY
	Model       string  // e.g. "gpt-4o-mini"
	Temperature float32 // 0..2
	Timeout     time.Duration
}

// ProcessingClient turns extracted text into structured output through an
// OpenAI-style chat/completions endpoint. The job's JSON Schema rides along
// in the prompt and the response is requested as a JSON object. Implements
// worker.Processor.
type ProcessingClient struct {
	cfg    ProcessingConfig
	http   *http.Client
	logger *zap.SugaredLogger
}

// NewProcessingClient creates a processing client.
func NewProcessingClient(cfg ProcessingConfig, logger *zap.SugaredLogger) *ProcessingClient {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &ProcessingClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("processing"),
	}
}

// maxContentChars bounds how much extracted text goes into a single prompt.
const maxContentChars = 100_000

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage,omitempty"`
}

// Process sends the extracted content and schema to the model and returns
// the structured result. Schema conformance is the caller's concern; this
// client only guarantees the response is a JSON object.
func (c *ProcessingClient) Process(ctx context.Context, req worker.ProcessRequest) (*worker.ProcessResult, error) {
	start := time.Now()

	model := c.cfg.Model
	if req.Model != "" {
		model = req.Model
	}

	body := map[string]any{
		"model":           model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": buildSystemPrompt(req)},
			{"role": "user", "content": buildUserPrompt(req)},
		},
	}
	for k, v := range req.ModelOptions {
		body[k] = v
	}

	c.logger.Debugw("Processing request",
		"model", model,
		"schema", req.SchemaName,
		"content_len", len(req.Content),
	)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode processing request")
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build processing request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "processing request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read processing response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errors.Newf("processing service returned status %d", resp.StatusCode)
		return nil, errors.WithDetailf(err, "Response body: %s", truncate(string(raw), 512))
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, errors.Wrap(err, "failed to decode processing response")
	}
	if len(cc.Choices) == 0 {
		return nil, errors.New("no choices in processing response")
	}

	content := strings.TrimSpace(cc.Choices[0].Message.Content)
	if !json.Valid([]byte(content)) {
		return nil, errors.New("model returned invalid JSON content")
	}

	elapsed := time.Since(start).Seconds()
	c.logger.Debugw("Processing completed",
		"model", model,
		"content_len", len(content),
		"elapsed_seconds", elapsed,
	)

	return &worker.ProcessResult{
		Data:           json.RawMessage(content),
		Metadata:       cc.Usage,
		ElapsedSeconds: elapsed,
	}, nil
}

func buildSystemPrompt(req worker.ProcessRequest) string {
	parts := []string{
		"You are a document data extractor. Return ONLY a JSON object that matches the JSON Schema provided.",
		"Never output null. If a field is not present in the document, omit it.",
	}
	if len(req.Schema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "output"
		}
		parts = append(parts, "JSON Schema ("+name+"):\n"+string(req.Schema))
	}
	return strings.Join(parts, " ")
}

func buildUserPrompt(req worker.ProcessRequest) string {
	var b strings.Builder
	b.WriteString("Document content:\n")
	if len(req.Content) > maxContentChars {
		b.WriteString(req.Content[:maxContentChars])
	} else {
		b.WriteString(req.Content)
	}
	b.WriteString("\n\nReturn ONLY JSON that matches the provided schema.")
	return b.String()
}
