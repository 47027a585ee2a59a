// Package providers holds the narrow HTTP clients for the two pipeline
// collaborators. The collaborators themselves are external services; these
// clients only translate between the worker's contracts and their wire APIs.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/worker"
)

// ExtractionConfig configures the extraction service client.
type ExtractionConfig struct {
	BaseURL string
	APIKey  string        // optional bearer token
	Timeout time.Duration // large documents take a while; default 30 minutes
}

// ExtractionClient calls the extraction collaborator over HTTP. Implements
// worker.Extractor.
type ExtractionClient struct {
	cfg    ExtractionConfig
	http   *http.Client
	logger *zap.SugaredLogger
}

// NewExtractionClient creates an extraction service client.
func NewExtractionClient(cfg ExtractionConfig, logger *zap.SugaredLogger) *ExtractionClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &ExtractionClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("extraction"),
	}
}

type extractionResponse struct {
	Text           string          `json:"text"`
	Markdown       string          `json:"markdown,omitempty"`
	Tables         json.RawMessage `json:"tables,omitempty"`
	Pages          json.RawMessage `json:"pages,omitempty"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
}

// Extract sends the document reference to the extraction service and waits
// for its artifacts. The call runs for as long as the service needs, bounded
// by the client timeout and the caller's context.
func (c *ExtractionClient) Extract(ctx context.Context, req worker.ExtractRequest) (*worker.ExtractResult, error) {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode extraction request")
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/extract"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build extraction request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debugw("Extraction request",
		"storage_key", req.StorageKey,
		"filename", req.Filename,
		"method", req.Method,
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "extraction request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read extraction response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errors.Newf("extraction service returned status %d", resp.StatusCode)
		return nil, errors.WithDetailf(err, "Response body: %s", truncate(string(raw), 512))
	}

	var out extractionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "failed to decode extraction response")
	}

	elapsed := out.ElapsedSeconds
	if elapsed == 0 {
		elapsed = time.Since(start).Seconds()
	}

	c.logger.Debugw("Extraction completed",
		"storage_key", req.StorageKey,
		"text_len", len(out.Text),
		"elapsed_seconds", elapsed,
	)

	return &worker.ExtractResult{
		Text:           out.Text,
		Markdown:       out.Markdown,
		Tables:         out.Tables,
		Pages:          out.Pages,
		ElapsedSeconds: elapsed,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
