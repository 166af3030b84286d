package cloud

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	transcribeTimeout = 2 * time.Minute
	generateTimeout   = 3 * time.Minute

	maxResponseBytes = 4 * 1024 * 1024
)

// ModelError represents a non-2xx response from the model service.
type ModelError struct {
	StatusCode int
	Body       string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model call failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *ModelError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPClient is the production ModelClient speaking a generateContent-style
// REST protocol with inline media and an SSE streaming variant.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, apiKey, model string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		// per-call deadlines come from context; no flat client timeout so
		// long streams are not cut off mid-read
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// wire types

type genRequest struct {
	Contents         []genContent  `json:"contents"`
	GenerationConfig *genGenConfig `json:"generationConfig,omitempty"`
}

type genContent struct {
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inlineData,omitempty"`
}

type genInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type genGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type genResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *genResponse) text() string {
	var b strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (c *HTTPClient) Transcribe(ctx context.Context, video []byte, mimeType string, hint TranscribeHint) ([]Segment, error) {
	req := genRequest{
		Contents: []genContent{{
			Parts: []genPart{
				{InlineData: &genInlineData{
					MimeType: mimeType,
					Data:     base64.StdEncoding.EncodeToString(video),
				}},
				{Text: TranscriptionPrompt(hint)},
			},
		}},
		GenerationConfig: &genGenConfig{Temperature: 0.2},
	}

	ctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	if c.logger != nil {
		c.logger.Info("phase 1: transcribing video",
			"model", c.model,
			"video_bytes", len(video),
			"frame_count", hint.FrameCount,
		)
	}

	text, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("transcription response is not JSON: %w", err)
	}

	var segments []Segment
	if err := json.Unmarshal([]byte(raw), &segments); err != nil {
		return nil, fmt.Errorf("parse transcription segments: %w", err)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("transcription returned no segments")
	}
	return segments, nil
}

func (c *HTTPClient) GenerateCards(ctx context.Context, prompt string) (string, error) {
	req := genRequest{
		Contents:         []genContent{{Parts: []genPart{{Text: prompt}}}},
		GenerationConfig: &genGenConfig{Temperature: 0.3},
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	if c.logger != nil {
		c.logger.Info("phase 2: generating cards", "model", c.model, "prompt_bytes", len(prompt))
	}

	return c.generate(ctx, req)
}

func (c *HTTPClient) generate(ctx context.Context, payload genRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal model request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	resp, err := c.doRequest(ctx, url, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ModelError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var parsed genResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}

	text := parsed.text()
	if text == "" {
		return "", fmt.Errorf("model returned empty response")
	}
	return text, nil
}

func (c *HTTPClient) StreamCards(ctx context.Context, prompt string, onToken func(token string)) (string, error) {
	req := genRequest{
		Contents:         []genContent{{Parts: []genPart{{Text: prompt}}}},
		GenerationConfig: &genGenConfig{Temperature: 0.3},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal model request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	if c.logger != nil {
		c.logger.Info("phase 2: streaming cards", "model", c.model, "prompt_bytes", len(prompt))
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	resp, err := c.doRequest(ctx, url, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ModelError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk genResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		token := chunk.text()
		if token == "" {
			continue
		}
		full.WriteString(token)
		if onToken != nil {
			onToken(token)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}

	if full.Len() == 0 {
		return "", fmt.Errorf("stream produced no text")
	}
	return full.String(), nil
}

func (c *HTTPClient) doRequest(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Retrace-Request-Id", generateRequestID())
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	return resp, nil
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
