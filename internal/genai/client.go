package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Generator produces artifact content from a content type and a bag of
// upstream artifact values. Implementations are opaque to the engine; only
// the result shape matters.
type Generator interface {
	Generate(ctx context.Context, contentType string, input map[string]json.RawMessage) (Result, error)
}

// Result is what a generation run returns. Confidence is nil when the
// collaborator did not report one; the engine substitutes its fallback.
type Result struct {
	Content    json.RawMessage
	Confidence *int
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, contentType string, input map[string]json.RawMessage) (Result, error)

func (f Func) Generate(ctx context.Context, contentType string, input map[string]json.RawMessage) (Result, error) {
	return f(ctx, contentType, input)
}

// Client calls an HTTP generation service. The wire contract is loose on
// purpose: responses carrying {"content":..., "confidence_score":...} and
// bare {"content":...} are both accepted.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type generateRequest struct {
	ContentType string                     `json:"content_type"`
	Context     map[string]json.RawMessage `json:"context,omitempty"`
}

type generateResponse struct {
	Content         json.RawMessage `json:"content"`
	ConfidenceScore *int            `json:"confidence_score,omitempty"`
}

func (c *Client) Generate(ctx context.Context, contentType string, input map[string]json.RawMessage) (Result, error) {
	if c.BaseURL == "" {
		return Result{}, fmt.Errorf("generation service url not configured")
	}
	payload, err := json.Marshal(generateRequest{ContentType: contentType, Context: input})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("generation service returned malformed JSON: %w", err)
	}
	if len(out.Content) == 0 || string(out.Content) == "null" {
		return Result{}, fmt.Errorf("generation service returned no content")
	}
	return Result{Content: out.Content, Confidence: out.ConfidenceScore}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
