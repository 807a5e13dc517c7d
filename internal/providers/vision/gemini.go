package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mealsnap/internal/infra"
)

// Recognizer is the black-box recognition call: a meal photo plus an
// instruction in, raw model text out.
type Recognizer interface {
	Recognize(ctx context.Context, imageB64, mimeType, instruction string) (string, error)
}

// Options controls how the Gemini vision client is configured.
type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

const geminiDefaultTimeout = 60 * time.Second

// Client calls the Gemini generateContent API with an inline image part.
// When no API key is configured it answers with a deterministic synthetic
// dish list, which keeps the worker fully operational in local and CI
// environments.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *infra.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: geminiDefaultTimeout}
	}
	return &Client{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: baseURL,
		client:  client,
		logger:  opts.Logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	CandidateCount   int     `json:"candidateCount,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Recognize sends the image and instruction to the model and returns the
// candidate text verbatim; parsing is the caller's concern.
func (c *Client) Recognize(ctx context.Context, imageB64, mimeType, instruction string) (string, error) {
	if c.apiKey == "" {
		return c.syntheticResponse(), nil
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	payload := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: instruction},
				{InlineData: &geminiInlineData{MimeType: mimeType, Data: imageB64}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      0.2,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("vision: encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("vision: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("vision: call model: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("vision: model returned status %d", resp.StatusCode)
	}
	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("vision: decode response: %w", err)
	}
	text := extractText(out)
	if text == "" {
		return "", fmt.Errorf("vision: model returned no text candidate")
	}
	return text, nil
}

func extractText(resp geminiResponse) string {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text
			}
		}
	}
	return ""
}

func (c *Client) syntheticResponse() string {
	if c.logger != nil {
		c.logger.Warn().Str("model", c.model).Msg("vision: api key missing, returning synthetic dishes")
	}
	return `[{"name":"Grilled chicken breast","calories_per_100g":165,"protein_per_100g":31,"fat_per_100g":3.6,"carbs_per_100g":0,"weight_grams":150,"description":"synthetic result"},` +
		`{"name":"Steamed rice","calories_per_100g":130,"protein_per_100g":2.7,"fat_per_100g":0.3,"carbs_per_100g":28,"weight_grams":200,"description":"synthetic result"}]`
}
