package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mealsnap/internal/domain"
)

// TaskStatus mirrors the server's task read endpoint payload.
type TaskStatus struct {
	ID        string            `json:"id"`
	Status    domain.TaskStatus `json:"status"`
	Result    []domain.Dish     `json:"result"`
	Error     *string           `json:"error"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Client talks to the recognition task endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// InitSession obtains a stable task id before the chunked transfer starts.
func (c *Client) InitSession(ctx context.Context) (string, error) {
	return c.postForTaskID(ctx, "/v1/tasks/sessions", struct{}{}, http.StatusCreated)
}

// StartRecognition submits an inline image and returns the new task id.
func (c *Client) StartRecognition(ctx context.Context, imageB64, userPrompt string) (string, error) {
	payload := map[string]string{"image": imageB64, "user_prompt": userPrompt}
	return c.postForTaskID(ctx, "/v1/tasks/recognize", payload, http.StatusAccepted)
}

// RetryTask re-enqueues a terminal task server-side and returns the fresh id.
func (c *Client) RetryTask(ctx context.Context, taskID, userPrompt string) (string, error) {
	payload := map[string]string{"user_prompt": userPrompt}
	return c.postForTaskID(ctx, "/v1/tasks/"+taskID+"/retry", payload, http.StatusAccepted)
}

// GetTask polls the task read endpoint.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: get task: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api: get task status %d", resp.StatusCode)
	}
	var out TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: decode task: %w", err)
	}
	return &out, nil
}

func (c *Client) postForTaskID(ctx context.Context, path string, payload any, wantStatus int) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("api: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("api: post %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return "", domain.ErrNotFound
	}
	if resp.StatusCode != wantStatus {
		return "", fmt.Errorf("api: post %s status %d", path, resp.StatusCode)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api: decode response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("api: server returned empty task id")
	}
	return out.TaskID, nil
}
