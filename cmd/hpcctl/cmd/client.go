package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"hpcflow/pkg/api"
)

// StatusClient handles calls to the status API of a running orchestrator.
type StatusClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewStatusClient creates a new client with the given base URL and token. An empty token
// sends no Authorization header.
func NewStatusClient(baseURL, token string) *StatusClient {
	return &StatusClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// GetStatus sends GET /status.
func (c *StatusClient) GetStatus(patterns, procs []string) (*api.StatusResponse, error) {
	q := url.Values{}
	for _, p := range patterns {
		q.Add("pattern", p)
	}
	for _, p := range procs {
		q.Add("proc", p)
	}
	endpoint := c.BaseURL + "/status"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var result api.StatusResponse
	if err := c.get(endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask sends GET /tasks/{run}/{proc}.
func (c *StatusClient) GetTask(run, proc string) (*api.TaskResponse, error) {
	endpoint := fmt.Sprintf("%s/tasks/%s/%s", c.BaseURL, url.PathEscape(run), url.PathEscape(proc))

	var result api.TaskResponse
	if err := c.get(endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *StatusClient) get(endpoint string, out interface{}) error {
	httpReq, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Accept", "application/json")
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
