// Package api implements the http client for the chrono backend: session
// authentication, ingestion submissions and the job status endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/chrono-hq/ingestd/app/tracker"
)

// Error is a backend response with a non-2xx code. It keeps the http status
// for the caller's classification (403/404 invalid job, 401 session expired).
type Error struct {
	Code    int
	Message string
}

// Error returns string representation of the error
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend responded with %d", e.Code)
	}
	return fmt.Sprintf("backend responded with %d: %s", e.Code, e.Message)
}

// HTTPStatus returns the http status code of the failed call
func (e *Error) HTTPStatus() int { return e.Code }

// Client talks to the chrono backend. Auth is a session cookie set by the
// login endpoint and kept in the jar for all subsequent calls.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the given base url, timeout applies per request
func New(baseURL string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to make cookie jar: %w", err)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout, Jar: jar}}, nil
}

// Login authenticates against the backend, the session cookie lands in the jar
func (c *Client) Login(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to make login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// Logout terminates the backend session
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/logout", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to make logout request: %w", err)
	}
	return c.do(req, nil)
}

// jobAccepted is the submission response. Any 2xx means acceptance, the
// optional status field is ignored and tracking always starts at pending.
type jobAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status,omitempty"`
}

// SubmitFile uploads a file payload for extraction, returns the backend-assigned job id
func (c *Client) SubmitFile(ctx context.Context, name string, r io.Reader) (string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to make multipart form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/ingest/file", buf)
	if err != nil {
		return "", fmt.Errorf("failed to make submission request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	accepted := jobAccepted{}
	if err := c.do(req, &accepted); err != nil {
		return "", err
	}
	if accepted.JobID == "" {
		return "", fmt.Errorf("submission accepted without job id")
	}
	return accepted.JobID, nil
}

// SubmitText sends a raw-text payload for extraction, returns the backend-assigned job id
func (c *Client) SubmitText(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("failed to encode text submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/ingest/text", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to make submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	accepted := jobAccepted{}
	if err := c.do(req, &accepted); err != nil {
		return "", err
	}
	if accepted.JobID == "" {
		return "", fmt.Errorf("submission accepted without job id")
	}
	return accepted.JobID, nil
}

// jobStatusResp is the wire form of the status endpoint
type jobStatusResp struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result *tracker.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// JobStatus fetches the current state of the job. Unknown status strings are
// rejected, the status set is closed.
func (c *Client) JobStatus(ctx context.Context, id string) (tracker.JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/jobs/"+id, http.NoBody)
	if err != nil {
		return tracker.JobState{}, fmt.Errorf("failed to make status request: %w", err)
	}

	resp := jobStatusResp{}
	if err := c.do(req, &resp); err != nil {
		return tracker.JobState{}, err
	}

	status, err := tracker.ParseStatus(resp.Status)
	if err != nil {
		return tracker.JobState{}, fmt.Errorf("unexpected status for job %s: %w", id, err)
	}
	return tracker.JobState{ID: resp.ID, Status: status, Result: resp.Result, Error: resp.Error}, nil
}

// do executes the request, maps non-2xx responses to *Error and decodes the
// body into res when provided
func (c *Client) do(req *http.Request, res any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &Error{Code: resp.StatusCode}
		detail := struct {
			Detail string `json:"detail"`
		}{}
		if err := json.Unmarshal(body, &detail); err == nil {
			apiErr.Message = detail.Detail
		}
		return apiErr
	}

	if res == nil {
		return nil
	}
	if err := json.Unmarshal(body, res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
