package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ttheew/symphony/pkg/api"
	"github.com/ttheew/symphony/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client wraps the conductor HTTP API for CLI usage.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the conductor API at addr, e.g.
// "localhost:8080" or "http://conductor:8080".
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{},
	}
}

// APIError is a non-2xx response from the conductor.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("conductor returned status %d", e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach conductor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateDeployment submits a new deployment.
func (c *Client) CreateDeployment(req api.CreateDeploymentRequest) (*types.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var d types.Deployment
	if err := c.do(ctx, http.MethodPost, "/v1/deployments", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns all live deployments.
func (c *Client) ListDeployments() ([]*types.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var resp struct {
		Deployments []*types.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/deployments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// GetDeployment fetches a deployment by ID.
func (c *Client) GetDeployment(id string) (*types.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var d types.Deployment
	if err := c.do(ctx, http.MethodGet, "/v1/deployments/"+id, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDeployment applies a partial update and returns the new record.
func (c *Client) UpdateDeployment(id string, patch types.DeploymentPatch) (*types.Deployment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var d types.Deployment
	if err := c.do(ctx, http.MethodPatch, "/v1/deployments/"+id, patch, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetDesiredState flips a deployment between RUNNING and STOPPED.
func (c *Client) SetDesiredState(id string, state types.DesiredState) (*types.Deployment, error) {
	return c.UpdateDeployment(id, types.DeploymentPatch{DesiredState: &state})
}

// DeleteDeployment requests asynchronous removal of a deployment.
func (c *Client) DeleteDeployment(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	return c.do(ctx, http.MethodDelete, "/v1/deployments/"+id, nil, nil)
}

// ListNodes returns the registry snapshot with capacity accounting.
func (c *Client) ListNodes() ([]api.NodeView, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var resp struct {
		Nodes []api.NodeView `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// StreamLogs follows a deployment's log stream, invoking handle for each
// entry until the stream ends or ctx is canceled.
func (c *Client) StreamLogs(ctx context.Context, id string, tail int, handle func(types.LogEntry)) error {
	url := c.baseURL + "/v1/deployments/" + id + "/logs?tail=" + strconv.Itoa(tail)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach conductor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}

	// Server-sent events: each entry arrives as a "data:" line.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var entry types.LogEntry
		if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &entry); err != nil {
			continue
		}
		handle(entry)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("log stream failed: %w", err)
	}
	return nil
}
