package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/orchestrator"
)

// Client talks to the control API of a running instance.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API at addr ("host:port" or a URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		base: strings.TrimRight(base, "/") + constants.ControlBasePath,
		http: &http.Client{Timeout: actionTimeout + 10*time.Second},
	}
}

// Projects returns the status of every project.
func (c *Client) Projects(ctx context.Context) ([]orchestrator.ProjectStatus, error) {
	var out []orchestrator.ProjectStatus
	if err := c.do(ctx, http.MethodGet, "/projects", &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Health reports whether the instance is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Action runs start, stop or restart on a project.
func (c *Client) Action(ctx context.Context, name, action string) (*ActionResponse, error) {
	var out ActionResponse

	path := "/projects/" + url.PathEscape(name) + "/" + url.PathEscape(action)
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable (is xrun running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}

		return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
