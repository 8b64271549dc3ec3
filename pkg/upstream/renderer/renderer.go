// Package renderer is the client for the rendering service's /render
// endpoint.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prompt2frame/framegate/pkg/models"
	"github.com/prompt2frame/framegate/pkg/upstream"
)

const serviceName = "renderer"

// The rendering service accepts render timeouts in this range, in seconds.
const (
	minRenderTimeout = 60
	maxRenderTimeout = 600
)

// ErrMissingURL is returned when the service answers without a video URL.
var ErrMissingURL = errors.New("renderer: response missing videoUrl")

// Client implements coordinator.Renderer.
type Client struct {
	baseURL       string
	renderTimeout time.Duration
	httpClient    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRenderTimeout sets the time budget the service is asked to enforce on
// the render itself. It is clamped to what the service accepts.
func WithRenderTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.renderTimeout = d }
}

// New creates a client for the rendering service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		renderTimeout: 300 * time.Second,
		httpClient:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type renderRequest struct {
	Code    string `json:"code"`
	Quality string `json:"quality"`
	Timeout int    `json:"timeout"`
}

type renderResponse struct {
	VideoURL   string  `json:"videoUrl"`
	RenderTime float64 `json:"renderTime"`
	CodeLength int     `json:"codeLength"`
}

func (c *Client) timeoutSeconds() int {
	secs := int(c.renderTimeout / time.Second)
	return min(max(secs, minRenderTimeout), maxRenderTimeout)
}

// Render submits script for rendering and returns the resulting artifact.
// Relative video URLs are resolved against the service's base URL.
func (c *Client) Render(ctx context.Context, script string, quality models.Quality) (models.Artifact, error) {
	body, err := json.Marshal(renderRequest{
		Code:    script,
		Quality: string(quality),
		Timeout: c.timeoutSeconds(),
	})
	if err != nil {
		return models.Artifact{}, fmt.Errorf("renderer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return models.Artifact{}, fmt.Errorf("renderer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("renderer: request: %w", err)
	}
	if err := upstream.CheckResponse(serviceName, resp); err != nil {
		return models.Artifact{}, err
	}
	defer resp.Body.Close()

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Artifact{}, fmt.Errorf("renderer: decode response: %w", err)
	}
	if out.VideoURL == "" {
		return models.Artifact{}, ErrMissingURL
	}

	return models.Artifact{
		URL:        c.resolve(out.VideoURL),
		Quality:    quality,
		RenderTime: time.Duration(out.RenderTime * float64(time.Second)),
		CodeLength: out.CodeLength,
	}, nil
}

func (c *Client) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.baseURL + u
}

// Ping checks that the service answers GET /health.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("renderer: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("renderer: request: %w", err)
	}
	if err := upstream.CheckResponse(serviceName, resp); err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
