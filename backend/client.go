package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/pagecomposer/page"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL of the rendering service, e.g. "http://cms:8080/_rp/site".
	BaseURL string
	// Timeout per request. Default: 10s.
	Timeout time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
	Logger *slog.Logger
}

// Client talks to a remote rendering service.
type Client struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

var _ page.Backend = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: cfg.Client,
		logger: cfg.Logger,
	}
}

func (c *Client) RenderPage(ctx context.Context) (string, error) {
	return c.markup(ctx, http.MethodGet, "/page", nil)
}

func (c *Client) RenderContainer(ctx context.Context, containerID string) (string, error) {
	return c.markup(ctx, http.MethodGet, "/containers/"+url.PathEscape(containerID), nil)
}

func (c *Client) RenderComponent(ctx context.Context, componentID string, props map[string]string) (string, error) {
	return c.markup(ctx, http.MethodPost, "/components/"+url.PathEscape(componentID)+"/render",
		renderRequest{Properties: props})
}

func (c *Client) Rearrange(ctx context.Context, containerID string, ids []string) error {
	return c.do(ctx, http.MethodPut, "/containers/"+url.PathEscape(containerID)+"/order",
		orderRequest{Children: ids}, nil)
}

func (c *Client) Move(ctx context.Context, componentID, toContainerID string, index int) error {
	return c.do(ctx, http.MethodPost, "/components/"+url.PathEscape(componentID)+"/move",
		moveRequest{Container: toContainerID, Index: index}, nil)
}

func (c *Client) AddComponent(ctx context.Context, catalogRef, containerID string) (string, error) {
	var resp addResponse
	if err := c.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(containerID)+"/components",
		addRequest{CatalogRef: catalogRef}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("backend: add component: empty id in response")
	}
	return resp.ID, nil
}

func (c *Client) RemoveComponent(ctx context.Context, containerID, componentID string) error {
	return c.do(ctx, http.MethodDelete,
		"/containers/"+url.PathEscape(containerID)+"/components/"+url.PathEscape(componentID), nil, nil)
}

func (c *Client) markup(ctx context.Context, method, path string, body any) (string, error) {
	var buf bytes.Buffer
	if err := c.call(ctx, method, path, body, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if err := c.call(ctx, method, path, body, &buf); err != nil {
		return err
	}
	if out == nil || buf.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, into *bytes.Buffer) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	u := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if lm := page.LastModified(ctx); lm != "" {
		req.Header.Set(HeaderLastModified, lm)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: HTTP %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("backend: call", "method", method, "path", path, "status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e := &Error{Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil {
			e.Code, e.Message = er.ErrorCode, er.Message
		} else {
			e.Message = strings.TrimSpace(string(raw))
		}
		return e
	}
	if _, err := io.Copy(into, resp.Body); err != nil {
		return fmt.Errorf("backend: read %s %s: %w", method, path, err)
	}
	return nil
}
