// Package origin talks to the low-code platform whose node, credential and
// template definitions the cache mirrors.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the origin has no object under the key.
var ErrNotFound = errors.New("origin object not found")

// Config configures a Client.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	Timeout        time.Duration // per call
	MaxConcurrency int
}

// StatusError is a non-2xx origin response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin error %d: %s", e.Code, e.Body)
}

// Client fetches and normalizes origin objects. Every call holds one slot
// of a shared semaphore, so refreshes and compile-time repairs together
// never exceed MaxConcurrency in-flight requests.
type Client struct {
	config Config
	client *http.Client
	sem    chan struct{}
	logger *zap.Logger
}

// NewClient creates an origin client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config: cfg,
		client: &http.Client{},
		sem:    make(chan struct{}, cfg.MaxConcurrency),
		logger: logger,
	}
}

// Name identifies the origin in cache keys and events.
func (c *Client) Name() string { return c.config.Name }

func collectionPath(kind schema.Kind) (string, error) {
	switch kind {
	case schema.KindNode:
		return "/api/v1/nodes", nil
	case schema.KindCredential:
		return "/api/v1/credentials", nil
	case schema.KindTemplate:
		return "/api/v1/marketplaces/templates", nil
	}
	return "", fmt.Errorf("unknown kind %q", kind)
}

// List returns every key the origin currently has for kind.
func (c *Client) List(ctx context.Context, kind schema.Kind) ([]string, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := c.get(ctx, path, &items); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	keys := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, raw := range items {
		k := keyOf(kind, raw)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys, nil
}

// Get fetches one object and returns it in cache form. Credentials are
// projected onto the allow-list here, before anything else sees them.
func (c *Client) Get(ctx context.Context, kind schema.Kind, key string) (schemacache.Document, error) {
	path, err := collectionPath(kind)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := c.get(ctx, path+"/"+url.PathEscape(key), &raw); err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, key, err)
	}

	switch kind {
	case schema.KindNode:
		ns, err := NormalizeNode(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize node %s: %w", key, err)
		}
		return schemacache.Encode(ns)
	case schema.KindCredential:
		return schemacache.Document(schema.ProjectCredential(raw)), nil
	default:
		t, err := NormalizeTemplate(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize template %s: %w", key, err)
		}
		return schemacache.Encode(t)
	}
}

func keyOf(kind schema.Kind, raw map[string]any) string {
	switch kind {
	case schema.KindCredential:
		return str(raw["id"])
	case schema.KindTemplate:
		if n := str(raw["templateName"]); n != "" {
			return n
		}
	}
	return str(raw["name"])
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("origin call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
