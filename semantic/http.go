package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dshills/interruptgraph/graph"
	"github.com/dshills/interruptgraph/graph/tool"
)

// DefaultCallTimeout bounds each HTTPCatalog request attempt.
const DefaultCallTimeout = 10 * time.Second

// StatusError is a non-2xx response from the catalog service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("catalog service returned %d: %s", e.StatusCode, strings.TrimSpace(body))
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// errTransport marks failures to reach the service at all.
var errTransport = errors.New("catalog transport error")

// HTTPCatalog is a Catalog backed by a REST service:
//
//	GET  {base}/models
//	GET  {base}/models/{model}/explores/{explore}/fields
//	POST {base}/queries   -> {"query": "..."}
//
// Requests go through an http_request tool. Transport errors, 429 and 5xx
// responses are retried with the configured policy; each attempt is bounded
// by the call timeout.
type HTTPCatalog struct {
	baseURL string
	http    tool.Tool
	retry   *graph.RetryPolicy
	timeout time.Duration
	headers map[string]any
}

// HTTPOption configures an HTTPCatalog.
type HTTPOption func(*HTTPCatalog)

// WithHTTPTool replaces the request tool. The default is tool.NewHTTPTool(nil).
func WithHTTPTool(t tool.Tool) HTTPOption {
	return func(c *HTTPCatalog) { c.http = t }
}

// WithCatalogRetry sets the retry policy for transient failures.
func WithCatalogRetry(p *graph.RetryPolicy) HTTPOption {
	return func(c *HTTPCatalog) { c.retry = p }
}

// WithCallTimeout bounds each request attempt.
func WithCallTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPCatalog) { c.timeout = d }
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) HTTPOption {
	return func(c *HTTPCatalog) { c.headers[key] = value }
}

// NewHTTPCatalog creates a catalog client for the service at baseURL.
func NewHTTPCatalog(baseURL string, opts ...HTTPOption) (*HTTPCatalog, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid catalog URL %q", baseURL)
	}

	c := &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    tool.NewHTTPTool(nil),
		retry: &graph.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable:   isTransient,
		},
		timeout: DefaultCallTimeout,
		headers: map[string]any{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry != nil {
		if err := c.retry.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ListModels implements Catalog.
func (c *HTTPCatalog) ListModels(ctx context.Context) ([]ModelRef, error) {
	var models []ModelRef
	if err := c.do(ctx, http.MethodGet, "/models", nil, &models); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return models, nil
}

// ListFields implements Catalog.
func (c *HTTPCatalog) ListFields(ctx context.Context, model, explore string) ([]FieldRef, error) {
	path := fmt.Sprintf("/models/%s/explores/%s/fields", url.PathEscape(model), url.PathEscape(explore))
	var fields []FieldRef
	if err := c.do(ctx, http.MethodGet, path, nil, &fields); err != nil {
		return nil, fmt.Errorf("list fields %s.%s: %w", model, explore, err)
	}
	for i := range fields {
		fields[i].Model = model
		fields[i].Explore = explore
	}
	return fields, nil
}

// GenerateQuery implements Catalog.
func (c *HTTPCatalog) GenerateQuery(ctx context.Context, req QueryRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	body := map[string]any{
		"model":      req.Model,
		"explore":    req.Explore,
		"dimensions": req.Dimensions,
		"measures":   req.Measures,
		"filters":    req.Filters,
	}
	var out struct {
		Query string `json:"query"`
	}
	if err := c.do(ctx, http.MethodPost, "/queries", body, &out); err != nil {
		return "", fmt.Errorf("generate query: %w", err)
	}
	if out.Query == "" {
		return "", fmt.Errorf("generate query: empty query in response")
	}
	return out.Query, nil
}

func (c *HTTPCatalog) do(ctx context.Context, method, path string, body any, out any) error {
	input := map[string]any{
		"method":  method,
		"url":     c.baseURL + path,
		"headers": c.headers,
	}
	if body != nil {
		input["body"] = body
	}

	var payload string
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		res, err := c.http.Call(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %w", errTransport, err)
		}

		status, _ := res["status_code"].(int)
		text, _ := res["body"].(string)
		if status < 200 || status >= 300 {
			if status == http.StatusNotFound {
				return fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return &StatusError{StatusCode: status, Body: text}
		}
		payload = text
		return nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isTransient reports whether a catalog call failure is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, errTransport) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Temporary()
}
