package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes bounds the response body read by HTTPTool.
const maxResponseBytes = 4 << 20

// HTTPTool is a tool for making HTTP requests.
//
// Input Parameters:
//   - method: HTTP method ("GET", "POST", "PUT" or "DELETE", defaults to "GET")
//   - url: Target URL (required)
//   - headers: Optional map of HTTP headers
//   - body: Optional request body. A string is sent as is; any other value
//     is encoded as JSON with a JSON content type.
//
// Output:
//   - status_code: HTTP status code (e.g., 200, 404)
//   - headers: Response headers as map
//   - body: Response body as string
//   - json: Decoded body, present when the response is JSON
//
// Example usage:
//
//	tool := NewHTTPTool(nil)
//	result, err := tool.Call(ctx, map[string]any{
//	    "method": "POST",
//	    "url":    "https://semantic.example.com/queries",
//	    "body":   map[string]any{"model": "ecommerce"},
//	})
//	fmt.Printf("Status: %d, Body: %s\n", result["status_code"], result["body"])
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTP tool. A nil client uses a default client;
// timeouts come from the call context.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{client: client}
}

// Name returns the tool identifier.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Call executes an HTTP request with the provided parameters.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST, PUT, DELETE)", method)
	}

	var body io.Reader
	var jsonBody bool
	switch b := input["body"].(type) {
	case nil:
	case string:
		if b != "" {
			body = strings.NewReader(b)
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
		jsonBody = true
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if jsonBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(respBody) > 0 {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			result["json"] = decoded
		}
	}
	return result, nil
}
