package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

const (
	minHTTPTimeout = 1 * time.Second
	maxHTTPTimeout = 300 * time.Second
)

// HTTPExecutor issues outbound HTTP requests.
type HTTPExecutor struct {
	guard func(string) error
}

// NewHTTPExecutor creates a new HTTP executor.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{guard: ValidateOutboundURL}
}

type httpConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Query     map[string]string `json:"query"`
	Body      json.RawMessage   `json:"body"`
	TimeoutMS int               `json:"timeout_ms"`
}

type httpOutput struct {
	StatusCode int               `json:"statusCode"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers"`
	DurationMS int64             `json:"durationMs"`
	Success    bool              `json:"success"`
}

// Kind returns the node kind this executor handles.
func (e *HTTPExecutor) Kind() models.NodeKind {
	return models.NodeKindHTTP
}

// Validate checks the node config.
func (e *HTTPExecutor) Validate(config json.RawMessage) error {
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return errorhandling.New(errorhandling.KindValidation, "http node requires a url")
	}
	if cfg.TimeoutMS < 0 {
		return errorhandling.New(errorhandling.KindValidation, "timeout_ms must not be negative")
	}
	return nil
}

// Execute issues the request and records the masked response envelope.
// A non-2xx status is an executor failure.
func (e *HTTPExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	if err := e.guard(cfg.URL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = "GET"
	}

	client := resty.New().SetTimeout(clampTimeout(cfg.TimeoutMS))
	req := client.R().SetContext(ctx).SetHeaders(cfg.Headers).SetQueryParams(cfg.Query)
	if len(cfg.Body) > 0 {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody([]byte(cfg.Body))
	}

	start := time.Now()
	resp, err := req.Execute(method, cfg.URL)
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, errorhandling.Wrap(errorhandling.KindTimeout, err, "http request timed out")
		}
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "http request failed")
	}

	out := httpOutput{
		StatusCode: resp.StatusCode(),
		Body:       string(resp.Body()),
		Headers:    maskAuthHeaders(resp.Header()),
		DurationMS: time.Since(start).Milliseconds(),
		Success:    resp.StatusCode() >= 200 && resp.StatusCode() < 300,
	}
	payload, _ := json.Marshal(out)

	if !out.Success {
		return nil, errorhandling.New(errorhandling.KindExecutorFailure,
			"http request returned status %d", out.StatusCode)
	}

	return &Result{Output: string(payload)}, nil
}

func clampTimeout(timeoutMS int) time.Duration {
	if timeoutMS == 0 {
		return 30 * time.Second
	}
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout < minHTTPTimeout {
		return minHTTPTimeout
	}
	if timeout > maxHTTPTimeout {
		return maxHTTPTimeout
	}
	return timeout
}

func maskAuthHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if strings.EqualFold(key, "Authorization") ||
			strings.EqualFold(key, "Proxy-Authorization") ||
			strings.EqualFold(key, "Cookie") ||
			strings.EqualFold(key, "Set-Cookie") {
			out[key] = "***"
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
