package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxResponseBody       = 4096

	breakerMaxRequests  = 3
	breakerInterval     = 60 * time.Second
	breakerOpenTimeout  = 30 * time.Second
	breakerMinRequests  = 5
	breakerFailureRatio = 0.6
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Webhook sends an HTTP request. Each target host has its own circuit
// breaker, so a dead endpoint fails fast instead of tying up workers.
//
// Parameters:
//   - url (string, required): http or https, templated
//   - method (string, default POST)
//   - headers (object of strings): values templated
//   - body (string or object): strings templated, objects JSON-encoded
//
// A 4xx or 5xx response fails the action; only 5xx and transport errors
// count against the breaker.
type Webhook struct {
	client   HTTPDoer
	logger   automation.Logger
	breakers sync.Map // host -> *gobreaker.CircuitBreaker
}

// NewWebhook creates the webhook handler. A nil client gets a default
// *http.Client with a 10s timeout.
func NewWebhook(client HTTPDoer, logger automation.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Webhook{client: client, logger: logger}
}

type webhookRequest struct {
	method  string
	url     *url.URL
	headers map[string]string
	body    []byte
}

// serverError marks responses that should trip the breaker.
type serverError struct{ status int }

func (e serverError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, http.StatusText(e.status))
}

// Execute sends the request through the host's breaker.
func (h *Webhook) Execute(ctx context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	call, err := buildWebhookRequest(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}

	req, err := http.NewRequestWithContext(ctx, call.method, call.url.String(), bytes.NewReader(call.body))
	if err != nil {
		return automation.ActionOutput{}, fmt.Errorf("building request: %w", err)
	}
	if len(call.body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "graylogic-automation")
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}

	var (
		status int
		body   []byte
	)
	cb := h.breaker(call.url.Host)
	_, err = cb.Execute(func() (interface{}, error) {
		resp, doErr := h.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if status >= http.StatusInternalServerError {
			return nil, serverError{status: status}
		}
		return nil, nil
	})
	if err != nil {
		return automation.ActionOutput{}, fmt.Errorf("%s %s: %w", call.method, call.url.Redacted(), err)
	}

	out := automation.ActionOutput{
		Message: fmt.Sprintf("%s %s returned %d", call.method, call.url.Redacted(), status),
		Output: map[string]any{
			"status_code": status,
			"body":        string(body),
		},
	}
	if status >= http.StatusBadRequest {
		return out, fmt.Errorf("%s %s: HTTP %d", call.method, call.url.Redacted(), status)
	}
	return out, nil
}

// Test validates the request and reports the breaker state without sending.
func (h *Webhook) Test(_ context.Context, action automation.Action, vars map[string]any) (automation.ActionOutput, error) {
	call, err := buildWebhookRequest(action, vars)
	if err != nil {
		return automation.ActionOutput{}, err
	}
	return automation.ActionOutput{
		Message: fmt.Sprintf("would send %s %s", call.method, call.url.Redacted()),
		Output: map[string]any{
			"method":  call.method,
			"url":     call.url.Redacted(),
			"body":    string(call.body),
			"breaker": h.breaker(call.url.Host).State().String(),
		},
	}, nil
}

func (h *Webhook) breaker(host string) *gobreaker.CircuitBreaker {
	if cb, ok := h.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + host,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("webhook breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	actual, _ := h.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func buildWebhookRequest(action automation.Action, vars map[string]any) (webhookRequest, error) {
	raw, err := requiredString(action, "url")
	if err != nil {
		return webhookRequest{}, err
	}
	u, err := url.Parse(Render(raw, vars))
	if err != nil {
		return webhookRequest{}, fmt.Errorf("%w: url: %v", ErrInvalidParameter, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return webhookRequest{}, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidParameter)
	}

	method, err := optionalString(action, "method", http.MethodPost)
	if err != nil {
		return webhookRequest{}, err
	}
	method = strings.ToUpper(method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return webhookRequest{}, fmt.Errorf("%w: unsupported method %q", ErrInvalidParameter, method)
	}

	headers, err := optionalStringMap(action, "headers")
	if err != nil {
		return webhookRequest{}, err
	}
	for k, v := range headers {
		headers[k] = Render(v, vars)
	}

	var body []byte
	switch b := action.Parameters["body"].(type) {
	case nil:
	case string:
		body = []byte(Render(b, vars))
	default:
		body, err = json.Marshal(renderValue(b, vars))
		if err != nil {
			return webhookRequest{}, fmt.Errorf("%w: body: %v", ErrInvalidParameter, err)
		}
	}

	return webhookRequest{method: method, url: u, headers: headers, body: body}, nil
}
