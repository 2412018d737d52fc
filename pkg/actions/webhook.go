package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookExecutor performs an HTTP call to an external endpoint. 4xx
// responses are permanent failures (the request itself is wrong), 5xx and
// transport errors are transient and retried by the dispatcher.
type WebhookExecutor struct {
	client *http.Client
}

func NewWebhookExecutor() *WebhookExecutor {
	// Per-attempt deadlines come from the dispatcher's context.
	return &WebhookExecutor{client: &http.Client{}}
}

func (e *WebhookExecutor) Execute(ctx context.Context, config map[string]any, _ map[string]any) (map[string]any, error) {
	url := configString(config, "url")
	if url == "" {
		return nil, NewPermanentError(errors.New("webhook action requires a url"))
	}

	method := strings.ToUpper(configString(config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, err := encodeBody(config["body"])
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("invalid webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("invalid webhook request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	if headers, ok := config["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return output, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return output, NewPermanentError(fmt.Errorf("webhook returned %d", resp.StatusCode))
	default:
		return output, NewTransientError(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.NewReader(b), nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}

		return bytes.NewReader(encoded), nil
	}
}
