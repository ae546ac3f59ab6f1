package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Config is shared by every downstream client.
type Config struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// StatusError is a non-2xx answer from a downstream service.
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Message)
}

type baseClient struct {
	service    string
	baseURL    string
	authToken  string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func newBaseClient(service string, config Config) baseClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return baseClient{
		service:    service,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		authToken:  strings.TrimSpace(config.AuthToken),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

// doJSON sends body as JSON and decodes a 2xx answer into out. Retries are
// applied only when retry is set, for timeouts, 429 and 5xx answers.
func (c *baseClient) doJSON(ctx context.Context, method, path string, body any, out any, retry bool) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", c.service, err)
		}
		payload = encoded
	}

	attempts := 0
	if retry {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		callErr := c.call(ctx, method, path, payload, out)
		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if !isRetryable(callErr) || attempt == attempts {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *baseClient) call(ctx context.Context, method, path string, payload []byte, out any) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.service, err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timeout: %w", c.service, err)
		}
		return fmt.Errorf("%s transport error: %w", c.service, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read %s body: %w", c.service, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &StatusError{
			Service:    c.service,
			StatusCode: response.StatusCode,
			Message:    errorMessage(raw),
		}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

// errorMessage pulls a readable message out of an error body.
func errorMessage(raw []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
		Params struct {
			ErrMsg string `json:"errmsg"`
		} `json:"params"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		for _, candidate := range []string{envelope.Params.ErrMsg, envelope.Error.Message, envelope.Message} {
			if strings.TrimSpace(candidate) != "" {
				return strings.TrimSpace(candidate)
			}
		}
	}
	return truncate(strings.TrimSpace(string(raw)), 700)
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

// IsNotFound reports whether err is a 404 from a downstream service.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
