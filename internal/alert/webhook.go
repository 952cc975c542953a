package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	maxRetryAfter  = 30 * time.Second
	userAgent      = "consentgate-alert"
)

var (
	httpClient = &http.Client{Timeout: requestTimeout}
	retryDelay = time.Second
)

// DeliveryError reports a webhook that did not accept an alert.
type DeliveryError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s: HTTP %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("webhook %s: %v after %d attempt(s)", e.URL, e.Err, e.Attempts)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Send posts event to the webhook in cfg. Transport errors, 5xx and 429 are
// retried with a growing delay; a 429 Retry-After is honoured up to 30s.
// Any other 4xx fails at once.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("alert: format payload: %w", err)
	}

	derr := &DeliveryError{URL: cfg.URL}
	var wait time.Duration
	for derr.Attempts < maxAttempts {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		derr.Attempts++

		resp, err := post(ctx, cfg, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			derr.StatusCode, derr.Err = 0, err
			wait = retryDelay * time.Duration(derr.Attempts)
			continue
		}
		resp.Body.Close()

		code := resp.StatusCode
		switch {
		case code >= 200 && code < 300:
			return nil
		case code == http.StatusTooManyRequests:
			wait = retryAfter(resp.Header.Get("Retry-After"), retryDelay*time.Duration(derr.Attempts))
		case code >= 500:
			wait = retryDelay * time.Duration(derr.Attempts)
		default:
			derr.StatusCode = code
			return derr
		}
		derr.StatusCode, derr.Err = code, nil
	}
	return derr
}

func post(ctx context.Context, cfg AlertConfig, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	return httpClient.Do(req)
}

// retryAfter reads a Retry-After value in seconds, falling back to def.
func retryAfter(header string, def time.Duration) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return def
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
