package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/runnerr0/killfeed/internal/layout"
)

// DeliveryError reports a container a channel did not accept.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// WebhookOptions configures a WebhookSink.
type WebhookOptions struct {
	Client     *http.Client
	Username   string
	MaxRetries int
	// Limiter paces requests to the webhook. Nil means unpaced.
	Limiter *rate.Limiter
	Backoff func(retry int) time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error
}

// WebhookSink posts containers as chat embeds to an incoming webhook.
type WebhookSink struct {
	url        string
	name       string
	client     *http.Client
	username   string
	maxRetries int
	limiter    *rate.Limiter
	backoff    func(retry int) time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewWebhookSink creates a sink for the webhook at url. name labels errors.
func NewWebhookSink(url, name string, opts WebhookOptions) *WebhookSink {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	backoff := opts.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}

	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &WebhookSink{
		url:        strings.TrimSpace(url),
		name:       name,
		client:     client,
		username:   strings.TrimSpace(opts.Username),
		maxRetries: maxRetries,
		limiter:    opts.Limiter,
		backoff:    backoff,
		sleep:      sleep,
	}
}

type embedAuthor struct {
	Name string `json:"name"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title     string         `json:"title"`
	URL       string         `json:"url,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Author    *embedAuthor   `json:"author,omitempty"`
	Footer    *embedFooter   `json:"footer,omitempty"`
	Fields    []layout.Field `json:"fields"`
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

// Payload returns the webhook request body for c.
func (s *WebhookSink) Payload(c layout.Container) ([]byte, error) {
	e := embed{
		Title:  c.Title,
		URL:    c.URL,
		Fields: c.Fields,
	}
	if !c.Timestamp.IsZero() {
		e.Timestamp = c.Timestamp.UTC().Format(time.RFC3339)
	}
	if c.Author != "" {
		e.Author = &embedAuthor{Name: c.Author}
	}
	if c.Footer != "" {
		e.Footer = &embedFooter{Text: c.Footer}
	}
	if e.Fields == nil {
		e.Fields = []layout.Field{}
	}
	return json.Marshal(webhookPayload{Username: s.username, Embeds: []embed{e}})
}

// Send delivers c, retrying transport failures and 5xx responses with
// backoff and honouring 429 retry hints. Other 4xx responses fail at once.
func (s *WebhookSink) Send(ctx context.Context, c layout.Container) error {
	payload, err := s.Payload(c)
	if err != nil {
		return &DeliveryError{Channel: s.name, Err: fmt.Errorf("encode payload: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return &DeliveryError{Channel: s.name, Err: err}
			}
		}

		status, body, header, err := s.post(ctx, payload)
		if err == nil && status >= http.StatusOK && status < http.StatusMultipleChoices {
			return nil
		}

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return &DeliveryError{Channel: s.name, Err: ctx.Err()}
			}
			lastErr = &DeliveryError{Channel: s.name, Err: err}
			wait = s.backoff(attempt + 1)
		case status == http.StatusTooManyRequests:
			lastErr = &DeliveryError{Channel: s.name, StatusCode: status, Err: errors.New("rate limited")}
			wait = retryAfter(header, body)
			if wait <= 0 {
				wait = s.backoff(attempt + 1)
			}
		case status >= http.StatusInternalServerError:
			lastErr = &DeliveryError{Channel: s.name, StatusCode: status, Err: responseError(body)}
			wait = s.backoff(attempt + 1)
		default:
			return &DeliveryError{Channel: s.name, StatusCode: status, Err: responseError(body)}
		}

		if attempt == s.maxRetries {
			break
		}
		if err := s.sleep(ctx, wait); err != nil {
			return &DeliveryError{Channel: s.name, Err: err}
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) (int, []byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, body, resp.Header, nil
}

// retryAfter reads the wait hint of a 429 response from the JSON body's
// retry_after (seconds) or the Retry-After header.
func retryAfter(header http.Header, body []byte) time.Duration {
	var hint struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &hint); err == nil && hint.RetryAfter > 0 {
		return time.Duration(hint.RetryAfter * float64(time.Second))
	}
	if header != nil {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(header.Get("Retry-After")), 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}

func responseError(body []byte) error {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return errors.New("webhook rejected the message")
	}
	return fmt.Errorf("webhook rejected the message: %s", text)
}

func defaultBackoff(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	delay := time.Second << (retry - 1)
	if delay > 30*time.Second {
		return 30 * time.Second
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
