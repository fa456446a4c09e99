// Package feed fetches killmails from the killboard API.
package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/runnerr0/killfeed/internal/killmail"
)

// DefaultURL lists kills newest first.
const DefaultURL = "https://api.openperpetuum.com/killboard/kill?order-by[0][type]=field&order-by[0][field]=date&order-by[0][direction]=desc"

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
)

// FetchError reports a failed request or a non-success response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClientOptions configures a Client.
type ClientOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	HTTP      *http.Client

	// Logger receives warnings about skipped or degraded records.
	Logger *slog.Logger
}

// Client fetches the current killmail list.
type Client struct {
	url       string
	userAgent string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient creates a Client with defaults for unset options.
func NewClient(opts ClientOptions) *Client {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = DefaultURL
	}

	client := opts.HTTP
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "killfeed"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{url: url, userAgent: ua, http: client, logger: logger.With("component", "feed")}
}

// URL returns the endpoint the client polls.
func (c *Client) URL() string {
	return c.url
}

// Fetch performs one GET against the feed. Transport failures and non-2xx
// responses return a *FetchError; an unreadable payload a
// *killmail.ParseError. Bad records inside a readable payload are skipped.
func (c *Client) Fetch(ctx context.Context) ([]killmail.Killmail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	req.Header.Set("Accept", "application/hal+json, application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: c.url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: c.url, StatusCode: resp.StatusCode, Err: err}
	}

	return killmail.ParseFeed(body, c.logger)
}
