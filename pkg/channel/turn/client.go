package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"turnrelay/pkg/config"
)

const (
	HeaderSignature    = "X-Turn-Hook-Signature"
	HeaderClaim        = "X-Turn-Claim"
	HeaderClaimExtend  = "X-Turn-Claim-Extend"
	HeaderClaimRelease = "X-Turn-Claim-Release"

	automationAccept   = "application/vnd.v1+json"
	maxResponseBytes   = 1 << 20
	errorBodyPreview   = 512
	defaultHTTPTimeout = 30 * time.Second
)

// Client is the process-wide Turn API client. It owns the HTTP transport and
// the retry policy shared by message sends, automation handoffs and media uploads.
type Client struct {
	http       *http.Client
	baseURL    string
	token      string
	retries    int
	newBackOff func() backoff.BackOff
	log        *slog.Logger
}

// NewClient builds a Client from the Turn channel settings. A nil httpClient
// gets a default client bounded by http_timeout_seconds.
func NewClient(cfg config.TurnConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.URL)
	if baseURL == "" {
		return nil, errors.New("turn url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse turn url: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("turn token is required")
	}

	if httpClient == nil {
		timeout := defaultHTTPTimeout
		if cfg.HTTPTimeoutSeconds > 0 {
			timeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		http:       httpClient,
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		retries:    cfg.Retries(),
		newBackOff: backOffFactory(cfg.RetryBackoff),
		log:        log,
	}, nil
}

func backOffFactory(cfg config.BackoffConfig) func() backoff.BackOff {
	if cfg.InitialMillis <= 0 {
		return func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}

	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Duration(cfg.InitialMillis) * time.Millisecond
		if cfg.MaxMillis > 0 {
			b.MaxInterval = time.Duration(cfg.MaxMillis) * time.Millisecond
		}
		return b
	}
}

func (c *Client) BaseURL() string { return c.baseURL }
func (c *Client) Token() string   { return c.token }

func (c *Client) endpoint(parts ...string) (string, error) {
	return joinURL(c.baseURL, parts...)
}

func joinURL(base string, parts ...string) (string, error) {
	joined, err := url.JoinPath(base, parts...)
	if err != nil {
		return "", fmt.Errorf("join %s: %w", base, err)
	}
	return joined, nil
}

// retry runs op until it succeeds or the attempt budget is spent and returns
// the number of attempts made with the last error. Context cancellation stops
// retrying immediately.
func (c *Client) retry(ctx context.Context, operation string, op func(attempt int) error) (int, error) {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(attempt)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("Retrying Turn API call",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", c.retries,
				"next_in", next,
				"error", err,
			)
		}),
	)
	return attempt, err
}

// postJSON sends payload to endpoint with bearer auth and extra headers,
// retrying on transport and non-2xx failures. It returns the response body.
func (c *Client) postJSON(ctx context.Context, operation string, endpoint string, header http.Header, payload []byte) ([]byte, error) {
	var responseBody []byte
	attempts, err := c.retry(ctx, operation, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build %s request: %w", operation, err))
		}
		for key, values := range header {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		if payload != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		c.authorize(req)

		responseBody, err = c.do(req, operation)
		return err
	})
	if err != nil {
		return nil, newError(ErrorDelivery, fmt.Sprintf("%s failed after %s", operation, attemptCount(attempts)), err)
	}

	return responseBody, nil
}

func attemptCount(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// do executes req and returns its body, or a StatusError for non-2xx responses.
func (c *Client) do(req *http.Request, operation string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", operation, err)
	}
	if err := checkStatus(operation, resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

func checkStatus(operation string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	preview := strings.TrimSpace(string(body))
	if len(preview) > errorBodyPreview {
		preview = preview[:errorBodyPreview]
	}

	return &StatusError{Operation: operation, StatusCode: status, Body: preview}
}
