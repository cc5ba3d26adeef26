// Package convert is the client of the external Conversion Service, which
// turns a source file reference into a converted file reference.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"docjobs/internal/task"
)

// Request asks for one conversion.
type Request struct {
	SourceRef    string            `json:"source_ref"`
	TargetFormat string            `json:"target_format"`
	Options      map[string]string `json:"options,omitempty"`
}

// Result is a finished conversion.
type Result struct {
	OutputRef string `json:"output_ref"`
	Pages     int    `json:"pages,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
}

// Converter converts files. Errors are classified for the task retry engine.
type Converter interface {
	Convert(ctx context.Context, req Request) (Result, error)
}

// Config configures the HTTP client.
type Config struct {
	URL string `yaml:"url"`
	// Token is a static bearer token. Ignored when client credentials are set.
	Token        string        `yaml:"token"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
	Scopes       []string      `yaml:"scopes"`
	Timeout      time.Duration `yaml:"timeout"`
	// MaxAttempts bounds transport-level retries of a single Convert call.
	MaxAttempts uint `yaml:"max_attempts"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conversion service error %d: %s", e.StatusCode, e.Message)
}

// Client calls the Conversion Service over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts uint
	retryWait   time.Duration
	logger      *slog.Logger
}

// NewClient creates a client. OAuth2 client credentials are used when a
// client id and token url are configured, a static bearer token otherwise.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("conversion service url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	var httpClient *http.Client
	switch {
	case cfg.ClientID != "" && cfg.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(ctx)
	case cfg.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	default:
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		httpClient:  httpClient,
		maxAttempts: cfg.MaxAttempts,
		retryWait:   200 * time.Millisecond,
		logger:      logger.With("component", "convert"),
	}, nil
}

// Convert submits req and waits for the converted file.
//
// Transport errors and 5xx responses are retried in place. Rate limiting is
// returned at once as task.RateLimited so the task yields its slot, other
// 4xx responses are task.Permanent.
func (c *Client) Convert(ctx context.Context, req Request) (Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryWait

	res, err := backoff.Retry(ctx, func() (Result, error) {
		var res Result
		httpReq, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/v1/conversions", req)
		if err != nil {
			return res, backoff.Permanent(task.Permanent(err))
		}
		if err := c.do(httpReq, &res); err != nil {
			return res, err
		}
		return res, nil
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "conversion request failed, retrying", "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		var te *task.Error
		if errors.As(err, &te) {
			return Result{}, err
		}
		return Result{}, task.Transient(fmt.Errorf("conversion failed: %w", err))
	}
	return res, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var buf io.ReadWriter
	if body != nil {
		buf = &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if v != nil {
			if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
				return backoff.Permanent(task.Permanent(fmt.Errorf("error decoding response: %w", err)))
			}
		}
		return nil
	}

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return backoff.Permanent(task.RateLimited(apiErr, retryAfter(resp.Header.Get("Retry-After"))))
	case resp.StatusCode >= 500:
		return apiErr
	default:
		return backoff.Permanent(task.Permanent(apiErr))
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
