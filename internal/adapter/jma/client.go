package jma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
	"github.com/couchcryptid/jma-forecast-etl/internal/observability"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	DefaultAreaURL         = "https://www.jma.go.jp/bosai/common/const/area.json"
	DefaultForecastBaseURL = "https://www.jma.go.jp/bosai/forecast/data/forecast"

	userAgent    = "jma-forecast-etl/1.0"
	maxErrorBody = 512
)

// RetryPolicy bounds a fetch: up to MaxAttempts attempts, each limited to
// Timeout, separated by a fixed Delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Timeout     time.Duration
}

// Validate reports a policy that cannot be used.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if p.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if p.Delay < 0 {
		return errors.New("retry delay cannot be negative")
	}
	return nil
}

// Client fetches the JMA area and forecast documents.
type Client struct {
	areaURL         string
	forecastBaseURL string
	httpClient      *http.Client
	policy          RetryPolicy
	limiter         *rate.Limiter
	clock           clockwork.Clock
	metrics         *observability.Metrics
	logger          *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithAreaURL overrides the area-hierarchy document URL.
func WithAreaURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.areaURL = u
		}
	}
}

// WithForecastBaseURL overrides the directory forecast documents live under.
func WithForecastBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.forecastBaseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimit caps requests per second across all callers. Zero or less
// disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithClock replaces the clock used for retry delays.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a feed client. It fails when the policy is invalid.
func NewClient(policy RetryPolicy, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("jma client: %w", err)
	}
	c := &Client{
		areaURL:         DefaultAreaURL,
		forecastBaseURL: DefaultForecastBaseURL,
		httpClient:      &http.Client{},
		policy:          policy,
		clock:           clockwork.NewRealClock(),
		metrics:         metrics,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ForecastURL returns the forecast document URL for an area code.
func (c *Client) ForecastURL(areaCode string) string {
	return fmt.Sprintf("%s/%s.json", c.forecastBaseURL, areaCode)
}

// FetchAreaDocument returns the raw area-hierarchy document. Only a body that
// is not a JSON object counts as a retryable decode failure; a well-formed
// object with a bad structure is returned as is and fails once in
// domain.ParseAreaTree, which ends the run.
func (c *Client) FetchAreaDocument(ctx context.Context) ([]byte, error) {
	return c.Fetch(ctx, c.areaURL, func(body []byte) error {
		var obj map[string]json.RawMessage
		return json.Unmarshal(body, &obj)
	})
}

// FetchAreaTree fetches and parses the area hierarchy. A document that
// arrives but cannot be parsed yields *domain.ParseError.
func (c *Client) FetchAreaTree(ctx context.Context) (*domain.AreaTree, error) {
	body, err := c.FetchAreaDocument(ctx)
	if err != nil {
		return nil, err
	}
	return domain.ParseAreaTree(body)
}

// FetchForecast fetches and decodes the forecast document for one area.
func (c *Client) FetchForecast(ctx context.Context, areaCode string) (domain.ForecastDocument, error) {
	var doc domain.ForecastDocument
	_, err := c.Fetch(ctx, c.ForecastURL(areaCode), func(body []byte) error {
		var err error
		doc, err = domain.ParseForecastDocument(body)
		return err
	})
	if err != nil {
		return domain.ForecastDocument{}, err
	}
	return doc, nil
}

// Fetch GETs url until decode accepts the body or the policy is exhausted.
// Transport errors, non-2xx statuses and decode errors are all retried after
// the fixed delay. The error is always a *domain.FetchFailure.
func (c *Client) Fetch(ctx context.Context, url string, decode func([]byte) error) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.policy.Delay); err != nil {
				return nil, &domain.FetchFailure{URL: url, Attempts: attempt - 1, LastError: lastErr}
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &domain.FetchFailure{URL: url, Attempts: attempt - 1, LastError: firstNonNil(lastErr, err)}
			}
		}

		body, err := c.attempt(ctx, url)
		if err == nil {
			if decodeErr := decode(body); decodeErr != nil {
				err = asDecodeError(decodeErr)
			}
		}
		if err == nil {
			c.metrics.FetchAttempts.WithLabelValues("success").Inc()
			return body, nil
		}

		lastErr = err
		class := domain.ClassifyFetchError(err)
		c.metrics.FetchAttempts.WithLabelValues(class).Inc()
		c.logger.Warn("fetch attempt failed",
			"url", url,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"class", class,
			"error", err,
		)
	}

	c.metrics.FetchFailures.Inc()
	return nil, &domain.FetchFailure{URL: url, Attempts: c.policy.MaxAttempts, LastError: lastErr}
}

func (c *Client) attempt(ctx context.Context, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	defer func() { c.metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func asDecodeError(err error) error {
	var decodeErr *domain.DecodeError
	if errors.As(err, &decodeErr) {
		return err
	}
	return &domain.DecodeError{Err: err}
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
