// Package resolver fetches prediction outcomes from an external resolution
// service, either by polling its HTTP API or by following its WebSocket feed.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phenomenon0/prophetia/pkg/eth"
	"github.com/phenomenon0/prophetia/pkg/oracle/prediction"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimit = 5.0 // requests per second
	defaultBurst     = 5

	// maxBatch bounds the number of ids per request.
	maxBatch = 50
)

// Resolution is an outcome reported by the resolution service.
type Resolution struct {
	PredictionID string              `json:"prediction_id"`
	Won          bool                `json:"won"`
	Profit       decimal.Decimal     `json:"profit"`
	ActualValue  decimal.NullDecimal `json:"actual_value"`
	Attestation  *eth.Attestation    `json:"attestation,omitempty"`
}

// Outcome converts r to a ledger outcome.
func (r Resolution) Outcome() prediction.Outcome {
	return prediction.Outcome{
		PredictionID: r.PredictionID,
		Won:          r.Won,
		Profit:       r.Profit,
		ActualValue:  r.ActualValue,
	}
}

// APIError is a non-2xx response from the resolution service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for the resolution service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	retryDelay time.Duration
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetries sets how often a failed request is retried and the initial
// delay between attempts.
func WithRetries(n uint64, initial time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
		c.retryDelay = initial
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Resolutions returns the known outcomes for ids. Predictions the service
// has not resolved yet are absent from the result.
func (c *Client) Resolutions(ctx context.Context, ids []string) ([]Resolution, error) {
	var out []Resolution
	for start := 0; start < len(ids); start += maxBatch {
		end := min(start+maxBatch, len(ids))

		params := url.Values{}
		params.Set("ids", strings.Join(ids[start:end], ","))

		var batch []Resolution
		if err := c.get(ctx, "/resolutions", params, &batch); err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// Resolution fetches the outcome of a single prediction.
func (c *Client) Resolution(ctx context.Context, id string) (*Resolution, error) {
	var r Resolution
	if err := c.get(ctx, "/resolutions/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)
}

// get performs a rate limited GET. Transport errors and 5xx responses are
// retried; other failures are returned immediately.
func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	err := backoff.Retry(op, c.newBackOff(ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
