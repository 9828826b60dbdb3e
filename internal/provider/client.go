package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wheel-screener/internal/market"
)

const (
	quotePath       = "/v1/markets/quote"
	expirationsPath = "/v1/markets/options/expirations"
	chainPath       = "/v1/markets/options/chains"

	expirationLayout = "2006-01-02"
)

// Options parameterise the market-data client.
type Options struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	UserAgent string
	Retry     RetryPolicy

	// RequestsPerSecond caps the steady upstream call rate; zero disables
	// the limiter.
	RequestsPerSecond float64
	Burst             int

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Client fetches snapshots and option chains over HTTP. Every call passes
// through the shared rate limiter and circuit breaker; retries follow the
// single RetryPolicy.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient constructs a market-data client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	threshold := opts.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	scoped := logger.With().Str("component", "provider").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "market-data",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			scoped.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &Client{
		opts:    opts,
		logger:  scoped,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
	}
}

// Degraded reports whether the circuit is anything other than closed.
func (c *Client) Degraded() bool {
	return c.breaker.State() != gobreaker.StateClosed
}

// Quote fetches the underlying snapshot record for one symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (market.RawQuote, error) {
	var res quoteResponse
	err := c.opts.Retry.Do(ctx, c.logger, "quote", func(ctx context.Context) error {
		return c.getJSON(ctx, quotePath, url.Values{"symbol": {symbol}}, &res)
	})
	if err != nil {
		return market.RawQuote{}, fmt.Errorf("fetch quote %s: %w", symbol, err)
	}
	return res.toRawQuote(symbol)
}

// Expirations lists available option expiration dates for a symbol.
func (c *Client) Expirations(ctx context.Context, symbol string) ([]time.Time, error) {
	var res expirationsResponse
	err := c.opts.Retry.Do(ctx, c.logger, "expirations", func(ctx context.Context) error {
		return c.getJSON(ctx, expirationsPath, url.Values{"symbol": {symbol}}, &res)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch expirations %s: %w", symbol, err)
	}
	return res.dates()
}

// Chain fetches all contracts for one (symbol, expiration) pair. Quote
// fields are quality-tagged, percent deltas are normalised to decimal, and
// mid/spread are derived exactly once here.
func (c *Client) Chain(ctx context.Context, symbol string, expiration time.Time) ([]market.Contract, error) {
	query := url.Values{
		"symbol":     {symbol},
		"expiration": {expiration.UTC().Format(expirationLayout)},
	}

	var res chainResponse
	err := c.opts.Retry.Do(ctx, c.logger, "chain", func(ctx context.Context) error {
		return c.getJSON(ctx, chainPath, query, &res)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch chain %s %s: %w", symbol, expiration.Format(expirationLayout), err)
	}

	contracts := make([]market.Contract, 0, len(res.Options.Option))
	for _, opt := range res.Options.Option {
		contract, ok := opt.toContract(symbol)
		if !ok {
			c.logger.Debug().
				Str("symbol", symbol).
				Str("occ", opt.Symbol).
				Msg("dropping chain row without contract identity")
			continue
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return nil, c.doGet(ctx, endpoint, query, out)
	})
	return err
}

func (c *Client) doGet(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIToken)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "wheelscreener/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, endpoint, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w: %v", endpoint, errMalformedPayload, err)
	}
	return nil
}

type errorResponse struct {
	Fault   string `json:"fault"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, endpoint string, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, detail := range []string{apiErr.Message, apiErr.Error, apiErr.Fault} {
			if detail != "" {
				return &APIError{Status: status, Endpoint: endpoint, Detail: detail}
			}
		}
	}
	if len(payload) > 0 {
		return &APIError{Status: status, Endpoint: endpoint, Detail: strings.TrimSpace(string(payload))}
	}
	return &APIError{Status: status, Endpoint: endpoint}
}

var _ MarketData = (*Client)(nil)
var _ Health = (*Client)(nil)
