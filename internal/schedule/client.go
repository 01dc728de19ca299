package schedule

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/atmx/wager-engine/internal/model"
)

const (
	// DefaultBaseURL is the RapidAPI api-nba v1 endpoint.
	DefaultBaseURL = "https://api-nba-v1.p.rapidapi.com"
	DefaultAPIHost = "api-nba-v1.p.rapidapi.com"

	defaultRateLimit = 2.0 // requests per second
	defaultBurst     = 2

	// fetchTimeout bounds a shared upstream call, which outlives any single
	// caller's context.
	fetchTimeout = 30 * time.Second

	dateLayout = "2006-01-02"
)

// Client fetches the day's games. Concurrent requests for the same date share
// one upstream call.
type Client struct {
	baseURL    string
	apiKey     string
	apiHost    string
	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithAPIHost overrides the x-rapidapi-host header.
func WithAPIHost(host string) ClientOption {
	return func(c *Client) {
		c.apiHost = host
	}
}

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

// NewClient creates a schedule client authenticated with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		apiHost: DefaultAPIHost,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchSchedule returns the normalized games played or scheduled on date
// (UTC calendar day).
func (c *Client) FetchSchedule(ctx context.Context, date time.Time) ([]model.GameSummary, error) {
	day := date.UTC().Format(dateLayout)

	ch := c.group.DoChan(day, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fctx, day)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	// Each caller gets its own slice.
	games := res.Val.([]model.GameSummary)
	out := make([]model.GameSummary, len(games))
	copy(out, games)
	return out, nil
}

func (c *Client) fetch(ctx context.Context, day string) ([]model.GameSummary, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("schedule: rate limit: %w", err)
	}

	params := url.Values{}
	params.Set("date", day)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/games?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("schedule: creating request: %w", err)
	}
	req.Header.Set("x-rapidapi-key", c.apiKey)
	req.Header.Set("x-rapidapi-host", c.apiHost)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("schedule: fetching games for %s: %w", day, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("schedule: games API returned %d: %s", resp.StatusCode, string(body))
	}

	return DecodeFeed(resp.Body)
}
