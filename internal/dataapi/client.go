package dataapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/whooprelay/internal/metrics"
)

const (
	DefaultBaseURL           = "https://api.prod.whoop.com/developer"
	DefaultRequestsPerMinute = 100
	DefaultMaxRetryAfter     = 5 * time.Minute
	DefaultPageLimit         = 25

	profilePath      = "/v1/user/profile/basic"
	maxResponseBytes = 4 << 20
)

// TokenSource supplies bearer tokens per user. ForceRefresh is called once
// after a 401 with the token that was rejected.
type TokenSource interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
	ForceRefresh(ctx context.Context, userID int64, staleToken string) (string, error)
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Clock      clockwork.Clock
	Logger     logrus.FieldLogger
	Policy     Policy
	// RequestsPerMinute paces outbound calls. Negative disables pacing.
	RequestsPerMinute int
	// MaxRetryAfter is the longest Retry-After the client will sleep through;
	// longer ones surface as *RateLimitedError.
	MaxRetryAfter time.Duration
}

type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokens        TokenSource
	clock         clockwork.Clock
	log           logrus.FieldLogger
	policy        Policy
	limiter       *rate.Limiter
	maxRetryAfter time.Duration

	mu          sync.Mutex
	pausedUntil time.Time
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultBackoffPolicy()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	rpm := opts.RequestsPerMinute
	if rpm == 0 {
		rpm = DefaultRequestsPerMinute
	}
	if rpm > 0 {
		burst := rpm / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
	}
	maxRetryAfter := opts.MaxRetryAfter
	if maxRetryAfter <= 0 {
		maxRetryAfter = DefaultMaxRetryAfter
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		tokens:        opts.Tokens,
		clock:         clock,
		log:           logger.WithField("component", "dataapi"),
		policy:        policy,
		limiter:       limiter,
		maxRetryAfter: maxRetryAfter,
	}
}

// FetchRecord loads a single object. A 404 yields ErrResourceGone.
func (c *Client) FetchRecord(ctx context.Context, userID int64, resource Resource, id string) (Record, error) {
	spec, ok := resourceSpecs[resource]
	if !ok {
		return Record{}, fmt.Errorf("unknown resource %q", resource)
	}
	if strings.TrimSpace(id) == "" {
		return Record{}, errors.New("empty object id")
	}
	body, err := c.get(ctx, userID, resource.String(), fmt.Sprintf(spec.item, url.PathEscape(id)), nil)
	if err != nil {
		return Record{}, err
	}
	return parseRecord(resource, body)
}

// ListPage fetches one page of a collection listing.
func (c *Client) ListPage(ctx context.Context, userID int64, resource Resource, q Query) (Page, error) {
	spec, ok := resourceSpecs[resource]
	if !ok {
		return Page{}, fmt.Errorf("unknown resource %q", resource)
	}
	params := url.Values{}
	if !q.Start.IsZero() {
		params.Set("start", q.Start.UTC().Format(time.RFC3339Nano))
	}
	if !q.End.IsZero() {
		params.Set("end", q.End.UTC().Format(time.RFC3339Nano))
	}
	limit := q.Limit
	if limit <= 0 || limit > DefaultPageLimit {
		limit = DefaultPageLimit
	}
	params.Set("limit", strconv.Itoa(limit))
	if q.NextToken != "" {
		params.Set("nextToken", q.NextToken)
	}
	body, err := c.get(ctx, userID, resource.String(), spec.collection, params)
	if err != nil {
		return Page{}, err
	}
	return parsePage(resource, body)
}

// UserID resolves the owner of accessToken from the basic profile.
func (c *Client) UserID(ctx context.Context, accessToken string) (int64, error) {
	body, err := c.do(ctx, "profile", profilePath, nil, accessToken, nil)
	if err != nil {
		return 0, err
	}
	var profile struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return 0, fmt.Errorf("decode profile: %w", err)
	}
	if profile.UserID <= 0 {
		return 0, errors.New("profile has no user_id")
	}
	return profile.UserID, nil
}

func (c *Client) get(ctx context.Context, userID int64, label, path string, params url.Values) ([]byte, error) {
	if c.tokens == nil {
		return nil, errors.New("dataapi: no token source configured")
	}
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, label, path, params, token, func(stale string) (string, error) {
		return c.tokens.ForceRefresh(ctx, userID, stale)
	})
}

func (c *Client) do(ctx context.Context, label, path string, params url.Values, token string, reauth func(string) (string, error)) ([]byte, error) {
	retries := c.policy.NewBackOff()
	refreshed := false
	for {
		if err := c.waitTurn(ctx); err != nil {
			return nil, err
		}
		status, header, body, err := c.send(ctx, path, params, token)
		metrics.RecordAPIResponse(label, status)

		var failure error
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failure = &TransientError{Err: err}
		case status >= 200 && status <= 299:
			return body, nil
		case status == http.StatusUnauthorized:
			if refreshed || reauth == nil {
				return nil, fmt.Errorf("%w: GET %s", ErrAuthExpired, path)
			}
			refreshed = true
			token, err = reauth(token)
			if err != nil {
				return nil, err
			}
			continue
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("%w: GET %s", ErrResourceGone, path)
		case status == http.StatusTooManyRequests:
			wait := retries.NextBackOff()
			retryAfter := ParseRetryAfter(header.Get("Retry-After"), c.clock.Now())
			if retryAfter <= 0 && wait != backoff.Stop {
				retryAfter = wait
			}
			c.pause(retryAfter)
			rl := &RateLimitedError{RetryAfter: retryAfter}
			if wait == backoff.Stop || retryAfter > c.maxRetryAfter {
				return nil, rl
			}
			c.log.WithFields(logrus.Fields{"path": path, "retry_after": retryAfter}).Info("rate limited by data api")
			continue
		case status == http.StatusRequestTimeout || status >= 500:
			failure = &TransientError{StatusCode: status, Err: fmt.Errorf("GET %s: %s", path, snippet(body))}
		default:
			return nil, fmt.Errorf("data api GET %s: status=%d body=%s", path, status, snippet(body))
		}

		wait := retries.NextBackOff()
		if wait == backoff.Stop {
			return nil, failure
		}
		c.log.WithError(failure).WithField("path", path).Debug("retrying data api request")
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, path string, params url.Values, token string) (int, http.Header, []byte, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// waitTurn blocks while a Retry-After pause is active and then takes a slot
// from the pacing limiter.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	until := c.pausedUntil
	c.mu.Unlock()
	if remaining := until.Sub(c.clock.Now()); remaining > 0 {
		if remaining > c.maxRetryAfter {
			return &RateLimitedError{RetryAfter: remaining}
		}
		if err := c.sleep(ctx, remaining); err != nil {
			return err
		}
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := c.clock.Now().Add(d)
	c.mu.Lock()
	if until.After(c.pausedUntil) {
		c.pausedUntil = until
	}
	c.mu.Unlock()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// ParseRetryAfter reads a Retry-After header given as delta-seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
