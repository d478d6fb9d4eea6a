package tokens

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/metrics"
)

const (
	DefaultRefreshMargin  = 60 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
	DefaultSweepInterval  = time.Hour
	DefaultSweepWindow    = 2 * time.Hour
)

// ProfileFetcher resolves the provider user id owning an access token.
type ProfileFetcher interface {
	UserID(ctx context.Context, accessToken string) (int64, error)
}

type CoordinatorOptions struct {
	Store     Store
	Refresher Refresher
	Exchanger Exchanger
	Profiles  ProfileFetcher
	Clock     clockwork.Clock
	Logger    logrus.FieldLogger

	// Margin is how long before expiry a token stops being handed out.
	Margin         time.Duration
	RefreshTimeout time.Duration
	SweepInterval  time.Duration
	SweepWindow    time.Duration
	// NewBackOff paces retries of transient token endpoint failures. The
	// default retries twice with exponential delays.
	NewBackOff func() backoff.BackOff
}

// Coordinator hands out valid access tokens and guarantees at most one
// in-flight refresh per user inside this process.
type Coordinator struct {
	store          Store
	refresher      Refresher
	exchanger      Exchanger
	profiles       ProfileFetcher
	clock          clockwork.Clock
	log            logrus.FieldLogger
	margin         time.Duration
	refreshTimeout time.Duration
	sweepInterval  time.Duration
	sweepWindow    time.Duration
	newBackOff     func() backoff.BackOff

	group singleflight.Group
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		store:          opts.Store,
		refresher:      opts.Refresher,
		exchanger:      opts.Exchanger,
		profiles:       opts.Profiles,
		clock:          opts.Clock,
		log:            opts.Logger,
		margin:         opts.Margin,
		refreshTimeout: opts.RefreshTimeout,
		sweepInterval:  opts.SweepInterval,
		sweepWindow:    opts.SweepWindow,
		newBackOff:     opts.NewBackOff,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.store == nil {
		c.store = NewBackendStore(nil, c.clock)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("component", "tokens")
	if c.margin <= 0 {
		c.margin = DefaultRefreshMargin
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = DefaultSweepInterval
	}
	if c.sweepWindow <= 0 {
		c.sweepWindow = DefaultSweepWindow
	}
	if c.newBackOff == nil {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			b.Reset()
			return backoff.WithMaxRetries(b, 2)
		}
	}
	return c
}

func (c *Coordinator) Store() Store {
	return c.store
}

// AccessToken returns a token that stays valid for at least the configured
// margin, refreshing it first when needed.
func (c *Coordinator) AccessToken(ctx context.Context, userID int64) (string, error) {
	rec, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec.State.Terminal() {
		return "", fmt.Errorf("%w: user %d is %s", ErrReauthorizationRequired, userID, rec.State)
	}
	if rec.State == StateActive && !rec.ExpiresWithin(c.clock.Now(), c.margin) {
		return rec.AccessToken, nil
	}
	rec, err = c.refresh(ctx, userID, "expiry", func(r Record) bool {
		return r.State == StateRefreshing || r.ExpiresWithin(c.clock.Now(), c.margin)
	})
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ForceRefresh is used after the data API rejected staleToken. It refreshes
// only while staleToken is still the stored token, so concurrent 401s on the
// same token lead to a single refresh.
func (c *Coordinator) ForceRefresh(ctx context.Context, userID int64, staleToken string) (string, error) {
	rec, err := c.refresh(ctx, userID, "unauthorized", func(r Record) bool {
		return r.State == StateRefreshing || r.AccessToken == staleToken
	})
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// RefreshExpiring refreshes every active user whose token expires within
// window and returns how many were refreshed.
func (c *Coordinator) RefreshExpiring(ctx context.Context, window time.Duration) (int, error) {
	records, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if rec.State != StateActive || !rec.ExpiresWithin(c.clock.Now(), window) {
			continue
		}
		_, err := c.refresh(ctx, rec.UserID, "proactive", func(r Record) bool {
			return r.ExpiresWithin(c.clock.Now(), window)
		})
		if err != nil {
			c.log.WithError(err).WithField("user_id", rec.UserID).Warn("proactive token refresh failed")
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// Run performs the proactive refresh sweep on every tick until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			n, err := c.RefreshExpiring(ctx, c.sweepWindow)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.WithError(err).Warn("proactive token sweep failed")
				continue
			}
			if n > 0 {
				c.log.WithField("refreshed", n).Info("proactive token sweep complete")
			}
		}
	}
}

// AuthCodeURL builds the provider authorization redirect for state.
func (c *Coordinator) AuthCodeURL(state string) (string, error) {
	if c.exchanger == nil {
		return "", errors.New("oauth exchanger not configured")
	}
	return c.exchanger.AuthCodeURL(state), nil
}

// Connect exchanges an authorization code and stores the resulting tokens as
// an active record, replacing any revoked or invalid one.
func (c *Coordinator) Connect(ctx context.Context, code string) (Record, error) {
	if c.exchanger == nil || c.profiles == nil {
		return Record{}, errors.New("oauth exchanger not configured")
	}
	tok, err := c.exchanger.Exchange(ctx, code)
	if err != nil {
		return Record{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	userID, err := c.profiles.UserID(ctx, tok.AccessToken)
	if err != nil {
		return Record{}, fmt.Errorf("resolve user profile: %w", err)
	}
	rec := Record{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
		Scopes:       tok.Scopes,
		State:        StateActive,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	c.log.WithField("user_id", userID).Info("user connected")
	return c.store.Get(ctx, userID)
}

func (c *Coordinator) Disconnect(ctx context.Context, userID int64) error {
	if err := c.store.MarkRevoked(ctx, userID); err != nil {
		return err
	}
	c.log.WithField("user_id", userID).Info("user disconnected")
	return nil
}

func (c *Coordinator) refresh(ctx context.Context, userID int64, trigger string, needed func(Record) bool) (Record, error) {
	ch := c.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		return c.runRefresh(userID, trigger, needed)
	})
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	}
}

// runRefresh executes one refresh flight on a context detached from the
// waiting callers.
func (c *Coordinator) runRefresh(userID int64, trigger string, needed func(Record) bool) (Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	log := c.log.WithFields(logrus.Fields{"user_id": userID, "trigger": trigger})

	rec, err := c.store.Get(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	if rec.State.Terminal() {
		return Record{}, fmt.Errorf("%w: user %d is %s", ErrReauthorizationRequired, userID, rec.State)
	}
	if rec.State == StateActive && !needed(rec) {
		return rec, nil
	}
	if c.refresher == nil {
		return Record{}, fmt.Errorf("%w: no refresher configured", ErrRefreshUnavailable)
	}

	claimed, err := c.store.Update(ctx, userID, func(r *Record) error {
		if r.State.Terminal() {
			return fmt.Errorf("%w: user %d is %s", ErrReauthorizationRequired, userID, r.State)
		}
		r.State = StateRefreshing
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	start := c.clock.Now()
	tok, err := c.callRefresher(ctx, claimed.RefreshToken)
	took := c.clock.Since(start)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			metrics.RecordTokenRefresh(trigger, "invalid", took)
			_, _ = c.store.Update(ctx, userID, func(r *Record) error {
				if r.State != StateRevoked {
					r.State = StateInvalid
				}
				r.LastError = err.Error()
				return nil
			})
			log.WithError(err).Warn("refresh token rejected; user must reauthorize")
			return Record{}, fmt.Errorf("%w: %w", ErrReauthorizationRequired, err)
		}
		metrics.RecordTokenRefresh(trigger, "error", took)
		_, _ = c.store.Update(ctx, userID, func(r *Record) error {
			if r.State == StateRefreshing {
				r.State = StateActive
			}
			r.LastError = err.Error()
			return nil
		})
		log.WithError(err).Warn("token refresh failed")
		return Record{}, fmt.Errorf("%w: %w", ErrRefreshUnavailable, err)
	}

	updated, err := c.store.Update(ctx, userID, func(r *Record) error {
		if r.State == StateRevoked {
			return fmt.Errorf("%w: user %d revoked during refresh", ErrReauthorizationRequired, userID)
		}
		r.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			r.RefreshToken = tok.RefreshToken
		}
		r.ExpiresAt = tok.Expiry.UTC()
		if len(tok.Scopes) > 0 {
			r.Scopes = tok.Scopes
		}
		r.State = StateActive
		r.LastError = ""
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	metrics.RecordTokenRefresh(trigger, "ok", took)
	log.WithField("expires_at", updated.ExpiresAt).Debug("token refreshed")
	return updated, nil
}

// callRefresher retries transient and rate limited failures. A Retry-After
// from the token endpoint is a floor on the wait; when it would outlast the
// refresh deadline the failure is returned instead.
func (c *Coordinator) callRefresher(ctx context.Context, refreshToken string) (Token, error) {
	policy := c.newBackOff()
	for {
		tok, err := c.refresher.Refresh(ctx, refreshToken)
		if err == nil || errors.Is(err, ErrInvalidGrant) || !dataapi.IsRetryable(err) {
			return tok, err
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return Token{}, err
		}
		var rl *dataapi.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		if deadline, ok := ctx.Deadline(); ok && wait > time.Until(deadline) {
			return Token{}, err
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return Token{}, ctx.Err()
			case <-c.clock.After(wait):
			}
		}
	}
}
