package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/whooprelay/internal/config"
	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/httpapi"
	"github.com/agentworkforce/whooprelay/internal/ingest"
	"github.com/agentworkforce/whooprelay/internal/reconcile"
	"github.com/agentworkforce/whooprelay/internal/sink"
	"github.com/agentworkforce/whooprelay/internal/storage"
	"github.com/agentworkforce/whooprelay/internal/tokens"
)

// app is every long-lived component, wired from one Config.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	clock  clockwork.Clock
	state  storage.Backend
	queue  storage.Queue
	dedup  ingest.Dedup
	secret *config.SecretWatcher

	coordinator *tokens.Coordinator
	client      *dataapi.Client
	hub         *sink.Hub
	records     sink.Sink
	pipeline    *ingest.Pipeline
	scheduler   *reconcile.Scheduler
	server      *httpapi.Server
}

// deferredTokens lets the data client and the coordinator refer to each
// other: the coordinator resolves profiles through the client, and the client
// draws bearer tokens from the coordinator.
type deferredTokens struct {
	coordinator *tokens.Coordinator
}

func (d *deferredTokens) AccessToken(ctx context.Context, userID int64) (string, error) {
	if d.coordinator == nil {
		return "", tokens.ErrRefreshUnavailable
	}
	return d.coordinator.AccessToken(ctx, userID)
}

func (d *deferredTokens) ForceRefresh(ctx context.Context, userID int64, staleToken string) (string, error) {
	if d.coordinator == nil {
		return "", tokens.ErrRefreshUnavailable
	}
	return d.coordinator.ForceRefresh(ctx, userID, staleToken)
}

func loadConfig(cfgFile string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildApp constructs the components; withIngest is false for one-shot
// commands that never receive webhooks.
func buildApp(cfg *config.Config, logger *logrus.Logger, withIngest bool) (*app, error) {
	a := &app{cfg: cfg, log: logger, clock: clockwork.NewRealClock()}
	if err := a.build(withIngest); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(withIngest bool) error {
	cfg := a.cfg
	stateDSN, queueDSN, err := cfg.Storage.Resolve()
	if err != nil {
		return err
	}
	a.state, err = storage.BuildBackendFromDSN(stateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}

	oauth := tokens.NewOAuthClient(tokens.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		HTTPClient:   &http.Client{Timeout: cfg.API.Timeout},
		Clock:        a.clock,
	})
	source := &deferredTokens{}
	a.client = dataapi.NewClient(dataapi.ClientOptions{
		BaseURL:           cfg.API.BaseURL,
		HTTPClient:        &http.Client{Timeout: cfg.API.Timeout},
		Tokens:            source,
		Clock:             a.clock,
		Logger:            a.log,
		Policy:            backoffPolicy(cfg.API.Retry, 0),
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		MaxRetryAfter:     cfg.API.MaxRetryAfter,
	})
	a.coordinator = tokens.NewCoordinator(tokens.CoordinatorOptions{
		Store:          tokens.NewBackendStore(a.state, a.clock),
		Refresher:      oauth,
		Exchanger:      oauth,
		Profiles:       a.client,
		Clock:          a.clock,
		Logger:         a.log,
		Margin:         cfg.Tokens.RefreshMargin,
		RefreshTimeout: cfg.Tokens.RefreshTimeout,
		SweepInterval:  cfg.Tokens.SweepInterval,
		SweepWindow:    cfg.Tokens.SweepWindow,
	})
	source.coordinator = a.coordinator

	a.hub = sink.NewHub(a.log)
	a.records = sink.Broadcast(sink.NewStore(a.state), a.hub)

	intervals := map[dataapi.Resource]time.Duration{}
	for name, d := range cfg.Reconcile.Intervals {
		resource, err := dataapi.ParseResource(name)
		if err != nil {
			return fmt.Errorf("reconcile.intervals: %w", err)
		}
		intervals[resource] = d
	}
	a.scheduler, err = reconcile.NewScheduler(reconcile.Options{
		Tokens:    a.coordinator.Store(),
		API:       a.client,
		Sink:      a.records,
		Cursors:   reconcile.NewBackendCursorStore(a.state),
		Clock:     a.clock,
		Logger:    a.log,
		Intervals: intervals,
		Interval:  cfg.Reconcile.Interval,
		Lookback:  cfg.Reconcile.Lookback,
		PageLimit: cfg.Reconcile.PageLimit,
	})
	if err != nil {
		return err
	}

	if !withIngest {
		return nil
	}

	secret := config.StaticSecret(cfg.Webhook.Secret)
	if path := strings.TrimSpace(cfg.Webhook.SecretFile); path != "" {
		a.secret, err = config.NewSecretWatcher(path, a.log)
		if err != nil {
			return fmt.Errorf("webhook secret: %w", err)
		}
		secret = a.secret.Secret
	}
	a.queue, err = storage.BuildQueueFromDSN(queueDSN, cfg.Storage.QueueSize)
	if err != nil {
		return fmt.Errorf("dispatch queue: %w", err)
	}
	a.dedup, err = ingest.BuildDedupFromDSN(cfg.Storage.DedupDSN, cfg.Storage.DedupEntries, cfg.Storage.DedupTTL)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	a.pipeline, err = ingest.New(ingest.Options{
		Verifier:        ingest.NewVerifier(secret, cfg.Webhook.MaxSkew, a.clock),
		Dedup:           a.dedup,
		Queue:           a.queue,
		Fetcher:         a.client,
		Sink:            a.records,
		Clock:           a.clock,
		Logger:          a.log,
		Workers:         cfg.Ingest.Workers,
		MaxTaskAttempts: cfg.Ingest.MaxTaskAttempts,
		RetryPolicy:     backoffPolicy(cfg.Ingest.Retry, cfg.Ingest.MaxTaskAttempts),
		RequeueTimeout:  cfg.Ingest.RequeueTimeout,
		MaxDeadLetters:  cfg.Ingest.MaxDeadLetters,
	})
	if err != nil {
		return err
	}

	a.server = httpapi.NewServer(httpapi.Deps{
		Ingest:     a.pipeline,
		Tokens:     a.coordinator,
		Reconciler: a.scheduler,
		Hub:        a.hub,
	}, httpapi.ServerConfig{
		AdminJWTSecret:  cfg.Admin.JWTSecret,
		AdminAudience:   cfg.Admin.Audience,
		WebhookPath:     cfg.Webhook.Path,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		OAuthStateTTL:   cfg.OAuth.StateTTL,
		RateLimitMax:    cfg.Admin.RateLimit,
		RateLimitWindow: cfg.Admin.RateLimitWindow,
		Clock:           a.clock,
		Logger:          a.log,
	})
	return nil
}

// Close releases components in reverse construction order. The pipeline goes
// first so no worker touches a closed queue or backend.
// backoffPolicy maps a retry block onto a backoff policy; attempts stands in
// for an unset max_attempts.
func backoffPolicy(rc config.RetryConfig, attempts int) dataapi.BackoffPolicy {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = attempts
	}
	return dataapi.BackoffPolicy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
		Jitter:      rc.Jitter,
	}
}

func (a *app) Close() error {
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
	}
	if a.dedup != nil {
		errs = append(errs, a.dedup.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.secret != nil {
		errs = append(errs, a.secret.Close())
	}
	if a.state != nil {
		errs = append(errs, a.state.Close())
	}
	return errors.Join(errs...)
}
