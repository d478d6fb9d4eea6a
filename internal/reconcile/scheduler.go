// Package reconcile periodically re-reads each connected user's data from the
// provider and feeds it through the sink, so missed or failed webhooks still
// converge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/metrics"
	"github.com/agentworkforce/whooprelay/internal/sink"
	"github.com/agentworkforce/whooprelay/internal/tokens"
)

const (
	DefaultInterval = 6 * time.Hour
	DefaultLookback = 7 * 24 * time.Hour
)

var ErrSweepInProgress = errors.New("reconciliation sweep already running")

type Lister interface {
	ListPage(ctx context.Context, userID int64, resource dataapi.Resource, q dataapi.Query) (dataapi.Page, error)
}

type Options struct {
	Tokens  tokens.Store
	API     Lister
	Sink    sink.Sink
	Cursors CursorStore
	Clock   clockwork.Clock
	Logger  logrus.FieldLogger

	Resources []dataapi.Resource
	// Intervals overrides DefaultInterval per resource type.
	Intervals map[dataapi.Resource]time.Duration
	Interval  time.Duration
	// Lookback sets where a user's first sweep starts.
	Lookback  time.Duration
	PageLimit int
}

// UserResult is the outcome of one user's sweep of one resource type.
type UserResult struct {
	Pages     int
	Records   int
	Applied   int
	Watermark time.Time
}

// SweepResult summarises one pass over every active user for a resource.
type SweepResult struct {
	Resource   dataapi.Resource `json:"resource"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Users      int              `json:"users"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Records    int              `json:"records"`
	Applied    int              `json:"applied"`
	Error      string           `json:"error,omitempty"`
}

type Scheduler struct {
	tokens    tokens.Store
	api       Lister
	sink      sink.Sink
	cursors   CursorStore
	clock     clockwork.Clock
	log       logrus.FieldLogger
	resources []dataapi.Resource
	intervals map[dataapi.Resource]time.Duration
	lookback  time.Duration
	pageLimit int

	running map[dataapi.Resource]*sync.Mutex

	mu   sync.Mutex
	last map[dataapi.Resource]SweepResult
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Tokens == nil || opts.API == nil || opts.Sink == nil {
		return nil, errors.New("reconcile: tokens, api and sink are required")
	}
	s := &Scheduler{
		tokens:    opts.Tokens,
		api:       opts.API,
		sink:      opts.Sink,
		cursors:   opts.Cursors,
		clock:     opts.Clock,
		log:       opts.Logger,
		resources: opts.Resources,
		intervals: map[dataapi.Resource]time.Duration{},
		lookback:  opts.Lookback,
		pageLimit: opts.PageLimit,
		running:   map[dataapi.Resource]*sync.Mutex{},
		last:      map[dataapi.Resource]SweepResult{},
	}
	if s.cursors == nil {
		s.cursors = NewBackendCursorStore(nil)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "reconcile")
	if len(s.resources) == 0 {
		s.resources = dataapi.Resources()
	}
	if s.lookback <= 0 {
		s.lookback = DefaultLookback
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	for _, r := range s.resources {
		s.intervals[r] = interval
		if d, ok := opts.Intervals[r]; ok && d > 0 {
			s.intervals[r] = d
		}
		s.running[r] = &sync.Mutex{}
	}
	return s, nil
}

// Run starts one timer per resource type and sweeps on every tick until ctx
// ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, resource := range s.resources {
		resource := resource
		g.Go(func() error {
			return s.loop(ctx, resource)
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, resource dataapi.Resource) error {
	ticker := s.clock.NewTicker(s.intervals[resource])
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			_, err := s.SweepResource(ctx, resource)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).WithField("resource", resource).Warn("reconciliation sweep failed")
			}
		}
	}
}

// SweepAll sweeps every configured resource once, in order.
func (s *Scheduler) SweepAll(ctx context.Context) ([]SweepResult, error) {
	results := make([]SweepResult, 0, len(s.resources))
	var errs []error
	for _, resource := range s.resources {
		res, err := s.SweepResource(ctx, resource)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", resource, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results, errors.Join(errs...)
}

// SweepResource reconciles resource for every active user. A failure for one
// user is logged and counted; it does not stop the others.
func (s *Scheduler) SweepResource(ctx context.Context, resource dataapi.Resource) (SweepResult, error) {
	lock, ok := s.running[resource]
	if !ok {
		return SweepResult{}, fmt.Errorf("resource %q is not scheduled", resource)
	}
	if !lock.TryLock() {
		return SweepResult{}, fmt.Errorf("%w: %s", ErrSweepInProgress, resource)
	}
	defer lock.Unlock()

	result := SweepResult{Resource: resource, StartedAt: s.clock.Now().UTC()}
	log := s.log.WithField("resource", resource)

	records, err := s.tokens.List(ctx)
	if err != nil {
		return s.finish(result, fmt.Errorf("list users: %w", err))
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return s.finish(result, ctx.Err())
		}
		if rec.State.Terminal() {
			result.Skipped++
			continue
		}
		res, err := s.SweepUser(ctx, rec.UserID, resource)
		result.Records += res.Records
		result.Applied += res.Applied
		switch {
		case err == nil:
			result.Users++
		case errors.Is(err, tokens.ErrReauthorizationRequired), errors.Is(err, tokens.ErrNotFound), errors.Is(err, dataapi.ErrAuthExpired):
			result.Skipped++
			log.WithError(err).WithField("user_id", rec.UserID).Info("skipping user without a usable token")
		default:
			result.Failed++
			log.WithError(err).WithField("user_id", rec.UserID).Warn("user reconciliation failed; cursor left in place")
		}
	}
	return s.finish(result, nil)
}

func (s *Scheduler) finish(result SweepResult, err error) (SweepResult, error) {
	result.FinishedAt = s.clock.Now().UTC()
	outcome := "ok"
	switch {
	case err != nil:
		result.Error = err.Error()
		outcome = "error"
	case result.Failed > 0:
		outcome = "partial"
	}
	metrics.RecordSweep(result.Resource.String(), outcome)
	s.mu.Lock()
	s.last[result.Resource] = result
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"resource": result.Resource,
		"users":    result.Users,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"applied":  result.Applied,
	}).Info("reconciliation sweep finished")
	return result, err
}

// SweepUser pages through everything updated since the user's cursor and
// applies it. The cursor only moves once every page and every apply has
// succeeded, so a failed sweep is retried from the same watermark.
func (s *Scheduler) SweepUser(ctx context.Context, userID int64, resource dataapi.Resource) (UserResult, error) {
	now := s.clock.Now().UTC()
	cursor, err := s.cursors.Get(ctx, userID, resource)
	switch {
	case errors.Is(err, ErrCursorNotFound):
		cursor = Cursor{UserID: userID, Resource: resource, Watermark: now.Add(-s.lookback)}
	case err != nil:
		return UserResult{}, err
	}

	result := UserResult{Watermark: cursor.Watermark}
	q := dataapi.Query{Start: cursor.Watermark, End: now, Limit: s.pageLimit}
	for {
		page, err := s.api.ListPage(ctx, userID, resource, q)
		if err != nil {
			return result, fmt.Errorf("list %s page %d: %w", resource, result.Pages+1, err)
		}
		result.Pages++
		for _, rec := range page.Records {
			applied, err := s.sink.Apply(ctx, sink.Update{
				UserID:    userID,
				Resource:  resource.String(),
				ID:        rec.ID,
				UpdatedAt: rec.UpdatedAt,
				Payload:   rec.Raw,
				Source:    sink.SourceReconcile,
			})
			if err != nil {
				return result, fmt.Errorf("apply %s %s: %w", resource, rec.ID, err)
			}
			metrics.RecordReconciledRecord(resource.String(), applied)
			result.Records++
			if applied {
				result.Applied++
			}
			if rec.UpdatedAt.After(result.Watermark) {
				result.Watermark = rec.UpdatedAt
			}
		}
		if page.NextToken == "" {
			break
		}
		q.NextToken = page.NextToken
	}

	cursor.Watermark = result.Watermark
	cursor.LastRunAt = now
	cursor.UpdatedAt = s.clock.Now().UTC()
	if err := s.cursors.Put(ctx, cursor); err != nil {
		return result, fmt.Errorf("save cursor: %w", err)
	}
	return result, nil
}

// Status returns the last finished sweep per resource type.
func (s *Scheduler) Status() map[dataapi.Resource]SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[dataapi.Resource]SweepResult, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

func (s *Scheduler) Resources() []dataapi.Resource {
	return append([]dataapi.Resource(nil), s.resources...)
}

// ForgetUser removes the cursors of a disconnected user.
func (s *Scheduler) ForgetUser(ctx context.Context, userID int64) error {
	return s.cursors.DeleteUser(ctx, userID)
}
