package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/sink"
	"github.com/agentworkforce/whooprelay/internal/storage"
	"github.com/agentworkforce/whooprelay/internal/tokens"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type listCall struct {
	userID   int64
	resource dataapi.Resource
	query    dataapi.Query
}

// fakeAPI serves pages keyed by next token; "" is the first page.
type fakeAPI struct {
	mu     sync.Mutex
	pages  map[string]dataapi.Page
	failOn map[string]error
	calls  []listCall

	// block, when set, parks every call after signalling entered.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeAPI) ListPage(ctx context.Context, userID int64, resource dataapi.Resource, q dataapi.Query) (dataapi.Page, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		select {
		case <-f.block:
		case <-ctx.Done():
			return dataapi.Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listCall{userID: userID, resource: resource, query: q})
	if err := f.failOn[q.NextToken]; err != nil {
		return dataapi.Page{}, err
	}
	return f.pages[q.NextToken], nil
}

func (f *fakeAPI) Calls() []listCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]listCall(nil), f.calls...)
}

func rec(id string, updatedAt time.Time) dataapi.Record {
	return dataapi.Record{
		ID:        id,
		UpdatedAt: updatedAt,
		Raw:       json.RawMessage(fmt.Sprintf(`{"id":%q,"updated_at":%q}`, id, updatedAt.Format(time.RFC3339))),
	}
}

type fixture struct {
	scheduler *Scheduler
	api       *fakeAPI
	tokens    *tokens.BackendStore
	sink      *sink.Store
	cursors   *BackendCursorStore
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T, api *fakeAPI, opts ...func(*Options)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	store := tokens.NewBackendStore(storage.NewMemoryBackend(), clock)
	records := sink.NewStore(storage.NewMemoryBackend())
	cursors := NewBackendCursorStore(storage.NewMemoryBackend())
	logger, _ := test.NewNullLogger()
	options := Options{
		Tokens:    store,
		API:       api,
		Sink:      records,
		Cursors:   cursors,
		Clock:     clock,
		Logger:    logger,
		Resources: []dataapi.Resource{dataapi.Workout},
	}
	for _, opt := range opts {
		opt(&options)
	}
	s, err := NewScheduler(options)
	require.NoError(t, err)
	return &fixture{scheduler: s, api: api, tokens: store, sink: records, cursors: cursors, clock: clock}
}

func (f *fixture) connect(t *testing.T, userID int64, state tokens.State) {
	t.Helper()
	require.NoError(t, f.tokens.Put(context.Background(), tokens.Record{
		UserID:       userID,
		AccessToken:  "A",
		RefreshToken: "R",
		ExpiresAt:    epoch.Add(time.Hour),
		State:        state,
	}))
}

func TestSweepUserFirstRunPagesAndAdvancesCursor(t *testing.T) {
	api := &fakeAPI{pages: map[string]dataapi.Page{
		"":   {Records: []dataapi.Record{rec("1", epoch.Add(-48*time.Hour)), rec("2", epoch.Add(-2*time.Hour))}, NextToken: "p2"},
		"p2": {Records: []dataapi.Record{rec("3", epoch.Add(-30*time.Hour))}},
	}}
	f := newFixture(t, api)
	ctx := context.Background()

	res, err := f.scheduler.SweepUser(ctx, 10129, dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 3, res.Records)
	require.Equal(t, 3, res.Applied)

	calls := api.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		require.Equal(t, epoch.Add(-DefaultLookback), c.query.Start)
		require.Equal(t, epoch, c.query.End)
	}
	require.Equal(t, "", calls[0].query.NextToken)
	require.Equal(t, "p2", calls[1].query.NextToken)

	cursor, err := f.cursors.Get(ctx, 10129, dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(-2*time.Hour), cursor.Watermark)
	require.Equal(t, epoch, cursor.LastRunAt)

	got, err := f.sink.Get(ctx, "workout", "3")
	require.NoError(t, err)
	require.Equal(t, sink.SourceReconcile, got.Source)
}

func TestSweepUserStartsFromWatermark(t *testing.T) {
	api := &fakeAPI{pages: map[string]dataapi.Page{}}
	f := newFixture(t, api)
	ctx := context.Background()
	watermark := epoch.Add(-3 * time.Hour)
	require.NoError(t, f.cursors.Put(ctx, Cursor{UserID: 5, Resource: dataapi.Workout, Watermark: watermark}))

	f.clock.Advance(time.Hour)
	_, err := f.scheduler.SweepUser(ctx, 5, dataapi.Workout)
	require.NoError(t, err)

	calls := api.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, watermark, calls[0].query.Start)
	require.Equal(t, epoch.Add(time.Hour), calls[0].query.End)

	cursor, err := f.cursors.Get(ctx, 5, dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, watermark, cursor.Watermark)
	require.Equal(t, epoch.Add(time.Hour), cursor.LastRunAt)
}

func TestSweepUserMidBatchFailureKeepsCursor(t *testing.T) {
	api := &fakeAPI{
		pages: map[string]dataapi.Page{
			"":   {Records: []dataapi.Record{rec("1", epoch.Add(-time.Hour))}, NextToken: "p2"},
			"p2": {Records: []dataapi.Record{rec("2", epoch.Add(-time.Minute))}},
		},
		failOn: map[string]error{"p2": &dataapi.TransientError{StatusCode: 503, Err: errors.New("unavailable")}},
	}
	f := newFixture(t, api)
	ctx := context.Background()
	before := Cursor{UserID: 7, Resource: dataapi.Workout, Watermark: epoch.Add(-5 * time.Hour)}
	require.NoError(t, f.cursors.Put(ctx, before))

	_, err := f.scheduler.SweepUser(ctx, 7, dataapi.Workout)
	var transient *dataapi.TransientError
	require.ErrorAs(t, err, &transient)

	cursor, err := f.cursors.Get(ctx, 7, dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, before.Watermark, cursor.Watermark)

	// the retry re-covers the gap; page one is a no-op the second time
	api.mu.Lock()
	api.failOn = nil
	api.mu.Unlock()
	res, err := f.scheduler.SweepUser(ctx, 7, dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, 2, res.Records)
	require.Equal(t, 1, res.Applied)

	calls := api.Calls()
	require.Equal(t, before.Watermark, calls[len(calls)-2].query.Start)

	cursor, err = f.cursors.Get(ctx, 7, dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(-time.Minute), cursor.Watermark)
}

type failingSink struct{}

func (failingSink) Apply(context.Context, sink.Update) (bool, error) {
	return false, errors.New("disk full")
}

func TestSweepUserApplyFailureKeepsCursor(t *testing.T) {
	api := &fakeAPI{pages: map[string]dataapi.Page{
		"": {Records: []dataapi.Record{rec("1", epoch.Add(-time.Hour))}},
	}}
	f := newFixture(t, api, func(o *Options) { o.Sink = failingSink{} })

	_, err := f.scheduler.SweepUser(context.Background(), 9, dataapi.Workout)
	require.Error(t, err)
	_, err = f.cursors.Get(context.Background(), 9, dataapi.Workout)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

type perUserAPI struct {
	fakeAPI
	errs map[int64]error
}

func (p *perUserAPI) ListPage(ctx context.Context, userID int64, resource dataapi.Resource, q dataapi.Query) (dataapi.Page, error) {
	if err := p.errs[userID]; err != nil {
		return dataapi.Page{}, err
	}
	return p.fakeAPI.ListPage(ctx, userID, resource, q)
}

func TestSweepResourceSkipsUnusableUsers(t *testing.T) {
	api := &perUserAPI{
		fakeAPI: fakeAPI{pages: map[string]dataapi.Page{"": {Records: []dataapi.Record{rec("1", epoch.Add(-time.Hour))}}}},
		errs: map[int64]error{
			3: fmt.Errorf("user 3: %w", tokens.ErrReauthorizationRequired),
			4: &dataapi.TransientError{StatusCode: 500, Err: errors.New("boom")},
		},
	}
	f := newFixture(t, &api.fakeAPI, func(o *Options) { o.API = api })
	f.connect(t, 1, tokens.StateActive)
	f.connect(t, 2, tokens.StateRevoked)
	f.connect(t, 3, tokens.StateActive)
	f.connect(t, 4, tokens.StateActive)

	res, err := f.scheduler.SweepResource(context.Background(), dataapi.Workout)
	require.NoError(t, err)
	require.Equal(t, 1, res.Users)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Applied)

	status := f.scheduler.Status()
	require.Equal(t, res, status[dataapi.Workout])
}

func TestSweepResourceRejectsOverlap(t *testing.T) {
	api := &fakeAPI{pages: map[string]dataapi.Page{}, block: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := newFixture(t, api)
	f.connect(t, 1, tokens.StateActive)

	done := make(chan error, 1)
	go func() {
		_, err := f.scheduler.SweepResource(context.Background(), dataapi.Workout)
		done <- err
	}()
	<-api.entered
	_, err := f.scheduler.SweepResource(context.Background(), dataapi.Workout)
	require.ErrorIs(t, err, ErrSweepInProgress)

	close(api.block)
	require.NoError(t, <-done)

	_, err = f.scheduler.SweepResource(context.Background(), dataapi.Sleep)
	require.Error(t, err)
}

func TestRunSweepsEachResourceOnItsInterval(t *testing.T) {
	api := &fakeAPI{pages: map[string]dataapi.Page{}}
	f := newFixture(t, api, func(o *Options) {
		o.Resources = []dataapi.Resource{dataapi.Workout, dataapi.Sleep}
		o.Interval = 6 * time.Hour
		o.Intervals = map[dataapi.Resource]time.Duration{dataapi.Sleep: time.Hour}
	})
	f.connect(t, 1, tokens.StateActive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()

	f.clock.BlockUntil(2)
	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		_, ok := f.scheduler.Status()[dataapi.Sleep]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	_, workoutSwept := f.scheduler.Status()[dataapi.Workout]
	require.False(t, workoutSwept)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSweepAllAndForgetUser(t *testing.T) {
	api := &fakeAPI{pages: map[string]dataapi.Page{"": {Records: []dataapi.Record{rec("1", epoch.Add(-time.Hour))}}}}
	f := newFixture(t, api, func(o *Options) {
		o.Resources = []dataapi.Resource{dataapi.Workout, dataapi.Recovery}
	})
	f.connect(t, 11, tokens.StateActive)
	ctx := context.Background()

	results, err := f.scheduler.SweepAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	_, err = f.cursors.Get(ctx, 11, dataapi.Recovery)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.ForgetUser(ctx, 11))
	_, err = f.cursors.Get(ctx, 11, dataapi.Workout)
	require.ErrorIs(t, err, ErrCursorNotFound)
	_, err = f.cursors.Get(ctx, 11, dataapi.Recovery)
	require.ErrorIs(t, err, ErrCursorNotFound)
}
