package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/anicoll/amber-price-integration/internal/pkg/amber"
	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

var nem = time.FixedZone("NEM", 10*60*60)

// MockFetcher is a mock implementation of the Fetcher interface.
type MockFetcher struct {
	FetchPricesFunc func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error)
	calls           atomic.Int32
}

func (m *MockFetcher) FetchPrices(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
	m.calls.Add(1)
	if m.FetchPricesFunc != nil {
		return m.FetchPricesFunc(ctx, postcode, ch, lookbackHours)
	}
	return nil, errors.New("mocked FetchPrices not implemented")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func at(hour, minute, sec int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, sec, 0, nem)
}

func intervals(ch model.Channel, price string, times ...time.Time) []model.Interval {
	out := make([]model.Interval, 0, len(times))
	for _, ts := range times {
		out = append(out, model.Interval{
			Channel:    ch,
			MarketTime: ts,
			PerKwh:     decimal.RequireFromString(price),
			Renewables: decimal.NewFromInt(35),
			Descriptor: "neutral",
		})
	}
	return out
}

func newTestCoordinator(t *testing.T, fetcher Fetcher, clock *fakeClock, opts ...func(*Coordinator)) *Coordinator {
	t.Helper()
	opts = append([]func(*Coordinator){WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now)}, opts...)
	c, err := New("3000", fetcher, DefaultSettings(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestRefresh_ResolvesBothChannels(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 45, 0)}
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			assert.Equal(t, "3000", postcode)
			assert.Equal(t, 1, lookbackHours)
			price := "20"
			if ch == model.ChannelFeedIn {
				price = "-3"
			}
			return intervals(ch, price, at(9, 0, 0), at(8, 0, 0), at(8, 30, 0)), nil
		},
	}
	c := newTestCoordinator(t, fetcher, clock)

	require.NoError(t, c.Refresh(context.Background()))
	snap := c.Snapshot()

	assert.Equal(t, "3000", snap.PostCode)
	for _, ch := range model.Channels {
		view := snap.Channel(ch)
		require.NotNil(t, view.Current, ch)
		require.NotNil(t, view.Next, ch)
		assert.True(t, at(8, 30, 0).Equal(view.Current.MarketTime))
		assert.True(t, at(9, 0, 0).Equal(view.Next.MarketTime))
		assert.Equal(t, ch, view.Current.Channel)
		assert.False(t, view.Stale)
		assert.Zero(t, view.Failures)
		assert.Len(t, view.Intervals, 3)
		assert.True(t, clock.Now().Equal(view.LastRefreshed))
	}
	assert.True(t, snap.FeedIn.Current.PerKwh.IsNegative())
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestRefresh_ChannelsAreIndependent(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 45, 0)}
	failFeedIn := false
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			if ch == model.ChannelFeedIn && failFeedIn {
				return nil, fmt.Errorf("%w: status 503", amber.ErrProviderUnavailable)
			}
			return intervals(ch, "10", at(8, 30, 0), at(9, 0, 0)), nil
		},
	}
	c := newTestCoordinator(t, fetcher, clock)
	require.NoError(t, c.Refresh(context.Background()))

	failFeedIn = true
	clock.Set(at(9, 5, 0))
	require.NoError(t, c.Refresh(context.Background()))
	snap := c.Snapshot()

	require.NotNil(t, snap.General.Current)
	assert.True(t, at(9, 0, 0).Equal(snap.General.Current.MarketTime))
	assert.Nil(t, snap.General.Next)
	assert.False(t, snap.General.Stale)
	assert.Zero(t, snap.General.Failures)

	require.NotNil(t, snap.FeedIn.Current)
	assert.True(t, at(8, 30, 0).Equal(snap.FeedIn.Current.MarketTime), "failed channel keeps its previous pair")
	require.NotNil(t, snap.FeedIn.Next)
	assert.True(t, snap.FeedIn.Stale)
	assert.Equal(t, 1, snap.FeedIn.Failures)
	assert.ErrorIs(t, snap.FeedIn.Err, amber.ErrProviderUnavailable)
	assert.Contains(t, snap.FeedIn.LastError, "status 503")
	assert.True(t, at(8, 45, 0).Equal(snap.FeedIn.LastRefreshed))
}

func TestRefresh_RetryDelaysAreNonDecreasingAndCapped(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 0, 0)}
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			return nil, amber.ErrProviderUnavailable
		},
	}
	c := newTestCoordinator(t, fetcher, clock)
	settings := DefaultSettings()

	want := []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute,
		8 * time.Minute, 10 * time.Minute, 10 * time.Minute, 10 * time.Minute,
	}
	var previous time.Duration
	for i, expected := range want {
		require.NoError(t, c.Refresh(context.Background()))
		view := c.Snapshot().General
		delay := view.NextRefresh.Sub(clock.Now())

		assert.Equal(t, expected, delay, "failure %d", i+1)
		assert.GreaterOrEqual(t, delay, previous)
		assert.LessOrEqual(t, delay, settings.RetryMax)
		assert.Equal(t, i+1, view.Failures)
		previous = delay
		clock.Set(view.NextRefresh)
	}
}

func TestRefresh_RecoveryResetsBackoff(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 0, 0)}
	var fail atomic.Bool
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			if fail.Load() {
				return nil, amber.ErrProviderUnavailable
			}
			return intervals(ch, "10", at(8, 0, 0)), nil
		},
	}
	c := newTestCoordinator(t, fetcher, clock)

	fail.Store(true)
	require.NoError(t, c.Refresh(context.Background()))
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 2, c.Snapshot().General.Failures)

	fail.Store(false)
	require.NoError(t, c.Refresh(context.Background()))
	view := c.Snapshot().General
	assert.Zero(t, view.Failures)
	assert.False(t, view.Stale)
	assert.Empty(t, view.LastError)

	fail.Store(true)
	require.NoError(t, c.Refresh(context.Background()))
	view = c.Snapshot().General
	assert.Equal(t, 1, view.Failures)
	assert.Equal(t, 30*time.Second, view.NextRefresh.Sub(clock.Now()))
}

func TestRefresh_InvalidLocationRetriesOnFixedInterval(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 0, 0)}
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			return nil, fmt.Errorf("%w: postcode 0000 not serviced", amber.ErrInvalidLocation)
		},
	}
	c := newTestCoordinator(t, fetcher, clock)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Refresh(context.Background()))
		view := c.Snapshot().FeedIn
		assert.Equal(t, time.Hour, view.NextRefresh.Sub(clock.Now()))
		assert.ErrorIs(t, view.Err, amber.ErrInvalidLocation)
		assert.True(t, view.Stale)
	}
}

func TestRefresh_EmptySuccessClearsView(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 45, 0)}
	var empty atomic.Bool
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			if empty.Load() {
				return []model.Interval{}, nil
			}
			return intervals(ch, "10", at(8, 30, 0), at(9, 0, 0)), nil
		},
	}
	c := newTestCoordinator(t, fetcher, clock)
	require.NoError(t, c.Refresh(context.Background()))
	require.NotNil(t, c.Snapshot().General.Current)

	empty.Store(true)
	require.NoError(t, c.Refresh(context.Background()))
	view := c.Snapshot().General
	assert.Nil(t, view.Current)
	assert.Nil(t, view.Next)
	assert.False(t, view.Stale)
	assert.Empty(t, view.Intervals)
}

func TestRefresh_SchedulesNextRegularRefresh(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 2, 10)}
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			return intervals(ch, "10", at(8, 0, 0)), nil
		},
	}
	c := newTestCoordinator(t, fetcher, clock)
	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	assert.True(t, at(8, 5, 5).Equal(snap.General.NextRefresh), snap.General.NextRefresh.String())
	assert.True(t, at(8, 5, 5).Equal(snap.NextRefresh))
}

func TestRefresh_SingleFlight(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 0, 0)}
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			started <- struct{}{}
			<-release
			return intervals(ch, "10", at(8, 0, 0)), nil
		},
	}
	c := newTestCoordinator(t, fetcher, clock)

	done := make(chan error, 1)
	go func() {
		done <- c.Refresh(context.Background())
	}()
	<-started

	assert.ErrorIs(t, c.Refresh(context.Background()), ErrRefreshInProgress)
	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 2, fetcher.calls.Load(), "skipped refresh must not queue another fetch")

	require.NoError(t, c.Refresh(context.Background()))
	assert.EqualValues(t, 4, fetcher.calls.Load())
}

func TestClose_DiscardsInFlightResult(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 0, 0)}
	started := make(chan struct{}, 2)
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			started <- struct{}{}
			<-ctx.Done()
			return intervals(ch, "10", at(8, 0, 0)), nil
		},
	}
	var notified atomic.Int32
	c := newTestCoordinator(t, fetcher, clock, OnUpdate(func(model.Snapshot) { notified.Add(1) }))

	done := make(chan error, 1)
	go func() {
		done <- c.Refresh(context.Background())
	}()
	<-started
	c.Close()
	require.NoError(t, <-done)

	snap := c.Snapshot()
	assert.False(t, snap.General.Loaded())
	assert.False(t, snap.FeedIn.Loaded())
	assert.Nil(t, snap.General.Current)
	assert.Zero(t, notified.Load())
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrClosed)
}

func TestRun_InitialRefreshThenTeardown(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: at(8, 45, 0)}
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			return intervals(ch, "10", at(8, 30, 0)), nil
		},
	}
	updates := make(chan model.Snapshot, 1)
	c := newTestCoordinator(t, fetcher, clock, OnUpdate(func(s model.Snapshot) { updates <- s }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	select {
	case snap := <-updates:
		require.NotNil(t, snap.General.Current)
		require.NotNil(t, snap.FeedIn.Current)
	case <-ctx.Done():
		t.Fatal("initial refresh did not complete")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrClosed)
}

func TestRefresh_LogsFailures(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	clock := &fakeClock{now: at(8, 0, 0)}
	fetcher := &MockFetcher{
		FetchPricesFunc: func(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
			if ch == model.ChannelFeedIn {
				return nil, amber.ErrMalformedResponse
			}
			return nil, amber.ErrProviderUnavailable
		},
	}
	c := newTestCoordinator(t, fetcher, clock, WithLogger(zap.New(core)))
	require.NoError(t, c.Refresh(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("failed to refresh prices").FilterField(zap.String("channel", "general")).Len())
	errorLogs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errorLogs, 1)
	assert.Equal(t, "amber returned an unusable response", errorLogs[0].Message)
	assert.Equal(t, "feedin", errorLogs[0].ContextMap()["channel"])
	assert.Equal(t, "3000", errorLogs[0].ContextMap()["postcode"])
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	fetcher := &MockFetcher{}

	testCases := map[string]struct {
		postcode string
		fetcher  Fetcher
		mutate   func(*Settings)
	}{
		"empty postcode":        {postcode: "", fetcher: fetcher},
		"nil fetcher":           {postcode: "3000", fetcher: nil},
		"lookback too small":    {postcode: "3000", fetcher: fetcher, mutate: func(s *Settings) { s.LookbackHours = 0 }},
		"lookback too large":    {postcode: "3000", fetcher: fetcher, mutate: func(s *Settings) { s.LookbackHours = 25 }},
		"bad schedule":          {postcode: "3000", fetcher: fetcher, mutate: func(s *Settings) { s.Schedule = "every five minutes" }},
		"retry max below first": {postcode: "3000", fetcher: fetcher, mutate: func(s *Settings) { s.RetryMax = time.Second }},
		"shrinking multiplier":  {postcode: "3000", fetcher: fetcher, mutate: func(s *Settings) { s.RetryMultiplier = 0.5 }},
		"no location retry":     {postcode: "3000", fetcher: fetcher, mutate: func(s *Settings) { s.InvalidLocationRetry = 0 }},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			settings := DefaultSettings()
			if tc.mutate != nil {
				tc.mutate(&settings)
			}
			_, err := New(tc.postcode, tc.fetcher, settings)
			assert.Error(t, err)
		})
	}
}
