// Package coordinator keeps the resolved price view of one postcode up to date.
//
// Each channel is refreshed on a cron cadence and retried with exponential
// backoff when the provider fails. A failed refresh keeps the previous view and
// marks it stale. Views are swapped atomically so readers never block.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/amber-price-integration/internal/pkg/amber"
	"github.com/anicoll/amber-price-integration/internal/pkg/metrics"
	"github.com/anicoll/amber-price-integration/internal/pkg/model"
	"github.com/anicoll/amber-price-integration/internal/pkg/resolver"
)

var (
	ErrRefreshInProgress = errors.New("refresh already in progress")
	ErrClosed            = errors.New("coordinator closed")
)

// minTickDelay stops the run loop spinning when a due channel is held by a manual refresh.
const minTickDelay = time.Second

type Fetcher interface {
	FetchPrices(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error)
}

type Settings struct {
	LookbackHours        int
	Schedule             string
	SettleDelay          time.Duration
	RetryInitial         time.Duration
	RetryMax             time.Duration
	RetryMultiplier      float64
	InvalidLocationRetry time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		LookbackHours:        1,
		Schedule:             "*/5 * * * *",
		SettleDelay:          5 * time.Second,
		RetryInitial:         30 * time.Second,
		RetryMax:             10 * time.Minute,
		RetryMultiplier:      2,
		InvalidLocationRetry: time.Hour,
	}
}

type channelState struct {
	channel model.Channel
	view    atomic.Pointer[model.ChannelView]
	due     atomic.Int64 // unix nanos
	// only touched while the refresh guard is held
	backoff *backoff.ExponentialBackOff
}

type Coordinator struct {
	postcode  string
	fetcher   Fetcher
	settings  Settings
	schedule  cron.Schedule
	logger    *zap.Logger
	collector metrics.Collector
	now       func() time.Time

	channels []*channelState

	running  atomic.Bool
	closed   atomic.Bool
	lifetime context.Context
	cancel   context.CancelFunc

	mu        sync.RWMutex
	listeners []func(model.Snapshot)
}

func New(postcode string, fetcher Fetcher, settings Settings, opts ...func(*Coordinator)) (*Coordinator, error) {
	if postcode == "" {
		return nil, errors.New("postcode cannot be empty")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if settings.LookbackHours < 1 || settings.LookbackHours > 24 {
		return nil, fmt.Errorf("lookback hours must be between 1 and 24, got %d", settings.LookbackHours)
	}
	if settings.RetryInitial <= 0 || settings.RetryMax < settings.RetryInitial {
		return nil, fmt.Errorf("invalid retry window %s..%s", settings.RetryInitial, settings.RetryMax)
	}
	if settings.RetryMultiplier < 1 {
		return nil, fmt.Errorf("retry multiplier must be at least 1, got %v", settings.RetryMultiplier)
	}
	if settings.InvalidLocationRetry <= 0 {
		return nil, errors.New("invalid location retry must be positive")
	}
	schedule, err := cron.ParseStandard(settings.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh schedule: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		postcode:  postcode,
		fetcher:   fetcher,
		settings:  settings,
		schedule:  schedule,
		logger:    zap.L(),
		collector: metrics.Noop(),
		now:       time.Now,
		lifetime:  lifetime,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(zap.String("postcode", postcode))

	for _, ch := range model.Channels {
		st := &channelState{
			channel: ch,
			backoff: c.newBackOff(),
		}
		st.view.Store(&model.ChannelView{Channel: ch})
		c.channels = append(c.channels, st)
	}
	return c, nil
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.settings.RetryInitial
	b.MaxInterval = c.settings.RetryMax
	b.Multiplier = c.settings.RetryMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Coordinator) PostCode() string {
	return c.postcode
}

// Subscribe registers f to receive a snapshot after every refresh cycle.
func (c *Coordinator) Subscribe(f func(model.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, f)
}

// Run refreshes every channel immediately and then keeps each channel on its
// own schedule until ctx is cancelled. The coordinator is closed when Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Close()
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.tick(ctx, true); err != nil {
		c.logger.Warn("initial refresh skipped", zap.Error(err))
	}

	timer := time.NewTimer(c.untilNextDue())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context done")
			return ctx.Err()
		case <-c.lifetime.Done():
			return ErrClosed
		case <-timer.C:
			if err := c.tick(ctx, false); errors.Is(err, ErrRefreshInProgress) {
				c.logger.Debug("refresh tick skipped, previous refresh still running")
				c.collector.IncSkippedTick(c.postcode)
			}
			timer.Reset(c.untilNextDue())
		}
	}
}

// Refresh refreshes every channel now, regardless of schedule or backoff.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.tick(ctx, true)
}

// Close tears the coordinator down. Fetches still in flight are cancelled and their results dropped.
func (c *Coordinator) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
}

func (c *Coordinator) Snapshot() model.Snapshot {
	snap := model.Snapshot{
		PostCode:      c.postcode,
		LookbackHours: c.settings.LookbackHours,
	}
	for _, st := range c.channels {
		view := *st.view.Load()
		switch st.channel {
		case model.ChannelGeneral:
			snap.General = view
		case model.ChannelFeedIn:
			snap.FeedIn = view
		}
		if due := st.dueAt(); !due.IsZero() && (snap.NextRefresh.IsZero() || due.Before(snap.NextRefresh)) {
			snap.NextRefresh = due
		}
	}
	return snap
}

func (c *Coordinator) tick(ctx context.Context, force bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	now := c.now()
	var eg errgroup.Group
	refreshed := false
	for _, st := range c.channels {
		if !force && st.dueAt().After(now) {
			continue
		}
		refreshed = true
		eg.Go(func() error {
			c.refreshChannel(ctx, st)
			return nil
		})
	}
	_ = eg.Wait()

	if !refreshed || ctx.Err() != nil || c.closed.Load() {
		return nil
	}
	c.notify(c.Snapshot())
	return nil
}

func (c *Coordinator) refreshChannel(ctx context.Context, st *channelState) {
	logger := c.logger.With(zap.String("channel", st.channel.String()))

	start := time.Now()
	intervals, err := c.fetcher.FetchPrices(ctx, c.postcode, st.channel, c.settings.LookbackHours)
	took := time.Since(start)

	if ctx.Err() != nil || c.closed.Load() {
		logger.Debug("discarding fetch result after shutdown")
		return
	}
	c.collector.ObserveFetch(c.postcode, st.channel.String(), resultLabel(err), took)

	now := c.now()
	prev := st.view.Load()
	if err != nil {
		view := *prev
		view.Stale = true
		view.Err = err
		view.LastError = err.Error()
		view.Failures = prev.Failures + 1
		view.NextRefresh = now.Add(c.retryDelay(st, err))
		st.view.Store(&view)
		st.setDue(view.NextRefresh)

		fields := []zap.Field{
			zap.Error(err),
			zap.Int("consecutive_failures", view.Failures),
			zap.Time("next_refresh", view.NextRefresh),
		}
		if errors.Is(err, amber.ErrMalformedResponse) {
			logger.Error("amber returned an unusable response", fields...)
		} else {
			logger.Warn("failed to refresh prices", fields...)
		}
		c.collector.SetConsecutiveFailures(c.postcode, st.channel.String(), view.Failures)
		c.collector.SetNextRefresh(c.postcode, st.channel.String(), view.NextRefresh)
		return
	}

	st.backoff.Reset()
	current, next := resolver.Resolve(intervals, now)
	view := &model.ChannelView{
		Channel:       st.channel,
		Current:       current,
		Next:          next,
		Intervals:     intervals,
		LastRefreshed: now,
		NextRefresh:   c.nextRegular(now),
	}
	st.view.Store(view)
	st.setDue(view.NextRefresh)

	if prev.Failures > 0 {
		logger.Info("prices recovered", zap.Int("after_failures", prev.Failures))
	}
	logger.Debug("refreshed prices",
		zap.Int("intervals", len(intervals)),
		zap.Bool("has_current", current != nil),
		zap.Bool("has_next", next != nil),
		zap.Time("next_refresh", view.NextRefresh),
	)
	c.collector.SetConsecutiveFailures(c.postcode, st.channel.String(), 0)
	c.collector.SetNextRefresh(c.postcode, st.channel.String(), view.NextRefresh)
}

// retryDelay is non-decreasing across consecutive transient failures and never exceeds RetryMax.
func (c *Coordinator) retryDelay(st *channelState, err error) time.Duration {
	if errors.Is(err, amber.ErrInvalidLocation) {
		return c.settings.InvalidLocationRetry
	}
	d := st.backoff.NextBackOff()
	if d == backoff.Stop || d > c.settings.RetryMax {
		return c.settings.RetryMax
	}
	return d
}

func (c *Coordinator) nextRegular(now time.Time) time.Time {
	return c.schedule.Next(now).Add(c.settings.SettleDelay)
}

func (c *Coordinator) untilNextDue() time.Duration {
	var earliest time.Time
	for _, st := range c.channels {
		if due := st.dueAt(); earliest.IsZero() || due.Before(earliest) {
			earliest = due
		}
	}
	d := earliest.Sub(c.now())
	if d < minTickDelay {
		return minTickDelay
	}
	return d
}

func (c *Coordinator) notify(snap model.Snapshot) {
	c.mu.RLock()
	listeners := append([]func(model.Snapshot){}, c.listeners...)
	c.mu.RUnlock()
	for _, f := range listeners {
		f(snap)
	}
}

func (st *channelState) dueAt() time.Time {
	n := st.due.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (st *channelState) setDue(t time.Time) {
	st.due.Store(t.UnixNano())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, amber.ErrInvalidLocation):
		return "invalid_location"
	case errors.Is(err, amber.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, amber.ErrProviderUnavailable):
		return "provider_unavailable"
	}
	return "error"
}
