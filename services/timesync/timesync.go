// Package timesync starts wall-clock synchronisation the first time any
// bearer connects and reports TimeServiceReady once the clock is usable.
package timesync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"devicelink-go/services/status"
	"devicelink-go/x/clock"
)

const (
	DefaultAttempts = 20
	DefaultInterval = time.Second
)

// Syncer brings the wall clock in line with a reference. Sync returns nil
// once the clock can be trusted.
type Syncer interface {
	Sync(ctx context.Context) error
}

// StatusSink receives TimeServiceReady; *status.Aggregator implements it.
type StatusSink interface {
	Post(status.Event) bool
}

// ErrClockUnset is returned by ClockCheck while the clock is implausible.
var ErrClockUnset = errors.New("timesync: clock not set")

// ClockCheck treats the clock as synchronised once it reports a year at or
// after MinYear. It suits hosts whose clock is disciplined by the OS.
type ClockCheck struct {
	Clock   clock.Clock
	MinYear int
}

func (c ClockCheck) Sync(context.Context) error {
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}
	minYear := c.MinYear
	if minYear == 0 {
		minYear = 2016
	}
	if clk.Now().Year() < minYear {
		return ErrClockUnset
	}
	return nil
}

// Service is a status.Listener. The first Notify arms it; Run performs the
// sync at most once per process.
type Service struct {
	syncer   Syncer
	sink     StatusSink
	clk      clock.Clock
	log      *slog.Logger
	attempts int
	interval time.Duration

	trigger chan struct{}
	armed   atomic.Bool
	ready   atomic.Bool
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = c } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithAttempts(n int, interval time.Duration) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
		if interval > 0 {
			s.interval = interval
		}
	}
}

func New(syncer Syncer, sink StatusSink, opts ...Option) *Service {
	s := &Service{
		syncer:   syncer,
		sink:     sink,
		clk:      clock.Real(),
		log:      slog.New(slog.DiscardHandler),
		attempts: DefaultAttempts,
		interval: DefaultInterval,
		trigger:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "timesync")
	return s
}

// Notify implements status.Listener. It never blocks.
func (s *Service) Notify(ev status.Event, _ status.Snapshot) {
	if ev.Kind != status.BearerSuccess || !s.armed.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("first connection, starting time sync", "bearer", ev.Bearer)
	s.trigger <- struct{}{}
}

// Ready reports whether the clock has been synchronised.
func (s *Service) Ready() bool { return s.ready.Load() }

// Run waits for the first connection, then syncs with retries. It returns
// after one sync cycle or when ctx ends.
func (s *Service) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.trigger:
	}

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.syncer.Sync(ctx); err == nil {
			s.ready.Store(true)
			s.log.Info("time synchronised", "attempt", attempt, "now", s.clk.Now().Format(time.RFC3339))
			if s.sink != nil && !s.sink.Post(status.Event{Kind: status.TimeServiceReady}) {
				s.log.Warn("status event dropped", "event", status.TimeServiceReady.String())
			}
			return nil
		}
		s.log.Debug("waiting for time sync", "attempt", attempt, "err", err)
		if attempt == s.attempts {
			break
		}
		if serr := sleep(ctx, s.clk, s.interval); serr != nil {
			return serr
		}
	}
	s.log.Warn("time sync gave up", "attempts", s.attempts, "err", err)
	return err
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	ch := make(chan struct{})
	t := clk.AfterFunc(d, func() { close(ch) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-ch:
		return nil
	}
}
