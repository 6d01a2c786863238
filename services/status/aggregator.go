package status

import (
	"context"
	"log/slog"
	"sync/atomic"

	"devicelink-go/bus"
	"devicelink-go/types"
)

const defaultQueueLen = 16

// TopicSnapshot carries the retained snapshot after every applied event.
var TopicSnapshot = bus.T("status", "snapshot")

// Aggregator folds status events from every producer into one Snapshot. It
// is the only writer; Post never blocks.
type Aggregator struct {
	mbox     chan Event
	snap     atomic.Pointer[Snapshot]
	dropped  atomic.Uint64
	listener Listener
	conn     *bus.Connection
	log      *slog.Logger
}

type Option func(*Aggregator)

func WithQueueLen(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.mbox = make(chan Event, n)
		}
	}
}

// WithListener registers the success listener. It is fixed for the
// aggregator's lifetime.
func WithListener(l Listener) Option { return func(a *Aggregator) { a.listener = l } }

// WithBus publishes each snapshot retained on TopicSnapshot.
func WithBus(conn *bus.Connection) Option { return func(a *Aggregator) { a.conn = conn } }

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		mbox: make(chan Event, defaultQueueLen),
		log:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("component", "status")
	s := Snapshot{Bearers: map[string]types.Phase{}}
	a.snap.Store(&s)
	return a
}

// Post enqueues ev. It reports false, and counts a drop, when the mailbox
// is full.
func (a *Aggregator) Post(ev Event) bool {
	select {
	case a.mbox <- ev:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Snapshot returns a copy of the current status. Safe for any number of
// concurrent callers.
func (a *Aggregator) Snapshot() Snapshot {
	s := a.snap.Load().clone()
	s.Dropped = a.dropped.Load()
	return s
}

// Run applies events in arrival order until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	a.publish(a.Snapshot())
	for {
		select {
		case <-ctx.Done():
			a.log.Debug("aggregator stopping")
			return
		case ev := <-a.mbox:
			a.apply(ev)
		}
	}
}

func (a *Aggregator) apply(ev Event) {
	next := a.snap.Load().clone()
	switch ev.Kind {
	case BearerConnecting:
		next.Bearers[ev.Bearer] = types.PhaseConnecting
	case BearerSuccess:
		next.Bearers[ev.Bearer] = types.PhaseSuccess
	case BearerFailed:
		next.Bearers[ev.Bearer] = types.PhaseFailed
	case BearerDisconnected:
		next.Bearers[ev.Bearer] = types.PhaseDisconnected
	case UpdateSuccessful:
		next.Update = types.UpdateSuccessful
		next.UpdateReason = ""
		next.UpdateDigest = ev.Detail
	case UpdateFailed:
		next.Update = types.UpdateFailed
		next.UpdateReason = ev.Detail
	case TimeServiceReady:
		if next.TimeReady {
			return
		}
		next.TimeReady = true
	case PersistenceFailed:
		next.PersistError = ev.Bearer + ": " + ev.Detail
	default:
		a.log.Warn("unknown status event", "kind", uint8(ev.Kind))
		return
	}
	next.Seq++
	a.snap.Store(&next)
	a.log.Debug("status applied", "event", ev.Kind.String(), "bearer", ev.Bearer, "seq", next.Seq)

	a.publish(a.Snapshot())
	if ev.Kind == BearerSuccess && a.listener != nil {
		a.listener.Notify(ev, a.Snapshot())
	}
}

func (a *Aggregator) publish(s Snapshot) {
	if a.conn == nil {
		return
	}
	a.conn.Publish(a.conn.NewMessage(TopicSnapshot, s, true))
}
