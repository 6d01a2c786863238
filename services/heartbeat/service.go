package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"devicelink-go/bus"
	"devicelink-go/services/config"
	"devicelink-go/services/status"
	"devicelink-go/x/clock"
)

var topicConfigHeartbeat = config.Topic(config.SectionHeartbeat)

const defaultInterval = 30 * time.Second

// Snapshotter is satisfied by *status.Aggregator.
type Snapshotter interface {
	Snapshot() status.Snapshot
}

// Service logs a one-line status summary on every tick.
type Service struct {
	status Snapshotter
	clk    clock.Clock
	log    *slog.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = c } }

func New(st Snapshotter, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Service{status: st, clk: clock.Real(), log: log.With("component", "heartbeat")}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	// Each tick carries the generation it was armed with; re-arming
	// invalidates ticks already in flight.
	ticks := make(chan uint64)
	var (
		every = defaultInterval
		gen   uint64
		timer clock.Timer
	)
	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		gen++
		g := gen
		timer = s.clk.AfterFunc(every, func() {
			select {
			case ticks <- g:
			case <-ctx.Done():
			}
		})
	}
	arm()
	defer func() { timer.Stop() }()

	// loop until context is cancelled, respond to tick and config changes
	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat service stopping")
			return
		case g := <-ticks:
			if g != gen {
				continue
			}
			s.beat()
			arm()
		case msg := <-cfgSub.Channel():
			if iv, ok := interval(msg.Payload); ok {
				every = iv
				arm()
				s.log.Info("heartbeat interval set", "interval", iv)
			}
		}
	}
}

func interval(p any) (time.Duration, bool) {
	switch v := p.(type) {
	case config.Heartbeat:
		return v.Interval.D(), v.Interval > 0
	case map[string]any:
		if f, ok := v["interval"].(float64); ok && f > 0 {
			return time.Duration(f * float64(time.Second)), true
		}
	}
	return 0, false
}

func (s *Service) beat() {
	snap := s.status.Snapshot()
	s.log.Info("heartbeat",
		"seq", snap.Seq,
		"bearers", Summary(snap),
		"update", snap.Update.String(),
		"time_ready", snap.TimeReady,
		"dropped", snap.Dropped,
	)
}

// Summary renders bearer phases as "eth0=success wlan0=connecting", sorted
// by bearer.
func Summary(snap status.Snapshot) string {
	names := make([]string, 0, len(snap.Bearers))
	for n := range snap.Bearers {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%s", n, snap.Bearers[n])
	}
	return strings.Join(parts, " ")
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
