// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"devicelink-go/bus"
	"devicelink-go/services/config"
	"devicelink-go/types"
	"devicelink-go/x/timex"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start starts the bridge service. It blocks until ctx is cancelled.
// It listens for config on {"config","bridge"} and (re)connects the uplink.
func Start(ctx context.Context, conn *bus.Connection, opts ...Option) {
	s := &Service{
		conn:       conn,
		stateTopic: bus.T("bridge", "state"),
		dial:       MQTTDial,
		log:        slog.New(slog.DiscardHandler),
		mirror:     []bus.Topic{bus.T("status", "#"), bus.T("net", "#")},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "bridge")
	s.run(ctx)
}

type Option func(*Service)

// WithDialer replaces the MQTT dialler.
func WithDialer(d Dialer) Option { return func(s *Service) { s.dial = d } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// -----------------------------------------------------------------------------
// Uplink
// -----------------------------------------------------------------------------

// Uplink is a connected broker session.
type Uplink interface {
	Publish(topic string, retained bool, payload []byte) error
	Close()
}

// Dialer connects an uplink. onLost is called at most once when an
// established session drops.
type Dialer func(ctx context.Context, cfg config.Bridge, onLost func(error)) (Uplink, error)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTDial connects with paho. The session announces itself on
// <prefix>/availability and leaves "offline" there as its will.
func MQTTDial(ctx context.Context, cfg config.Bridge, onLost func(error)) (Uplink, error) {
	avail := cfg.Prefix + "/availability"
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(avail, "offline", 1, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	select {
	case <-ctx.Done():
		c.Disconnect(0)
		return nil, ctx.Err()
	case <-tok.Done():
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	u := &mqttUplink{c: c, avail: avail}
	if err := u.Publish(avail, true, []byte("online")); err != nil {
		c.Disconnect(0)
		return nil, err
	}
	return u, nil
}

type mqttUplink struct {
	c     mqtt.Client
	avail string
}

func (u *mqttUplink) Publish(topic string, retained bool, payload []byte) error {
	tok := u.c.Publish(topic, 1, retained, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return tok.Error()
}

func (u *mqttUplink) Close() {
	_ = u.Publish(u.avail, true, []byte("offline"))
	u.c.Disconnect(250)
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn       *bus.Connection
	stateTopic bus.Topic
	dial       Dialer
	log        *slog.Logger
	mirror     []bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
	curCfg atomic.Value // stores config.Bridge
}

// run waits for config and supervises a single uplink.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(config.Topic(config.SectionBridge))
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			if !cfg.Enabled() {
				s.stopCurrent()
				s.publishState("idle", "disabled", nil)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg config.Bridge) {
	s.mu.Lock()
	// Cancel any existing run.
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	s.curCfg.Store(cfg)
	s.log.Info("uplink configured", "broker", cfg.Broker, "prefix", cfg.Prefix)
	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg config.Bridge) {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lost := make(chan error, 1)
		up, err := s.dial(ctx, cfg, func(err error) {
			select {
			case lost <- err:
			default:
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		err = s.handleLink(ctx, cfg, up, lost)
		up.Close()
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		return
	}
}

// handleLink mirrors retained bus state to the broker until the link drops
// or ctx ends. Subscribing replays retained messages, so the broker is in
// sync as soon as the link is up.
func (s *Service) handleLink(ctx context.Context, cfg config.Bridge, up Uplink, lost <-chan error) error {
	in := make(chan *bus.Message, 16)
	stop := make(chan struct{})
	defer close(stop)
	for _, t := range s.mirror {
		sub := s.conn.Subscribe(t)
		defer s.conn.Unsubscribe(sub)
		go func() {
			for m := range sub.Channel() {
				select {
				case in <- m:
				case <-stop:
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			if err == nil {
				err = errors.New("connection lost")
			}
			return err
		case m := <-in:
			if !m.Retained {
				continue
			}
			payload, err := encodePayload(m.Payload)
			if err != nil {
				s.log.Warn("skipping unencodable payload", "topic", m.Topic.String(), "err", err)
				continue
			}
			if err := up.Publish(remoteTopic(cfg.Prefix, m.Topic), true, payload); err != nil {
				return err
			}
		}
	}
}

func remoteTopic(prefix string, t bus.Topic) string {
	return strings.TrimSuffix(prefix, "/") + "/" + t.String()
}

// encodePayload renders a bus payload as JSON. A nil payload clears the
// retained remote value.
func encodePayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return json.Marshal(p)
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (config.Bridge, error) {
	var cfg config.Bridge
	switch v := p.(type) {
	case config.Bridge:
		return v, nil
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		// Already a decoded object (e.g. if provided internally); re-marshal for simplicity.
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "devicelink"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "devicelink"
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := types.ServiceState{Level: level, Status: status, TS: timex.NowMs()}
	if err != nil {
		payload.Error = err.Error()
		s.log.Warn("bridge state", "level", level, "status", status, "err", err)
	} else {
		s.log.Info("bridge state", "level", level, "status", status)
	}
	msg := s.conn.NewMessage(s.stateTopic, payload, true)
	s.conn.Publish(msg)
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
