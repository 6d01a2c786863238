// Package netmgr runs the connection manager of one bearer: link events,
// dynamic addressing with static fallback, live reconfiguration and
// persistence of the active config.
package netmgr

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/drivers/netlink"

	"devicelink-go/bus"
	"devicelink-go/errcode"
	"devicelink-go/services/status"
	"devicelink-go/store"
	"devicelink-go/types"
	"devicelink-go/x/clock"
	"devicelink-go/x/timex"
)

const (
	DefaultDHCPTimeout = 15 * time.Second
	defaultMailboxLen  = 8

	// StoreNamespace holds one persisted config per bearer, keyed by name.
	StoreNamespace = "netcfg"
)

// Stack is the address and DNS layer of the bearer. onLease may be called
// any number of times but never from inside StartDHCP itself. StopDHCP must
// be idempotent.
type Stack interface {
	StartDHCP(onLease func(types.Lease)) error
	StopDHCP() error
	SetStatic(addr, gateway, netmask netip.Addr) error
	SetDNS(server netip.Addr) error
}

// StatusSink receives status events; *status.Aggregator implements it.
type StatusSink interface {
	Post(status.Event) bool
}

// DefaultConfig is used when neither the device config nor the store has one.
func DefaultConfig() types.BearerConfig {
	return types.BearerConfig{
		Mode:    types.ModeDynamic,
		Address: netip.AddrFrom4([4]byte{192, 168, 0, 101}),
		Gateway: netip.AddrFrom4([4]byte{192, 168, 0, 1}),
		Netmask: netip.AddrFrom4([4]byte{255, 255, 255, 0}),
		DNS:     types.DefaultDNS,
	}
}

// Manager owns one bearer. All fields below the worker marker are touched
// only by the worker goroutine (or by Start before it launches it).
type Manager struct {
	name        string
	drv         netlink.Netlinker
	stk         Stack
	st          store.Store
	sink        StatusSink
	clk         clock.Clock
	log         *slog.Logger
	conn        *bus.Connection
	defaults    types.BearerConfig
	dhcpWait    time.Duration
	connTimeout time.Duration
	mboxLen     int

	mu      sync.Mutex
	running bool
	mbox    chan message
	done    chan struct{}

	info atomic.Pointer[types.BearerInfo]

	// worker
	state    types.ConnState
	cfg      types.BearerConfig
	observed types.Lease
	fallback bool
	timer    clock.Timer
	timerGen uint64
	mac      string
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithBus publishes the retained state on net/<bearer>/state.
func WithBus(conn *bus.Connection) Option { return func(m *Manager) { m.conn = conn } }

// WithDefaults sets the config used when the store has none. Its static
// fields are also the fallback for unset fields of any later config.
func WithDefaults(c types.BearerConfig) Option {
	return func(m *Manager) { m.defaults = c.WithDefaults(DefaultConfig()) }
}

func WithDHCPTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dhcpWait = d
		}
	}
}

func WithConnectTimeout(d time.Duration) Option { return func(m *Manager) { m.connTimeout = d } }

func WithMailboxLen(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.mboxLen = n
		}
	}
}

func New(name string, drv netlink.Netlinker, stk Stack, st store.Store, sink StatusSink, opts ...Option) *Manager {
	m := &Manager{
		name:        name,
		drv:         drv,
		stk:         stk,
		st:          st,
		sink:        sink,
		clk:         clock.Real(),
		log:         slog.New(slog.DiscardHandler),
		defaults:    DefaultConfig(),
		dhcpWait:    DefaultDHCPTimeout,
		connTimeout: netlink.DefaultConnectTimeout,
		mboxLen:     defaultMailboxLen,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "netmgr", "bearer", name)
	m.cfg = m.defaults
	m.publish()
	return m
}

func (m *Manager) Name() string { return m.name }

// Start attaches the driver and launches the worker. A driver that fails
// to attach yields HardwareInitError and a single Failed status; the
// manager stays stopped. Start may be called again after Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errcode.New(errcode.Busy, "netmgr.start", "already running")
	}

	mbox := make(chan message, m.mboxLen)
	done := make(chan struct{})
	m.mbox, m.done = mbox, done

	m.state = types.StateStopped
	m.observed = types.Lease{}
	m.fallback = false
	m.cfg = m.loadConfig()
	if hw, err := m.drv.GetHardwareAddr(); err == nil {
		m.mac = hw.String()
	}

	m.drv.NetNotify(m.netEvents(mbox, done))
	if err := m.connect(); err != nil {
		close(done)
		m.emit(status.BearerFailed, errcode.HardwareInitError.Error())
		m.log.Error("driver attach failed", "err", err)
		m.publish()
		return errcode.Wrap(errcode.HardwareInitError, "netmgr.start", err)
	}

	m.state = types.StateLinkDown
	m.running = true
	m.log.Info("started", "mode", m.cfg.Mode.String(), "mac", m.mac)
	m.publish()
	go m.run(ctx, mbox, done)
	return nil
}

func (m *Manager) connect() error {
	err := m.drv.NetConnect(&netlink.ConnectParams{
		ConnectMode:    netlink.ConnectModeSTA,
		Retries:        1,
		ConnectTimeout: m.connTimeout,
	})
	if errors.Is(err, netlink.ErrConnected) {
		return nil
	}
	return err
}

// Stop cancels any pending timer, releases the driver and waits for the
// worker to exit.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.call(ctx, msgStop)
	if errcode.Of(err) == errcode.Stopped {
		return nil
	}
	return err
}

// Done is closed when the current worker exits.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return m.done
}

// SetConfig validates cfg and hands it to the worker. Validation failures
// return ConfigInvalid and change nothing.
func (m *Manager) SetConfig(ctx context.Context, cfg types.BearerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mode == types.ModeStatic && !cfg.DNS.IsValid() {
		cfg.DNS = types.DefaultDNS
	}
	return m.post(ctx, message{kind: msgUpdateConfig, cfg: cfg})
}

// GetConfig returns the config as of every message enqueued before it.
func (m *Manager) GetConfig(ctx context.Context) (types.BearerConfig, error) {
	reply := make(chan error, 1)
	var out types.BearerConfig
	msg := message{kind: msgGetConfig, reply: reply, out: &out}
	if err := m.roundTrip(ctx, msg); err != nil {
		return types.BearerConfig{}, err
	}
	return out, nil
}

// ApplyNow re-applies the current config. It fails with NotBound unless an
// address set is in use.
func (m *Manager) ApplyNow(ctx context.Context) error { return m.call(ctx, msgApplyNow) }

// Disconnect takes the link down administratively until Reconnect.
func (m *Manager) Disconnect(ctx context.Context) error { return m.call(ctx, msgDisconnect) }

// Reconnect re-attaches the link after Disconnect.
func (m *Manager) Reconnect(ctx context.Context) error { return m.call(ctx, msgReconnect) }

// Info returns the latest published view. It never blocks on the worker.
func (m *Manager) Info() types.BearerInfo { return *m.info.Load() }

// ---- mailbox plumbing ----

func (m *Manager) channels() (chan message, chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mbox, m.done, m.running
}

func (m *Manager) post(ctx context.Context, msg message) error {
	mbox, done, running := m.channels()
	if !running {
		return errcode.Stopped
	}
	select {
	case mbox <- msg:
		return nil
	case <-done:
		return errcode.Stopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) call(ctx context.Context, kind msgKind) error {
	return m.roundTrip(ctx, message{kind: kind, reply: make(chan error, 1)})
}

func (m *Manager) roundTrip(ctx context.Context, msg message) error {
	_, done, _ := m.channels()
	if err := m.post(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-done:
		// The worker may have answered just before exiting.
		select {
		case err := <-msg.reply:
			return err
		default:
			return errcode.Stopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver blocks until the worker takes msg or exits.
func deliver(mbox chan<- message, done <-chan struct{}, msg message) bool {
	select {
	case mbox <- msg:
		return true
	case <-done:
		return false
	}
}

func (m *Manager) netEvents(mbox chan<- message, done <-chan struct{}) func(netlink.Event) {
	return func(e netlink.Event) {
		switch e {
		case netlink.EventNetUp:
			deliver(mbox, done, message{kind: msgLinkUp})
		case netlink.EventNetDown:
			deliver(mbox, done, message{kind: msgLinkDown})
		}
	}
}

func (m *Manager) onLease(mbox chan<- message, done <-chan struct{}) func(types.Lease) {
	return func(l types.Lease) {
		deliver(mbox, done, message{kind: msgAddressAcquired, lease: l})
	}
}

// ---- outputs ----

func (m *Manager) emit(k status.Kind, detail string) {
	if m.sink == nil {
		return
	}
	if !m.sink.Post(status.Event{Kind: k, Bearer: m.name, Detail: detail}) {
		m.log.Warn("status event dropped", "event", k.String())
	}
}

// publish refreshes the Info snapshot and the retained bus state.
func (m *Manager) publish() {
	info := &types.BearerInfo{
		Bearer:   m.name,
		State:    m.state,
		Config:   m.cfg,
		Observed: m.observed,
		Fallback: m.fallback,
		MAC:      m.mac,
		TS:       timex.Ms(m.clk.Now()),
	}
	m.info.Store(info)
	if m.conn != nil {
		m.conn.Publish(m.conn.NewMessage(StateTopic(m.name), *info, true))
	}
}

// StateTopic is net/<bearer>/state.
func StateTopic(bearer string) bus.Topic { return bus.T("net", bearer, "state") }
