package netmgr

import (
	"context"

	"devicelink-go/errcode"
	"devicelink-go/services/status"
	"devicelink-go/types"
	"devicelink-go/x/codec"
)

type msgKind uint8

const (
	msgLinkUp msgKind = iota
	msgLinkDown
	msgAddressAcquired
	msgDHCPTimeout
	msgUpdateConfig
	msgGetConfig
	msgApplyNow
	msgDisconnect
	msgReconnect
	msgStop
)

var msgNames = [...]string{
	msgLinkUp:          "link_up",
	msgLinkDown:        "link_down",
	msgAddressAcquired: "address_acquired",
	msgDHCPTimeout:     "dhcp_timeout",
	msgUpdateConfig:    "update_config",
	msgGetConfig:       "get_config",
	msgApplyNow:        "apply_now",
	msgDisconnect:      "disconnect",
	msgReconnect:       "reconnect",
	msgStop:            "stop",
}

func (k msgKind) String() string { return msgNames[k] }

// message is the mailbox entry. Only the fields of its kind are set.
type message struct {
	kind  msgKind
	lease types.Lease         // msgAddressAcquired
	gen   uint64              // msgDHCPTimeout
	cfg   types.BearerConfig  // msgUpdateConfig, by value
	out   *types.BearerConfig // msgGetConfig
	reply chan error          // commands
}

func (m *Manager) run(ctx context.Context, mbox chan message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown("context_cancelled")
			return
		case msg := <-mbox:
			if stop := m.handle(&msg); stop {
				return
			}
		}
	}
}

func (m *Manager) handle(msg *message) (stop bool) {
	var err error
	switch msg.kind {
	case msgStop:
		m.shutdown("stopped")
		msg.answer(nil)
		return true
	case msgGetConfig:
		*msg.out = m.cfg
	case msgUpdateConfig:
		m.updateConfig(msg.cfg)
		msg.cfg = types.BearerConfig{} // consumed
	case msgApplyNow:
		err = m.applyNow()
	case msgDisconnect:
		m.disconnect()
	case msgReconnect:
		err = m.reconnect()
	default:
		if m.state == types.StateDisconnected {
			m.log.Debug("ignored while disconnected", "msg", msg.kind.String())
			break
		}
		switch msg.kind {
		case msgLinkUp:
			m.linkUp()
		case msgLinkDown:
			m.linkDown()
		case msgAddressAcquired:
			m.addressAcquired(msg.lease)
		case msgDHCPTimeout:
			m.dhcpTimeout(msg.gen)
		}
	}
	m.publish()
	msg.answer(err)
	return false
}

func (msg *message) answer(err error) {
	if msg.reply != nil {
		msg.reply <- err
	}
}

// ---- transitions ----

func (m *Manager) linkUp() {
	if m.state != types.StateLinkDown {
		m.log.Debug("link up ignored", "state", m.state.String())
		return
	}
	m.log.Info("link up", "mode", m.cfg.Mode.String())
	m.emit(status.BearerConnecting, "")
	if m.cfg.Mode == types.ModeStatic {
		m.applyStatic(false)
		return
	}
	m.startDynamic()
}

func (m *Manager) linkDown() {
	if !m.state.LinkUp() {
		m.log.Debug("link down ignored", "state", m.state.String())
		return
	}
	m.log.Info("link down", "state", m.state.String())
	m.releaseAddressing()
	m.state = types.StateLinkDown
	m.emit(status.BearerDisconnected, "")
}

func (m *Manager) addressAcquired(l types.Lease) {
	switch m.state {
	case types.StateAcquiringDynamic:
		m.cancelTimer()
		m.observed = l
		m.fallback = false
		m.state = types.StateBoundDynamic
		m.log.Info("address acquired", "ip", l.Address, "gateway", l.Gateway, "netmask", l.Netmask)
		m.emit(status.BearerSuccess, "")
	case types.StateBoundDynamic:
		m.observed = l
		m.log.Debug("lease renewed", "ip", l.Address)
	case types.StateBoundStatic:
		// Static is already bound; switching back could undo a config
		// issued in the meantime.
		m.log.Info("late lease ignored", "ip", l.Address, "fallback", m.fallback)
	default:
		m.log.Debug("lease ignored", "state", m.state.String(), "ip", l.Address)
	}
}

func (m *Manager) dhcpTimeout(gen uint64) {
	if gen != m.timerGen || m.state != types.StateAcquiringDynamic {
		m.log.Debug("stale dhcp timeout", "gen", gen, "state", m.state.String())
		return
	}
	m.timer = nil
	m.state = types.StateStaticFallbackPending
	m.log.Warn("dhcp timed out, using static fallback", "after", m.dhcpWait)
	if err := m.stk.StopDHCP(); err != nil {
		m.log.Warn("stop dhcp", "err", err)
	}
	m.applyStatic(true)
}

func (m *Manager) updateConfig(cfg types.BearerConfig) {
	prev := m.cfg
	m.cfg = cfg
	m.persist()

	// Not bound: store only. While AcquiringDynamic that leaves DHCP running;
	// a lease that wins the race still binds dynamic, and the new static
	// values apply at fallback or on the next link-up.
	if !m.state.Bound() {
		m.log.Info("config stored", "mode", cfg.Mode.String(), "state", m.state.String())
		return
	}
	switch {
	case cfg.Mode == types.ModeStatic:
		if m.state == types.StateBoundDynamic {
			if err := m.stk.StopDHCP(); err != nil {
				m.log.Warn("stop dhcp", "err", err)
			}
		}
		m.log.Info("re-applying static config in place", "ip", m.effective().Address)
		m.applyStatic(false)
	case prev.Mode == types.ModeStatic:
		m.log.Info("switching to dynamic addressing in place")
		m.fallback = false
		m.startDynamic()
	default:
		m.log.Info("config stored", "mode", cfg.Mode.String(), "state", m.state.String())
	}
}

func (m *Manager) applyNow() error {
	if !m.state.Bound() {
		return errcode.New(errcode.NotBound, "netmgr.apply", m.state.String())
	}
	if m.cfg.Mode == types.ModeStatic {
		m.applyStatic(false)
		return nil
	}
	if err := m.stk.StopDHCP(); err != nil {
		m.log.Warn("stop dhcp", "err", err)
	}
	m.fallback = false
	m.startDynamic()
	return nil
}

func (m *Manager) disconnect() {
	if m.state == types.StateDisconnected {
		return
	}
	wasUp := m.state.LinkUp()
	m.releaseAddressing()
	m.drv.NetDisconnect()
	m.state = types.StateDisconnected
	m.log.Info("disconnected by request", "link_was_up", wasUp)
	m.emit(status.BearerDisconnected, "")
}

func (m *Manager) reconnect() error {
	if m.state != types.StateDisconnected {
		return nil
	}
	if err := m.connect(); err != nil {
		m.log.Error("reconnect failed", "err", err)
		m.emit(status.BearerFailed, errcode.HardwareInitError.Error())
		return errcode.Wrap(errcode.HardwareInitError, "netmgr.reconnect", err)
	}
	m.state = types.StateLinkDown
	m.log.Info("reconnected, waiting for link")
	return nil
}

func (m *Manager) shutdown(reason string) {
	wasUp := m.state.LinkUp()
	m.releaseAddressing()
	m.timerGen++
	m.drv.NetDisconnect()
	m.state = types.StateStopped
	if wasUp {
		m.emit(status.BearerDisconnected, "")
	}
	m.log.Info("stopped", "reason", reason)
	m.publish()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// ---- addressing helpers ----

func (m *Manager) startDynamic() {
	if err := m.stk.StartDHCP(m.onLease(m.mbox, m.done)); err != nil {
		// The timer still runs, so a broken client ends in static fallback.
		m.log.Warn("start dhcp", "err", err)
	}
	m.armTimer()
	m.state = types.StateAcquiringDynamic
}

// effective is the config with unset static fields taken from defaults.
func (m *Manager) effective() types.BearerConfig { return m.cfg.WithDefaults(m.defaults) }

// applyStatic programs the static address set and binds. Stack errors are
// logged; the bearer is considered bound regardless.
func (m *Manager) applyStatic(fallback bool) {
	m.cancelTimer()
	c := m.effective()
	if err := m.stk.SetStatic(c.Address, c.Gateway, c.Netmask); err != nil {
		m.log.Warn("set static address", "err", err)
	}
	if err := m.stk.SetDNS(c.DNS); err != nil {
		m.log.Warn("set dns", "err", err)
	}
	m.observed = types.Lease{Address: c.Address, Gateway: c.Gateway, Netmask: c.Netmask, DNS: c.DNS}
	m.fallback = fallback
	m.state = types.StateBoundStatic
	m.log.Info("static address bound", "ip", c.Address, "gateway", c.Gateway, "fallback", fallback)
	m.emit(status.BearerSuccess, "")
}

func (m *Manager) releaseAddressing() {
	m.cancelTimer()
	if err := m.stk.StopDHCP(); err != nil {
		m.log.Warn("stop dhcp", "err", err)
	}
	m.observed = types.Lease{}
	m.fallback = false
}

func (m *Manager) armTimer() {
	m.cancelTimer()
	m.timerGen++
	gen := m.timerGen
	mbox, done := m.mbox, m.done
	m.timer = m.clk.AfterFunc(m.dhcpWait, func() {
		deliver(mbox, done, message{kind: msgDHCPTimeout, gen: gen})
	})
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ---- persistence ----

// persisted is the stored blob; V guards future layout changes.
type persisted struct {
	V      int                `cbor:"v"`
	Config types.BearerConfig `cbor:"config"`
}

func (m *Manager) persist() {
	b, err := codec.Marshal(persisted{V: 1, Config: m.cfg})
	if err == nil {
		err = m.st.Save(StoreNamespace, m.name, b)
	}
	if err != nil {
		m.log.Warn("persist config failed; keeping in-memory config", "err", err)
		m.emit(status.PersistenceFailed, errcode.PersistenceError.Error())
	}
}

func (m *Manager) loadConfig() types.BearerConfig {
	b, err := m.st.Load(StoreNamespace, m.name)
	switch {
	case errcode.Of(err) == errcode.NotFound:
		m.log.Info("no stored config, using defaults", "mode", m.defaults.Mode.String())
		return m.defaults
	case err != nil:
		m.log.Warn("load config failed, using defaults", "err", err)
		m.emit(status.PersistenceFailed, errcode.PersistenceError.Error())
		return m.defaults
	}
	var p persisted
	if err := codec.Unmarshal(b, &p); err != nil {
		m.log.Warn("stored config unreadable, using defaults", "err", err)
		return m.defaults
	}
	if err := p.Config.Validate(); err != nil {
		m.log.Warn("stored config invalid, using defaults", "err", err)
		return m.defaults
	}
	m.log.Info("loaded stored config", "mode", p.Config.Mode.String())
	return p.Config
}
