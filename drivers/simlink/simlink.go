// Package simlink is a simulated bearer: a link that comes up shortly after
// attach and a DHCP server that answers after a delay, or never.
//
// It implements netlink.Netlinker and the netmgr stack contract so the
// daemon can run on a workstation:
//
//	l := simlink.New(simlink.Config{LeaseDelay: time.Second})
//	m := netmgr.New("sim0", l, l, store, agg)
//
// Lease callbacks always run on a timer goroutine, never inside StartDHCP.
package simlink

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/drivers/netlink"

	"devicelink-go/types"
	"devicelink-go/x/clock"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultLinkUpDelay = 100 * time.Millisecond
	DefaultLeaseDelay  = 2 * time.Second
)

// Config controls the simulation. All fields are optional.
type Config struct {
	// MAC defaults to a random locally administered address.
	MAC net.HardwareAddr
	// LinkUpDelay is the time from NetConnect to EventNetUp.
	LinkUpDelay time.Duration
	// LeaseDelay is the time from StartDHCP to the lease callback.
	LeaseDelay time.Duration
	// NoDHCP makes the server silent, forcing static fallback.
	NoDHCP bool
	// Lease is the address set handed out. Defaults to 192.168.50.100/24.
	Lease types.Lease
}

// Link is safe for concurrent use.
type Link struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock
	log *slog.Logger

	notify    func(netlink.Event)
	attached  bool
	up        bool
	linkTimer clock.Timer
	dhcpTimer clock.Timer
	dhcpGen   uint64
	dhcpOn    bool

	current types.Lease
}

type Option func(*Link)

func WithClock(c clock.Clock) Option { return func(l *Link) { l.clk = c } }

func WithLogger(lg *slog.Logger) Option {
	return func(l *Link) {
		if lg != nil {
			l.log = lg
		}
	}
}

func New(cfg Config, opts ...Option) *Link {
	if cfg.LinkUpDelay <= 0 {
		cfg.LinkUpDelay = DefaultLinkUpDelay
	}
	if cfg.LeaseDelay <= 0 {
		cfg.LeaseDelay = DefaultLeaseDelay
	}
	if len(cfg.MAC) == 0 {
		cfg.MAC = RandomMAC()
	}
	if !cfg.Lease.Address.IsValid() {
		cfg.Lease = types.Lease{
			Address: netip.AddrFrom4([4]byte{192, 168, 50, 100}),
			Gateway: netip.AddrFrom4([4]byte{192, 168, 50, 1}),
			Netmask: netip.AddrFrom4([4]byte{255, 255, 255, 0}),
			DNS:     netip.AddrFrom4([4]byte{192, 168, 50, 1}),
		}
	}
	l := &Link{cfg: cfg, clk: clock.Real(), log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("component", "simlink", "mac", cfg.MAC.String())
	return l
}

// RandomMAC returns a unicast, locally administered address.
func RandomMAC() net.HardwareAddr {
	u := uuid.New()
	mac := net.HardwareAddr(append([]byte(nil), u[:6]...))
	mac[0] = mac[0]&^0x01 | 0x02
	return mac
}

// ---- netlink.Netlinker ----

func (l *Link) NetConnect(*netlink.ConnectParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attached {
		return netlink.ErrConnected
	}
	l.attached = true
	l.log.Debug("attached", "link_up_in", l.cfg.LinkUpDelay)
	l.linkTimer = l.clk.AfterFunc(l.cfg.LinkUpDelay, func() { l.SetLink(true) })
	return nil
}

func (l *Link) NetDisconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.linkTimer != nil {
		l.linkTimer.Stop()
		l.linkTimer = nil
	}
	l.stopDHCPLocked()
	l.attached = false
	l.up = false
	l.current = types.Lease{}
	l.log.Debug("detached")
}

func (l *Link) NetNotify(cb func(netlink.Event)) {
	l.mu.Lock()
	l.notify = cb
	l.mu.Unlock()
}

func (l *Link) GetHardwareAddr() (net.HardwareAddr, error) {
	return l.cfg.MAC, nil
}

// SetLink forces the carrier state. It is a no-op while detached or when
// the state does not change.
func (l *Link) SetLink(up bool) {
	l.mu.Lock()
	if !l.attached || l.up == up {
		l.mu.Unlock()
		return
	}
	l.up = up
	if !up {
		l.stopDHCPLocked()
		l.current = types.Lease{}
	}
	cb := l.notify
	l.mu.Unlock()

	l.log.Info("link changed", "up", up)
	if cb == nil {
		return
	}
	if up {
		cb(netlink.EventNetUp)
	} else {
		cb(netlink.EventNetDown)
	}
}

// SetDHCP turns the simulated server on or off. It affects later
// StartDHCP calls only.
func (l *Link) SetDHCP(enabled bool) {
	l.mu.Lock()
	l.cfg.NoDHCP = !enabled
	l.mu.Unlock()
}

// ---- address stack ----

func (l *Link) StartDHCP(onLease func(types.Lease)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopDHCPLocked()
	l.dhcpOn = true
	if l.cfg.NoDHCP {
		l.log.Debug("dhcp started, server silent")
		return nil
	}
	gen := l.dhcpGen
	lease := l.cfg.Lease
	l.dhcpTimer = l.clk.AfterFunc(l.cfg.LeaseDelay, func() {
		l.mu.Lock()
		if gen != l.dhcpGen || !l.up {
			l.mu.Unlock()
			return
		}
		l.current = lease
		l.mu.Unlock()
		onLease(lease)
	})
	return nil
}

func (l *Link) StopDHCP() error {
	l.mu.Lock()
	l.stopDHCPLocked()
	l.mu.Unlock()
	return nil
}

func (l *Link) stopDHCPLocked() {
	l.dhcpGen++
	l.dhcpOn = false
	if l.dhcpTimer != nil {
		l.dhcpTimer.Stop()
		l.dhcpTimer = nil
	}
}

func (l *Link) SetStatic(addr, gateway, netmask netip.Addr) error {
	l.mu.Lock()
	l.current = types.Lease{Address: addr, Gateway: gateway, Netmask: netmask, DNS: l.current.DNS}
	l.mu.Unlock()
	l.log.Info("static address set", "ip", addr, "gateway", gateway)
	return nil
}

func (l *Link) SetDNS(server netip.Addr) error {
	l.mu.Lock()
	l.current.DNS = server
	l.mu.Unlock()
	return nil
}

// Current returns the address set in use, if any.
func (l *Link) Current() types.Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// DHCPRunning reports whether the client is active.
func (l *Link) DHCPRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dhcpOn
}
