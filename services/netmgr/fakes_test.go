package netmgr

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/drivers/netlink"

	"devicelink-go/services/status"
	"devicelink-go/store"
	"devicelink-go/types"
	"devicelink-go/x/clock"
)

// ---- driver ----

type fakeDriver struct {
	mu          sync.Mutex
	cb          func(netlink.Event)
	connectErr  error
	connects    int
	disconnects int
}

func (d *fakeDriver) NetConnect(*netlink.ConnectParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return d.connectErr
}

func (d *fakeDriver) NetDisconnect() {
	d.mu.Lock()
	d.disconnects++
	d.mu.Unlock()
}

func (d *fakeDriver) NetNotify(cb func(netlink.Event)) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *fakeDriver) GetHardwareAddr() (net.HardwareAddr, error) {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0xaa, 0xbb, 0xcc}, nil
}

func (d *fakeDriver) fire(e netlink.Event) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	cb(e)
}

func (d *fakeDriver) counts() (connects, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.disconnects
}

// ---- stack ----

type fakeStack struct {
	mu        sync.Mutex
	onLease   func(types.Lease)
	dhcpOn    bool
	dhcpStart int
	statics   []types.Lease
	dns       []netip.Addr
}

func (s *fakeStack) StartDHCP(onLease func(types.Lease)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLease = onLease
	s.dhcpOn = true
	s.dhcpStart++
	return nil
}

func (s *fakeStack) StopDHCP() error {
	s.mu.Lock()
	s.dhcpOn = false
	s.mu.Unlock()
	return nil
}

func (s *fakeStack) SetStatic(addr, gw, mask netip.Addr) error {
	s.mu.Lock()
	s.statics = append(s.statics, types.Lease{Address: addr, Gateway: gw, Netmask: mask})
	s.mu.Unlock()
	return nil
}

func (s *fakeStack) SetDNS(server netip.Addr) error {
	s.mu.Lock()
	s.dns = append(s.dns, server)
	s.mu.Unlock()
	return nil
}

// lease plays the DHCP client answering.
func (s *fakeStack) lease(l types.Lease) {
	s.mu.Lock()
	cb := s.onLease
	s.mu.Unlock()
	cb(l)
}

func (s *fakeStack) snapshot() (dhcpOn bool, dhcpStarts int, statics []types.Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dhcpOn, s.dhcpStart, append([]types.Lease(nil), s.statics...)
}

// ---- status sink ----

type fakeSink struct {
	mu  sync.Mutex
	evs []status.Event
}

func (s *fakeSink) Post(ev status.Event) bool {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) kinds() []status.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]status.Kind, len(s.evs))
	for i, ev := range s.evs {
		out[i] = ev.Kind
	}
	return out
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	s.evs = nil
	s.mu.Unlock()
}

// ---- store ----

type failingStore struct{ store.Memory }

func (*failingStore) Save(string, string, []byte) error { return errors.New("flash worn out") }

// ---- harness ----

type harness struct {
	m    *Manager
	drv  *fakeDriver
	stk  *fakeStack
	sink *fakeSink
	clk  *clock.Fake
	st   store.Store
	ctx  context.Context
}

func newHarness(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	h := &harness{
		drv:  &fakeDriver{},
		stk:  &fakeStack{},
		sink: &fakeSink{},
		clk:  clock.NewFake(time.Unix(1_700_000_000, 0)),
		st:   st,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	h.ctx = ctx
	opts = append([]Option{WithClock(h.clk)}, opts...)
	h.m = New("eth0", h.drv, h.stk, st, h.sink, opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.m.Start(h.ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.m.Stop(context.Background()) })
}

// sync returns once every message enqueued so far has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if _, err := h.m.GetConfig(h.ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) linkUp(t *testing.T) {
	t.Helper()
	h.drv.fire(netlink.EventNetUp)
	h.sync(t)
}

func (h *harness) state() types.ConnState { return h.m.Info().State }

func staticCfg(ip, gw, mask string) types.BearerConfig {
	return types.BearerConfig{
		Mode:    types.ModeStatic,
		Address: netip.MustParseAddr(ip),
		Gateway: netip.MustParseAddr(gw),
		Netmask: netip.MustParseAddr(mask),
	}
}

func mustLease(ip, gw string) types.Lease {
	return types.Lease{
		Address: netip.MustParseAddr(ip),
		Gateway: netip.MustParseAddr(gw),
		Netmask: netip.MustParseAddr("255.255.255.0"),
	}
}

func equalKinds(got []status.Kind, want ...status.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
