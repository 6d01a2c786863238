package netmgr

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"tinygo.org/x/drivers/netlink"

	"devicelink-go/errcode"
	"devicelink-go/services/status"
	"devicelink-go/types"
	"devicelink-go/x/codec"
)

func TestDHCPTimeoutFallsBackToStatic(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)

	if got := h.state(); got != types.StateAcquiringDynamic {
		t.Fatalf("state after link up = %v, want acquiring_dynamic", got)
	}
	if h.clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clk.Pending())
	}

	h.clk.Advance(DefaultDHCPTimeout - time.Millisecond)
	h.sync(t)
	if got := h.state(); got != types.StateAcquiringDynamic {
		t.Fatalf("state before timeout = %v", got)
	}

	h.clk.Advance(time.Millisecond)
	h.sync(t)

	info := h.m.Info()
	if info.State != types.StateBoundStatic || !info.Fallback {
		t.Fatalf("after timeout: state=%v fallback=%v", info.State, info.Fallback)
	}
	def := DefaultConfig()
	if info.Observed.Address != def.Address || info.Observed.Gateway != def.Gateway {
		t.Fatalf("observed = %+v, want default static set", info.Observed)
	}
	if dhcpOn, _, statics := h.stk.snapshot(); dhcpOn || len(statics) != 1 {
		t.Fatalf("stack: dhcpOn=%v statics=%d", dhcpOn, len(statics))
	}
	if got := h.sink.kinds(); !equalKinds(got, status.BearerConnecting, status.BearerSuccess) {
		t.Fatalf("events = %v", got)
	}
}

func TestFallbackReachesAggregatorAsSuccess(t *testing.T) {
	agg := status.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	h := newHarness(t, nil)
	h.m.sink = agg
	h.start(t)
	h.linkUp(t)
	h.clk.Advance(DefaultDHCPTimeout)
	h.sync(t)

	deadline := time.Now().Add(2 * time.Second)
	for agg.Snapshot().Phase("eth0") != types.PhaseSuccess {
		if time.Now().After(deadline) {
			t.Fatalf("phase = %v, want success", agg.Snapshot().Phase("eth0"))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStaticConfigBindsWithoutTimer(t *testing.T) {
	h := newHarness(t, nil, WithDefaults(staticCfg("10.0.0.5", "10.0.0.1", "255.255.255.0")))
	h.start(t)
	h.linkUp(t)

	info := h.m.Info()
	if info.State != types.StateBoundStatic || info.Fallback {
		t.Fatalf("state=%v fallback=%v", info.State, info.Fallback)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("a timer was armed for a static config")
	}
	_, starts, statics := h.stk.snapshot()
	if starts != 0 {
		t.Fatalf("dhcp started %d times", starts)
	}
	if len(statics) != 1 || statics[0].Address != netip.MustParseAddr("10.0.0.5") {
		t.Fatalf("statics = %+v", statics)
	}
	if got := h.sink.kinds(); !equalKinds(got, status.BearerConnecting, status.BearerSuccess) {
		t.Fatalf("events = %v", got)
	}
}

func TestStaticUpdateWhileBoundDynamicSwitchesInPlace(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	h.stk.lease(mustLease("192.168.1.50", "192.168.1.1"))
	h.sync(t)

	if got := h.state(); got != types.StateBoundDynamic {
		t.Fatalf("state = %v, want bound_dynamic", got)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timer still armed after lease")
	}
	h.sink.reset()

	if err := h.m.SetConfig(h.ctx, staticCfg("10.1.0.9", "10.1.0.1", "255.255.0.0")); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	h.sync(t)

	info := h.m.Info()
	if info.State != types.StateBoundStatic || info.Observed.Address != netip.MustParseAddr("10.1.0.9") {
		t.Fatalf("info = %+v", info)
	}
	if info.Config.DNS != types.DefaultDNS {
		t.Fatalf("dns = %v, want default", info.Config.DNS)
	}
	if dhcpOn, _, _ := h.stk.snapshot(); dhcpOn {
		t.Fatalf("dhcp client still running")
	}
	got := h.sink.kinds()
	for _, k := range got {
		if k == status.BearerDisconnected {
			t.Fatalf("reconfiguration emitted Disconnected: %v", got)
		}
	}
	if !equalKinds(got, status.BearerSuccess) {
		t.Fatalf("events = %v", got)
	}
}

func TestUpdateConfigIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	cfg := staticCfg("10.0.0.7", "10.0.0.1", "255.255.255.0")

	var blobs [][]byte
	for range 2 {
		if err := h.m.SetConfig(h.ctx, cfg); err != nil {
			t.Fatalf("SetConfig: %v", err)
		}
		got, err := h.m.GetConfig(h.ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.Address != cfg.Address || got.Mode != types.ModeStatic {
			t.Fatalf("config = %+v", got)
		}
		b, err := h.st.Load(StoreNamespace, "eth0")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		blobs = append(blobs, b)
	}
	if string(blobs[0]) != string(blobs[1]) {
		t.Fatalf("persisted bytes differ between identical updates")
	}
}

func TestConfigStoredWhileLinkDownTakesEffectOnLinkUp(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.m.SetConfig(h.ctx, staticCfg("172.16.0.2", "172.16.0.1", "255.255.255.0")); err != nil {
		t.Fatal(err)
	}
	h.sync(t)
	if got := h.state(); got != types.StateLinkDown {
		t.Fatalf("state = %v, want link_down", got)
	}
	if _, _, statics := h.stk.snapshot(); len(statics) != 0 {
		t.Fatalf("static applied while link down")
	}

	h.linkUp(t)
	info := h.m.Info()
	if info.State != types.StateBoundStatic || info.Observed.Address != netip.MustParseAddr("172.16.0.2") {
		t.Fatalf("info = %+v", info)
	}
}

func TestStaticConfigWhileAcquiringIsStoredOnly(t *testing.T) {
	static := staticCfg("10.9.0.2", "10.9.0.1", "255.255.255.0")
	setup := func(t *testing.T) *harness {
		h := newHarness(t, nil)
		h.start(t)
		h.linkUp(t)
		if err := h.m.SetConfig(h.ctx, static); err != nil {
			t.Fatal(err)
		}
		h.sync(t)
		if got := h.state(); got != types.StateAcquiringDynamic {
			t.Fatalf("state = %v, want acquiring_dynamic", got)
		}
		if dhcpOn, _, statics := h.stk.snapshot(); !dhcpOn || len(statics) != 0 {
			t.Fatalf("dhcp=%v statics=%v", dhcpOn, statics)
		}
		return h
	}

	t.Run("lease first", func(t *testing.T) {
		h := setup(t)
		h.stk.lease(mustLease("192.168.1.50", "192.168.1.1"))
		h.sync(t)
		info := h.m.Info()
		if info.State != types.StateBoundDynamic || info.Observed.Address != netip.MustParseAddr("192.168.1.50") {
			t.Fatalf("info = %+v", info)
		}
		if info.Config.Mode != types.ModeStatic {
			t.Fatalf("stored mode = %v", info.Config.Mode)
		}
	})

	t.Run("timeout first", func(t *testing.T) {
		h := setup(t)
		h.clk.Advance(DefaultDHCPTimeout)
		h.sync(t)
		info := h.m.Info()
		if info.State != types.StateBoundStatic || !info.Fallback || info.Observed.Address != static.Address {
			t.Fatalf("info = %+v", info)
		}
	})
}

func TestLateLeaseAfterFallbackIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	h.clk.Advance(DefaultDHCPTimeout)
	h.sync(t)
	h.sink.reset()

	h.stk.lease(mustLease("192.168.1.77", "192.168.1.1"))
	h.sync(t)

	info := h.m.Info()
	if info.State != types.StateBoundStatic || !info.Fallback {
		t.Fatalf("state=%v fallback=%v", info.State, info.Fallback)
	}
	if info.Observed.Address != DefaultConfig().Address {
		t.Fatalf("late lease overwrote observed address: %v", info.Observed.Address)
	}
	if got := h.sink.kinds(); len(got) != 0 {
		t.Fatalf("late lease emitted %v", got)
	}
}

func TestLeaseRenewalKeepsBound(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	h.stk.lease(mustLease("192.168.1.50", "192.168.1.1"))
	h.stk.lease(mustLease("192.168.1.51", "192.168.1.1"))
	h.sync(t)

	info := h.m.Info()
	if info.State != types.StateBoundDynamic || info.Observed.Address != netip.MustParseAddr("192.168.1.51") {
		t.Fatalf("info = %+v", info)
	}
	if got := h.sink.kinds(); !equalKinds(got, status.BearerConnecting, status.BearerSuccess) {
		t.Fatalf("renewal re-emitted status: %v", got)
	}

	// A timeout after binding changes nothing.
	h.clk.Advance(time.Minute)
	h.sync(t)
	if got := h.state(); got != types.StateBoundDynamic {
		t.Fatalf("state = %v", got)
	}
}

func TestLinkDownReleasesAddressing(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	h.stk.lease(mustLease("192.168.1.50", "192.168.1.1"))
	h.sync(t)

	h.drv.fire(netlink.EventNetDown)
	h.sync(t)

	info := h.m.Info()
	if info.State != types.StateLinkDown || info.Observed.Address.IsValid() {
		t.Fatalf("info = %+v", info)
	}
	if dhcpOn, _, _ := h.stk.snapshot(); dhcpOn {
		t.Fatalf("dhcp still running after link down")
	}
	got := h.sink.kinds()
	if got[len(got)-1] != status.BearerDisconnected {
		t.Fatalf("events = %v", got)
	}

	// A second link-down is not an edge.
	h.drv.fire(netlink.EventNetDown)
	h.sync(t)
	if n := len(h.sink.kinds()); n != len(got) {
		t.Fatalf("duplicate link down emitted events")
	}
}

func TestLinkDownWhileAcquiringCancelsTimer(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	h.drv.fire(netlink.EventNetDown)
	h.sync(t)

	if h.clk.Pending() != 0 {
		t.Fatalf("timer still armed")
	}
	h.clk.Advance(DefaultDHCPTimeout)
	h.sync(t)
	if got := h.state(); got != types.StateLinkDown {
		t.Fatalf("state = %v", got)
	}
}

func TestSetConfigRejectsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	bad := types.BearerConfig{Mode: types.ModeStatic, Address: netip.MustParseAddr("10.0.0.2")}
	err := h.m.SetConfig(h.ctx, bad)
	if !errors.Is(err, errcode.ConfigInvalid) {
		t.Fatalf("err = %v, want config_invalid", err)
	}
	got, _ := h.m.GetConfig(h.ctx)
	if got != DefaultConfig() {
		t.Fatalf("config changed: %+v", got)
	}
	if _, err := h.st.Load(StoreNamespace, "eth0"); errcode.Of(err) != errcode.NotFound {
		t.Fatalf("invalid config persisted: %v", err)
	}
}

func TestPersistenceFailureKeepsConfig(t *testing.T) {
	h := newHarness(t, &failingStore{})
	h.start(t)
	cfg := staticCfg("10.0.0.9", "10.0.0.1", "255.255.255.0")
	if err := h.m.SetConfig(h.ctx, cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	got, err := h.m.GetConfig(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != cfg.Address {
		t.Fatalf("config not applied in memory: %+v", got)
	}
	if k := h.sink.kinds(); !equalKinds(k, status.PersistenceFailed) {
		t.Fatalf("events = %v", k)
	}

	h.linkUp(t)
	if got := h.state(); got != types.StateBoundStatic {
		t.Fatalf("state = %v", got)
	}
}

func TestStoredConfigSurvivesRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	cfg := staticCfg("10.2.0.3", "10.2.0.1", "255.255.255.0")
	if err := h.m.SetConfig(h.ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Stop(h.ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	m2 := New("eth0", &fakeDriver{}, &fakeStack{}, h.st, &fakeSink{}, WithClock(h.clk))
	if err := m2.Start(h.ctx); err != nil {
		t.Fatal(err)
	}
	defer m2.Stop(context.Background())

	got, err := m2.GetConfig(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	cfg.DNS = types.DefaultDNS
	if got != cfg {
		t.Fatalf("reloaded %+v, want %+v", got, cfg)
	}
}

func TestUnreadableStoredConfigFallsBackToDefaults(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.st.Save(StoreNamespace, "eth0", []byte{0xff, 0x00}); err != nil {
		t.Fatal(err)
	}
	h.start(t)
	got, err := h.m.GetConfig(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != DefaultConfig() {
		t.Fatalf("config = %+v, want defaults", got)
	}
}

func TestStoredInvalidConfigIsRejectedOnLoad(t *testing.T) {
	h := newHarness(t, nil)
	b, err := codec.Marshal(persisted{V: 1, Config: types.BearerConfig{Mode: types.ModeStatic}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.st.Save(StoreNamespace, "eth0", b); err != nil {
		t.Fatal(err)
	}
	h.start(t)
	if got, _ := h.m.GetConfig(h.ctx); got != DefaultConfig() {
		t.Fatalf("config = %+v, want defaults", got)
	}
}

func TestHardwareInitError(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.connectErr = errors.New("no phy")

	err := h.m.Start(h.ctx)
	if !errors.Is(err, errcode.HardwareInitError) {
		t.Fatalf("err = %v, want hardware_init_error", err)
	}
	if got := h.sink.kinds(); !equalKinds(got, status.BearerFailed) {
		t.Fatalf("events = %v", got)
	}
	if got := h.state(); got != types.StateStopped {
		t.Fatalf("state = %v", got)
	}
	if err := h.m.SetConfig(h.ctx, DefaultConfig()); !errors.Is(err, errcode.Stopped) {
		t.Fatalf("SetConfig on unstarted manager: %v", err)
	}
	select {
	case <-h.m.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestAlreadyConnectedDriverIsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	h.drv.connectErr = netlink.ErrConnected
	h.start(t)
	if got := h.state(); got != types.StateLinkDown {
		t.Fatalf("state = %v", got)
	}
}

func TestStopCancelsTimerAndReleasesDriver(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	if h.clk.Pending() != 1 {
		t.Fatalf("expected armed timer")
	}

	if err := h.m.Stop(h.ctx); err != nil {
		t.Fatal(err)
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timer survived stop")
	}
	if _, disc := h.drv.counts(); disc != 1 {
		t.Fatalf("NetDisconnect calls = %d", disc)
	}
	if got := h.state(); got != types.StateStopped {
		t.Fatalf("state = %v", got)
	}
	got := h.sink.kinds()
	if got[len(got)-1] != status.BearerDisconnected {
		t.Fatalf("events = %v", got)
	}

	// Late driver callbacks must not block.
	h.drv.fire(netlink.EventNetUp)
	if err := h.m.Stop(h.ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)
	if err := h.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-h.m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	if err := h.m.ApplyNow(h.ctx); !errors.Is(err, errcode.Stopped) {
		t.Fatalf("ApplyNow after exit: %v", err)
	}
}

func TestApplyNow(t *testing.T) {
	h := newHarness(t, nil, WithDefaults(staticCfg("10.0.0.5", "10.0.0.1", "255.255.255.0")))
	h.start(t)

	if err := h.m.ApplyNow(h.ctx); !errors.Is(err, errcode.NotBound) {
		t.Fatalf("err = %v, want not_bound", err)
	}

	h.linkUp(t)
	if err := h.m.ApplyNow(h.ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, statics := h.stk.snapshot(); len(statics) != 2 {
		t.Fatalf("SetStatic calls = %d, want 2", len(statics))
	}
}

func TestDynamicUpdateWhileBoundStaticRestartsDHCP(t *testing.T) {
	h := newHarness(t, nil, WithDefaults(staticCfg("10.0.0.5", "10.0.0.1", "255.255.255.0")))
	h.start(t)
	h.linkUp(t)
	h.sink.reset()

	if err := h.m.SetConfig(h.ctx, types.BearerConfig{Mode: types.ModeDynamic}); err != nil {
		t.Fatal(err)
	}
	h.sync(t)

	if got := h.state(); got != types.StateAcquiringDynamic {
		t.Fatalf("state = %v", got)
	}
	if h.clk.Pending() != 1 {
		t.Fatalf("timer not armed")
	}
	if got := h.sink.kinds(); len(got) != 0 {
		t.Fatalf("events = %v", got)
	}

	// With no answer the fallback uses the defaults for the unset fields.
	h.clk.Advance(DefaultDHCPTimeout)
	h.sync(t)
	info := h.m.Info()
	if info.State != types.StateBoundStatic || info.Observed.Address != netip.MustParseAddr("10.0.0.5") {
		t.Fatalf("info = %+v", info)
	}
}

func TestDisconnectAndReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.linkUp(t)
	h.stk.lease(mustLease("192.168.1.50", "192.168.1.1"))
	h.sync(t)

	if err := h.m.Disconnect(h.ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.state(); got != types.StateDisconnected {
		t.Fatalf("state = %v", got)
	}
	got := h.sink.kinds()
	if got[len(got)-1] != status.BearerDisconnected {
		t.Fatalf("events = %v", got)
	}

	h.drv.fire(netlink.EventNetUp)
	h.sync(t)
	if got := h.state(); got != types.StateDisconnected {
		t.Fatalf("link event handled while disconnected: %v", got)
	}

	if err := h.m.Reconnect(h.ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.state(); got != types.StateLinkDown {
		t.Fatalf("state = %v", got)
	}
	if c, _ := h.drv.counts(); c != 2 {
		t.Fatalf("NetConnect calls = %d", c)
	}
	h.linkUp(t)
	if got := h.state(); got != types.StateAcquiringDynamic {
		t.Fatalf("state = %v", got)
	}
}

func TestReconnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.m.Disconnect(h.ctx); err != nil {
		t.Fatal(err)
	}
	h.drv.mu.Lock()
	h.drv.connectErr = errors.New("radio off")
	h.drv.mu.Unlock()

	if err := h.m.Reconnect(h.ctx); !errors.Is(err, errcode.HardwareInitError) {
		t.Fatalf("err = %v", err)
	}
	if got := h.state(); got != types.StateDisconnected {
		t.Fatalf("state = %v", got)
	}
}

func TestInfoCarriesMAC(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if got := h.m.Info().MAC; got != "02:00:00:aa:bb:cc" {
		t.Fatalf("mac = %q", got)
	}
}

func TestDHCPTimeoutOption(t *testing.T) {
	h := newHarness(t, nil, WithDHCPTimeout(3*time.Second))
	h.start(t)
	h.linkUp(t)
	h.clk.Advance(3*time.Second - time.Millisecond)
	h.sync(t)
	if got := h.state(); got != types.StateAcquiringDynamic {
		t.Fatalf("before timeout: state = %v", got)
	}
	h.clk.Advance(time.Millisecond)
	h.sync(t)
	if got := h.state(); got != types.StateBoundStatic {
		t.Fatalf("state = %v", got)
	}
}
