package types

import (
	"net/netip"
	"strings"

	"devicelink-go/errcode"
)

// DefaultDNS is used when a static config names no resolver.
var DefaultDNS = netip.AddrFrom4([4]byte{8, 8, 8, 8})

// ---- Addressing mode ----

type AddressMode uint8

const (
	ModeDynamic AddressMode = iota
	ModeStatic
)

func (m AddressMode) String() string {
	if m == ModeStatic {
		return "static"
	}
	return "dhcp"
}

func (m AddressMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *AddressMode) UnmarshalText(b []byte) error {
	v, err := ParseAddressMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseAddressMode accepts "dhcp"/"dynamic" and "static".
func ParseAddressMode(s string) (AddressMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dhcp", "dynamic":
		return ModeDynamic, nil
	case "static":
		return ModeStatic, nil
	}
	return ModeDynamic, errcode.New(errcode.ConfigInvalid, "mode", "unknown addressing mode "+s)
}

// ---- Bearer configuration ----

// BearerConfig is the addressing policy of one bearer. It holds only value
// fields, so copies never alias.
type BearerConfig struct {
	Mode    AddressMode `json:"mode" cbor:"mode"`
	Address netip.Addr  `json:"ip" cbor:"ip"`
	Gateway netip.Addr  `json:"gateway" cbor:"gateway"`
	Netmask netip.Addr  `json:"netmask" cbor:"netmask"`
	DNS     netip.Addr  `json:"dns" cbor:"dns"`
}

// Validate checks the static fields. Static fields are optional in dynamic
// mode but still have to be well formed when present, since they are the
// fallback.
func (c BearerConfig) Validate() error {
	const op = "bearer.validate"
	check := func(name string, a netip.Addr, required bool) error {
		if !a.IsValid() {
			if required {
				return errcode.New(errcode.ConfigInvalid, op, name+" is required in static mode")
			}
			return nil
		}
		if !a.Is4() {
			return errcode.New(errcode.ConfigInvalid, op, name+" must be IPv4")
		}
		return nil
	}
	static := c.Mode == ModeStatic
	if err := check("ip", c.Address, static); err != nil {
		return err
	}
	if err := check("gateway", c.Gateway, static); err != nil {
		return err
	}
	if err := check("netmask", c.Netmask, static); err != nil {
		return err
	}
	if err := check("dns", c.DNS, false); err != nil {
		return err
	}
	if c.Netmask.IsValid() && !contiguousMask(c.Netmask) {
		return errcode.New(errcode.ConfigInvalid, op, "netmask "+c.Netmask.String()+" is not contiguous")
	}
	return nil
}

// WithDefaults fills unset static fields from def and the DNS fallback.
func (c BearerConfig) WithDefaults(def BearerConfig) BearerConfig {
	if !c.Address.IsValid() {
		c.Address = def.Address
	}
	if !c.Gateway.IsValid() {
		c.Gateway = def.Gateway
	}
	if !c.Netmask.IsValid() {
		c.Netmask = def.Netmask
	}
	if !c.DNS.IsValid() {
		c.DNS = def.DNS
	}
	if !c.DNS.IsValid() {
		c.DNS = DefaultDNS
	}
	return c
}

func contiguousMask(a netip.Addr) bool {
	b := a.As4()
	m := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	// A contiguous mask has all ones before the first zero: ^m+1 is a power of two.
	inv := ^m
	return inv&(inv+1) == 0
}

// BearerConfigWire is the loosely typed form accepted from users.
type BearerConfigWire struct {
	Mode    string `json:"mode" yaml:"mode"`
	IP      string `json:"ip" yaml:"ip"`
	Netmask string `json:"netmask" yaml:"netmask"`
	Gateway string `json:"gateway" yaml:"gateway"`
	DNS     string `json:"dns" yaml:"dns"`
}

// Parse converts and validates. Errors carry errcode.ConfigInvalid.
func (w BearerConfigWire) Parse() (BearerConfig, error) {
	var c BearerConfig
	var err error
	if c.Mode, err = ParseAddressMode(w.Mode); err != nil {
		return BearerConfig{}, err
	}
	fields := []struct {
		name string
		in   string
		out  *netip.Addr
	}{
		{"ip", w.IP, &c.Address},
		{"gateway", w.Gateway, &c.Gateway},
		{"netmask", w.Netmask, &c.Netmask},
		{"dns", w.DNS, &c.DNS},
	}
	for _, f := range fields {
		s := strings.TrimSpace(f.in)
		if s == "" {
			continue
		}
		a, perr := netip.ParseAddr(s)
		if perr != nil {
			return BearerConfig{}, &errcode.E{C: errcode.ConfigInvalid, Op: "bearer.parse", Msg: f.name, Err: perr}
		}
		*f.out = a
	}
	return c, c.Validate()
}

// Wire renders c in the loosely typed form; unset addresses become "".
func (c BearerConfig) Wire() BearerConfigWire {
	s := func(a netip.Addr) string {
		if !a.IsValid() {
			return ""
		}
		return a.String()
	}
	return BearerConfigWire{
		Mode:    c.Mode.String(),
		IP:      s(c.Address),
		Netmask: s(c.Netmask),
		Gateway: s(c.Gateway),
		DNS:     s(c.DNS),
	}
}

// Lease is an address set observed on the link (DHCP lease or applied
// static values).
type Lease struct {
	Address netip.Addr `json:"ip"`
	Gateway netip.Addr `json:"gateway"`
	Netmask netip.Addr `json:"netmask"`
	DNS     netip.Addr `json:"dns"`
}

// ---- Connection state ----

type ConnState uint8

const (
	StateStopped ConnState = iota
	StateLinkDown
	StateAcquiringDynamic
	StateStaticFallbackPending
	StateBoundDynamic
	StateBoundStatic
	StateDisconnected
)

var connStateNames = [...]string{
	StateStopped:               "stopped",
	StateLinkDown:              "link_down",
	StateAcquiringDynamic:      "acquiring_dynamic",
	StateStaticFallbackPending: "static_fallback_pending",
	StateBoundDynamic:          "bound_dynamic",
	StateBoundStatic:           "bound_static",
	StateDisconnected:          "disconnected",
}

func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return "unknown"
}

func (s ConnState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Bound reports whether an address set is in use.
func (s ConnState) Bound() bool { return s == StateBoundDynamic || s == StateBoundStatic }

// LinkUp reports whether the link is up (acquiring or bound).
func (s ConnState) LinkUp() bool {
	return s == StateAcquiringDynamic || s == StateStaticFallbackPending || s.Bound()
}

// BearerInfo is the retained "net/<bearer>/state" payload and the result of
// an info query.
type BearerInfo struct {
	Bearer   string       `json:"bearer"`
	State    ConnState    `json:"state"`
	Config   BearerConfig `json:"config"`
	Observed Lease        `json:"observed"`
	Fallback bool         `json:"static_fallback"`
	MAC      string       `json:"mac,omitempty"`
	TS       int64        `json:"ts_ms"`
}
