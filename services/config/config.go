package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"devicelink-go/bus"
	"devicelink-go/errcode"
	"devicelink-go/types"
	"devicelink-go/x/mathx"
	"devicelink-go/x/strx"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

// Published sections, each retained on config/<section>.
const (
	SectionHeartbeat = "heartbeat"
	SectionBridge    = "bridge"
	SectionBearers   = "bearers"
	SectionOTA       = "ota"
)

// Topic is config/<section>.
func Topic(section string) bus.Topic { return bus.T(configPrefix, section) }

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// DefaultDevice names the embedded config used when none is given.
const DefaultDevice = "eth-gw"

// -----------------------------------------------------------------------------
// Document
// -----------------------------------------------------------------------------

// Duration reads "15s" style strings or a bare number of seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Tag == "!!int" || n.Tag == "!!float" {
		var secs float64
		if err := n.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

type Bearer struct {
	Name                   string `yaml:"name" json:"name"`
	types.BearerConfigWire `yaml:",inline"`
	DHCPTimeout            Duration `yaml:"dhcp_timeout" json:"dhcp_timeout"`
}

// Config parses the addressing fields.
func (b Bearer) Config() (types.BearerConfig, error) { return b.BearerConfigWire.Parse() }

type OTA struct {
	SlotDir      string   `yaml:"slot_dir" json:"slot_dir"`
	RestartDelay Duration `yaml:"restart_delay" json:"restart_delay"`
}

type Heartbeat struct {
	Interval Duration `yaml:"interval" json:"interval"`
}

type Bridge struct {
	Broker   string `yaml:"broker" json:"broker"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// Enabled reports whether an uplink broker is configured.
func (b Bridge) Enabled() bool { return b.Broker != "" }

type Device struct {
	Device    string    `yaml:"device"`
	Listen    string    `yaml:"listen"`
	DataDir   string    `yaml:"data_dir"`
	Store     string    `yaml:"store"`
	Bearers   []Bearer  `yaml:"bearers"`
	OTA       OTA       `yaml:"ota"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Bridge    Bridge    `yaml:"bridge"`
}

// Embedded parses the built-in document for device.
func Embedded(device string) (Device, error) {
	device = strx.Coalesce(device, DefaultDevice)
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return Device{}, errcode.New(errcode.NotFound, "config.embedded", "no embedded config for device: "+device)
	}
	var d Device
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Device{}, &errcode.E{C: errcode.ConfigInvalid, Op: "config.embedded", Msg: device, Err: err}
	}
	d.Device = device
	return d, nil
}

// Load starts from the embedded document for device and merges the file at
// path over it. Lists in the file replace the embedded ones. An empty path
// loads the embedded document alone.
func Load(device, path string) (Device, error) {
	d, err := Embedded(device)
	if err != nil {
		return Device{}, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Device{}, &errcode.E{C: errcode.NotFound, Op: "config.load", Msg: path, Err: err}
		}
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return Device{}, &errcode.E{C: errcode.ConfigInvalid, Op: "config.load", Msg: path, Err: err}
		}
	}
	d.normalize()
	if err := d.Validate(); err != nil {
		return Device{}, err
	}
	return d, nil
}

// Duration bounds.
const (
	minDHCPTimeout = time.Second
	maxDHCPTimeout = 5 * time.Minute
	minInterval    = time.Second
	maxInterval    = time.Hour
	maxRestart     = time.Minute
)

func (d *Device) normalize() {
	d.Listen = strx.Coalesce(d.Listen, ":8080")
	d.DataDir = strx.Coalesce(d.DataDir, "data")
	d.Store = strx.Coalesce(d.Store, "sqlite")
	for i := range d.Bearers {
		b := &d.Bearers[i]
		if b.DHCPTimeout == 0 {
			b.DHCPTimeout = Duration(15 * time.Second)
		}
		b.DHCPTimeout = Duration(mathx.Clamp(b.DHCPTimeout.D(), minDHCPTimeout, maxDHCPTimeout))
	}
	d.OTA.SlotDir = strx.Coalesce(d.OTA.SlotDir, "slots")
	if d.OTA.RestartDelay == 0 {
		d.OTA.RestartDelay = Duration(8 * time.Second)
	}
	d.OTA.RestartDelay = Duration(mathx.Clamp(d.OTA.RestartDelay.D(), 0, maxRestart))
	if d.Heartbeat.Interval == 0 {
		d.Heartbeat.Interval = Duration(30 * time.Second)
	}
	d.Heartbeat.Interval = Duration(mathx.Clamp(d.Heartbeat.Interval.D(), minInterval, maxInterval))
	d.Bridge.ClientID = strx.Coalesce(d.Bridge.ClientID, "devicelink-"+d.Device)
	d.Bridge.Prefix = strx.Coalesce(d.Bridge.Prefix, "devicelink/"+d.Device)
}

// Validate checks the store engine and every bearer.
func (d Device) Validate() error {
	const op = "config.validate"
	switch d.Store {
	case "sqlite", "memory":
	default:
		return errcode.New(errcode.ConfigInvalid, op, "store must be sqlite or memory, got "+d.Store)
	}
	if len(d.Bearers) == 0 {
		return errcode.New(errcode.ConfigInvalid, op, "no bearers configured")
	}
	seen := map[string]bool{}
	for _, b := range d.Bearers {
		if b.Name == "" {
			return errcode.New(errcode.ConfigInvalid, op, "bearer without name")
		}
		if seen[b.Name] {
			return errcode.New(errcode.ConfigInvalid, op, "duplicate bearer "+b.Name)
		}
		seen[b.Name] = true
		if _, err := b.Config(); err != nil {
			return &errcode.E{C: errcode.ConfigInvalid, Op: op, Msg: "bearer " + b.Name, Err: err}
		}
	}
	return nil
}

// Path resolves p against the data directory.
func (d Device) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.DataDir, p)
}

// Bearer returns the named entry.
func (d Device) Bearer(name string) (Bearer, bool) {
	for _, b := range d.Bearers {
		if b.Name == name {
			return b, true
		}
	}
	return Bearer{}, false
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	cfg  Device
	log  *slog.Logger
}

func NewConfigService(cfg Device, log *slog.Logger) *ConfigService {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ConfigService{Name: serviceName, cfg: cfg, log: log.With("component", serviceName)}
}

// publishConfig publishes each section as a retained message.
func (s *ConfigService) publishConfig(conn *bus.Connection) {
	sections := map[string]any{
		SectionHeartbeat: s.cfg.Heartbeat,
		SectionBridge:    s.cfg.Bridge,
		SectionBearers:   s.cfg.Bearers,
		SectionOTA:       s.cfg.OTA,
	}
	for k, v := range sections {
		conn.Publish(&bus.Message{Topic: Topic(k), Payload: v, Retained: true})
	}
	s.log.Info("config published", "device", s.cfg.Device, "bearers", len(s.cfg.Bearers))
}

// Start publishes the config. Sections are retained, so late subscribers
// still see them.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	if ctx.Err() != nil {
		return
	}
	s.publishConfig(conn)
}
