package status

import (
	"maps"

	"devicelink-go/types"
)

// Kind identifies a status event.
type Kind uint8

const (
	_ Kind = iota
	BearerConnecting
	BearerSuccess
	BearerFailed
	BearerDisconnected
	UpdateSuccessful
	UpdateFailed
	TimeServiceReady
	PersistenceFailed
)

func (k Kind) String() string {
	switch k {
	case BearerConnecting:
		return "bearer_connecting"
	case BearerSuccess:
		return "bearer_success"
	case BearerFailed:
		return "bearer_failed"
	case BearerDisconnected:
		return "bearer_disconnected"
	case UpdateSuccessful:
		return "update_successful"
	case UpdateFailed:
		return "update_failed"
	case TimeServiceReady:
		return "time_service_ready"
	case PersistenceFailed:
		return "persistence_failed"
	}
	return "unknown"
}

// Event is posted by producers. Bearer is set for Bearer* and
// PersistenceFailed; Detail carries a failure code or image digest.
type Event struct {
	Kind   Kind
	Bearer string
	Detail string
}

// Snapshot is the aggregated status. Values handed out are deep copies.
type Snapshot struct {
	Seq          uint64                 `json:"seq"`
	Bearers      map[string]types.Phase `json:"bearers"`
	Update       types.UpdateOutcome    `json:"update"`
	UpdateReason string                 `json:"update_reason,omitempty"`
	UpdateDigest string                 `json:"update_digest,omitempty"`
	TimeReady    bool                   `json:"time_ready"`
	PersistError string                 `json:"persist_error,omitempty"`
	Dropped      uint64                 `json:"dropped"`
}

// Phase returns the phase of bearer, PhaseNone if it never reported.
func (s Snapshot) Phase(bearer string) types.Phase { return s.Bearers[bearer] }

func (s Snapshot) clone() Snapshot {
	s.Bearers = maps.Clone(s.Bearers)
	if s.Bearers == nil {
		s.Bearers = map[string]types.Phase{}
	}
	return s
}

// Listener is notified from the aggregator goroutine after a bearer reports
// Success. Implementations must not block and must not call back into the
// aggregator synchronously except through Post.
type Listener interface {
	Notify(ev Event, snap Snapshot)
}

// ListenerFunc adapts a function.
type ListenerFunc func(Event, Snapshot)

func (f ListenerFunc) Notify(ev Event, snap Snapshot) { f(ev, snap) }

// Listeners fans out to each element in order.
type Listeners []Listener

func (ls Listeners) Notify(ev Event, snap Snapshot) {
	for _, l := range ls {
		l.Notify(ev, snap)
	}
}
