package types

// Phase is the last reported connection phase of a bearer. Numeric values
// are stable and appear in the HTTP status document.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseConnecting
	PhaseFailed
	PhaseSuccess
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseFailed:
		return "failed"
	case PhaseSuccess:
		return "success"
	case PhaseDisconnected:
		return "disconnected"
	}
	return "none"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UpdateOutcome is the result of the last firmware update attempt.
type UpdateOutcome uint8

const (
	UpdatePending UpdateOutcome = iota
	UpdateSuccessful
	UpdateFailed
)

func (o UpdateOutcome) String() string {
	switch o {
	case UpdateSuccessful:
		return "successful"
	case UpdateFailed:
		return "failed"
	}
	return "pending"
}

func (o UpdateOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }
