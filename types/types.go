package types

// ---- Common service state (retained) ----

// ServiceState is published retained on "<service>/state".
type ServiceState struct {
	Level  string `json:"level"`  // e.g. "idle", "ready", "up", "degraded", "stopped"
	Status string `json:"status"` // freeform short code
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ms"`
}

// Generic replies
type OKReply struct {
	OK bool `json:"ok"`
}
type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
