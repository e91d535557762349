package types

// ---- Rail lifecycle (retained) ----

// RailState is published retained at power/rail/<name>/state on every
// lifecycle edge, so late subscribers always see the current state.
type RailState struct {
	Name  string `json:"name"`
	State string `json:"state"` // "off" | "starting" | "on" | "stopping" | "faulted"
	Refs  int    `json:"refs"`
	Fault string `json:"fault,omitempty"` // cause, only when faulted
	TS    int64  `json:"ts_ms"`
}

// RailInfo is published retained at power/rail/<name>/info once at startup.
type RailInfo struct {
	SchemaVersion int    `json:"schema_version"`
	Owner         string `json:"owner"` // owner driver name, e.g. "virtual"
	MilliV        int32  `json:"mV,omitempty"`
	Detail        any    `json:"detail,omitempty"` // owner-specific
}

// ---- Control payloads ----

// ControlRequest is the payload for the request/release/cancel verbs on
// power/rail/<name>/control/<verb>. Holder identifies the requesting
// subsystem; each holder's references are accounted separately.
type ControlRequest struct {
	Holder string `json:"holder"`
}

// ResetRequest is the payload for the reset verb.
type ResetRequest struct {
	Holder string `json:"holder,omitempty"`
}

// StatusRequest asks for an immediate RailState reply. Empty payload.
type StatusRequest struct{}

// ---- Replies ----

type OKReply struct {
	OK   bool `json:"ok"`
	Refs int  `json:"refs"`
	// Path reports how the operation was satisfied:
	// request: 0 already-on, 1 joined start, 2 initiated start, 3 queued on stop
	// release: 1 holders remain, 2 initiated stop
	Path int `json:"path,omitempty"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"` // errcode string
}

// ---- Service configuration (retained at config/power) ----

type PowerConfig struct {
	Rails []RailConfig `json:"rails"`
}

type RailConfig struct {
	Name  string `json:"name"`
	Owner string `json:"owner"` // registered owner driver, e.g. "virtual"
	// Params are owner-specific (JSON-like), decoded by the owner builder.
	Params any `json:"params,omitempty"`
	// MilliV is informational, surfaced in RailInfo.
	MilliV int32 `json:"mV,omitempty"`
}
