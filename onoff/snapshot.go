// onoff/snapshot.go
package onoff

// State is a coarse lifecycle state for telemetry.
type State uint8

const (
	StateOff State = iota
	StateStarting
	StateOn
	StateStopping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStarting:
		return "starting"
	case StateOn:
		return "on"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of a service; by the time the caller
// acts on it the service may have moved on.
type Snapshot struct {
	State State
	Refs  int
	Fault error // latched transition failure, nil unless State is faulted
}

// Snapshot reports the current lifecycle state and reference count.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Refs: int(s.refs), Fault: s.fault}
	switch {
	case s.flags&flagHasError != 0:
		snap.State = StateFaulted
	case s.flags&stateMask == stateToOn:
		snap.State = StateStarting
	case s.flags&stateMask == stateOn:
		snap.State = StateOn
	case s.flags&stateMask == stateToOff:
		snap.State = StateStopping
	default:
		snap.State = StateOff
	}
	return snap
}
