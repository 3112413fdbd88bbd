package roster

import "fmt"

// State is the lifecycle state of a single Program. A Program moves through these states by itself in response to
// Start, Stop, OnTerminate and OnTick; the Roster only ever reads them.
type State uint8

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFatal
)

// String returns the upper-case name of the state, as used in logs and status output.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name, so that it reads well in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range States {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// States lists every State in declaration order.
var States = []State{StateStopped, StateStarting, StateRunning, StateStopping, StateFatal}

// Outcome is the result of polling the active phase of a Sequence.
type Outcome uint8

const (
	// Wait means at least one Program of the phase has not reached the final state yet.
	Wait Outcome = iota
	// Advance means every Program of the phase is in the final state.
	Advance
	// Abort means at least one Program of the phase is FATAL; the Sequence cannot complete.
	Abort
)

func (o Outcome) String() string {
	switch o {
	case Wait:
		return "wait"
	case Advance:
		return "advance"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Mode represents a Roster's orchestration state. It's either:
// 1. doing nothing (ModeIdle),
// 2. running a start sequence (ModeStarting),
// 3. running a stop sequence (ModeStopping),
// 4. running the stop half of a restart, with a start sequence pending (ModeRestarting).
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeStarting
	ModeStopping
	ModeRestarting
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeStarting:
		return "starting"
	case ModeStopping:
		return "stopping"
	case ModeRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}
