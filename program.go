package roster

import "time"

// Program is one managed process together with its own state machine. The Roster never changes a Program's state
// directly: it issues Start and Stop, forwards exit statuses and ticks, and then observes the resulting State.
//
// Implementations are not required to be safe for concurrent use; the Roster calls them from a single goroutine.
type Program interface {
	// Name identifies the Program in logs and status output.
	Name() string
	// Rank orders the Program within sequences. Programs with a lower rank are started before, and stopped after,
	// Programs with a higher rank. Programs sharing a rank are acted on together.
	Rank() int
	// State returns the current lifecycle state.
	State() State
	// PID returns the process id. It is only meaningful while STARTING, RUNNING or STOPPING.
	PID() int
	// Start asks the Program to launch its process.
	Start()
	// Stop asks the Program to terminate its process.
	Stop()
	// OnTerminate delivers the wait status of the Program's reaped process.
	OnTerminate(status int)
	// OnTick lets the Program run its own timers (start grace period, stop timeout, respawn backoff).
	OnTick(now time.Time)
}
