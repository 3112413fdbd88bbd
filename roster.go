package roster

import (
	"log/slog"
	"time"
)

const (
	opStart   = "start"
	opStop    = "stop"
	opRestart = "restart"
)

// Roster owns every Program and is the only component that coordinates their lifecycle transitions as a group. It
// builds Sequences for the start, stop and restart operations and advances them from OnTick.
//
// A Roster is not safe for concurrent use. All methods, including OnTick and OnTerminateProgram, must be called from
// the same goroutine.
type Roster struct {
	programs []Program

	startSeq   *Sequence
	stopSeq    *Sequence
	restartSeq *Sequence // Start half of a restart; waits for stopSeq to complete.

	log     *slog.Logger
	metrics *Metrics
}

// Option configures a Roster.
type Option func(*Roster)

// WithLogger sets the logger used for sequence progress and warnings. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Roster) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics makes the Roster report to m.
func WithMetrics(m *Metrics) Option {
	return func(r *Roster) {
		r.metrics = m
	}
}

// New returns a Roster over the given Programs. The set of Programs is fixed for the lifetime of the Roster.
func New(programs []Program, opts ...Option) *Roster {
	r := &Roster{
		programs: append([]Program(nil), programs...),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Programs returns the managed Programs in configuration order. The returned slice must not be modified.
func (r *Roster) Programs() []Program {
	return r.programs
}

// Lookup returns the Program with the given name.
func (r *Roster) Lookup(name string) (Program, bool) {
	for _, p := range r.programs {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Mode returns the Roster's current orchestration state.
func (r *Roster) Mode() Mode {
	switch {
	case r.restartSeq != nil:
		return ModeRestarting
	case r.stopSeq != nil:
		return ModeStopping
	case r.startSeq != nil:
		return ModeStarting
	default:
		return ModeIdle
	}
}

// Idle reports whether no sequence occupies the Roster.
func (r *Roster) Idle() bool {
	return r.Mode() == ModeIdle
}

// guard returns an InvalidStateError if any sequence slot is occupied.
func (r *Roster) guard(op string) error {
	if mode := r.Mode(); mode != ModeIdle {
		r.metrics.reject(op)
		r.log.Warn("Operation rejected, sequence in progress.", "op", op, "mode", mode.String())
		return &InvalidStateError{Op: op, Mode: mode}
	}
	return nil
}

// StartPrograms starts every Program that is currently STOPPED, phase by phase in ascending rank order.
// StartPrograms returns an InvalidStateError if another operation is in progress.
func (r *Roster) StartPrograms() error {
	if err := r.guard(opStart); err != nil {
		return err
	}

	r.log.Debug("Initializing start sequence.")
	r.startSeq = r.collect(StateStopped)
	r.metrics.sequence(opStart, "started")
	r.activate(true)
	return nil
}

// StopPrograms stops every Program that is currently RUNNING or STARTING, phase by phase in ascending rank order.
// StopPrograms returns an InvalidStateError if another operation is in progress.
func (r *Roster) StopPrograms() error {
	if err := r.guard(opStop); err != nil {
		return err
	}

	r.log.Debug("Initializing stop sequence.")
	r.stopSeq = r.collect(StateRunning, StateStarting)
	r.metrics.sequence(opStop, "started")
	r.activate(false)
	return nil
}

// RestartPrograms stops every RUNNING or STARTING Program and, once all of them are STOPPED, starts those Programs
// together with every Program that was already STOPPED. Programs that were STOPPED never receive Stop.
// RestartPrograms returns an InvalidStateError if another operation is in progress.
func (r *Roster) RestartPrograms() error {
	if err := r.guard(opRestart); err != nil {
		return err
	}

	r.log.Debug("Initializing restart sequence.")
	r.stopSeq = NewSequence()
	r.restartSeq = NewSequence()
	for _, p := range r.programs {
		switch p.State() {
		case StateRunning, StateStarting:
			r.stopSeq.Add(p)
			r.restartSeq.Add(p)
		case StateStopped:
			r.restartSeq.Add(p)
		}
	}

	r.metrics.sequence(opRestart, "started")
	r.activate(false)
	return nil
}

// collect builds a Sequence over the Programs that are in one of the given states.
func (r *Roster) collect(states ...State) *Sequence {
	seq := NewSequence()
	for _, p := range r.programs {
		st := p.State()
		for _, want := range states {
			if st == want {
				seq.Add(p)
				break
			}
		}
	}
	return seq
}

// activate pulls the next phase of the start (or stop) sequence and issues the action to every Program in it. When
// the sequence is exhausted it is retired; a completed stop sequence hands over to a pending restart.
func (r *Roster) activate(start bool) {
	seq := r.stopSeq
	if start {
		seq = r.startSeq
	}

	phase, ok := seq.Next()
	if !ok {
		r.retire(start)
		return
	}

	for _, p := range phase {
		if start {
			r.log.Debug("Starting program.", "program", p.Name(), "rank", p.Rank())
			p.Start()
		} else {
			r.log.Debug("Stopping program.", "program", p.Name(), "rank", p.Rank())
			p.Stop()
		}
	}
}

func (r *Roster) retire(start bool) {
	if start {
		r.startSeq = nil
		r.metrics.sequence(opStart, "completed")
		r.log.Debug("Start sequence completed.")
		return
	}

	r.stopSeq = nil
	r.metrics.sequence(opStop, "completed")
	if r.restartSeq == nil {
		r.log.Debug("Stop sequence completed.")
		return
	}

	r.log.Debug("Restart sequence enters starting phase.")
	r.startSeq = r.restartSeq
	r.restartSeq = nil
	r.metrics.sequence(opStart, "started")
	r.activate(true)
}

// OnTerminateProgram routes the exit status of a reaped process to the Program that owns pid. Unknown pids are
// logged and otherwise ignored: they are an expected race between reaping and bookkeeping.
func (r *Roster) OnTerminateProgram(pid, status int) {
	for _, p := range r.programs {
		if pid <= 0 || p.PID() != pid {
			continue
		}
		p.OnTerminate(status)
		return
	}

	r.metrics.unknownPID()
	r.log.Warn("Unknown program died.", "pid", pid, "status", status)
}

// OnTick must be called periodically. It first lets every Program run its own timers, then polls the active start
// and stop sequences and advances them when their active phase has completed.
func (r *Roster) OnTick(now time.Time) {
	for _, p := range r.programs {
		p.OnTick(now)
	}

	if r.startSeq != nil {
		switch r.startSeq.Check(StateStarting, StateRunning) {
		case Advance:
			r.activate(true)
		case Abort:
			r.startSeq = nil
			r.metrics.sequence(opStart, "aborted")
			r.log.Warn("Start sequence aborted due to program error.")
		}
	}

	if r.stopSeq != nil {
		switch r.stopSeq.Check(StateStopping, StateStopped) {
		case Advance:
			r.activate(false)
		case Abort:
			r.stopSeq = nil
			r.metrics.sequence(opStop, "aborted")
			if r.restartSeq == nil {
				r.log.Warn("Stop sequence aborted due to program error.")
			} else {
				r.restartSeq = nil
				r.metrics.sequence(opRestart, "aborted")
				r.log.Warn("Restart sequence aborted due to program error.")
			}
		}
	}

	r.metrics.observe(r.programs)
}
