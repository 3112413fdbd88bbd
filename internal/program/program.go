// Package program implements roster.Program on top of real OS processes.
//
// A Program owns its state machine:
//
//	STOPPED  --Start-->      STARTING  (process launched)
//	STARTING --start_secs--> RUNNING
//	STARTING --exit-->       STARTING  (respawn after backoff) or FATAL (retries exhausted)
//	RUNNING  --Stop-->       STOPPING  (stop signal sent, SIGKILL after stop_timeout)
//	RUNNING  --exit-->       STOPPED, or STARTING when autorestart is set
//	STOPPING --exit-->       STOPPED
//
// Like the Roster, a Program is driven from a single goroutine.
package program

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mkock/roster"
	"github.com/mkock/roster/internal/config"
	"github.com/mkock/roster/logmed"
)

const (
	initialRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 30 * time.Second
)

// Status is a point-in-time view of a Program.
type Status struct {
	Name    string       `json:"name"`
	Rank    int          `json:"rank"`
	State   roster.State `json:"state"`
	PID     int          `json:"pid,omitempty"`
	Since   time.Time    `json:"since"`
	Retries int          `json:"retries,omitempty"`
}

// Program is a supervised OS process.
type Program struct {
	cfg        config.Program
	stopSignal syscall.Signal
	retryLimit int

	launcher Launcher
	output   *logmed.Mediator
	backoff  backoff.BackOff
	now      func() time.Time
	log      *slog.Logger

	state        roster.State
	since        time.Time
	pid          int
	startedAt    time.Time // launch time of the current process
	retryAt      time.Time // respawn time while STARTING without a process
	retries      int
	stopDeadline time.Time
	killed       bool
}

// Option configures a Program.
type Option func(*Program)

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(p *Program) { p.launcher = l }
}

// WithBackOff replaces the exponential respawn backoff.
func WithBackOff(b backoff.BackOff) Option {
	return func(p *Program) { p.backoff = b }
}

// WithClock replaces time.Now for the actions that are not handed a timestamp (Start, Stop, OnTerminate).
func WithClock(now func() time.Time) Option {
	return func(p *Program) { p.now = now }
}

// WithLogger sets the parent logger; the Program adds its own name to every record.
func WithLogger(l *slog.Logger) Option {
	return func(p *Program) { p.log = l }
}

// New creates a STOPPED Program from its configuration. Its output goes to a Log Mediator connected to cfg.LogFile.
func New(cfg config.Program, opts ...Option) (*Program, error) {
	sig, err := config.ParseSignal(cfg.StopSignal)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", cfg.Name, err)
	}
	output, err := logmed.New(cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", cfg.Name, err)
	}

	p := &Program{
		cfg:        cfg,
		stopSignal: sig,
		retryLimit: config.DefaultStartRetries,
		launcher:   ExecLauncher{},
		output:     output,
		now:        time.Now,
		log:        slog.Default(),
		state:      roster.StateStopped,
	}
	if cfg.StartRetries != nil {
		p.retryLimit = *cfg.StartRetries
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.backoff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initialRetryInterval
		eb.MaxInterval = maxRetryInterval
		eb.MaxElapsedTime = 0
		p.backoff = eb
	}
	p.log = p.log.With("program", cfg.Name)
	p.since = p.now()
	return p, nil
}

// Name returns the configured program name.
func (p *Program) Name() string { return p.cfg.Name }

// Rank returns the configured rank, which decides the Program's phase in every Sequence.
func (p *Program) Rank() int { return p.cfg.Rank }

// State returns the current lifecycle state.
func (p *Program) State() roster.State { return p.state }

// PID returns the pid of the running process, or 0 when there is none.
func (p *Program) PID() int { return p.pid }

// Output returns the Log Mediator receiving the program's stdout and stderr.
func (p *Program) Output() *logmed.Mediator {
	return p.output
}

// Status returns a snapshot of the Program.
func (p *Program) Status() Status {
	return Status{
		Name:    p.cfg.Name,
		Rank:    p.cfg.Rank,
		State:   p.state,
		PID:     p.pid,
		Since:   p.since,
		Retries: p.retries,
	}
}

func (p *Program) setState(st roster.State, now time.Time) {
	if st == p.state {
		return
	}
	p.log.Debug("Program state changed.", "from", p.state.String(), "to", st.String())
	p.state = st
	p.since = now
}

// Start launches the process if the Program is STOPPED or FATAL. Start is ignored in any other state.
func (p *Program) Start() {
	if p.state != roster.StateStopped && p.state != roster.StateFatal {
		p.log.Debug("Start ignored.", "state", p.state.String())
		return
	}

	now := p.now()
	p.retries = 0
	p.backoff.Reset()
	p.setState(roster.StateStarting, now)
	p.spawn(now)
}

func (p *Program) spawn(now time.Time) {
	p.retryAt = time.Time{}
	if err := p.output.Open(); err != nil {
		p.log.Warn("Cannot open log file, output is only kept in memory.", "err", err)
	}

	pid, err := p.launcher.Launch(p.cfg, p.output)
	if err != nil {
		p.log.Warn("Failed to launch program.", "err", err)
		p.startFailed(now)
		return
	}

	p.pid = pid
	p.startedAt = now
	p.log.Info("Program launched.", "pid", pid, "attempt", p.retries+1)
}

// startFailed handles a launch error or an exit before start_secs elapsed: schedule a respawn, or give up.
func (p *Program) startFailed(now time.Time) {
	p.pid = 0
	p.retries++

	delay := backoff.Stop
	if p.retries <= p.retryLimit {
		delay = p.backoff.NextBackOff()
	}
	if delay == backoff.Stop {
		p.log.Error("Program failed to start, giving up.", "attempts", p.retries)
		p.retryAt = time.Time{}
		p.closeOutput()
		p.setState(roster.StateFatal, now)
		return
	}

	p.retryAt = now.Add(delay)
	p.log.Info("Program will be respawned.", "in", delay, "retry", p.retries)
}

// Stop terminates the process with the configured stop signal. A Program that is STARTING but waiting for a respawn
// goes to STOPPED at once. Stop is ignored unless the Program is STARTING or RUNNING.
func (p *Program) Stop() {
	now := p.now()
	switch p.state {
	case roster.StateStarting:
		if p.pid == 0 {
			p.retryAt = time.Time{}
			p.closeOutput()
			p.setState(roster.StateStopped, now)
			return
		}
	case roster.StateRunning:
	default:
		p.log.Debug("Stop ignored.", "state", p.state.String())
		return
	}

	p.setState(roster.StateStopping, now)
	p.stopDeadline = now.Add(p.cfg.StopTimeout)
	p.killed = false
	if err := p.launcher.Signal(p.pid, p.stopSignal); err != nil {
		p.log.Warn("Failed to deliver stop signal.", "signal", p.stopSignal.String(), "err", err)
	}
}

// OnTerminate handles the wait status of the Program's reaped process.
func (p *Program) OnTerminate(status int) {
	now := p.now()
	ws := syscall.WaitStatus(status)
	attrs := []any{"pid", p.pid, "exit_code", ws.ExitStatus()}
	if ws.Signaled() {
		attrs = append(attrs, "signal", ws.Signal().String())
	}
	p.pid = 0

	switch p.state {
	case roster.StateStopping:
		p.log.Info("Program stopped.", attrs...)
		p.closeOutput()
		p.setState(roster.StateStopped, now)

	case roster.StateStarting:
		p.log.Warn("Program exited during startup.", attrs...)
		p.startFailed(now)

	case roster.StateRunning:
		if !p.cfg.AutoRestart {
			p.log.Warn("Program exited unexpectedly.", attrs...)
			p.closeOutput()
			p.setState(roster.StateStopped, now)
			return
		}
		p.log.Warn("Program exited unexpectedly, restarting.", attrs...)
		p.retries = 0
		p.backoff.Reset()
		p.retryAt = now.Add(p.backoff.NextBackOff())
		p.setState(roster.StateStarting, now)

	default:
		p.log.Debug("Termination ignored.", append(attrs, "state", p.state.String())...)
	}
}

// OnTick advances the Program's timers: it promotes STARTING to RUNNING after start_secs, respawns after a backoff
// delay, and escalates to SIGKILL once stop_timeout has passed.
func (p *Program) OnTick(now time.Time) {
	switch p.state {
	case roster.StateStarting:
		if p.pid == 0 {
			if !p.retryAt.IsZero() && !now.Before(p.retryAt) {
				p.spawn(now)
			}
			return
		}
		if now.Sub(p.startedAt) >= p.cfg.StartSecs {
			p.log.Info("Program is running.", "pid", p.pid)
			p.retries = 0
			p.backoff.Reset()
			p.setState(roster.StateRunning, now)
		}

	case roster.StateStopping:
		if p.killed || p.pid == 0 || now.Before(p.stopDeadline) {
			return
		}
		p.killed = true
		p.log.Warn("Program did not stop in time, killing it.", "pid", p.pid, "timeout", p.cfg.StopTimeout)
		if err := p.launcher.Signal(p.pid, syscall.SIGKILL); err != nil {
			p.log.Warn("Failed to kill program.", "err", err)
		}
	}
}

func (p *Program) closeOutput() {
	if err := p.output.Close(); err != nil {
		p.log.Warn("Failed to close log file.", "err", err)
	}
}

// Verify that Program satisfies roster.Program.
var _ roster.Program = (*Program)(nil)
