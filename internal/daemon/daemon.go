// Package daemon runs a Roster: it owns the single goroutine from which the Roster and its Programs are driven, turns
// SIGCHLD into termination notifications, and exposes status and control over HTTP.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mkock/roster"
	"github.com/mkock/roster/internal/config"
	"github.com/mkock/roster/internal/program"
)

// ErrShuttingDown is returned for control requests that arrive after shutdown began.
var ErrShuttingDown = errors.New("daemon is shutting down")

// Daemon supervises the configured programs.
type Daemon struct {
	cfg      *config.Config
	roster   *roster.Roster
	programs []*program.Program
	log      *slog.Logger

	registry *prometheus.Registry
	health   healthcheck.Handler
	usage    usageCache

	calls    chan func()
	finished chan struct{} // closed when the loop returns
	reap     func(func(pid, status int))

	stopping bool         // loop goroutine only
	lastTick atomic.Int64 // unix nanos
	fatal    atomic.Int32
}

type options struct {
	launcher program.Launcher
	reap     func(func(pid, status int))
	logger   *slog.Logger
}

// Option configures a Daemon.
type Option func(*options)

// WithLauncher replaces the process launcher of every program.
func WithLauncher(l program.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithReaper replaces the function that collects exited children.
func WithReaper(reap func(func(pid, status int))) Option {
	return func(o *options) { o.reap = reap }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the programs described by cfg and the Roster over them.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	o := options{reap: reapChildren, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{
		cfg:      cfg,
		log:      o.logger,
		registry: prometheus.NewRegistry(),
		health:   healthcheck.NewHandler(),
		calls:    make(chan func()),
		finished: make(chan struct{}),
		reap:     o.reap,
	}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	members := make([]roster.Program, 0, len(cfg.Programs))
	for _, pc := range cfg.Programs {
		popts := []program.Option{program.WithLogger(o.logger)}
		if o.launcher != nil {
			popts = append(popts, program.WithLauncher(o.launcher))
		}
		p, err := program.New(pc, popts...)
		if err != nil {
			return nil, err
		}
		d.programs = append(d.programs, p)
		members = append(members, p)
	}
	d.roster = roster.New(members, roster.WithLogger(o.logger), roster.WithMetrics(roster.NewMetrics(d.registry)))

	d.health.AddLivenessCheck("tick", d.checkTick)
	d.health.AddReadinessCheck("programs", d.checkPrograms)
	return d, nil
}

// Roster returns the Roster driven by the daemon. It must only be used from calls passed to Do.
func (d *Daemon) Roster() *roster.Roster {
	return d.roster
}

// Run drives the Roster until ctx is cancelled and every program has stopped (or the shutdown timeout expired). When
// a listen address is configured, the HTTP surface runs alongside.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.loop(gctx) })
	if d.cfg.Listen != "" {
		g.Go(func() error { return d.ListenAndServe(gctx, d.cfg.Listen) })
	}
	return g.Wait()
}

// Do runs fn on the loop goroutine and waits for it to return.
func (d *Daemon) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}

	select {
	case d.calls <- call:
	case <-d.finished:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// control runs one of the Roster's top-level operations on the loop goroutine.
func (d *Daemon) control(ctx context.Context, op func(*roster.Roster) error) error {
	var err error
	if cerr := d.Do(ctx, func() {
		if d.stopping {
			err = ErrShuttingDown
			return
		}
		err = op(d.roster)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (d *Daemon) loop(ctx context.Context) error {
	defer close(d.finished)

	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGCHLD, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.lastTick.Store(time.Now().UnixNano())
	d.log.Info("Supervising programs.", "programs", len(d.programs), "tick", d.cfg.TickInterval)
	if d.cfg.Autostart != nil && *d.cfg.Autostart {
		if err := d.roster.StartPrograms(); err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
	}

	shutdown := ctx.Done()
	var deadline <-chan time.Time
	for {
		select {
		case <-shutdown:
			shutdown = nil
			d.stopping = true
			d.log.Info("Shutting down, stopping all programs.", "timeout", d.cfg.ShutdownTimeout)
			deadline = time.After(d.cfg.ShutdownTimeout)
			if d.settle() {
				return nil
			}

		case <-deadline:
			d.log.Warn("Shutdown timeout reached, leaving programs behind.", "remaining", d.remaining())
			return nil

		case sig := <-sigs:
			switch sig {
			case syscall.SIGCHLD:
				d.reap(d.roster.OnTerminateProgram)
			case syscall.SIGHUP:
				if d.stopping {
					continue
				}
				d.log.Info("SIGHUP received, restarting programs.")
				if err := d.roster.RestartPrograms(); err != nil {
					d.log.Info("SIGHUP ignored.", "err", err)
				}
			}

		case call := <-d.calls:
			call()

		case now := <-ticker.C:
			// Signals coalesce; a reap per tick catches exits whose SIGCHLD was merged.
			d.reap(d.roster.OnTerminateProgram)
			d.roster.OnTick(now)
			d.observe(now)
			if d.stopping && d.settle() {
				d.log.Info("All programs stopped.")
				return nil
			}
		}
	}
}

// settle issues a stop sequence once the Roster is idle and reports whether every program is down.
func (d *Daemon) settle() bool {
	if !d.roster.Idle() {
		return false
	}
	if d.remaining() == 0 {
		return true
	}
	if err := d.roster.StopPrograms(); err != nil {
		d.log.Warn("Cannot stop programs yet.", "err", err)
	}
	return d.remaining() == 0 && d.roster.Idle()
}

// remaining counts programs that still have, or may get, a process.
func (d *Daemon) remaining() int {
	n := 0
	for _, p := range d.programs {
		if st := p.State(); st != roster.StateStopped && st != roster.StateFatal {
			n++
		}
	}
	return n
}

func (d *Daemon) observe(now time.Time) {
	d.lastTick.Store(now.UnixNano())
	var fatal int32
	for _, p := range d.programs {
		if p.State() == roster.StateFatal {
			fatal++
		}
	}
	d.fatal.Store(fatal)
}

func (d *Daemon) checkTick() error {
	age := time.Since(time.Unix(0, d.lastTick.Load()))
	if limit := 10 * d.cfg.TickInterval; age > limit {
		return fmt.Errorf("last tick %s ago", age.Round(time.Millisecond))
	}
	return nil
}

func (d *Daemon) checkPrograms() error {
	if n := d.fatal.Load(); n > 0 {
		return fmt.Errorf("%d program(s) FATAL", n)
	}
	return nil
}

// reapChildren collects every exited child without blocking.
func reapChildren(fn func(pid, status int)) {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		fn(pid, int(ws))
	}
}
