package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mkock/roster"
	"github.com/mkock/roster/internal/program"
)

const shutdownGrace = 5 * time.Second

// ProgramView is the status of one program as served by GET /programs.
type ProgramView struct {
	program.Status
	RSS        uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"` // since the previous status request
}

// StatusView is the body of GET /programs.
type StatusView struct {
	Mode     string        `json:"mode"`
	Stopping bool          `json:"stopping"`
	Programs []ProgramView `json:"programs"`
}

// Handler returns the HTTP surface:
//
//	GET  /programs               status of every program
//	GET  /programs/{name}/tail   recent output of one program
//	POST /programs/start         start STOPPED programs
//	POST /programs/stop          stop RUNNING and STARTING programs
//	POST /programs/restart       restart RUNNING, STARTING and STOPPED programs
//	GET  /metrics                prometheus metrics
//	GET  /live, /ready           health checks
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /programs", d.handleStatus)
	mux.HandleFunc("GET /programs/{name}/tail", d.handleTail)
	mux.HandleFunc("POST /programs/start", d.handleControl((*roster.Roster).StartPrograms))
	mux.HandleFunc("POST /programs/stop", d.handleControl((*roster.Roster).StopPrograms))
	mux.HandleFunc("POST /programs/restart", d.handleControl((*roster.Roster).RestartPrograms))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /live", d.health)
	mux.Handle("GET /ready", d.health)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (d *Daemon) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Shut down when ctx is cancelled.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	d.log.Info("HTTP status server listening.", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	var view StatusView
	err := d.Do(r.Context(), func() {
		view.Mode = d.roster.Mode().String()
		view.Stopping = d.stopping
		view.Programs = make([]ProgramView, len(d.programs))
		for i, p := range d.programs {
			view.Programs[i].Status = p.Status()
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	d.usage.fill(r.Context(), view.Programs)
	writeJSON(w, http.StatusOK, view)
}

// usageCache keeps one gopsutil handle per live pid, so that CPU usage is measured between successive status
// requests instead of over the whole lifetime of the process.
type usageCache struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

// fill adds resource usage to every view with a live process and forgets pids that are gone. Processes that vanished
// in the meantime are skipped. The first request for a pid reports no CPU usage.
func (c *usageCache) fill(ctx context.Context, views []ProgramView) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.procs == nil {
		c.procs = make(map[int]*process.Process)
	}
	live := make(map[int]struct{}, len(views))
	for i := range views {
		v := &views[i]
		if v.PID <= 0 {
			continue
		}
		proc, ok := c.procs[v.PID]
		if !ok {
			var err error
			if proc, err = process.NewProcessWithContext(ctx, int32(v.PID)); err != nil {
				continue
			}
			c.procs[v.PID] = proc
		}
		live[v.PID] = struct{}{}

		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			v.RSS = mem.RSS
		}
		if cpu, err := proc.PercentWithContext(ctx, 0); err == nil {
			v.CPUPercent = cpu
		}
	}
	for pid := range c.procs {
		if _, ok := live[pid]; !ok {
			delete(c.procs, pid)
		}
	}
}

func (d *Daemon) handleTail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, p := range d.programs {
		if p.Name() != name {
			continue
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(p.Output().Tail())
		return
	}
	http.Error(w, fmt.Sprintf("unknown program %q", name), http.StatusNotFound)
}

func (d *Daemon) handleControl(op func(*roster.Roster) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := d.control(r.Context(), op)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		case errors.Is(err, roster.ErrSequenceActive):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, ErrShuttingDown):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
