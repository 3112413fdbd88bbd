package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkock/roster"
	"github.com/mkock/roster/internal/config"
	"github.com/mkock/roster/internal/program"
)

const testConfig = `
tick_interval: 50ms
shutdown_timeout: 2s
programs:
  - name: db
    command: [/bin/db]
    start_secs: 60ms
  - name: api
    command: [/bin/api]
    rank: 1
    start_secs: 60ms
`

// fakeProcs launches pretend processes. A signalled process exits unless hold is set; the exit is picked up by reap.
type fakeProcs struct {
	mu       sync.Mutex
	next     int
	launches int
	hold     bool
	exits    chan int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{next: 5000, exits: make(chan int, 64)}
}

func (f *fakeProcs) Launch(cfg config.Program, out io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.launches++
	f.next++
	_, _ = io.WriteString(out, cfg.Name+" says hello\n")
	return f.next, nil
}

func (f *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.hold {
		f.exits <- pid
	}
	return nil
}

func (f *fakeProcs) reap(fn func(pid, status int)) {
	for {
		select {
		case pid := <-f.exits:
			fn(pid, int(syscall.SIGTERM))
		default:
			return
		}
	}
}

func (f *fakeProcs) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// syncBuffer lets a test read log output while the loop goroutine writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startDaemon(t *testing.T, doc string, procs *fakeProcs, opts ...Option) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()

	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	opts = append([]Option{
		WithLauncher(procs),
		WithReaper(procs.reap),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	d, err := New(cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	t.Cleanup(cancel)
	return d, cancel, errc
}

func getStatus(t *testing.T, h http.Handler) StatusView {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/programs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var view StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func allIn(view StatusView, mode roster.Mode, state string) bool {
	if view.Mode != mode.String() {
		return false
	}
	for _, p := range view.Programs {
		if p.State.String() != state {
			return false
		}
	}
	return true
}

func post(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec.Code
}

func TestDaemonLifecycle(t *testing.T) {
	procs := newFakeProcs()
	d, cancel, errc := startDaemon(t, testConfig, procs)
	h := d.Handler()

	require.Eventually(t, func() bool {
		return allIn(getStatus(t, h), roster.ModeIdle, "RUNNING")
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, procs.launchCount())

	assert.Equal(t, http.StatusAccepted, post(h, "/programs/restart"))
	require.Eventually(t, func() bool {
		return procs.launchCount() == 4 && allIn(getStatus(t, h), roster.ModeIdle, "RUNNING")
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	for _, p := range d.programs {
		assert.Equal(t, roster.StateStopped, p.State(), p.Name())
	}

	// The loop is gone; status requests fail fast.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/programs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDaemonRejectsOverlappingControl(t *testing.T) {
	procs := newFakeProcs()
	procs.hold = true
	d, cancel, errc := startDaemon(t, strings.Replace(testConfig, "shutdown_timeout: 2s", "shutdown_timeout: 200ms", 1), procs)
	h := d.Handler()

	require.Eventually(t, func() bool {
		return allIn(getStatus(t, h), roster.ModeIdle, "RUNNING")
	}, 3*time.Second, 20*time.Millisecond)

	// Nothing exits while held, so the stop sequence stays active.
	assert.Equal(t, http.StatusAccepted, post(h, "/programs/stop"))
	assert.Equal(t, http.StatusConflict, post(h, "/programs/start"))
	assert.Equal(t, http.StatusConflict, post(h, "/programs/restart"))
	assert.Equal(t, roster.ModeStopping.String(), getStatus(t, h).Mode)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not give up after the shutdown timeout")
	}
}

func TestDaemonIgnoresHangupDuringSequence(t *testing.T) {
	procs := newFakeProcs()
	procs.hold = true
	var logs syncBuffer
	d, _, _ := startDaemon(t, testConfig, procs, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	h := d.Handler()

	require.Eventually(t, func() bool {
		return allIn(getStatus(t, h), roster.ModeIdle, "RUNNING")
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusAccepted, post(h, "/programs/stop"))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "SIGHUP ignored.")
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, roster.ModeStopping.String(), getStatus(t, h).Mode)
}

func TestUsageCacheKeepsHandlesOfLivePids(t *testing.T) {
	var c usageCache
	ctx := context.Background()

	views := []ProgramView{{Status: program.Status{Name: "self", PID: os.Getpid()}}, {Status: program.Status{Name: "down"}}}
	c.fill(ctx, views)
	require.Len(t, c.procs, 1)
	first := c.procs[os.Getpid()]
	assert.NotZero(t, views[0].RSS)
	assert.Zero(t, views[1].RSS)

	c.fill(ctx, views)
	assert.Same(t, first, c.procs[os.Getpid()])

	c.fill(ctx, []ProgramView{{Status: program.Status{Name: "down"}}})
	assert.Empty(t, c.procs)
}

func TestDaemonTailMetricsAndHealth(t *testing.T) {
	procs := newFakeProcs()
	d, _, _ := startDaemon(t, testConfig, procs)
	h := d.Handler()

	require.Eventually(t, func() bool {
		return allIn(getStatus(t, h), roster.ModeIdle, "RUNNING")
	}, 3*time.Second, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/programs/api/tail", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api says hello\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/programs/nope/tail", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `roster_sequences_total{kind="start",result="completed"} 1`)
	assert.Contains(t, rec.Body.String(), `roster_programs{state="RUNNING"} 2`)

	for _, path := range []string{"/live", "/ready"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestDaemonNotReadyWithFatalProgram(t *testing.T) {
	procs := newFakeProcs()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	d, err := New(cfg, WithLauncher(procs), WithReaper(procs.reap), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	d.fatal.Store(1)
	assert.Error(t, d.checkPrograms())
	d.lastTick.Store(time.Now().Add(-time.Minute).UnixNano())
	assert.Error(t, d.checkTick())
}
