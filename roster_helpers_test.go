package roster

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

// journal records the order in which actions were issued across Programs.
type journal []string

func (j *journal) record(entry string) {
	*j = append(*j, entry)
}

// fakeProgram is a Program whose state only changes when a test says so, except for Start and Stop, which move it to
// the transient state immediately as a real Program would.
type fakeProgram struct {
	name   string
	rank   int
	state  State
	pid    int
	ticks  int
	exits  []int
	events *journal
}

var nextFakePID = 1000

func newFake(name string, rank int, state State, events *journal) *fakeProgram {
	p := &fakeProgram{name: name, rank: rank, state: state, events: events}
	if state == StateRunning || state == StateStarting || state == StateStopping {
		nextFakePID++
		p.pid = nextFakePID
	}
	return p
}

func (p *fakeProgram) Name() string { return p.name }
func (p *fakeProgram) Rank() int    { return p.rank }
func (p *fakeProgram) State() State { return p.state }
func (p *fakeProgram) PID() int     { return p.pid }

func (p *fakeProgram) Start() {
	p.events.record("start:" + p.name)
	nextFakePID++
	p.pid = nextFakePID
	p.state = StateStarting
}

func (p *fakeProgram) Stop() {
	p.events.record("stop:" + p.name)
	p.state = StateStopping
}

func (p *fakeProgram) OnTerminate(status int) {
	p.exits = append(p.exits, status)
	p.pid = 0
	p.state = StateStopped
}

func (p *fakeProgram) OnTick(time.Time) {
	p.ticks++
}

func programs(ps ...*fakeProgram) []Program {
	out := make([]Program, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func setState(state State, ps ...*fakeProgram) {
	for _, p := range ps {
		p.state = state
	}
}

func phaseNames(phase []Program) []string {
	names := make([]string, len(phase))
	for i, p := range phase {
		names[i] = p.Name()
	}
	return names
}

// quietLogger captures log output so that tests can inspect warnings.
func quietLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

var tick = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func verifyNilErr(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func verifyRejected(t *testing.T, err error, op string, mode Mode) {
	t.Helper()

	if !errors.Is(err, ErrSequenceActive) {
		t.Fatalf("expected a rejected operation, got %v", err)
	}
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected *InvalidStateError, got %T", err)
	}
	if ise.Op != op || ise.Mode != mode {
		t.Fatalf("expected rejection of %q in mode %s, got %q in mode %s", op, mode, ise.Op, ise.Mode)
	}
}

func verifyJournal(t *testing.T, actual journal, expected ...string) {
	t.Helper()

	if len(actual) == 0 && len(expected) == 0 {
		return
	}
	if !reflect.DeepEqual([]string(actual), expected) {
		t.Fatalf("expected actions %v, got %v", expected, []string(actual))
	}
}

func verifyState(t *testing.T, expected State, ps ...*fakeProgram) {
	t.Helper()

	for _, p := range ps {
		if p.state != expected {
			t.Fatalf("expected program %q to be %s, got %s", p.name, expected, p.state)
		}
	}
}

func verifyMode(t *testing.T, r *Roster, expected Mode) {
	t.Helper()

	if actual := r.Mode(); actual != expected {
		t.Fatalf("expected roster mode %s, got %s", expected, actual)
	}
}

func verifyPanicWithMsg(t *testing.T, expected string) {
	t.Helper()

	err := recover()
	if err == nil {
		t.Fatal("expected a panic")
	}
	actual, ok := err.(string)
	if !ok {
		t.Fatalf("expected to panic with string, got %v", reflect.TypeOf(err).String())
	}
	if actual != expected {
		t.Fatalf("expected panic message to equal %q, got %q", expected, actual)
	}
}

func verifyStringsEqual(t *testing.T, expected, actual []string) {
	t.Helper()

	if !reflect.DeepEqual(expected, actual) {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}
