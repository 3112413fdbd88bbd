package roster

import (
	"sort"
	"strings"
)

// Sequence groups a set of Programs into phases by rank and lets the caller walk through those phases one at a time,
// polling the active phase for completion. Phases always run in ascending rank order. A Sequence holds no
// process-control logic of its own.
//
// A Sequence is built and then consumed: every Add must happen before the first call to Next or Check.
type Sequence struct {
	programs []Program
	phases   [][]Program // Computed on first consumption.
	cursor   int         // Index of the next phase to hand out.
	active   []Program   // Phase last returned by Next.
	computed bool
	done     bool // Next has reported exhaustion.
}

// NewSequence returns an empty Sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Add inserts a Program into the Sequence.
// Add panics if the Sequence is already being consumed.
func (s *Sequence) Add(p Program) {
	if s.computed {
		panic(panicAddAfterConsume)
	}
	s.programs = append(s.programs, p)
}

// Len returns the total number of Programs in the Sequence.
func (s *Sequence) Len() int {
	return len(s.programs)
}

// Phases returns the number of phases in the Sequence. Calling Phases freezes the Sequence, like Next does.
func (s *Sequence) Phases() int {
	s.compute()
	return len(s.phases)
}

// compute groups the Programs by rank. The algorithm is:
// 1. Programs are sorted by rank, keeping insertion order among equal ranks.
// 2. Each run of equal ranks becomes one phase.
func (s *Sequence) compute() {
	if s.computed {
		return
	}
	s.computed = true

	if len(s.programs) == 0 {
		return
	}

	sorted := make([]Program, len(s.programs))
	copy(sorted, s.programs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Rank() < sorted[j].Rank()
	})

	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i].Rank() != sorted[start].Rank() {
			s.phases = append(s.phases, sorted[start:i:i])
			start = i
		}
	}
}

// Next returns the next phase and makes it the active one. The second return value is false once all phases have
// been handed out, in which case the returned phase is nil.
// Next panics if it is called again after reporting exhaustion.
func (s *Sequence) Next() ([]Program, bool) {
	if s.done {
		panic(panicNextAfterExhaust)
	}
	s.compute()

	if s.cursor >= len(s.phases) {
		s.done = true
		s.active = nil
		return nil, false
	}

	s.active = s.phases[s.cursor]
	s.cursor++
	return s.active, true
}

// Check polls the active phase. Check returns Abort if any Program of the phase is FATAL, Advance if every Program
// is in the final state, and Wait otherwise. The transient state is the one the phase is expected to pass through; a
// Program in any state other than final or FATAL counts as not done yet.
// Check panics if there is no active phase.
func (s *Sequence) Check(transient, final State) Outcome {
	s.compute()
	if s.active == nil {
		panic(panicCheckBeforeNext)
	}

	outcome := Advance
	for _, p := range s.active {
		switch st := p.State(); st {
		case StateFatal:
			return Abort
		case final:
		case transient:
			outcome = Wait
		default:
			// Not picked up the action yet.
			outcome = Wait
		}
	}

	return outcome
}

// String returns a string representation of the Sequence's phases in execution order.
// Program names are wrapped in parentheses, separated by a colon when they share a phase, and by a right-arrow when
// one phase runs before another. Names within a phase are sorted alphabetically for reasons of reproducibility.
func (s *Sequence) String() string {
	s.compute()

	if len(s.phases) == 0 {
		return "()"
	}

	var sequence strings.Builder
	for i, phase := range s.phases {
		names := make([]string, len(phase))
		for j, p := range phase {
			names[j] = p.Name()
		}
		sort.Strings(names)
		if i > 0 {
			sequence.WriteString(" > ")
		}
		sequence.WriteString("(" + strings.Join(names, " : ") + ")")
	}

	return sequence.String()
}
