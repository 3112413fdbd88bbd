package roster

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the Roster's sequencing activity as prometheus collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sequences *prometheus.CounterVec // by kind (start, stop) and result (started, completed, aborted)
	rejected  *prometheus.CounterVec // by op
	programs  *prometheus.GaugeVec   // by state
	unknown   prometheus.Counter
}

// NewMetrics creates the Roster collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roster",
			Name:      "sequences_total",
			Help:      "Sequences by kind and result.",
		}, []string{"kind", "result"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roster",
			Name:      "rejected_operations_total",
			Help:      "Top-level operations rejected because a sequence was active.",
		}, []string{"op"}),
		programs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "roster",
			Name:      "programs",
			Help:      "Number of programs per state, sampled every tick.",
		}, []string{"state"}),
		unknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roster",
			Name:      "unknown_terminations_total",
			Help:      "Reaped processes that did not belong to any program.",
		}),
	}
	reg.MustRegister(m.sequences, m.rejected, m.programs, m.unknown)
	return m
}

func (m *Metrics) sequence(kind, result string) {
	if m == nil {
		return
	}
	m.sequences.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) reject(op string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(op).Inc()
}

func (m *Metrics) unknownPID() {
	if m == nil {
		return
	}
	m.unknown.Inc()
}

func (m *Metrics) observe(programs []Program) {
	if m == nil {
		return
	}
	counts := make(map[State]int, len(States))
	for _, p := range programs {
		counts[p.State()]++
	}
	for _, st := range States {
		m.programs.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}
