package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricReadConsistency   = "read_consistency_total"
	MetricTransactionRetry  = "transaction_retries_total"
	MetricForwarded         = "forwarded_intents_total"
	MetricTombstonesPurged  = "tombstones_purged_total"
	OutcomeSuccess          = "success"
	OutcomeFailover         = "failover"
	OutcomeExhausted        = "exhausted"
	namespace               = "execstore"
	maxTrackedAttemptsLabel = 10
)

// Sink receives operational counters. Implementations must be safe for
// concurrent use.
type Sink interface {
	// ReadConsistency records the result of a requireLatest read against
	// the read pool: success after attempts, or failover to the primary.
	ReadConsistency(kind, outcome string, attempts int)
	TransactionRetry(op string)
	Forwarded(intent, partition string)
	TombstonesPurged(n int)
}

// NopSink discards everything.
var NopSink Sink = nopSink{}

type nopSink struct{}

func (nopSink) ReadConsistency(string, string, int) {}
func (nopSink) TransactionRetry(string)             {}
func (nopSink) Forwarded(string, string)            {}
func (nopSink) TombstonesPurged(int)                {}

// OrNop returns s, or NopSink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink
	}
	return s
}

// PrometheusSink exports counters through a prometheus registerer.
type PrometheusSink struct {
	readConsistency  *prometheus.CounterVec
	transactionRetry *prometheus.CounterVec
	forwarded        *prometheus.CounterVec
	tombstonesPurged prometheus.Counter
}

// NewPrometheusSink registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		readConsistency: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricReadConsistency,
				Help:      "Read-pool reads requiring the latest version, by outcome and attempts.",
			},
			[]string{"kind", "outcome", "attempts"},
		),
		transactionRetry: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricTransactionRetry,
				Help:      "Transactions retried after a transient storage error.",
			},
			[]string{"op"},
		),
		forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricForwarded,
				Help:      "Mutations forwarded to their owning partition.",
			},
			[]string{"intent", "partition"},
		),
		tombstonesPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricTombstonesPurged,
				Help:      "Tombstones removed by the background sweep.",
			},
		),
	}
	for _, c := range []prometheus.Collector{s.readConsistency, s.transactionRetry, s.forwarded, s.tombstonesPurged} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) ReadConsistency(kind, outcome string, attempts int) {
	label := strconv.Itoa(attempts)
	if attempts > maxTrackedAttemptsLabel {
		label = strconv.Itoa(maxTrackedAttemptsLabel) + "+"
	}
	s.readConsistency.WithLabelValues(kind, outcome, label).Inc()
}

func (s *PrometheusSink) TransactionRetry(op string) {
	s.transactionRetry.WithLabelValues(op).Inc()
}

func (s *PrometheusSink) Forwarded(intent, partition string) {
	s.forwarded.WithLabelValues(intent, partition).Inc()
}

func (s *PrometheusSink) TombstonesPurged(n int) {
	s.tombstonesPurged.Add(float64(n))
}
