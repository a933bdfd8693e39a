package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the prometheus instruments for ledger operations.
type Metrics struct {
	Registry *prometheus.Registry

	Publishes         prometheus.Counter
	Retractions       prometheus.Counter
	Votes             *prometheus.CounterVec
	Adjustments       *prometheus.CounterVec
	RateLimitRejected *prometheus.CounterVec
	PolicyVetoes      prometheus.Counter
	ScanTerms         prometheus.Counter
}

// New builds a registry populated with the ledger counters and the standard
// process/go collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: registry,
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_archive_publishes_total",
			Help: "Number of archive items published.",
		}),
		Retractions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_archive_retractions_total",
			Help: "Number of archive items retracted.",
		}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_archive_votes_total",
			Help: "Number of archive votes applied by direction.",
		}, []string{"direction"}),
		Adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_counter_adjustments_total",
			Help: "Number of counter adjustments applied by direction.",
		}, []string{"direction"}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_rate_limit_rejections_total",
			Help: "Number of mutations rejected by the rate window, by ledger.",
		}, []string{"ledger"}),
		PolicyVetoes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_policy_vetoes_total",
			Help: "Number of counter mutations vetoed by policy.",
		}),
		ScanTerms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_scan_terms_total",
			Help: "Number of terms extracted by message scans.",
		}),
	}

	registry.MustRegister(
		m.Publishes,
		m.Retractions,
		m.Votes,
		m.Adjustments,
		m.RateLimitRejected,
		m.PolicyVetoes,
		m.ScanTerms,
	)
	return m
}
