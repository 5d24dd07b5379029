package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for escrow money movement and governance.
type Metrics struct {
	ContributionsRecorded  prometheus.Counter
	ContributionAmount     prometheus.Counter
	VotesCast              *prometheus.CounterVec
	TalliesCompleted       *prometheus.CounterVec
	FundsReleased          prometheus.Counter
	RefundsIssued          prometheus.Counter
	ReconciliationFailures prometheus.Counter
	PublishFailures        prometheus.Counter
	OperationDuration      *prometheus.HistogramVec
}

// New creates a new Metrics instance registered on reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ContributionsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_contributions_recorded_total",
			Help: "Total number of contributions credited to escrow",
		}),
		ContributionAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_contribution_amount_total",
			Help: "Sum of contribution amounts credited to escrow",
		}),
		VotesCast: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_votes_cast_total",
			Help: "Total number of milestone votes stored, by kind",
		}, []string{"kind"}),
		TalliesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_tallies_total",
			Help: "Total number of milestone tallies, by outcome",
		}, []string{"outcome"}),
		FundsReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_fund_releases_total",
			Help: "Total number of milestone fund releases",
		}),
		RefundsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_refunds_total",
			Help: "Total number of individual contributor refunds",
		}),
		ReconciliationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_reconciliation_failures_total",
			Help: "Total number of escrow accounts frozen after a ledger mismatch",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_event_publish_failures_total",
			Help: "Total number of domain events that could not be published",
		}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

// ObserveOperation records the duration of an engine operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementContribution(amount float64) {
	m.ContributionsRecorded.Inc()
	m.ContributionAmount.Add(amount)
}

func (m *Metrics) IncrementVote(kind string) {
	m.VotesCast.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementTally(outcome string) {
	m.TalliesCompleted.WithLabelValues(outcome).Inc()
}
