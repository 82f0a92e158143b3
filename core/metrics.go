package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	transitions    *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	enqueueFailed  *prometheus.CounterVec
	chainEvents    *prometheus.CounterVec
	discrepancies  prometheus.Counter
	publishFailed  prometheus.Counter
	sweepScheduled *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_proposal_transitions_total",
			Help: "Proposal status transitions",
		}, []string{"from", "to", "source"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_submissions_total",
			Help: "Proposal submissions by result",
		}, []string{"result"}),
		enqueueFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_task_enqueue_failures_total",
			Help: "Lifecycle tasks that could not be queued",
		}, []string{"kind"}),
		chainEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_chain_events_total",
			Help: "Chain events applied by kind and whether state changed",
		}, []string{"kind", "changed"}),
		discrepancies: factory.NewCounter(prometheus.CounterOpts{
			Name: "treasury_execution_discrepancies_total",
			Help: "Executed events without a ledger reservation",
		}),
		publishFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "treasury_notify_failures_total",
			Help: "Transition notifications that failed to publish",
		}),
		sweepScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_sweeper_scheduled_total",
			Help: "Tasks scheduled by the recovery sweeper",
		}, []string{"kind"}),
	}
}
