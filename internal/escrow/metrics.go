package escrow

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xtrntr/escrow/internal/models"
)

type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	SettledAmount     *prometheus.CounterVec
	CommissionTotal   *prometheus.CounterVec
	TransfersTotal    *prometheus.CounterVec
	PublishFailures   prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"op", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds, from prepare to commit or abort.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		SettledAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settled_amount_total",
				Help: "Base units moved from buyer deposits to seller income.",
			},
			[]string{"token"},
		),
		CommissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_commission_total",
				Help: "Base units of commission accumulated into platform earning.",
			},
			[]string{"token"},
		),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transfer_instructions_total",
				Help: "Outgoing transfer instructions emitted.",
			},
			[]string{"token"},
		),
		PublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "escrow_event_publish_failures_total",
				Help: "Committed operations whose events could not be published.",
			},
		),
	}
	if registry != nil {
		registry.MustRegister(
			m.OperationsTotal,
			m.OperationDuration,
			m.SettledAmount,
			m.CommissionTotal,
			m.TransfersTotal,
			m.PublishFailures,
		)
	}
	return m
}

func tokenLabel(t models.TokenID) string {
	return strconv.FormatUint(uint64(t), 10)
}
