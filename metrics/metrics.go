// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

const metricPrefix = "htcms_"

// Collector implements billing.Observer on its own registry.
type Collector struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	payments        *prometheus.CounterVec
	paymentAmount   *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepLastResult *prometheus.GaugeVec
}

// New registers the billing metrics plus Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operations_total",
				Help: "Engine operations by name and result",
			},
			[]string{"op", "result"},
		),
		operationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "operation_duration_seconds",
				Help:    "Engine operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payments_total",
				Help: "Committed payments by target kind and mode",
			},
			[]string{"kind", "mode"},
		),
		paymentAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payment_amount_total",
				Help: "Sum of committed payment amounts by target kind",
			},
			[]string{"kind"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "penalty_sweep_duration_seconds",
				Help:    "Penalty sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		sweepLastResult: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "penalty_sweep_last",
				Help: "Bills scanned, applied and failed in the last penalty sweep",
			},
			[]string{"outcome"},
		),
	}
	c.registry.MustRegister(
		c.operations, c.operationTime, c.payments, c.paymentAmount,
		c.sweepDuration, c.sweepLastResult,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveOperation(op, result string, elapsed time.Duration) {
	c.operations.WithLabelValues(op, result).Inc()
	c.operationTime.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) ObservePayment(kind billing.ChargeKind, mode billing.PaymentMode, amount billing.Money) {
	c.payments.WithLabelValues(string(kind), string(mode)).Inc()
	c.paymentAmount.WithLabelValues(string(kind)).Add(amount.InexactFloat64())
}

// ObserveSweep records one penalty sweep run.
func (c *Collector) ObserveSweep(res *billing.SweepResult, elapsed time.Duration) {
	c.sweepDuration.Observe(elapsed.Seconds())
	if res == nil {
		return
	}
	c.sweepLastResult.WithLabelValues("scanned").Set(float64(res.Scanned))
	c.sweepLastResult.WithLabelValues("applied").Set(float64(res.Applied))
	c.sweepLastResult.WithLabelValues("failed").Set(float64(res.Failed))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

var _ billing.Observer = (*Collector)(nil)
