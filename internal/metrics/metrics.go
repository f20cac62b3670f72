package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"
	"github.com/berfenger/powershades2mqtt/pkg/powershades"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "powershades_"

	resultSuccess     = "success"
	resultTimeout     = "timeout"
	resultCancelled   = "cancelled"
	resultUnreachable = "unreachable"
	resultSocket      = "socket"
	resultError       = "error"
)

var (
	registerOnce sync.Once
	defaultSet   *Metrics
)

// Metrics bundles transport and command metrics.
type Metrics struct {
	Datagrams       *prometheus.CounterVec
	Exchanges       *prometheus.CounterVec
	ExchangeLatency *prometheus.HistogramVec
	Attempts        *prometheus.HistogramVec
	Outcomes        *prometheus.CounterVec
}

// Default returns the metrics registered on the default prometheus registry.
func Default() *Metrics {
	registerOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// New constructs metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Datagrams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "datagrams_total",
				Help: "Datagrams handled by the transport by event",
			},
			[]string{"event"},
		),
		Exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "exchanges_total",
				Help: "Completed request/reply exchanges by opcode and result",
			},
			[]string{"op", "result"},
		),
		ExchangeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "exchange_latency_seconds",
				Help:    "Exchange latency in seconds, retransmissions included",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
		Attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "exchange_attempts",
				Help:    "Attempts needed per exchange",
				Buckets: []float64{1, 2, 3, 4, 6, 11},
			},
			[]string{"op"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_outcomes_total",
				Help: "Device command outcomes by kind and status",
			},
			[]string{"kind", "status"},
		),
	}
	reg.MustRegister(
		m.Datagrams,
		m.Exchanges,
		m.ExchangeLatency,
		m.Attempts,
		m.Outcomes,
	)
	return m
}

// Instrument returns the transport hooks feeding these metrics.
func (m *Metrics) Instrument() powershades.Instrument {
	return powershades.Instrument{
		RecordExchange: m.ObserveExchange,
		RecordDatagram: m.IncDatagram,
	}
}

// ObserveExchange records one finished exchange.
func (m *Metrics) ObserveExchange(op powershades.Opcode, attempts int, elapsed time.Duration, err error) {
	opLabel := op.String()
	m.Exchanges.WithLabelValues(opLabel, exchangeResult(err)).Inc()
	m.ExchangeLatency.WithLabelValues(opLabel).Observe(elapsed.Seconds())
	if attempts > 0 {
		m.Attempts.WithLabelValues(opLabel).Observe(float64(attempts))
	}
}

func (m *Metrics) IncDatagram(event string) {
	if event == "" {
		event = "unknown"
	}
	m.Datagrams.WithLabelValues(event).Inc()
}

// RecordEvent counts command outcomes. It is meant to be passed to an
// event subscription; other events are ignored.
func (m *Metrics) RecordEvent(e domain.Event) {
	if completed, ok := e.(domain.CommandCompletedEvent); ok {
		m.IncOutcome(completed.Outcome)
	}
}

func (m *Metrics) IncOutcome(outcome domain.Outcome) {
	m.Outcomes.WithLabelValues(string(outcome.Kind), string(outcome.Status)).Inc()
}

func exchangeResult(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case errors.Is(err, powershades.ErrTimeout):
		return resultTimeout
	case errors.Is(err, powershades.ErrCancelled):
		return resultCancelled
	case errors.Is(err, powershades.ErrAddressUnreachable):
		return resultUnreachable
	case errors.Is(err, powershades.ErrSocket):
		return resultSocket
	default:
		return resultError
	}
}
