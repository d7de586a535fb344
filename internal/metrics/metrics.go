// Package metrics exposes the bot's Prometheus instruments.
//
//   - bot_orders_total{side,result}      orders sent to the exchange (result: placed|failed)
//   - bot_cycles_total{result}           live cycles (result: ok|error|aborted)
//   - bot_cycle_duration_seconds         wall time of one live cycle
//   - bot_equity_usd{market}             latest computed equity per market
//   - bot_risk_events_total{type}        stop-loss, liquidation and take-profit events
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups the instruments. A nil *Recorder is valid and records nothing.
type Recorder struct {
	orders        *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	equity        *prometheus.GaugeVec
	riskEvents    *prometheus.CounterVec
	gatherer      prometheus.Gatherer
}

// New registers the instruments on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_orders_total", Help: "Orders sent to the exchange"},
			[]string{"side", "result"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_cycles_total", Help: "Live trading cycles"},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Duration of one live trading cycle",
			Buckets: prometheus.DefBuckets,
		}),
		equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_equity_usd", Help: "Equity per market in quote currency"},
			[]string{"market"},
		),
		riskEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_risk_events_total", Help: "Risk events by type"},
			[]string{"type"},
		),
		gatherer: reg,
	}
	reg.MustRegister(r.orders, r.cycles, r.cycleDuration, r.equity, r.riskEvents)
	return r
}

func (r *Recorder) Order(side, result string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, result).Inc()
}

func (r *Recorder) Cycle(result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) Equity(market string, value float64) {
	if r == nil {
		return
	}
	r.equity.WithLabelValues(market).Set(value)
}

func (r *Recorder) RiskEvent(kind string) {
	if r == nil {
		return
	}
	r.riskEvents.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the text exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
