package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "mexc_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		TicksTotal:        promCounter{counter("ticks_total", "Total number of monitoring ticks.")},
		Entries:           promCounter{counter("decisions_enter_total", "Total number of enter decisions.")},
		Exits:             promCounter{counter("decisions_exit_total", "Total number of exit decisions.")},
		Resets:            promCounter{counter("decisions_reset_total", "Total number of reset decisions.")},
		Holds:             promCounter{counter("decisions_hold_total", "Total number of hold decisions.")},
		Skips:             promCounter{counter("decisions_skip_total", "Total number of skip decisions.")},
		OrdersPlaced:      promCounter{counter("orders_placed_total", "Total number of orders submitted.")},
		OrdersFailed:      promCounter{counter("orders_failed_total", "Total number of order submission failures.")},
		PriceFeedFailures: promCounter{counter("price_feed_failures_total", "Total number of unavailable price reads.")},
		PairFailures:      promCounter{counter("pair_failures_total", "Total number of per-pair evaluation errors.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
