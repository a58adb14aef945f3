package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DispatchTotal    *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	FallbacksTotal   prometheus.Counter
	SessionsInFlight prometheus.Gauge
	ImagesTotal      *prometheus.CounterVec
	RateLimited      prometheus.Counter
	ReportsTotal     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codeforge",
				Name:      "dispatch_total",
				Help:      "Provider calls by provider and outcome",
			}, []string{"provider", "outcome"}),
			DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "codeforge",
				Name:      "dispatch_seconds",
				Help:      "Provider call latency",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			}, []string{"provider"}),
			FallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codeforge",
				Name:      "fallbacks_total",
				Help:      "Sends that needed the fallback provider",
			}),
			SessionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "codeforge",
				Name:      "sessions_generating",
				Help:      "Chats with a send or regenerate in flight",
			}),
			ImagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codeforge",
				Name:      "images_total",
				Help:      "Image generations by outcome",
			}, []string{"outcome"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codeforge",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the gateway rate limiter",
			}),
			ReportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codeforge",
				Name:      "error_reports_total",
				Help:      "Error reports forwarded to Telegram",
			}),
		}
		prometheus.MustRegister(
			global.DispatchTotal,
			global.DispatchLatency,
			global.FallbacksTotal,
			global.SessionsInFlight,
			global.ImagesTotal,
			global.RateLimited,
			global.ReportsTotal,
		)
	})
	return global
}
