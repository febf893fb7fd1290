// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry хранит коллекторы сервиса.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookshelf",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Settlements by payment method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookshelf",
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Duration of settlement transactions including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method"},
	)

	credited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "settlement",
			Name:      "credited_amount_total",
			Help:      "Amount credited to wallets by share role.",
		},
		[]string{"role"},
	)

	skippedShares = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "settlement",
			Name:      "skipped_shares_total",
			Help:      "Revenue shares that could not be paid because an account or book was missing.",
		},
		[]string{"reason"},
	)

	deposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookshelf",
			Subsystem: "wallet",
			Name:      "deposits_total",
			Help:      "Wallet deposits by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		settlements,
		settlementDuration,
		credited,
		skippedShares,
		deposits,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler возвращает HTTP-обработчик с метриками.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveSettlement учитывает завершённое проведение оплаты.
func ObserveSettlement(method, outcome string, d time.Duration) {
	settlements.WithLabelValues(method, outcome).Inc()
	settlementDuration.WithLabelValues(method).Observe(d.Seconds())
}

// AddCredit учитывает зачисление доли выручки.
func AddCredit(role string, amount float64) {
	credited.WithLabelValues(role).Add(amount)
}

// IncSkippedShare учитывает пропущенную долю.
func IncSkippedShare(reason string) {
	skippedShares.WithLabelValues(reason).Inc()
}

// IncDeposit учитывает пополнение кошелька.
func IncDeposit(outcome string) {
	deposits.WithLabelValues(outcome).Inc()
}

// Middleware собирает метрики HTTP-запросов по шаблону маршрута chi.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
