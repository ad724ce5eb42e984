// Package metrics records Prometheus metrics for analyses, chat sends and
// rate-limit rejections.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	StatusSuccess     = "success"
	StatusRateLimited = "rate_limited"
	StatusTransport   = "transport_error"
	StatusMalformed   = "malformed"
	StatusConfig      = "config_error"
	StatusError       = "error"
)

// Metrics provides methods to record metrics. A nil *Metrics records nothing.
type Metrics struct {
	analyses          *prometheus.CounterVec
	chatMessages      *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	rateLimitExceeded *prometheus.CounterVec
	commandsExecuted  *prometheus.CounterVec
	activeChats       prometheus.Gauge
}

// New registers the metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		analyses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "review_insights_analyses_total",
			Help: "Total number of analysis requests",
		}, []string{"provider", "status"}),

		chatMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "review_insights_chat_messages_total",
			Help: "Total number of chat messages sent",
		}, []string{"provider", "status"}),

		providerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "review_insights_provider_request_duration_seconds",
			Help:    "Duration of provider requests",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"provider", "operation"}),

		rateLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "review_insights_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		}, []string{"operation"}),

		commandsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "review_insights_bot_commands_total",
			Help: "Total number of bot commands executed",
		}, []string{"command"}),

		activeChats: factory.NewGauge(prometheus.GaugeOpts{
			Name: "review_insights_active_chats",
			Help: "Number of chats with an open workspace",
		}),
	}
}

// RecordAnalysis records an analysis outcome. duration is zero when no provider was called.
func (m *Metrics) RecordAnalysis(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(provider, status).Inc()
	if duration > 0 {
		m.providerDuration.WithLabelValues(provider, "analyze").Observe(duration.Seconds())
	}
}

// RecordChat records a chat send outcome
func (m *Metrics) RecordChat(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.chatMessages.WithLabelValues(provider, status).Inc()
	if duration > 0 {
		m.providerDuration.WithLabelValues(provider, "chat").Observe(duration.Seconds())
	}
}

// RecordRateLimitExceeded records a rejected request
func (m *Metrics) RecordRateLimitExceeded(operation string) {
	if m == nil {
		return
	}
	m.rateLimitExceeded.WithLabelValues(operation).Inc()
}

// RecordCommandExecuted records an executed bot command
func (m *Metrics) RecordCommandExecuted(command string) {
	if m == nil {
		return
	}
	m.commandsExecuted.WithLabelValues(command).Inc()
}

// SetActiveChats sets the number of open chat workspaces
func (m *Metrics) SetActiveChats(count int) {
	if m == nil {
		return
	}
	m.activeChats.Set(float64(count))
}

// NewServer builds the metrics HTTP server with /metrics and /health
func NewServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
