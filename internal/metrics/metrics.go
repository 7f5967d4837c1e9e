// Package metrics exposes Prometheus counters for dispatch and monitoring
// activity, plus an optional /metrics listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_notifications_sent_total",
			Help: "Notifications delivered, by topic and channel",
		},
		[]string{"topic", "channel"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_notifications_failed_total",
			Help: "Notification deliveries that failed, by topic and channel",
		},
		[]string{"topic", "channel"},
	)

	NotificationsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_notifications_deduped_total",
			Help: "Notifications suppressed by the dedup window, by topic",
		},
		[]string{"topic"},
	)

	RetriesAttempted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertflow_retries_attempted_total",
			Help: "Retry delivery attempts",
		},
	)

	RetriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertflow_retries_dropped_total",
			Help: "Retry entries dropped after exhausting max attempts",
		},
	)

	MonitorAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_monitor_alerts_total",
			Help: "Alerts emitted by the anomaly monitors, by monitor and kind",
		},
		[]string{"monitor", "kind"},
	)

	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_poll_cycles_total",
			Help: "Integration poll cycles, by source and outcome",
		},
		[]string{"source", "status"}, // success, unavailable, decode_error
	)
)

// Server is a minimal /metrics listener.
type Server struct {
	srv *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}}
}

// Start begins serving in the background; errors other than server-closed are
// reported on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
