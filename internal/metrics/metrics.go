// Package metrics exposes the server's Prometheus metrics: active/total
// session counts and the traffic totals reported through
// socks5.TrafficReporter.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionGauge is the current number of active SOCKS5 sessions.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socks5_sessions_active",
		Help: "Current number of active SOCKS5 sessions",
	})

	// SessionCounter is the total number of SOCKS5 sessions accepted.
	SessionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socks5_sessions_total",
		Help: "Total number of SOCKS5 sessions accepted",
	})

	// UploadBytes and DownloadBytes mirror socks5.Counters' running
	// totals; they're gauges rather than counters because they're set
	// from an already-accumulated total (socks5.TrafficReporter),
	// not incremented per call.
	UploadBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socks5_traffic_upload_bytes_total",
		Help: "Total bytes relayed from clients to targets",
	})
	DownloadBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socks5_traffic_download_bytes_total",
		Help: "Total bytes relayed from targets to clients",
	})
)

func init() {
	prometheus.MustRegister(SessionGauge, SessionCounter, UploadBytes, DownloadBytes)
}

// ReportTraffic is a socks5.TrafficReporter: it publishes the running
// totals to the gauges above. It must stay non-blocking — a
// prometheus.Gauge.Set call never blocks.
func ReportTraffic(upload, download uint64) {
	UploadBytes.Set(float64(upload))
	DownloadBytes.Set(float64(download))
}

// StartServer runs a /metrics HTTP server until ctx is canceled,
// unchanged in shape from its predecessor: graceful shutdown via
// http.Server.Shutdown.
func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
