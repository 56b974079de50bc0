package ccproxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer is the HTTP server exposing the proxy's counters. It reads
// them on scrape rather than being pushed to, so sessions never spend time
// on metrics.
type metricsServer struct {
	srv *http.Server
}

func (m *metricsServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	_ = m.srv.Shutdown(ctx)
}

// serveMetrics starts the metrics endpoint on the configured address,
// serving prometheus metrics at /metrics.
func (p *Proxy) serveMetrics() *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.metricsHandler())
	srv := &http.Server{Addr: p.conf.Metrics.Address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("metrics: " + err.Error())
		}
	}()
	p.log.Info("metrics listening", "addr", p.conf.Metrics.Address)
	return &metricsServer{srv: srv}
}

// metricsHandler builds the scrape handler over the proxy's live counters.
func (p *Proxy) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	gauge := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ccproxy", Name: name, Help: help,
		}, f))
	}
	counter := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "ccproxy", Name: name, Help: help,
		}, f))
	}
	stats := p.stats

	gauge("sessions_active", "Number of live sessions, including ones still in their handshake.", func() float64 {
		return float64(p.registry.Len())
	})
	counter("sessions_rejected_total", "Connections refused by the session limit, handshake rate limit or registry.", func() float64 {
		return float64(p.rejected.Load() + stats.Rejections.Load())
	})
	counter("connections_opened_total", "Connections that completed the open connection exchange.", func() float64 {
		return float64(stats.ConnectionsOpened.Load())
	})
	counter("connections_closed_total", "Connections released.", func() float64 {
		return float64(stats.ConnectionsClosed.Load())
	})
	counter("datagrams_received_total", "Datagrams received carrying packet data.", func() float64 {
		return float64(stats.DatagramsReceived.Load())
	})
	counter("datagrams_sent_total", "Datagrams sent carrying packet data.", func() float64 {
		return float64(stats.DatagramsSent.Load())
	})
	counter("retransmits_total", "Datagrams sent again after a timeout or NACK.", func() float64 {
		return float64(stats.Retransmits.Load())
	})
	counter("duplicate_datagrams_total", "Datagrams dropped for a sequence number seen before.", func() float64 {
		return float64(stats.DuplicateDatagrams.Load())
	})
	counter("duplicate_packets_total", "Reliable packets dropped for a message index seen before.", func() float64 {
		return float64(stats.DuplicatePackets.Load())
	})
	counter("frame_errors_total", "Frames that could not be decoded.", func() float64 {
		return float64(stats.FrameErrors.Load())
	})
	counter("timeouts_total", "Connections closed for inactivity or exhausted retries.", func() float64 {
		return float64(stats.Timeouts.Load())
	})
	counter("forwarded_client_bytes_total", "Payload bytes relayed from clients to backends.", func() float64 {
		return float64(p.relayed.ClientToBackend.Load())
	})
	counter("forwarded_backend_bytes_total", "Payload bytes relayed from backends to clients.", func() float64 {
		return float64(p.relayed.BackendToClient.Load())
	})

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
