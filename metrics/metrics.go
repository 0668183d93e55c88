// Package metrics holds the prometheus collectors for the signal path
// and the reconciler, plus a small /metrics server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Webhook signals received, by outcome"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Order records resolved, by action and terminal state"},
		[]string{"action", "state"},
	)
	ReconRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "recon_runs_total", Help: "Reconciliation runs, by result"},
		[]string{"result"},
	)
	ReconRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "recon_repairs_total", Help: "Ledger repairs applied by reconciliation, by kind"},
		[]string{"kind"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Open positions in the ledger"},
	)
)

func init() {
	prometheus.MustRegister(SignalsTotal, OrdersTotal, ReconRunsTotal, ReconRepairsTotal, OpenPositions)
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
