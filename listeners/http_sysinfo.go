// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kazetsukaimiko/moquette/system"
)

// HTTPStats is a listener for presenting the server $SYS stats on a JSON http
// endpoint, and as prometheus metrics on /metrics.
type HTTPStats struct {
	httpServer
	sysInfo  *system.Info         // pointers to the server data
	registry *prometheus.Registry // collectors of the server data
}

// NewHTTPStats initialises and returns a new HTTP listener, listening on an address.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		httpServer: newHTTPServer(config),
		sysInfo:    sysInfo,
	}
}

// Protocol returns the protocol of the listener.
func (l *HTTPStats) Protocol() string {
	return l.scheme("http", "https")
}

// Init registers the collectors and binds the listener address.
func (l *HTTPStats) Init(log *slog.Logger) error {
	l.registry = prometheus.NewRegistry()
	if err := l.sysInfo.RegisterPrometheusMetrics(l.registry); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	return l.bind(log, mux, 5*time.Second)
}

// Serve serves stats requests until the listener is closed.
func (l *HTTPStats) Serve(establish EstablishFn) {
	l.serve()
}

// jsonHandler is an HTTP handler which outputs the $SYS stats as JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	out, err := json.MarshalIndent(l.sysInfo.Clone(), "", "\t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
