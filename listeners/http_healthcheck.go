// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthProbe reports why the broker cannot serve clients, or nil if it can.
type HealthProbe func() error

// HTTPHealthCheck is a listener for providing an HTTP healthcheck endpoint
// on /healthcheck. It answers 200 ok while the probe passes and 503 with the
// probe error otherwise.
type HTTPHealthCheck struct {
	httpServer
	probe HealthProbe
}

// NewHTTPHealthCheck initialises and returns a new HTTP listener, listening on an
// address. A nil probe always passes.
func NewHTTPHealthCheck(config Config, probe HealthProbe) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		httpServer: newHTTPServer(config),
		probe:      probe,
	}
}

// Protocol returns the protocol of the listener.
func (l *HTTPHealthCheck) Protocol() string {
	return l.scheme("http", "https")
}

// Init binds the listener address.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", l.handler)
	return l.bind(log, mux, 5*time.Second)
}

func (l *HTTPHealthCheck) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if l.probe != nil {
		if err := l.probe(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	_, _ = w.Write([]byte("ok"))
}

// Serve serves healthcheck requests until the listener is closed.
func (l *HTTPHealthCheck) Serve(establish EstablishFn) {
	l.serve()
}
