package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"helpdesk/cmd/internal/httpapi"
	"helpdesk/cmd/internal/metrics"
)

// pingFunc reports database readiness. nil means no database is configured.
type pingFunc func(ctx context.Context) error

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	ping pingFunc,
	m *metrics.Metrics,
	ws http.Handler,
	api *httpapi.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Database.RequireForReadiness && ping == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", m.Handler())

	if api != nil {
		api.Register(mux)
	}

	mux.Handle("/ws", ws)
}

// buildHandler wraps mux with the server middleware. Recovery is outermost so a panic in any
// layer still produces a response and a log line.
func buildHandler(mux http.Handler, cfg Config, log Logger) http.Handler {
	var h http.Handler = mux
	h = WithCORS(h, cfg.HTTP, log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, log)
	return WithRecover(h, log)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
