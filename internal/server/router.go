package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the lifecycle router needs from
// the runtime pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeMessage(http.ResponseWriter, *http.Request)
	ServeEntries(http.ResponseWriter, *http.Request)
	ServeStats(http.ResponseWriter, *http.Request)
	ServeTeardown(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	RequestWithSessionHint(*http.Request, string) *http.Request
	WriteError(http.ResponseWriter, int, string)
}

// NewPipelineHandler wires the HTTP routing facade to the runtime pipeline so
// the lifecycle server owns URL dispatch without embedding routing logic into
// the pipeline itself. A non-nil metricsHandler is mounted at /metrics.
func NewPipelineHandler(p PipelineHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, route, ok := parseSessionRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		if session != "" {
			r = p.RequestWithSessionHint(r, session)
		}
		switch route {
		case "message":
			p.ServeMessage(w, r)
		case "entries":
			p.ServeEntries(w, r)
		case "stats":
			p.ServeStats(w, r)
		case "teardown":
			p.ServeTeardown(w, r)
		case "healthz":
			p.ServeHealth(w, r)
		case "metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// parseSessionRoute maps URL paths onto pipeline routes:
//
//	/message                  anonymous or body-addressed session
//	/{session}/message        explicit session
//	/{session}/entries        entry listing
//	/{session}/stats          usage aggregates
//	/{session}                teardown (DELETE, enforced by the handler)
//	/healthz, /metrics        service-level surfaces
func parseSessionRoute(path string) (string, string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		switch strings.ToLower(parts[0]) {
		case "message":
			return "", "message", true
		case "health", "healthz":
			return "", "healthz", true
		case "metrics":
			return "", "metrics", true
		default:
			return parts[0], "teardown", true
		}
	case 2:
		switch strings.ToLower(parts[1]) {
		case "message":
			return parts[0], "message", true
		case "entries":
			return parts[0], "entries", true
		case "stats":
			return parts[0], "stats", true
		}
	}
	return "", "", false
}
