package app

import (
	"encoding/json"
	"net/http"

	"github.com/agentgrid/agentgrid/internal/adapter/httpserver"
)

// ReadyzHandler reports readiness: the gateway only takes traffic when
// both the queue and the KV store are verified. Liveness (/health)
// deliberately stays independent of this.
func ReadyzHandler(srv *httpserver.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		kvReady := srv.KV.Ready()
		queueReady := srv.Broker.Ready()
		status := http.StatusOK
		if !kvReady || !queueReady {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]bool{
			"kv":    kvReady,
			"queue": queueReady,
		})
	}
}
