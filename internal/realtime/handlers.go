package realtime

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/marketplace-realtime/internal/httputil"
)

// Handlers exposes the service over HTTP.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// RegisterRoutes wires the stats, watcher introspection, health and
// websocket endpoints.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/api/realtime/stats", h.getStats).Methods(http.MethodGet)
	r.HandleFunc("/api/realtime/watchers", h.listWatchers).Methods(http.MethodGet)
	h.svc.WSHandler().RegisterRoutes(r)
}

func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.CurrentStats(r.Context()))
}

func (h *Handlers) listWatchers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"watchers": h.svc.WatcherStatus(),
		"clients":  h.svc.Hub().Size(),
	})
}

// healthz reports "degraded" while any watcher is reconnecting. The status
// code stays 200.
func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !h.svc.Healthy() {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}
