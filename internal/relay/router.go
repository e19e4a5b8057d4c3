package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matheus3301/nebula/internal/metrics"
)

// PushRequest asks the relay to deliver one event to a bound identity.
type PushRequest struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Router mounts the relay endpoints:
//
//	GET  /ws       channel upgrade
//	POST /push     server-side delivery (new-message pushes)
//	GET  /healthz  liveness with the online count
//	GET  /metrics  Prometheus exposition
func Router(h *Hub, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeHTTP)
	r.Post("/push", h.handlePush)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": len(h.Online())})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}

func (h *Hub) handlePush(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Verify(bearer(r)); err != nil {
		h.metrics.RelayRejected("unauthorized")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.UserID == "" || req.Event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId and event are required"})
		return
	}
	delivered := h.Deliver(req.UserID, req.Event, req.Data)
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
