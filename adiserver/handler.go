package adiserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/supersign/interfaces"
)

// Handler serves anisette data from one provider to any number of clients.
type Handler struct {
	provider interfaces.AnisetteDataProvider
	metrics  *Metrics
	log      *slog.Logger
}

func NewHandler(provider interfaces.AnisetteDataProvider, metrics *Metrics, log *slog.Logger) *Handler {
	return &Handler{provider: provider, metrics: metrics, log: log}
}

// HandleAnisette responds with the headers of a fresh attestation as a flat JSON object.
func (h *Handler) HandleAnisette(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	data, err := h.provider.FetchAnisetteData(r.Context())
	h.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.requests.WithLabelValues("error").Inc()
		h.log.Error("Failed to fetch anisette data", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.metrics.requests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, data.Headers())
}

// HandleReset discards the provider's provisioning state.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.ResetProvisioning(r.Context()); err != nil {
		h.log.Error("Failed to reset provisioning", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.metrics.resets.Inc()
	h.log.Info("Provisioning reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
