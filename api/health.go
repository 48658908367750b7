package api

import (
	"net/http"

	"github.com/interlock-io/interlock/event"
)

func (h *Handler) listHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Health().All())
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	svc, err := event.ParseSource(r.PathValue("service"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown source service")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Health().Service(svc))
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
