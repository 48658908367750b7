package api

import (
	"errors"
	"net/http"

	interlock "github.com/interlock-io/interlock"
	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/retry"
)

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	opts := retry.ListOpts{
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", 50),
		TenantID: queryParam(r, "tenant_id"),
	}
	if s := queryParam(r, "state"); s != "" {
		state := retry.AttemptState(s)
		opts.State = &state
	}
	if s := queryParam(r, "target"); s != "" {
		svc, err := event.ParseSource(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown target service")
			return
		}
		opts.Target = svc
	}

	attempts, err := h.engine.Store().ListAttempts(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []*retry.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) getAttempt(w http.ResponseWriter, r *http.Request) {
	attID, err := id.ParseAttemptID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attempt ID")
		return
	}

	att, err := h.engine.Store().GetAttempt(r.Context(), attID)
	if err != nil {
		if errors.Is(err, retry.ErrAttemptNotFound) {
			writeError(w, http.StatusNotFound, "attempt not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// replayAttempt re-queues a terminally failed delivery attempt.
func (h *Handler) replayAttempt(w http.ResponseWriter, r *http.Request) {
	attID, err := id.ParseAttemptID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attempt ID")
		return
	}

	att, err := h.engine.ReplayAttempt(r.Context(), attID)
	if err != nil {
		switch {
		case errors.Is(err, retry.ErrAttemptNotFound):
			writeError(w, http.StatusNotFound, "attempt not found")
		case errors.Is(err, interlock.ErrNotReplayable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, att)
}
