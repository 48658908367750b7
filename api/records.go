package api

import (
	"errors"
	"net/http"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
)

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	opts := idempotency.ListOpts{
		Offset:   queryInt(r, "offset", 0),
		Limit:    queryInt(r, "limit", 50),
		TenantID: queryParam(r, "tenant_id"),
	}
	if s := queryParam(r, "status"); s != "" {
		status := idempotency.Status(s)
		opts.Status = &status
	}
	if s := queryParam(r, "source"); s != "" {
		svc, err := event.ParseSource(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown source service")
			return
		}
		opts.Source = svc
	}

	records, err := h.engine.Store().ListRecords(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*idempotency.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	recID, err := id.ParseRecordID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record ID")
		return
	}

	rec, err := h.engine.Store().GetRecord(r.Context(), recID)
	if err != nil {
		if errors.Is(err, idempotency.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
