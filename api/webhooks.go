package api

import (
	"errors"
	"io"
	"net/http"

	interlock "github.com/interlock-io/interlock"
	"github.com/interlock-io/interlock/signature"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// receiveWebhook handles POST /{service}: the inbound webhook route for
// all three upstream services.
//
// Status mapping: 200 accept (processed or safely queued; duplicates are a
// 200 with the verdict in the body), 400 malformed, 401 bad signature,
// 404 unknown service, 409 concurrent processing, 503 storage unavailable.
// Side-effect failures after acceptance never fail the HTTP response; the
// sender has delivered and must not redeliver.
func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	defer r.Body.Close()
	if len(body) > maxWebhookBody {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	res, err := h.engine.Ingest(r.Context(), r.PathValue("service"), body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, interlock.ErrUnknownService):
			writeError(w, http.StatusNotFound, "unknown source service")
		case errors.Is(err, interlock.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, signature.ErrInvalidSignature),
			errors.Is(err, signature.ErrInvalidTimestamp),
			errors.Is(err, signature.ErrTimestampOutsideWindow):
			writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		case errors.Is(err, interlock.ErrConcurrentProcessing):
			writeError(w, http.StatusConflict, "concurrent processing in flight, retry later")
		case errors.Is(err, interlock.ErrStorageUnavailable):
			writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}
