package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

// contentionRetryAfter is the Retry-After hint, in seconds, sent with 503s
// caused by lock contention.
const contentionRetryAfter = 1

// handleLendingError maps lending error kinds onto status codes.
func handleLendingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lending.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, lending.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, lending.ErrCapacity), errors.Is(err, lending.ErrState):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, lending.ErrContention):
		w.Header().Set("Retry-After", strconv.Itoa(contentionRetryAfter))
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON value, rejecting unknown fields.
// An empty body is allowed when optional is true.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
