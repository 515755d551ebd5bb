package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/coldstore/logger"
	"github.com/warp/coldstore/session"
	"github.com/warp/coldstore/settlement"
)

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorStatus maps an error kind to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, settlement.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, settlement.ErrInsufficientInventory):
		return http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, settlement.ErrAlreadyReversed):
		return http.StatusConflict, "already_reversed"
	case errors.Is(err, settlement.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, settlement.ErrNoReversibleEdit):
		return http.StatusConflict, "no_reversible_edit"
	case errors.Is(err, settlement.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, settlement.ErrInconsistentChargeState):
		return http.StatusUnprocessableEntity, "inconsistent_charge"
	case errors.Is(err, settlement.ErrStorageFailure):
		return http.StatusInternalServerError, "storage_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// errorDetails returns the structured part of err that is safe to show.
func errorDetails(err error) any {
	var (
		verrs validator.ValidationErrors
		ve    *settlement.ValidationError
		ie    *settlement.InsufficientInventoryError
	)
	switch {
	case errors.As(err, &verrs):
		out := make([]fieldError, len(verrs))
		for i, fe := range verrs {
			out[i] = fieldError{Field: fe.Field(), Message: "failed " + fe.Tag() + " check"}
		}
		return out
	case errors.As(err, &ve):
		return []fieldError{{Field: ve.Field, Message: ve.Message}}
	case errors.As(err, &ie):
		return map[string]any{"lot_id": ie.LotID, "remaining": ie.Remaining, "requested": ie.Requested}
	}
	return nil
}

// respondError writes err as an ErrorResponse. Server-side failures are
// logged and their messages are not sent to the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: code, Details: errorDetails(err)}
	log := h.requestLog(r)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Error = http.StatusText(status)
	} else if settlement.IsClientError(err) {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// requestLog returns the request-scoped logger set by the access log
// middleware, or the handler's logger when there is none.
func (h *Handler) requestLog(r *http.Request) *zap.Logger {
	if l := logger.FromContext(r.Context()); l != nil && l.Core().Enabled(zap.ErrorLevel) {
		return l.Named("api")
	}
	return h.log
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
