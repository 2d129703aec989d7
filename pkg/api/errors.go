package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

var (
	errUnauthorized = errors.New("user ID not found")
	errBadRequest   = errors.New("bad request")
)

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	var insufficient *gocoin.InsufficientFundsError
	switch {
	case errors.Is(err, errUnauthorized):
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	case errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:    gocoin.ErrInsufficientFunds.Error(),
			Required: &insufficient.Required,
			Balance:  &insufficient.Balance,
		})
	case errors.Is(err, billing.ErrProviderNotConfigured):
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "billing provider not configured"})
	default:
		status, msg := billing.StatusForError(err)
		if status >= http.StatusInternalServerError {
			h.config.Manager.Logger().Error("API request failed",
				gocoin.Field{Key: "path", Value: r.URL.Path}, gocoin.Err(err))
		}
		writeJSON(w, status, ErrorResponse{Error: msg})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started
		return
	}
}
