package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"yield-vault/internal/vault"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps a vault error to an HTTP status by its kind.
func statusFor(err error) int {
	switch vault.KindOf(err) {
	case vault.KindInitialization:
		switch {
		case errors.Is(err, vault.ErrAlreadyInitialized):
			return http.StatusConflict
		case errors.Is(err, vault.ErrUnauthorizedSigner):
			return http.StatusForbidden
		case errors.Is(err, vault.ErrFundingFailed):
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case vault.KindAuthorization:
		return http.StatusForbidden
	case vault.KindDelegation:
		return http.StatusUnprocessableEntity
	case vault.KindValidation:
		switch {
		case errors.Is(err, vault.ErrVaultNotFound):
			return http.StatusNotFound
		case errors.Is(err, vault.ErrInvalidParams), errors.Is(err, vault.ErrInvalidAmount):
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, code int, msg, kind string) {
	writeJSON(w, code, errorResponse{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
