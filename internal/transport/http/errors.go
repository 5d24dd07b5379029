package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
)

type errorBody struct {
	Error    string            `json:"error"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperr.CodeEscrowFrozen:
		return http.StatusLocked
	case apperr.CodeInvalidSignature, apperr.CodeMissingVoteToken,
		apperr.CodeMissingPublicKey, apperr.CodeNonceReplayed:
		return http.StatusForbidden
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindState:
		return http.StatusConflict
	case apperr.KindIntegrity:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes the JSON error envelope. Internal failures never leak
// their cause to the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: string(apperr.CodeInternal), Message: "internal error"}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind != apperr.KindInternal {
		body = errorBody{Error: string(appErr.Code), Message: appErr.Message, Metadata: appErr.Metadata}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
