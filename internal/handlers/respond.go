// internal/handlers/respond.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/sirupsen/logrus"
)

// errorBody is the JSON error shape shared by HTTP responses and WebSocket
// error messages.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a domain error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	var (
		vErr     *lobby.ValidationError
		nfErr    *lobby.NotFoundError
		stateErr *lobby.InvalidStateError
		fullErr  *lobby.LobbyFullError
		forbid   *lobby.ForbiddenError
		invalid  validator.ValidationErrors
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &invalid):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &nfErr):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &fullErr):
		return http.StatusConflict, "lobby_full"
	case errors.As(err, &stateErr):
		return http.StatusConflict, "invalid_state"
	case errors.As(err, &forbid):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lobby.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err with the status its type maps to. Internal errors are
// logged and their message withheld.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeStatus(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}
