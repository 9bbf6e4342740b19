// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/models"
)

type createLobbyRequest struct {
	Name     string `json:"name" validate:"required,max=64"`
	GameType string `json:"game_type" validate:"required"`
}

type joinRequest struct {
	DisplayName string `json:"display_name" validate:"max=64"`
}

type readyRequest struct {
	Ready *bool `json:"ready" validate:"required"`
}

type scoreRequest struct {
	Score          *int     `json:"score" validate:"required,min=0"`
	CompletionTime *float64 `json:"completion_time" validate:"omitempty,gte=0"`
}

type guestRequest struct {
	Name string `json:"name" validate:"max=64"`
	Role string `json:"role" validate:"omitempty,oneof=teacher student"`
}

type eventsResponse struct {
	Events   []broadcast.Event `json:"events,omitempty"`
	Snapshot *lobby.View       `json:"snapshot,omitempty"`
}

// decode reads an optional JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &lobby.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return s.validate.Struct(v)
}

// identity returns the caller or writes 401.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid auth token")
	}
	return id, ok
}

// lobbyFor resolves the {ref} URL parameter or writes 404.
func (s *Server) lobbyFor(w http.ResponseWriter, r *http.Request) (*lobby.Lobby, bool) {
	l, err := s.reg.GetLobby(chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, s.log, err)
		return nil, false
	}
	return l, true
}

// guestSession issues a token for a new identity and sets it as the
// auth_token cookie.
func (s *Server) guestSession(w http.ResponseWriter, r *http.Request) {
	var req guestRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	id := models.Identity{
		UserID:      uuid.New(),
		Role:        models.RoleStudent,
		DisplayName: req.Name,
	}
	if req.Role != "" {
		id.Role = models.Role(req.Role)
	}
	token, err := s.auth.CreateJWT(id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "identity": id})
}

func (s *Server) createLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	if id.Role != models.RoleTeacher {
		writeStatus(w, http.StatusForbidden, "forbidden", "only teachers may create lobbies")
		return
	}
	var req createLobbyRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	l, err := s.reg.CreateLobby(r.Context(), req.Name, models.GameType(req.GameType), id.UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, l.Snapshot())
}

func (s *Server) listLobbies(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.reg.List())
}

// getLobby returns the snapshot as the caller is entitled to see it.
func (s *Server) getLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	v := l.Snapshot()
	writeJSON(w, http.StatusOK, v.For(v.WatchFor(id.UserID)))
}

func (s *Server) joinLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	name := req.DisplayName
	if name == "" {
		name = id.DisplayName
	}
	p, err := s.reg.Join(l.ID, id.UserID, name)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) leaveLobby(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	if err := s.reg.Leave(l.ID, id.UserID); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setReady(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	var req readyRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := l.SetReady(id.UserID, *req.Ready)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) submitScore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	var req scoreRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	rec, err := l.SubmitScore(r.Context(), id.UserID, *req.Score, req.CompletionTime)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) closeLobby(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, "close the lobby", func(l *lobby.Lobby) error { return s.reg.CloseLobby(l.ID) })
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	s.ownerAction(w, r, "end the session", func(l *lobby.Lobby) error { return s.reg.ForceEnd(l.ID) })
}

// ownerAction runs fn if the caller owns the lobby and responds with the
// resulting snapshot.
func (s *Server) ownerAction(w http.ResponseWriter, r *http.Request, action string, fn func(*lobby.Lobby) error) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	if l.OwnerID != id.UserID {
		writeError(w, s.log, &lobby.ForbiddenError{Action: action})
		return
	}
	if err := fn(l); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Snapshot())
}

func (s *Server) lobbyLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	board, err := s.reg.LobbyLeaderboard(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// lobbyEvents returns events after ?since=N the caller may see, or a snapshot
// when those events are no longer retained.
func (s *Server) lobbyEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	l, ok := s.lobbyFor(w, r)
	if !ok {
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, s.log, &lobby.ValidationError{Field: "since", Reason: "must be a non-negative integer"})
			return
		}
		since = n
	}
	v := l.Snapshot()
	watch := v.WatchFor(id.UserID)
	events, ok := l.Events(since, watch)
	if !ok {
		writeJSON(w, http.StatusOK, eventsResponse{Snapshot: v.For(watch)})
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func (s *Server) globalLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, s.log, &lobby.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	board, err := s.reg.GlobalLeaderboard(r.Context(), models.GameType(chi.URLParam(r, "gameType")), limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}
