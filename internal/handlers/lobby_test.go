// internal/handlers/lobby_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/database"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	reg     *lobby.Registry
	auth    *auth.Authenticator
	handler http.Handler
}

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	cfg := config.DefaultLobby()
	cfg.CapacityPerLobby = 2
	cfg.MaxSubLobbies = 0
	cfg.ReadyCountdown = 20 * time.Millisecond

	m := metrics.New()
	reg := lobby.NewRegistry(cfg, database.NewMemory(), lobby.WithLogger(quietLog()), lobby.WithMetrics(m))
	t.Cleanup(reg.Shutdown)

	a, err := auth.NewEphemeral(time.Hour)
	require.NoError(t, err)

	srv := NewServer(reg, a, quietLog(), append([]Option{WithMetrics(m)}, opts...)...)
	return &testEnv{reg: reg, auth: a, handler: srv.Routes()}
}

func (e *testEnv) token(t *testing.T, role models.Role) (models.Identity, string) {
	t.Helper()
	id := models.Identity{UserID: uuid.New(), Role: role, DisplayName: string(role)}
	token, err := e.auth.CreateJWT(id)
	require.NoError(t, err)
	return id, token
}

// do sends a request with the token as a bearer and decodes the response into out.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (e *testEnv) createLobby(t *testing.T, token string) lobby.View {
	t.Helper()
	var v lobby.View
	code := e.do(t, http.MethodPost, "/lobbies", token, map[string]string{"name": "Quiz", "game_type": "picture-puzzle"}, &v)
	require.Equal(t, http.StatusCreated, code)
	return v
}

func TestCreateLobby(t *testing.T) {
	env := newTestEnv(t)
	teacher, teacherToken := env.token(t, models.RoleTeacher)
	_, studentToken := env.token(t, models.RoleStudent)

	v := env.createLobby(t, teacherToken)
	assert.NotZero(t, v.ID)
	assert.Len(t, v.Code, 6)
	assert.Equal(t, teacher.UserID, v.OwnerID)
	assert.Equal(t, "waiting", string(v.State))

	var errBody errorBody
	code := env.do(t, http.MethodPost, "/lobbies", studentToken, map[string]string{"name": "Quiz", "game_type": "fill-blanks"}, &errBody)
	assert.Equal(t, http.StatusForbidden, code)

	code = env.do(t, http.MethodPost, "/lobbies", teacherToken, map[string]string{"name": "Quiz", "game_type": "chess"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", errBody.Code)

	code = env.do(t, http.MethodPost, "/lobbies", teacherToken, map[string]string{"game_type": "fill-blanks"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)

	code = env.do(t, http.MethodPost, "/lobbies", "", map[string]string{"name": "Quiz", "game_type": "fill-blanks"}, &errBody)
	assert.Equal(t, http.StatusUnauthorized, code)

	var list []lobby.View
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/lobbies", studentToken, nil, &list))
	assert.Len(t, list, 1)
}

func TestLobbyFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	_, teacherToken := env.token(t, models.RoleTeacher)
	v := env.createLobby(t, teacherToken)
	base := "/lobbies/" + v.Code

	a, aToken := env.token(t, models.RoleStudent)
	_, bToken := env.token(t, models.RoleStudent)
	_, cToken := env.token(t, models.RoleStudent)

	var p models.Participant
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/join", aToken, map[string]string{"display_name": "Ana"}, &p))
	assert.Equal(t, a.UserID, p.UserID)
	assert.Equal(t, "Ana", p.DisplayName)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/join", bToken, nil, &p))

	var errBody errorBody
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, base+"/join", cToken, nil, &errBody))
	assert.Equal(t, "lobby_full", errBody.Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, base+"/ready", aToken, map[string]any{}, &errBody))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/ready", aToken, map[string]bool{"ready": true}, &p))
	assert.True(t, p.Ready)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/ready", bToken, map[string]bool{"ready": true}, &p))

	l, err := env.reg.GetLobby(v.Code)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return l.State() == session.InProgress
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, base+"/scores", aToken, map[string]int{"score": -1}, &errBody))

	var rec models.ScoreRecord
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/scores", aToken, map[string]any{"score": 7, "completion_time": 30.5}, &rec))
	assert.Equal(t, 7, rec.Score)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/scores", bToken, map[string]any{"score": 7, "completion_time": 20}, &rec))

	var board []models.LeaderboardEntry
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, base+"/leaderboard", aToken, nil, &board))
	require.Len(t, board, 2)
	assert.Equal(t, 1, board[0].Rank)
	require.NotNil(t, board[0].CompletionTime)
	assert.Equal(t, 20.0, *board[0].CompletionTime, "faster time ranks first on a tie")

	var snap lobby.View
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, base, aToken, nil, &snap))
	assert.Equal(t, "completed", string(snap.State))

	var global []models.LeaderboardEntry
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/leaderboards/picture-puzzle?limit=1", aToken, nil, &global))
	assert.Len(t, global, 1)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/leaderboards/picture-puzzle?limit=x", aToken, nil, &errBody))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/leaderboards/chess", aToken, nil, &errBody))
}

func TestOwnerOnlyActions(t *testing.T) {
	env := newTestEnv(t)
	_, teacherToken := env.token(t, models.RoleTeacher)
	_, otherTeacherToken := env.token(t, models.RoleTeacher)
	v := env.createLobby(t, teacherToken)
	base := "/lobbies/" + v.Code

	var errBody errorBody
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, base+"/close", otherTeacherToken, nil, &errBody))
	assert.Equal(t, "forbidden", errBody.Code)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, base+"/end", teacherToken, nil, &errBody))
	assert.Equal(t, "invalid_state", errBody.Code)

	var snap lobby.View
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/close", teacherToken, nil, &snap))
	assert.Equal(t, "aborted", string(snap.State))

	// the code is released on termination; the id still resolves during grace
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, base, teacherToken, nil, &errBody))
	id := "/lobbies/" + strconv.FormatInt(v.ID, 10)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, id, teacherToken, nil, &snap))
}

func TestLobbyEvents(t *testing.T) {
	env := newTestEnv(t)
	_, teacherToken := env.token(t, models.RoleTeacher)
	v := env.createLobby(t, teacherToken)
	base := "/lobbies/" + v.Code

	_, aToken := env.token(t, models.RoleStudent)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/join", aToken, nil, nil))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, base+"/ready", aToken, map[string]bool{"ready": false}, nil))

	var resp eventsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, base+"/events?since=0", aToken, nil, &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, lobby.EventParticipantJoined, resp.Events[0].Type)
	for i := 1; i < len(resp.Events); i++ {
		assert.Greater(t, resp.Events[i].Seq, resp.Events[i-1].Seq)
	}

	var errBody errorBody
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, base+"/events?since=-1", aToken, nil, &errBody))
}

func TestGuestSessionAndHealth(t *testing.T) {
	env := newTestEnv(t, WithGuestSessions())

	req := httptest.NewRequest(http.MethodPost, "/auth/guest", bytes.NewBufferString(`{"name":"Lea","role":"teacher"}`))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	id, err := env.auth.AuthenticateJWT(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, models.RoleTeacher, id.Role)
	assert.Equal(t, "Lea", id.DisplayName)

	// the cookie alone authenticates
	req = httptest.NewRequest(http.MethodGet, "/lobbies", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "classlobby_")

	// guest sessions are off unless enabled
	plain := newTestEnv(t)
	req = httptest.NewRequest(http.MethodPost, "/auth/guest", nil)
	w = httptest.NewRecorder()
	plain.handler.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusCreated, w.Code)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&lobby.ValidationError{Field: "name"}, http.StatusBadRequest},
		{&lobby.NotFoundError{Kind: "lobby"}, http.StatusNotFound},
		{&lobby.LobbyFullError{Occupancy: 2, Limit: 2}, http.StatusConflict},
		{&lobby.InvalidStateError{Action: "join"}, http.StatusConflict},
		{&lobby.ForbiddenError{Action: "close"}, http.StatusForbidden},
		{lobby.ErrShuttingDown, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, c := range cases {
		status, _ := classify(c.err)
		assert.Equal(t, c.status, status, c.err.Error())
	}
}
