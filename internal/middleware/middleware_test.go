package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier map[string]models.Identity

func (s stubVerifier) AuthenticateJWT(token string) (models.Identity, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return models.Identity{}, errors.New("bad token")
}

func TestIdentifyAndLog(t *testing.T) {
	logger, hook := test.NewNullLogger()
	user := models.Identity{UserID: uuid.New(), Role: models.RoleStudent}

	var seen *models.Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := auth.FromContext(r.Context()); ok {
			seen = &id
		}
		w.WriteHeader(http.StatusTeapot)
	})
	h := Identify(stubVerifier{"good": user})(LogMiddleware(logrus.NewEntry(logger))(inner))

	r := httptest.NewRequest(http.MethodGet, "/lobbies", nil)
	r.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.NotNil(t, seen)
	assert.Equal(t, user.UserID, seen.UserID)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, user.UserID, entry.Data["user_id"])

	seen = nil
	r = httptest.NewRequest(http.MethodGet, "/lobbies", nil)
	r.Header.Set("Authorization", "Bearer forged")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Nil(t, seen)
	_, hasUser := hook.LastEntry().Data["user_id"]
	assert.False(t, hasUser)
}
