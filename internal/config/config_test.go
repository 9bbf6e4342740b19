package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CAPACITY_PER_LOBBY", "")
	t.Setenv("SUB_LOBBY_POLICY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DefaultLobby().CapacityPerLobby, cfg.Lobby.CapacityPerLobby)
	assert.Equal(t, PolicyLeastLoaded, cfg.Lobby.SubLobbyPolicy)
	assert.Equal(t, 5*time.Second, cfg.Lobby.ReadyCountdown)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CAPACITY_PER_LOBBY", "2")
	t.Setenv("MAX_SUB_LOBBIES", "1")
	t.Setenv("SUB_LOBBY_POLICY", "Fill-First")
	t.Setenv("READY_COUNTDOWN_SECONDS", "0.5")
	t.Setenv("CLOSED_GRACE_SECONDS", "10")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("GUEST_SESSIONS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Lobby.CapacityPerLobby)
	assert.Equal(t, 1, cfg.Lobby.MaxSubLobbies)
	assert.Equal(t, PolicyFillFirst, cfg.Lobby.SubLobbyPolicy)
	assert.Equal(t, 500*time.Millisecond, cfg.Lobby.ReadyCountdown)
	assert.Equal(t, 10*time.Second, cfg.Lobby.ClosedGrace)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.True(t, cfg.GuestSessions)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SUB_LOBBY_POLICY", "round-robin-ish")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SUB_LOBBY_POLICY", "")
	t.Setenv("CAPACITY_PER_LOBBY", "0")
	_, err = Load()
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(Config{LogLevel: "debug", LogFormat: "json"}, "lobbyd")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("lobby_id", 7).Debug("hello")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.Contains(t, buf.String(), `"service":"lobbyd"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
