// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sub-lobby balancing policies.
const (
	PolicyLeastLoaded = "least-loaded"
	PolicyFillFirst   = "fill-first"
)

// Lobby holds the coordinator's tunables.
type Lobby struct {
	// CapacityPerLobby is the per-room ceiling shared by the primary room and every sub-lobby.
	CapacityPerLobby int
	// MaxSubLobbies is how many overflow rooms a lobby may open; 0 disables partitioning.
	MaxSubLobbies int
	// SubLobbyPolicy is PolicyLeastLoaded or PolicyFillFirst.
	SubLobbyPolicy string

	ReadyCountdown    time.Duration
	IdleTimeout       time.Duration
	ClosedGrace       time.Duration
	DisconnectTimeout time.Duration // 0 keeps disconnected participants until they leave

	OutboundQueueSize int
	EventHistorySize  int
}

// Historian configures the archive consumer.
type Historian struct {
	BatchSize  int
	FlushDelay time.Duration
	PopTimeout time.Duration
	// Inactivity is how long a lobby may go without archived events before
	// its row is marked aborted. It catches lobbies orphaned by a crash.
	Inactivity time.Duration
}

// Config is everything the binaries read from the environment.
type Config struct {
	Port        string
	DatabaseURL string // empty => in-memory store

	RedisAddr    string // empty => archive disabled
	RedisDB      int
	ArchiveQueue string

	LogLevel  string
	LogFormat string

	JWTPublicKeyPath  string
	JWTPrivateKeyPath string
	TokenExpireTime   string // Go duration, or "never"
	// GuestSessions enables POST /auth/guest for deployments without an
	// external identity provider.
	GuestSessions bool

	Lobby     Lobby
	Historian Historian
}

// DefaultLobby returns the coordinator defaults.
func DefaultLobby() Lobby {
	return Lobby{
		CapacityPerLobby:  30,
		MaxSubLobbies:     3,
		SubLobbyPolicy:    PolicyLeastLoaded,
		ReadyCountdown:    5 * time.Second,
		IdleTimeout:       5 * time.Minute,
		ClosedGrace:       time.Minute,
		DisconnectTimeout: 0,
		OutboundQueueSize: 64,
		EventHistorySize:  256,
	}
}

// Load reads the configuration from environment variables, falling back to defaults.
func Load() (Config, error) {
	def := DefaultLobby()
	cfg := Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		ArchiveQueue:      getEnv("ARCHIVE_QUEUE_NAME", "lobby_events"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		JWTPublicKeyPath:  os.Getenv("JWT_PUBLIC_KEY_PATH"),
		JWTPrivateKeyPath: os.Getenv("JWT_PRIVATE_KEY_PATH"),
		TokenExpireTime:   getEnv("TOKEN_EXPIRE_TIME", "72h"),
		GuestSessions:     getEnvBool("GUEST_SESSIONS", false),
		Lobby: Lobby{
			CapacityPerLobby:  getEnvInt("CAPACITY_PER_LOBBY", def.CapacityPerLobby),
			MaxSubLobbies:     getEnvInt("MAX_SUB_LOBBIES", def.MaxSubLobbies),
			SubLobbyPolicy:    strings.ToLower(getEnv("SUB_LOBBY_POLICY", def.SubLobbyPolicy)),
			ReadyCountdown:    getEnvSeconds("READY_COUNTDOWN_SECONDS", def.ReadyCountdown),
			IdleTimeout:       getEnvSeconds("IDLE_TIMEOUT_SECONDS", def.IdleTimeout),
			ClosedGrace:       getEnvSeconds("CLOSED_GRACE_SECONDS", def.ClosedGrace),
			DisconnectTimeout: getEnvSeconds("DISCONNECT_TIMEOUT_SECONDS", def.DisconnectTimeout),
			OutboundQueueSize: getEnvInt("OUTBOUND_QUEUE_SIZE", def.OutboundQueueSize),
			EventHistorySize:  getEnvInt("EVENT_HISTORY_SIZE", def.EventHistorySize),
		},
		Historian: Historian{
			BatchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 20),
			FlushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
			PopTimeout: getEnvSeconds("HISTORIAN_POP_TIMEOUT_SECONDS", 3*time.Second),
			Inactivity: getEnvSeconds("LOBBY_INACTIVITY_TIMEOUT_SECONDS", 30*time.Minute),
		},
	}
	if err := cfg.Lobby.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the coordinator cannot run with.
func (l Lobby) Validate() error {
	if l.CapacityPerLobby < 1 {
		return fmt.Errorf("capacity per lobby must be positive, got %d", l.CapacityPerLobby)
	}
	if l.MaxSubLobbies < 0 {
		return fmt.Errorf("max sub-lobbies must not be negative, got %d", l.MaxSubLobbies)
	}
	if l.SubLobbyPolicy != PolicyLeastLoaded && l.SubLobbyPolicy != PolicyFillFirst {
		return fmt.Errorf("unknown sub-lobby policy %q", l.SubLobbyPolicy)
	}
	if l.ReadyCountdown <= 0 || l.IdleTimeout <= 0 || l.ClosedGrace <= 0 {
		return fmt.Errorf("countdown, idle timeout and grace window must be positive")
	}
	if l.DisconnectTimeout < 0 {
		return fmt.Errorf("disconnect timeout must not be negative")
	}
	return nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getEnvSeconds(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return time.Duration(v * float64(time.Second))
}
