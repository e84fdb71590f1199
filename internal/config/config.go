// Package config loads server configuration from the environment. A .env
// file in the working directory is read first (if present); real environment
// variables take precedence over it. Every tunable has a production default,
// so an empty environment yields a runnable server.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/strangerchat/chat-app/internal/engine"
	"github.com/strangerchat/chat-app/internal/gateway"
	"github.com/strangerchat/chat-app/internal/moderation"
	"github.com/strangerchat/chat-app/internal/ws"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	PostgresDSN    string
	NATSURL        string

	IdentitySalt      string
	PowDifficulty     int
	ChallengeTimeout  time.Duration
	ConnectionsLimit  int
	ConnectionsWindow time.Duration
	BlocklistTTL      time.Duration

	MatchCooldown      time.Duration
	MatchLimit         int
	MatchWindow        time.Duration
	MessageMinInterval time.Duration
	MessageLimit       int
	MessageWindow      time.Duration
	MaxMessageLen      int
	BatchWindow        time.Duration
	TypingInterval     time.Duration
	TypingWatchdog     time.Duration

	BanDurationHigh   time.Duration
	BanDurationMedium time.Duration
	TrustedReputation int
	BlockScore        float64
	ReviewScore       float64
	AutoBanCount      int
	AutoBanWindow     time.Duration
	ReportBanCount    int
	ReportsPerHour    int
	RulesTTL          time.Duration
	FlushInterval     time.Duration
	ScoreSubject      string
	ScoreTimeout      time.Duration

	BanCacheCapacity int
	BanCacheTTL      time.Duration

	ShutdownTimeout time.Duration
}

// Load reads the configuration from a .env file (when present) and the
// environment.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	return Config{
		ListenAddr:     getString("LISTEN_ADDR", ":8080"),
		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getInt("MAX_CONNECTIONS", 100000),
		PostgresDSN:    getString("POSTGRES_DSN", "postgres://localhost:5432/strangerchat?sslmode=disable"),
		NATSURL:        getString("NATS_URL", "nats://localhost:4222"),

		IdentitySalt:      getString("IDENTITY_SALT", ""),
		PowDifficulty:     getInt("POW_DIFFICULTY", gateway.DefaultDifficulty),
		ChallengeTimeout:  getDuration("CHALLENGE_TIMEOUT", gateway.DefaultChallengeTimeout),
		ConnectionsLimit:  getInt("CONNECTIONS_LIMIT", 10),
		ConnectionsWindow: getDuration("CONNECTIONS_WINDOW", 60*time.Second),
		BlocklistTTL:      getDuration("BLOCKLIST_TTL", 5*time.Minute),

		MatchCooldown:      getDuration("MATCH_COOLDOWN", 2*time.Second),
		MatchLimit:         getInt("MATCH_LIMIT", 5),
		MatchWindow:        getDuration("MATCH_WINDOW", 60*time.Second),
		MessageMinInterval: getDuration("MESSAGE_MIN_INTERVAL", 500*time.Millisecond),
		MessageLimit:       getInt("MESSAGE_LIMIT", 15),
		MessageWindow:      getDuration("MESSAGE_WINDOW", 60*time.Second),
		MaxMessageLen:      getInt("MAX_MESSAGE_LEN", 1000),
		BatchWindow:        getDuration("BATCH_WINDOW", 100*time.Millisecond),
		TypingInterval:     getDuration("TYPING_INTERVAL", time.Second),
		TypingWatchdog:     getDuration("TYPING_WATCHDOG", 3*time.Second),

		BanDurationHigh:   getDuration("BAN_DURATION_HIGH", 7*24*time.Hour),
		BanDurationMedium: getDuration("BAN_DURATION_MEDIUM", 24*time.Hour),
		TrustedReputation: getInt("TRUSTED_REPUTATION", 90),
		BlockScore:        getFloat("BLOCK_SCORE", 0.8),
		ReviewScore:       getFloat("REVIEW_SCORE", 0.6),
		AutoBanCount:      getInt("AUTO_BAN_COUNT", 3),
		AutoBanWindow:     getDuration("AUTO_BAN_WINDOW", 24*time.Hour),
		ReportBanCount:    getInt("REPORT_BAN_COUNT", 5),
		ReportsPerHour:    getInt("REPORTS_PER_HOUR", 5),
		RulesTTL:          getDuration("RULES_TTL", moderation.DefaultRulesTTL),
		FlushInterval:     getDuration("FLUSH_INTERVAL", moderation.DefaultFlushInterval),
		ScoreSubject:      getString("SCORE_SUBJECT", moderation.SubjectScore),
		ScoreTimeout:      getDuration("SCORE_TIMEOUT", moderation.DefaultScoreTimeout),

		BanCacheCapacity: getInt("BAN_CACHE_CAPACITY", 10000),
		BanCacheTTL:      getDuration("BAN_CACHE_TTL", 60*time.Second),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// ServerConfig derives the WebSocket server configuration.
func (c Config) ServerConfig() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	return sc
}

// GatewayConfig derives the admission gateway configuration.
func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Salt:              c.IdentitySalt,
		ConnectionsLimit:  c.ConnectionsLimit,
		ConnectionsWindow: c.ConnectionsWindow,
		Difficulty:        c.PowDifficulty,
		ChallengeTimeout:  c.ChallengeTimeout,
		BlocklistTTL:      c.BlocklistTTL,
	}
}

// EngineConfig derives the matchmaking and relay configuration.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		MatchCooldown:      c.MatchCooldown,
		MatchLimit:         c.MatchLimit,
		MatchWindow:        c.MatchWindow,
		MessageMinInterval: c.MessageMinInterval,
		MessageLimit:       c.MessageLimit,
		MessageWindow:      c.MessageWindow,
		MaxMessageLen:      c.MaxMessageLen,
		BatchWindow:        c.BatchWindow,
		TypingInterval:     c.TypingInterval,
		TypingWatchdog:     c.TypingWatchdog,
		ChallengeTimeout:   c.ChallengeTimeout,
	}
}

// ModerationConfig derives the filtering pipeline configuration.
func (c Config) ModerationConfig() moderation.Config {
	return moderation.Config{
		BanDurationHigh:   c.BanDurationHigh,
		BanDurationMedium: c.BanDurationMedium,
		TrustedReputation: c.TrustedReputation,
		BlockScore:        c.BlockScore,
		ReviewScore:       c.ReviewScore,
		AutoBanCount:      c.AutoBanCount,
		AutoBanWindow:     c.AutoBanWindow,
		ReportBanCount:    c.ReportBanCount,
		ReportsPerHour:    c.ReportsPerHour,
		RulesTTL:          c.RulesTTL,
		FlushInterval:     c.FlushInterval,
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}
