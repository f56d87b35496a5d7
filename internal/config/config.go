package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all arena/scheduler runtime configuration, loaded from
// environment variables. Every field has a documented default; only the
// Postgres connection is critical.
type Config struct {
	// Game identity
	GameName string

	// Postgres
	DBHost string
	DBPort string
	DBName string
	DBUser string
	DBPass string

	// Game server
	GameserverHost    string
	GameserverTCPPort string
	GameserverWebPort string

	// Blob store ("droopy")
	DroopyURL   string
	DroopyCreds string

	// Filesystem caches
	DockerfilePath      string
	SubmissionCachePath string
	LogfilePath         string

	// Match runner
	LookbackSeconds int
	ContainerCPU    string
	ContainerRAM    string
	MatchTimeout    time.Duration
	RunForever      bool

	// Bracket engine
	NElimination   int
	BestOf         int
	ReuseOldGames  bool
	RefreshSeconds int
	OutputFile     string

	// Redis / ClickHouse / admin surface
	RedisURL               string
	ClickHouseURL          string
	AdminPort              int
	DockerHost             string
	AnalyticsBatchSize     int
	AnalyticsFlushInterval time.Duration
	CacheTTL               time.Duration
}

// Load reads configuration from the environment. It fails only when
// Postgres connection details are entirely unusable; every other setting
// degrades to a documented default.
func Load() (*Config, error) {
	cfg := &Config{
		GameName: getEnv("GAME_NAME", "Chess"),

		DBHost: getEnv("DB_HOST", "localhost"),
		DBPort: getEnv("DB_PORT", "5432"),
		DBName: getEnv("DB_NAME", "postgres"),
		DBUser: getEnv("DB_USER", "postgres"),
		DBPass: getEnv("DB_PASS", "postgres"),

		GameserverHost:    getEnv("GAMESERVER_HOST", "localhost"),
		GameserverTCPPort: getEnv("GAMESERVER_TCPPORT", "3000"),
		GameserverWebPort: getEnv("GAMESERVER_WEBPORT", "3080"),

		DroopyURL:   getEnv("DROOPY_URL", "http://localhost:8000/"),
		DroopyCreds: getEnv("DROOPY_CREDS", ""),

		DockerfilePath:      getEnv("DOCKERFILE_PATH", "/per_language_dockerfiles"),
		SubmissionCachePath: getEnv("SUBMISSION_CACHE_PATH", "/tmp/submission_cache"),
		LogfilePath:         getEnv("LOGFILE_PATH", "/tmp/pyrena_logfiles"),

		LookbackSeconds: getEnvInt("LOOKBACK_SECONDS", 60*60),
		ContainerCPU:    getEnv("CONTAINER_CPU", "0.5"),
		ContainerRAM:    getEnv("CONTAINER_RAM", "1g"),
		MatchTimeout:    getEnvDuration("MATCH_TIMEOUT", 5*time.Minute),
		RunForever:      getEnvBool("RUN_FOREVER", false),

		NElimination:   getEnvInt("N_ELIMINATION", 1),
		BestOf:         getEnvInt("BEST_OF", 1),
		ReuseOldGames:  getEnvBool("REUSE_OLD_GAMES", true),
		RefreshSeconds: getEnvInt("REFRESH_SECONDS", 30),
		OutputFile:     getEnv("OUTPUT_FILE", "tournament.dot"),

		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ClickHouseURL:          getEnv("CLICKHOUSE_URL", "clickhouse://localhost:9000/arena"),
		AdminPort:              getEnvInt("ADMIN_PORT", 8090),
		DockerHost:             getEnv("DOCKER_HOST", ""),
		AnalyticsBatchSize:     getEnvInt("ANALYTICS_BATCH_SIZE", 50),
		AnalyticsFlushInterval: getEnvDuration("ANALYTICS_FLUSH_INTERVAL", 5*time.Second),
		CacheTTL:               getEnvDuration("CACHE_TTL", 30*time.Second),
	}

	if cfg.DBHost == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("missing required database configuration: DB_HOST/DB_NAME")
	}

	return cfg, nil
}

// PostgresDSN assembles a libpq-style connection string from the
// discrete DB_* variables.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s connect_timeout=10",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPass)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
