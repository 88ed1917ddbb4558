package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // streak zone must resolve on slim images

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	LogMode     string
	DBDriver    string // postgres | sqlite
	DatabaseURL string

	GatewayToken   string
	AllowedOrigins []string

	// Empty means the in-process limiter is used
	RedisAddr string

	StreakZone      *time.Location
	IdempotencyTTL  time.Duration
	MissionCatalog  string
	RateLimitCap    int
	RateLimitRefill float64
	SettlementTries uint
	SweepEvery      time.Duration
}

// Load reads .env (if any) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	zoneName := getEnv("STREAK_TIMEZONE", "Asia/Seoul")
	zone, err := time.LoadLocation(zoneName)
	if err != nil {
		return Config{}, fmt.Errorf("invalid STREAK_TIMEZONE %q: %w", zoneName, err)
	}

	cfg := Config{
		Port:            getEnv("PORT", "5200"),
		LogMode:         getEnv("LOG_MODE", "dev"),
		DBDriver:        strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		GatewayToken:    os.Getenv("GAME_SERVICE_TOKEN"),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		RedisAddr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		StreakZone:      zone,
		IdempotencyTTL:  time.Duration(getEnvAsInt("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour,
		MissionCatalog:  getEnv("MISSION_CATALOG", "missions.yaml"),
		RateLimitCap:    getEnvAsInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill: getEnvAsFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
		SettlementTries: uint(getEnvAsInt("SETTLEMENT_MAX_TRIES", 3)),
		SweepEvery:      time.Duration(getEnvAsInt("RETENTION_SWEEP_MINUTES", 15)) * time.Minute,
	}

	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return Config{}, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if cfg.RateLimitCap < 1 || cfg.RateLimitRefill <= 0 {
		return Config{}, fmt.Errorf("rate limit capacity and refill must be positive")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
