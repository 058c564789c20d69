package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
	StoreMemory   StoreKind = "memory"
)

type APIConfig struct {
	Addr              string
	Store             StoreKind
	DatabaseURL       string
	SQLitePath        string
	RulesFile         string
	LogLevel          string
	LogFile           string
	AuditDir          string
	ReadinessCapacity int
	OperatorToken     string
	RequestTimeout    time.Duration
	RecoverOnStart    bool
}

type CLIConfig struct {
	APIBaseURL    string
	OperatorToken string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("BOURSE_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:              addr,
		Store:             StoreKind(strings.ToLower(envDefault("BOURSE_STORE", string(StorePostgres)))),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:        envDefault("BOURSE_SQLITE_PATH", "bourse.db"),
		RulesFile:         strings.TrimSpace(os.Getenv("BOURSE_RULES_FILE")),
		LogLevel:          envDefault("BOURSE_LOG_LEVEL", "info"),
		LogFile:           strings.TrimSpace(os.Getenv("BOURSE_LOG_FILE")),
		AuditDir:          strings.TrimSpace(os.Getenv("BOURSE_AUDIT_DIR")),
		ReadinessCapacity: envIntDefault("BOURSE_READINESS_CAPACITY", 1024),
		OperatorToken:     strings.TrimSpace(os.Getenv("BOURSE_OPERATOR_TOKEN")),
		RequestTimeout:    envDurationDefault("BOURSE_REQUEST_TIMEOUT", 15*time.Second),
		RecoverOnStart:    envBoolDefault("BOURSE_RECOVER_ON_START", true),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return cfg, fmt.Errorf("BOURSE_SQLITE_PATH is required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("BOURSE_STORE must be postgres, sqlite or memory, got %q", cfg.Store)
	}
	if cfg.ReadinessCapacity <= 0 {
		return cfg, fmt.Errorf("BOURSE_READINESS_CAPACITY must be > 0")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:    strings.TrimRight(envDefault("BOURSE_API_BASE_URL", "http://localhost:8080"), "/"),
		OperatorToken: strings.TrimSpace(os.Getenv("BOURSE_OPERATOR_TOKEN")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
