package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/DoyleJ11/team-draft/internal/engine"
	"github.com/DoyleJ11/team-draft/internal/logging"
)

// Config stores runtime configuration for the server.
type Config struct {
	HTTPAddr        string
	DatabaseURL     string
	LogLevel        logging.Level
	DefaultMode     engine.Mode
	TickInterval    time.Duration
	CodeAttempts    int
	WSWriteTimeout  time.Duration
	WSPingInterval  time.Duration
	ClientBuffer    int
	ShutdownTimeout time.Duration
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}
	return fromEnv()
}

func fromEnv() (Config, error) {
	mode := engine.Mode(strings.TrimSpace(getEnv("DRAFT_MODE", string(engine.Mode3v3))))
	if _, err := engine.PlanFor(mode); err != nil {
		return Config{}, errors.Wrap(err, "parse DRAFT_MODE")
	}

	tick, err := getEnvAsDuration("TICK_INTERVAL", time.Second)
	if err != nil {
		return Config{}, err
	}

	codeAttempts, err := getEnvAsInt("CODE_ATTEMPTS", 8)
	if err != nil {
		return Config{}, err
	}
	if codeAttempts <= 0 {
		return Config{}, errors.New("CODE_ATTEMPTS must be > 0")
	}

	writeTimeout, err := getEnvAsDuration("WS_WRITE_TIMEOUT", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := getEnvAsDuration("WS_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}

	clientBuffer, err := getEnvAsInt("CLIENT_BUFFER", 8)
	if err != nil {
		return Config{}, err
	}
	if clientBuffer <= 0 {
		return Config{}, errors.New("CLIENT_BUFFER must be > 0")
	}

	shutdownTimeout, err := getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	return Config{
		HTTPAddr:        strings.TrimSpace(getEnv("HTTP_ADDR", ":8080")),
		DatabaseURL:     strings.TrimSpace(getEnv("DATABASE_URL", "")),
		LogLevel:        logging.ParseLevel(getEnv("LOG_LEVEL", "info")),
		DefaultMode:     mode,
		TickInterval:    tick,
		CodeAttempts:    codeAttempts,
		WSWriteTimeout:  writeTimeout,
		WSPingInterval:  pingInterval,
		ClientBuffer:    clientBuffer,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	return n, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, fallback.String())
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be > 0", key)
	}
	return d, nil
}
