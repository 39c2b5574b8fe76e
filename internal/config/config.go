// Package config loads runtime settings from a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/mrtesla07/goetia-bot/internal/errs"
)

// Defaults for optional settings.
const (
	DefaultTimezone      = "Europe/Moscow"
	DefaultDataDir       = "data"
	DefaultSessionsDir   = "sessions"
	DefaultRelayPeer     = "Agent_essence_bot"
	DefaultKeepAliveText = "/buff"
	DefaultHealthAddr    = "127.0.0.1:9090"
)

// Config holds all runtime configuration.
type Config struct {
	BotToken string
	APIID    int
	APIHash  string

	Timezone string
	Location *time.Location

	DataDir     string
	SessionsDir string
	DatabaseDSN string

	RelayPeer     string
	KeepAliveText string

	// SessionSecret enables at-rest sealing of account credentials when non-empty.
	SessionSecret string

	// HealthAddr is the gRPC health listener; empty (HEALTH_ADDR=off) disables it.
	HealthAddr string
}

// Load reads envFile (a missing file is not an error) and the process environment.
// Process environment values take precedence over the file.
func Load(envFile string) (*Config, error) {
	file := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			file = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		if v := strings.TrimSpace(file[key]); v != "" {
			return v
		}
		return fallback
	}

	var missing, invalid []string

	cfg := &Config{
		BotToken:      get("BOT_TOKEN", ""),
		APIHash:       get("API_HASH", ""),
		Timezone:      get("TZ", DefaultTimezone),
		DataDir:       get("DATA_DIR", DefaultDataDir),
		SessionsDir:   get("SESSIONS_DIR", DefaultSessionsDir),
		RelayPeer:     strings.TrimPrefix(get("RELAY_PEER", DefaultRelayPeer), "@"),
		KeepAliveText: get("KEEPALIVE_TEXT", DefaultKeepAliveText),
		SessionSecret: get("SESSION_SECRET", ""),
		HealthAddr:    get("HEALTH_ADDR", DefaultHealthAddr),
	}
	if strings.EqualFold(cfg.HealthAddr, "off") {
		cfg.HealthAddr = ""
	}
	cfg.DatabaseDSN = get("DATABASE_DSN", "sqlite://"+filepath.Join(cfg.DataDir, "goetia.db"))

	if cfg.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if raw := get("API_ID", ""); raw == "" {
		missing = append(missing, "API_ID")
	} else if id, err := strconv.Atoi(raw); err != nil || id <= 0 {
		invalid = append(invalid, "API_ID")
	} else {
		cfg.APIID = id
	}
	if cfg.APIHash == "" {
		missing = append(missing, "API_HASH")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		invalid = append(invalid, "TZ")
	}
	cfg.Location = loc

	if len(missing) > 0 || len(invalid) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing "+strings.Join(missing, ", "))
		}
		if len(invalid) > 0 {
			parts = append(parts, "invalid "+strings.Join(invalid, ", "))
		}
		return nil, fmt.Errorf("%w: config: %s", errs.ErrValidation, strings.Join(parts, "; "))
	}
	return cfg, nil
}
