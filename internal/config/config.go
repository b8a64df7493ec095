package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// Config contains all runtime settings for the translation gateway.
type Config struct {
	Port             int
	LogLevel         slog.Level
	MetricsNamespace string

	// OutboundTarget is the E.164 number the gateway dials out to.
	OutboundTarget string
	PublicBaseURL  string

	AsteriskSharedSecret string
	ControlAPISecret     string
	TwilioAuthToken      string

	MinFrameInterval    time.Duration
	EgressMaxPerSession int
	StubSTTText         string

	BridgeURL     string
	BridgeAPIKey  string
	BridgeTimeout time.Duration

	DatabaseURL     string
	ShutdownTimeout time.Duration
}

// Load reads environment variables, applies defaults, and validates.
// Misconfiguration is fatal: callers abort startup on error.
func Load() (Config, error) {
	cfg := Config{
		MetricsNamespace:     envOrDefault("METRICS_NAMESPACE", "levigw"),
		PublicBaseURL:        trimmedEnv("PUBLIC_BASE_URL"),
		AsteriskSharedSecret: trimmedEnv("ASTERISK_SHARED_SECRET"),
		ControlAPISecret:     trimmedEnv("CONTROL_API_SECRET"),
		TwilioAuthToken:      trimmedEnv("TWILIO_AUTH_TOKEN"),
		StubSTTText:          trimmedEnv("STUB_STT_TEXT"),
		BridgeURL:            trimmedEnv("OPENCLAW_BRIDGE_URL"),
		BridgeAPIKey:         trimmedEnv("OPENCLAW_BRIDGE_API_KEY"),
		DatabaseURL:          trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.Port, err = intFromEnv("PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT must be in 1..65535")
	}

	cfg.LogLevel, err = levelFromEnv("LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return Config{}, err
	}

	cfg.OutboundTarget = trimmedEnv("OUTBOUND_TARGET_E164")
	if cfg.OutboundTarget == "" {
		// Legacy name kept for deployments predating the rename.
		cfg.OutboundTarget = trimmedEnv("DESTINATION_PHONE_E164")
	}
	if cfg.OutboundTarget == "" {
		return Config{}, fmt.Errorf("OUTBOUND_TARGET_E164 is required")
	}
	if !e164Pattern.MatchString(cfg.OutboundTarget) {
		return Config{}, fmt.Errorf("OUTBOUND_TARGET_E164 %q is not a valid E.164 number", cfg.OutboundTarget)
	}

	minFrameMs, err := intFromEnv("PIPELINE_MIN_FRAME_INTERVAL_MS", 400)
	if err != nil {
		return Config{}, err
	}
	if minFrameMs < 0 {
		return Config{}, fmt.Errorf("PIPELINE_MIN_FRAME_INTERVAL_MS must be >= 0")
	}
	cfg.MinFrameInterval = time.Duration(minFrameMs) * time.Millisecond

	cfg.EgressMaxPerSession, err = intFromEnv("EGRESS_MAX_QUEUE_PER_SESSION", 64)
	if err != nil {
		return Config{}, err
	}
	if cfg.EgressMaxPerSession < 1 {
		return Config{}, fmt.Errorf("EGRESS_MAX_QUEUE_PER_SESSION must be at least 1")
	}

	bridgeTimeoutMs, err := intFromEnv("OPENCLAW_BRIDGE_TIMEOUT_MS", 1200)
	if err != nil {
		return Config{}, err
	}
	if bridgeTimeoutMs < 100 {
		return Config{}, fmt.Errorf("OPENCLAW_BRIDGE_TIMEOUT_MS must be at least 100")
	}
	cfg.BridgeTimeout = time.Duration(bridgeTimeoutMs) * time.Millisecond

	if cfg.TwilioAuthToken != "" && cfg.PublicBaseURL != "" &&
		!strings.HasPrefix(strings.ToLower(cfg.PublicBaseURL), "https://") {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL must use https when webhook signature validation is enabled")
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	switch strings.ToLower(trimmedEnv(key)) {
	case "":
		return fallback, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s parse error: expected debug|info|warn|error", key)
	}
}
