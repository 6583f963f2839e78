// Package config loads the engine's deployment settings from the
// environment. Every knob has a default; validation rejects values that
// would make a call misbehave rather than papering over them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Addr is the listen address for the telephony-facing server.
	Addr string

	// UpstreamURL is the websocket endpoint of the streaming conversation
	// service.
	UpstreamURL string
	// UpstreamAuthToken is sent as a bearer token on the dial, if set.
	UpstreamAuthToken string
	HandshakeTimeout  time.Duration

	// BackendBaseURL hosts the geocode/fare/extract/dispatch endpoints.
	BackendBaseURL string
	ServiceTimeout time.Duration

	// GenAIAPIKey enables the model-backed correction classifier; empty
	// means pattern-only correction resolution.
	GenAIAPIKey string
	GenAIModel  string

	CompanyName  string
	QuoteUpfront bool

	// Turn arbitration.
	QuietInterval      time.Duration
	SettleDelay        time.Duration
	NoReplyTimeout     time.Duration
	MaxNoReplyAttempts int
	EchoGuard          time.Duration
	ToolTimeout        time.Duration

	// Drain-aware hangup.
	GoodbyeTurnWait    time.Duration
	GoodbyeSettleDelay time.Duration
	DrainPollInterval  time.Duration
	DrainTimeout       time.Duration
	GoodbyeFinalMargin time.Duration

	// Session limits.
	MaxCallDuration    time.Duration
	MaxAudioFrameBytes int
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	OutboundQueueSize  int

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:               envOr("VOICECAB_ADDR", ":8085"),
		UpstreamURL:        envOr("VOICECAB_UPSTREAM_URL", ""),
		UpstreamAuthToken:  envOr("VOICECAB_UPSTREAM_TOKEN", ""),
		HandshakeTimeout:   envDurationOr("VOICECAB_HANDSHAKE_TIMEOUT", 5*time.Second),
		BackendBaseURL:     envOr("VOICECAB_BACKEND_BASE_URL", ""),
		ServiceTimeout:     envDurationOr("VOICECAB_SERVICE_TIMEOUT", 5*time.Second),
		GenAIAPIKey:        envOr("GEMINI_API_KEY", ""),
		GenAIModel:         envOr("VOICECAB_GENAI_MODEL", ""),
		CompanyName:        envOr("VOICECAB_COMPANY_NAME", "City Cabs"),
		QuoteUpfront:       envBoolOr("VOICECAB_QUOTE_UPFRONT", true),
		QuietInterval:      envDurationOr("VOICECAB_QUIET_INTERVAL_MS", 300*time.Millisecond),
		SettleDelay:        envDurationOr("VOICECAB_SETTLE_DELAY_MS", 500*time.Millisecond),
		NoReplyTimeout:     envDurationOr("VOICECAB_NO_REPLY_TIMEOUT", 8*time.Second),
		MaxNoReplyAttempts: envIntOr("VOICECAB_MAX_NO_REPLY_ATTEMPTS", 3),
		EchoGuard:          envDurationOr("VOICECAB_ECHO_GUARD_MS", 2*time.Second),
		ToolTimeout:        envDurationOr("VOICECAB_TOOL_TIMEOUT", 10*time.Second),
		GoodbyeTurnWait:    envDurationOr("VOICECAB_GOODBYE_TURN_WAIT", 5*time.Second),
		GoodbyeSettleDelay: envDurationOr("VOICECAB_GOODBYE_SETTLE_MS", time.Second),
		DrainPollInterval:  envDurationOr("VOICECAB_DRAIN_POLL_MS", 250*time.Millisecond),
		DrainTimeout:       envDurationOr("VOICECAB_DRAIN_TIMEOUT", 10*time.Second),
		GoodbyeFinalMargin: envDurationOr("VOICECAB_GOODBYE_FINAL_MARGIN_MS", time.Second),
		MaxCallDuration:    envDurationOr("VOICECAB_MAX_CALL_DURATION", 20*time.Minute),
		MaxAudioFrameBytes: envIntOr("VOICECAB_MAX_AUDIO_FRAME_BYTES", 8192),
		PingInterval:       envDurationOr("VOICECAB_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:       envDurationOr("VOICECAB_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadTimeout:        envDurationOr("VOICECAB_WS_READ_TIMEOUT", 0),
		OutboundQueueSize:  envIntOr("VOICECAB_OUTBOUND_QUEUE_SIZE", 128),
		LogLevel:           envOr("VOICECAB_LOG_LEVEL", "info"),
	}

	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("VOICECAB_UPSTREAM_URL must be set")
	}
	if strings.TrimSpace(cfg.BackendBaseURL) == "" {
		return Config{}, fmt.Errorf("VOICECAB_BACKEND_BASE_URL must be set")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ServiceTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_SERVICE_TIMEOUT must be > 0")
	}
	if cfg.QuietInterval <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_QUIET_INTERVAL_MS must be > 0")
	}
	if cfg.SettleDelay <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_SETTLE_DELAY_MS must be > 0")
	}
	if cfg.NoReplyTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_NO_REPLY_TIMEOUT must be > 0")
	}
	if cfg.MaxNoReplyAttempts <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_MAX_NO_REPLY_ATTEMPTS must be > 0")
	}
	if cfg.EchoGuard < 0 {
		return Config{}, fmt.Errorf("VOICECAB_ECHO_GUARD_MS must be >= 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_TOOL_TIMEOUT must be > 0")
	}
	if cfg.GoodbyeTurnWait <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_GOODBYE_TURN_WAIT must be > 0")
	}
	if cfg.DrainTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_MAX_CALL_DURATION must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICECAB_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICECAB_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOICECAB_LOG_LEVEL must be one of debug|info|warn|error")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDurationOr accepts either a Go duration string or, for _MS keys, a bare
// millisecond count.
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if strings.HasSuffix(key, "_MS") {
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
