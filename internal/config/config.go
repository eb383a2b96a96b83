// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Transports supported by the chat client.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

// Config holds the development server configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	// AuthTokens maps bearer tokens to user ids.
	AuthTokens map[string]string
	RateLimit  RateLimitConfig
	Stream     StreamConfig
	// HistoryTTL is how long an idle chat session is kept. Zero keeps
	// history forever.
	HistoryTTL time.Duration
	// HistorySweepCron is the cron expression of the retention sweep.
	HistorySweepCron string
}

// RateLimitConfig controls per-user limits on the stream endpoint.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// StreamConfig controls the development stream endpoint.
type StreamConfig struct {
	MaxBodyBytes int64
	// EchoDelay is the pause between emitted lines of the echo responder.
	EchoDelay time.Duration
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	tokens, err := parseTokens(getEnv("AUTH_TOKENS", "dev-token:dev-user"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chat.db"),
		AuthTokens:  tokens,
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Stream: StreamConfig{
			MaxBodyBytes: int64(getEnvInt("STREAM_MAX_BODY_BYTES", 1<<20)),
			EchoDelay:    getEnvDuration("ECHO_DELAY", 40*time.Millisecond),
		},
		HistoryTTL:       getEnvDuration("HISTORY_TTL", 30*24*time.Hour),
		HistorySweepCron: getEnv("HISTORY_SWEEP_CRON", "@hourly"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.AuthTokens) == 0 {
		return fmt.Errorf("AUTH_TOKENS must define at least one token")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Stream.MaxBodyBytes <= 0 {
		return fmt.Errorf("STREAM_MAX_BODY_BYTES must be > 0")
	}
	if c.Stream.EchoDelay < 0 {
		return fmt.Errorf("ECHO_DELAY cannot be negative")
	}
	if c.HistoryTTL < 0 {
		return fmt.Errorf("HISTORY_TTL cannot be negative")
	}
	if c.HistorySweepCron != "" && !gronx.IsValid(c.HistorySweepCron) {
		return fmt.Errorf("HISTORY_SWEEP_CRON %q is not a valid cron expression", c.HistorySweepCron)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// ClientConfig holds the chat client configuration.
type ClientConfig struct {
	APIURL         string
	Token          string
	Transport      string
	RequestTimeout time.Duration
}

// ClientFromEnv reads client settings from the environment without
// validating them, so callers can apply overrides first.
func ClientFromEnv() *ClientConfig {
	return &ClientConfig{
		APIURL:         getEnv("TUTOR_API_URL", "http://localhost:8000"),
		Token:          getEnv("TUTOR_TOKEN", ""),
		Transport:      strings.ToLower(getEnv("TUTOR_TRANSPORT", TransportHTTP)),
		RequestTimeout: getEnvDuration("TUTOR_REQUEST_TIMEOUT", 30*time.Second),
	}
}

// LoadClient reads and validates client configuration from environment
// variables.
func LoadClient() (*ClientConfig, error) {
	cfg := ClientFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration. A missing token is not an error
// here; requests fail with the client's own error when one is needed.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TUTOR_API_URL must be an http(s) URL, got %q", c.APIURL)
	}
	switch c.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("TUTOR_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportWebSocket, c.Transport)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("TUTOR_REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

// parseTokens reads "token:user,token:user" pairs.
func parseTokens(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("AUTH_TOKENS entry %q must be token:user", pair)
		}
		out[token] = user
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
