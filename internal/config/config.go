package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable read by LoadFromEnv.
const EnvPrefix = "LMSCHAT_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds client and relay settings. The client reads Transport,
// Reconnect, Messaging and RecordAPI; the relay binary reads Relay.
type Config struct {
	Transport *TransportConfig `json:"transport"`
	Reconnect *ReconnectConfig `json:"reconnect"`
	Messaging *MessagingConfig `json:"messaging"`
	RecordAPI *RecordAPIConfig `json:"record_api"`
	Relay     *RelayConfig     `json:"relay"`
}

// TransportConfig describes the realtime connection to the relay.
type TransportConfig struct {
	URL          string        `json:"url"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// ReconnectConfig is the exponential backoff schedule.
type ReconnectConfig struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
	Jitter     float64       `json:"jitter"`
}

type MessagingConfig struct {
	AckTimeout   time.Duration `json:"ack_timeout"`
	HistoryLimit int           `json:"history_limit"`
}

type RecordAPIConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// RelayConfig configures the development relay.
type RelayConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	DatabasePath    string        `json:"database_path"`
	DatabaseTimeout time.Duration `json:"database_timeout"`
	JWTSecret       string        `json:"-"`
	TokenTTL        time.Duration `json:"token_ttl"`
	NATSURL         string        `json:"nats_url"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	RateLimit       int           `json:"rate_limit"`
}

// Addr returns host:port.
func (r *RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DefaultConfig returns settings for a local relay on port 8080.
func DefaultConfig() *Config {
	return &Config{
		Transport: &TransportConfig{
			URL:          "ws://localhost:8080/ws",
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			BufferSize:   100,
		},
		Reconnect: &ReconnectConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Messaging: &MessagingConfig{
			AckTimeout:   10 * time.Second,
			HistoryLimit: 200,
		},
		RecordAPI: &RecordAPIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Relay: &RelayConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			DatabasePath:    "./lmsrelay.db",
			DatabaseTimeout: 30 * time.Second,
			TokenTTL:        24 * time.Hour,
			AllowedOrigins:  []string{"*"},
			RateLimit:       100,
		},
	}
}

func (c *Config) Validate() error {
	if c.Transport == nil || c.Reconnect == nil || c.Messaging == nil || c.RecordAPI == nil || c.Relay == nil {
		return fmt.Errorf("%w: all sections are required", ErrInvalidConfig)
	}

	t := c.Transport
	if !strings.HasPrefix(t.URL, "ws://") && !strings.HasPrefix(t.URL, "wss://") {
		return fmt.Errorf("%w: transport url must be ws:// or wss://", ErrInvalidConfig)
	}
	if t.DialTimeout <= 0 || t.WriteTimeout <= 0 || t.PingInterval <= 0 || t.ReadTimeout <= 0 {
		return fmt.Errorf("%w: transport timeouts must be positive", ErrInvalidConfig)
	}
	if t.ReadTimeout <= t.PingInterval {
		return fmt.Errorf("%w: transport read timeout must exceed ping interval", ErrInvalidConfig)
	}
	if t.BufferSize <= 0 {
		return fmt.Errorf("%w: transport buffer size must be positive", ErrInvalidConfig)
	}

	r := c.Reconnect
	if r.Initial <= 0 || r.Max < r.Initial {
		return fmt.Errorf("%w: reconnect delays must satisfy 0 < initial <= max", ErrInvalidConfig)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("%w: reconnect multiplier must be at least 1", ErrInvalidConfig)
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("%w: reconnect jitter must be in [0, 1)", ErrInvalidConfig)
	}

	if c.Messaging.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidConfig)
	}
	if c.Messaging.HistoryLimit <= 0 {
		return fmt.Errorf("%w: history limit must be positive", ErrInvalidConfig)
	}

	if c.RecordAPI.BaseURL == "" {
		return fmt.Errorf("%w: record api base url cannot be empty", ErrInvalidConfig)
	}
	if c.RecordAPI.Timeout <= 0 {
		return fmt.Errorf("%w: record api timeout must be positive", ErrInvalidConfig)
	}

	rl := c.Relay
	if rl.Port <= 0 || rl.Port > 65535 {
		return fmt.Errorf("%w: relay port must be between 1 and 65535", ErrInvalidConfig)
	}
	if rl.Host == "" {
		return fmt.Errorf("%w: relay host cannot be empty", ErrInvalidConfig)
	}
	if rl.ReadTimeout <= 0 || rl.WriteTimeout <= 0 || rl.DatabaseTimeout <= 0 || rl.TokenTTL <= 0 {
		return fmt.Errorf("%w: relay timeouts must be positive", ErrInvalidConfig)
	}
	if rl.DatabasePath == "" {
		return fmt.Errorf("%w: relay database path cannot be empty", ErrInvalidConfig)
	}
	if rl.RateLimit <= 0 {
		return fmt.Errorf("%w: relay rate limit must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadFromEnv reads a .env file when present, then overrides defaults with
// LMSCHAT_* variables. Malformed values are ignored.
func LoadFromEnv() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	c := DefaultConfig()

	envString("TRANSPORT_URL", &c.Transport.URL)
	envDuration("TRANSPORT_DIAL_TIMEOUT", &c.Transport.DialTimeout)
	envDuration("TRANSPORT_WRITE_TIMEOUT", &c.Transport.WriteTimeout)
	envDuration("TRANSPORT_PING_INTERVAL", &c.Transport.PingInterval)
	envDuration("TRANSPORT_READ_TIMEOUT", &c.Transport.ReadTimeout)
	envInt("TRANSPORT_BUFFER_SIZE", &c.Transport.BufferSize)

	envDuration("RECONNECT_INITIAL", &c.Reconnect.Initial)
	envDuration("RECONNECT_MAX", &c.Reconnect.Max)
	envFloat("RECONNECT_MULTIPLIER", &c.Reconnect.Multiplier)
	envFloat("RECONNECT_JITTER", &c.Reconnect.Jitter)

	envDuration("ACK_TIMEOUT", &c.Messaging.AckTimeout)
	envInt("HISTORY_LIMIT", &c.Messaging.HistoryLimit)

	envString("RECORD_API_URL", &c.RecordAPI.BaseURL)
	envDuration("RECORD_API_TIMEOUT", &c.RecordAPI.Timeout)

	envString("RELAY_HOST", &c.Relay.Host)
	envInt("RELAY_PORT", &c.Relay.Port)
	envDuration("RELAY_READ_TIMEOUT", &c.Relay.ReadTimeout)
	envDuration("RELAY_WRITE_TIMEOUT", &c.Relay.WriteTimeout)
	envString("RELAY_DATABASE_PATH", &c.Relay.DatabasePath)
	envDuration("RELAY_DATABASE_TIMEOUT", &c.Relay.DatabaseTimeout)
	envString("RELAY_JWT_SECRET", &c.Relay.JWTSecret)
	envDuration("RELAY_TOKEN_TTL", &c.Relay.TokenTTL)
	envString("RELAY_NATS_URL", &c.Relay.NATSURL)
	envInt("RELAY_RATE_LIMIT", &c.Relay.RateLimit)
	if origins := os.Getenv(EnvPrefix + "RELAY_ALLOWED_ORIGINS"); origins != "" {
		c.Relay.AllowedOrigins = splitList(origins)
	}

	return c
}

// ConfigFile mirrors Config with durations as strings ("500ms", "30s").
type ConfigFile struct {
	Transport *struct {
		URL          string `json:"url"`
		DialTimeout  string `json:"dial_timeout"`
		WriteTimeout string `json:"write_timeout"`
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"transport"`
	Reconnect *struct {
		Initial    string  `json:"initial"`
		Max        string  `json:"max"`
		Multiplier float64 `json:"multiplier"`
		Jitter     float64 `json:"jitter"`
	} `json:"reconnect"`
	Messaging *struct {
		AckTimeout   string `json:"ack_timeout"`
		HistoryLimit int    `json:"history_limit"`
	} `json:"messaging"`
	RecordAPI *struct {
		BaseURL string `json:"base_url"`
		Timeout string `json:"timeout"`
	} `json:"record_api"`
	Relay *struct {
		Host            string   `json:"host"`
		Port            int      `json:"port"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		DatabasePath    string   `json:"database_path"`
		DatabaseTimeout string   `json:"database_timeout"`
		TokenTTL        string   `json:"token_ttl"`
		NATSURL         string   `json:"nats_url"`
		AllowedOrigins  []string `json:"allowed_origins"`
		RateLimit       int      `json:"rate_limit"`
	} `json:"relay"`
}

// LoadFromFile reads a JSON config file on top of base, or on top of the
// defaults when base is nil. The JWT secret is never read from files.
func LoadFromFile(filepath string, base *Config) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	c := base
	if c == nil {
		c = DefaultConfig()
	}

	var errs []error
	dur := func(field, s string, dst *time.Duration) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if t := f.Transport; t != nil {
		setString(t.URL, &c.Transport.URL)
		dur("transport.dial_timeout", t.DialTimeout, &c.Transport.DialTimeout)
		dur("transport.write_timeout", t.WriteTimeout, &c.Transport.WriteTimeout)
		dur("transport.ping_interval", t.PingInterval, &c.Transport.PingInterval)
		dur("transport.read_timeout", t.ReadTimeout, &c.Transport.ReadTimeout)
		setInt(t.BufferSize, &c.Transport.BufferSize)
	}
	if r := f.Reconnect; r != nil {
		dur("reconnect.initial", r.Initial, &c.Reconnect.Initial)
		dur("reconnect.max", r.Max, &c.Reconnect.Max)
		if r.Multiplier > 0 {
			c.Reconnect.Multiplier = r.Multiplier
		}
		if r.Jitter > 0 {
			c.Reconnect.Jitter = r.Jitter
		}
	}
	if m := f.Messaging; m != nil {
		dur("messaging.ack_timeout", m.AckTimeout, &c.Messaging.AckTimeout)
		setInt(m.HistoryLimit, &c.Messaging.HistoryLimit)
	}
	if a := f.RecordAPI; a != nil {
		setString(a.BaseURL, &c.RecordAPI.BaseURL)
		dur("record_api.timeout", a.Timeout, &c.RecordAPI.Timeout)
	}
	if r := f.Relay; r != nil {
		setString(r.Host, &c.Relay.Host)
		setInt(r.Port, &c.Relay.Port)
		dur("relay.read_timeout", r.ReadTimeout, &c.Relay.ReadTimeout)
		dur("relay.write_timeout", r.WriteTimeout, &c.Relay.WriteTimeout)
		setString(r.DatabasePath, &c.Relay.DatabasePath)
		dur("relay.database_timeout", r.DatabaseTimeout, &c.Relay.DatabaseTimeout)
		dur("relay.token_ttl", r.TokenTTL, &c.Relay.TokenTTL)
		setString(r.NATSURL, &c.Relay.NATSURL)
		if len(r.AllowedOrigins) > 0 {
			c.Relay.AllowedOrigins = r.AllowedOrigins
		}
		setInt(r.RateLimit, &c.Relay.RateLimit)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid duration in %s: %w", filepath, errors.Join(errs...))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return c, nil
}

// LoadConfigWithPrecedence applies file > environment > defaults. A file
// that cannot be loaded is logged and skipped.
func LoadConfigWithPrecedence(filepath string) *Config {
	c := LoadFromEnv()
	if filepath == "" {
		return c
	}

	envCopy := LoadFromEnv()
	fileConfig, err := LoadFromFile(filepath, envCopy)
	if err != nil {
		log.Printf("[config] using environment and defaults: %v", err)
		return c
	}
	return fileConfig
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setInt(v int, dst *int) {
	if v > 0 {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
