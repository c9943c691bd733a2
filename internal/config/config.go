package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay process configuration.
type Config struct {
	MQTT        MQTTConfig     `yaml:"mqtt"`
	Backend     BackendConfig  `yaml:"backend"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Retry       RetryConfig    `yaml:"retry"`
	Dedupe      DedupeConfig   `yaml:"dedupe"`
	Ops         OpsConfig      `yaml:"ops"`
	DatabaseURL string         `yaml:"database_url"`

	// DeadLetterCapacity bounds the in-memory store used without a database.
	DeadLetterCapacity int `yaml:"dead_letter_capacity"`
}

// MQTTConfig configures the broker session.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	CleanSession   bool          `yaml:"clean_session"`
	EventBuffer    int           `yaml:"event_buffer"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// BackendConfig configures the HTTP command backend.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// Token is a fixed bearer token. TokenSecret, when set, takes precedence
	// and signs short-lived HS256 tokens instead.
	Token        string `yaml:"token"`
	TokenSecret  string `yaml:"token_secret"`
	TokenSubject string `yaml:"token_subject"`
}

// DispatchConfig configures the command dispatch loop.
type DispatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CommandDelay time.Duration `yaml:"command_delay"`
}

// RetryConfig is the per-item retry policy shared by both loops.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DedupeConfig configures duplicate suppression on inbound deliveries.
type DedupeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// OpsConfig configures the ops HTTP server.
type OpsConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	JWTSecret string `yaml:"jwt_secret"`
	// TrustedProxies lists the addresses (IPs or CIDRs) whose
	// X-Forwarded-For header is believed when recording audit entries.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Default returns the configuration the relay runs with when nothing is set.
func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://127.0.0.1:1883",
			ClientID:       "command-handler",
			KeepAlive:      5 * time.Second,
			ConnectTimeout: 10 * time.Second,
			AutoReconnect:  true,
			CleanSession:   true,
			EventBuffer:    10,
			PublishTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL:      "http://localhost:3000",
			Timeout:      10 * time.Second,
			TokenSubject: "robot-relay",
		},
		Dispatch: DispatchConfig{
			PollInterval: 5 * time.Second,
			CommandDelay: 500 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Dedupe: DedupeConfig{
			Window: 10 * time.Minute,
		},
		Ops: OpsConfig{
			HTTPAddr: ":8080",
		},
		DeadLetterCapacity: 1000,
	}
}

// Load builds the configuration from defaults, an optional yaml file and
// environment overrides, in that order. An empty path falls back to
// RELAY_CONFIG.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.MQTT.BrokerURL = getenvDefault("MQTT_BROKER_URL", c.MQTT.BrokerURL)
	c.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getenvDefault("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getenvDefault("MQTT_PASSWORD", c.MQTT.Password)
	c.Backend.BaseURL = getenvDefault("BACKEND_BASE_URL", c.Backend.BaseURL)
	c.Backend.Token = getenvDefault("BACKEND_TOKEN", c.Backend.Token)
	c.Backend.TokenSecret = getenvDefault("BACKEND_TOKEN_SECRET", c.Backend.TokenSecret)
	c.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", c.DatabaseURL))
	c.Ops.HTTPAddr = getenvDefault("OPS_HTTP_ADDR", c.Ops.HTTPAddr)
	c.Ops.JWTSecret = getenvDefault("AUTH_JWT_SECRET", c.Ops.JWTSecret)
	if proxies := os.Getenv("OPS_TRUSTED_PROXIES"); proxies != "" {
		c.Ops.TrustedProxies = splitList(proxies)
	}

	var err error
	if c.MQTT.KeepAlive, err = getenvDuration("MQTT_KEEPALIVE", c.MQTT.KeepAlive); err != nil {
		return err
	}
	if c.MQTT.PublishTimeout, err = getenvDuration("MQTT_PUBLISH_TIMEOUT", c.MQTT.PublishTimeout); err != nil {
		return err
	}
	if c.Dispatch.PollInterval, err = getenvDuration("POLL_INTERVAL", c.Dispatch.PollInterval); err != nil {
		return err
	}
	if c.Dispatch.CommandDelay, err = getenvDuration("COMMAND_DELAY", c.Dispatch.CommandDelay); err != nil {
		return err
	}
	if c.Retry.MaxAttempts, err = getenvInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts); err != nil {
		return err
	}
	if c.Dedupe.Enabled, err = getenvBool("DEDUPE_ENABLED", c.Dedupe.Enabled); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		errs = append(errs, errors.New("mqtt.broker_url is required"))
	}
	if strings.TrimSpace(c.MQTT.ClientID) == "" {
		errs = append(errs, errors.New("mqtt.client_id is required"))
	}
	if c.MQTT.KeepAlive <= 0 {
		errs = append(errs, errors.New("mqtt.keep_alive must be positive"))
	}
	if c.MQTT.PublishTimeout <= 0 {
		errs = append(errs, errors.New("mqtt.publish_timeout must be positive"))
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute url", c.Backend.BaseURL))
	}
	if c.Dispatch.PollInterval <= 0 {
		errs = append(errs, errors.New("dispatch.poll_interval must be positive"))
	}
	if c.Dispatch.CommandDelay < 0 {
		errs = append(errs, errors.New("dispatch.command_delay must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Dedupe.Enabled && c.Dedupe.Window <= 0 {
		errs = append(errs, errors.New("dedupe.window must be positive when dedupe is enabled"))
	}
	for _, proxy := range c.Ops.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Errorf("ops.trusted_proxies: %q is not an ip or cidr", proxy))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func validProxy(value string) bool {
	if _, _, err := net.ParseCIDR(value); err == nil {
		return true
	}
	return net.ParseIP(value) != nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func getenvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}
