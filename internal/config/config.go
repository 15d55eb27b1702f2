// Package config loads broker configuration from an optional YAML file
// with environment variable overrides. Every field has a default so a
// bare `broker` starts against local redis and local backend services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "1s".
type Duration time.Duration

// UnmarshalYAML parses a duration string or a plain nanosecond integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full broker configuration.
type Config struct {
	// ListenAddr is the HTTP/websocket listen address.
	ListenAddr string `yaml:"listen_addr"`

	// RedisAddrs are the backplane redis endpoints. More than one address
	// shards pub/sub channels across connections by hash.
	RedisAddrs []string `yaml:"redis_addrs"`

	// PresenceRedisAddr is the redis endpoint for presence state. Defaults
	// to the first backplane address.
	PresenceRedisAddr string `yaml:"presence_redis_addr"`

	// WebAPIURL is the base URL of the editing backend's web API.
	WebAPIURL string `yaml:"web_api_url"`

	// DocUpdaterURL is the base URL of the document updater.
	DocUpdaterURL string `yaml:"doc_updater_url"`

	// MaxUpdateSize bounds the JSON encoding of one update, in bytes.
	MaxUpdateSize int `yaml:"max_update_size"`

	// PerEntityChannels selects per-entity channel addressing
	// ("editor-events:project-1") over shared base channels.
	PerEntityChannels bool `yaml:"per_entity_channels"`

	// FlushIfEmptyDelay is the debounce before an empty project is flushed.
	FlushIfEmptyDelay Duration `yaml:"flush_if_empty_delay"`

	// ClientRefreshDelay is the wait between a clientTracking.refresh
	// broadcast and the presence read answering it.
	ClientRefreshDelay Duration `yaml:"client_refresh_delay"`

	// SequenceStaleness is how long an idle event source's sequence state
	// is retained.
	SequenceStaleness Duration `yaml:"sequence_staleness"`

	// HealthCheckInterval is how often backplane round-trip probes run;
	// HealthCheckTimeout is how long a probe may take.
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  Duration `yaml:"health_check_timeout"`

	// RestrictedMessagePassList overrides the messages delivered to
	// restricted users. Empty selects the built-in list.
	RestrictedMessagePassList []string `yaml:"restricted_message_pass_list"`

	// StatusFile, when set, is polled for the deployment status: a file
	// containing "closed" makes the broker refuse new sessions.
	StatusFile         string   `yaml:"status_file"`
	StatusFileInterval Duration `yaml:"status_file_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:          ":3026",
		RedisAddrs:          []string{"localhost:6379"},
		WebAPIURL:           "http://localhost:3000",
		DocUpdaterURL:       "http://localhost:3003",
		MaxUpdateSize:       7 * 1024 * 1024,
		PerEntityChannels:   true,
		FlushIfEmptyDelay:   Duration(500 * time.Millisecond),
		ClientRefreshDelay:  Duration(time.Second),
		SequenceStaleness:   Duration(time.Hour),
		HealthCheckInterval: Duration(time.Minute),
		HealthCheckTimeout:  Duration(10 * time.Second),
		StatusFileInterval:  Duration(5 * time.Second),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if cfg.PresenceRedisAddr == "" && len(cfg.RedisAddrs) > 0 {
		cfg.PresenceRedisAddr = cfg.RedisAddrs[0]
	}
	return cfg, nil
}

// applyEnv overlays SCRIBE_* environment variables.
func (c *Config) applyEnv() {
	c.ListenAddr = getenv("SCRIBE_LISTEN_ADDR", c.ListenAddr)
	if v := os.Getenv("SCRIBE_REDIS_ADDR"); v != "" {
		c.RedisAddrs = []string{v}
	}
	c.PresenceRedisAddr = getenv("SCRIBE_PRESENCE_REDIS_ADDR", c.PresenceRedisAddr)
	c.WebAPIURL = getenv("SCRIBE_WEB_API_URL", c.WebAPIURL)
	c.DocUpdaterURL = getenv("SCRIBE_DOC_UPDATER_URL", c.DocUpdaterURL)
	c.StatusFile = getenv("SCRIBE_STATUS_FILE", c.StatusFile)
	if v := os.Getenv("SCRIBE_MAX_UPDATE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxUpdateSize = n
		}
	}
	if v := os.Getenv("SCRIBE_PER_ENTITY_CHANNELS"); v != "" {
		c.PerEntityChannels = v == "true" || v == "1"
	}
}

// getenv retrieves an environment variable with a fallback default.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
