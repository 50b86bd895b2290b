package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.inbox/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Server         Server    `toml:"server"`
	Cache          Cache     `toml:"cache"`
	Ephemeral      Ephemeral `toml:"ephemeral"`
	Realtime       Realtime  `toml:"realtime"`
	Unread         Unread    `toml:"unread"`
	Metrics        Metrics   `toml:"metrics"`
}

// Server locates the messaging backend.
type Server struct {
	BaseURL     string   `toml:"base_url"`
	RealtimeURL string   `toml:"realtime_url"`
	Token       string   `toml:"token,omitempty"`
	Timeout     Duration `toml:"timeout"`
}

// Cache sizes the projection and the durable tier.
type Cache struct {
	MaxThreads   int `toml:"max_threads"`
	MaxMessages  int `toml:"max_messages"`
	HydrateLimit int `toml:"hydrate_limit"`
	PageSize     int `toml:"page_size"`
}

// Ephemeral selects the session-scoped tier backend.
type Ephemeral struct {
	Backend       string `toml:"backend"`
	MaxThreads    int    `toml:"max_threads"`
	Namespace     string `toml:"namespace"`
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db,omitempty"`
}

// Realtime tunes the socket client.
type Realtime struct {
	// DeviceClass is desktop or mobile; mobile uses MobileHeartbeat.
	DeviceClass      string   `toml:"device_class"`
	Heartbeat        Duration `toml:"heartbeat"`
	MobileHeartbeat  Duration `toml:"mobile_heartbeat"`
	PresenceDebounce Duration `toml:"presence_debounce"`
	AuthCloseCodes   []int    `toml:"auth_close_codes"`
}

// Unread tunes the badge aggregator.
type Unread struct {
	MinInterval  Duration `toml:"min_interval"`
	PollInterval Duration `toml:"poll_interval"`
}

// Metrics enables the Prometheus endpoint when Addr is set.
type Metrics struct {
	Addr string `toml:"addr,omitempty"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"

	// TokenEnv overrides server.token when set.
	TokenEnv = "INBOX_TOKEN"
)

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	return &Config{
		Server: Server{
			BaseURL: "http://localhost:8000",
			Timeout: Duration{15 * time.Second},
		},
		Cache: Cache{
			MaxThreads:   50,
			MaxMessages:  50,
			HydrateLimit: 50,
			PageSize:     30,
		},
		Ephemeral: Ephemeral{
			Backend:    BackendMemory,
			MaxThreads: 20,
			Namespace:  "inbox",
		},
		Realtime: Realtime{
			DeviceClass:      DeviceDesktop,
			Heartbeat:        Duration{30 * time.Second},
			MobileHeartbeat:  Duration{60 * time.Second},
			PresenceDebounce: Duration{250 * time.Millisecond},
			AuthCloseCodes:   []int{4401, 4403},
		},
		Unread: Unread{
			MinInterval:  Duration{5 * time.Second},
			PollInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv lets the environment override secrets.
func (c *Config) ApplyEnv() {
	if tok := os.Getenv(TokenEnv); tok != "" {
		c.Server.Token = tok
	}
}

// RealtimeURL returns the configured socket URL, deriving it from the base
// URL when unset.
func (c *Config) RealtimeURL() string {
	if c.Server.RealtimeURL != "" {
		return c.Server.RealtimeURL
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/inbox/"
	return u.String()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute url", c.Server.BaseURL))
	}
	if c.Server.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Cache.MaxThreads <= 0 || c.Cache.MaxMessages <= 0 {
		errs = append(errs, errors.New("cache.max_threads and cache.max_messages must be positive"))
	}
	switch c.Ephemeral.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Ephemeral.RedisAddr == "" {
			errs = append(errs, errors.New("ephemeral.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ephemeral.backend %q is not one of memory, redis", c.Ephemeral.Backend))
	}
	if c.Ephemeral.MaxThreads <= 0 {
		errs = append(errs, errors.New("ephemeral.max_threads must be positive"))
	}
	if c.Realtime.Heartbeat.Duration <= 0 || c.Realtime.MobileHeartbeat.Duration <= 0 {
		errs = append(errs, errors.New("realtime.heartbeat and realtime.mobile_heartbeat must be positive"))
	}
	if c.Realtime.DeviceClass != DeviceDesktop && c.Realtime.DeviceClass != DeviceMobile {
		errs = append(errs, fmt.Errorf("realtime.device_class %q is not one of desktop, mobile", c.Realtime.DeviceClass))
	}
	if c.Unread.MinInterval.Duration <= 0 {
		errs = append(errs, errors.New("unread.min_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
