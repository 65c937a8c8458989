// Package config loads the relay configuration from YAML with RELAY_*
// environment overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Listen          string        `yaml:"listen"`
	APIPrefix       string        `yaml:"api_prefix"`
	WSPath          string        `yaml:"ws_path"`
	SweepInterval   time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`
	CallTimeout     time.Duration `yaml:"-"`
	IdleTimeout     time.Duration `yaml:"-"`
	OutgoingBuffer  int           `yaml:"outgoing_buffer"`

	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"-"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type rawConfig struct {
	Listen          string          `yaml:"listen"`
	APIPrefix       string          `yaml:"api_prefix"`
	WSPath          string          `yaml:"ws_path"`
	SweepInterval   string          `yaml:"sweep_interval"`
	ShutdownTimeout string          `yaml:"shutdown_timeout"`
	CallTimeout     string          `yaml:"call_timeout"`
	IdleTimeout     string          `yaml:"idle_timeout"`
	OutgoingBuffer  int             `yaml:"outgoing_buffer"`
	Store           StoreConfig     `yaml:"store"`
	Redis           rawRedisConfig  `yaml:"redis"`
	NATS            NATSConfig      `yaml:"nats"`
	Auth            AuthConfig      `yaml:"auth"`
	Log             LogConfig       `yaml:"log"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

type rawRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
}

func defaults() rawConfig {
	return rawConfig{
		Listen:          ":3000",
		APIPrefix:       "/api",
		WSPath:          "/ws",
		SweepInterval:   "5m",
		ShutdownTimeout: "10s",
		CallTimeout:     "5s",
		IdleTimeout:     "0",
		OutgoingBuffer:  64,
		Store:           StoreConfig{Driver: DriverPostgres, MaxConns: 10},
		Redis:           rawRedisConfig{TTL: "0"},
		NATS:            NATSConfig{SubjectPrefix: "presence.status"},
		Log:             LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (if non-empty), applies defaults and RELAY_* overrides
// and validates the result.
func Load(path string) (Config, error) {
	raw := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "failed to read config")
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse %s", path)
		}
	}
	if err := applyEnv(&raw, os.LookupEnv); err != nil {
		return Config{}, err
	}
	c, err := raw.resolve()
	if err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (raw rawConfig) resolve() (Config, error) {
	var (
		c   Config
		err error
	)
	if c.SweepInterval, err = parseDuration("sweep_interval", raw.SweepInterval); err != nil {
		return Config{}, err
	}
	if c.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if c.CallTimeout, err = parseDuration("call_timeout", raw.CallTimeout); err != nil {
		return Config{}, err
	}
	if c.IdleTimeout, err = parseDuration("idle_timeout", raw.IdleTimeout); err != nil {
		return Config{}, err
	}
	if c.Redis.TTL, err = parseDuration("redis.ttl", raw.Redis.TTL); err != nil {
		return Config{}, err
	}

	c.Listen = raw.Listen
	c.APIPrefix = raw.APIPrefix
	c.WSPath = raw.WSPath
	c.OutgoingBuffer = raw.OutgoingBuffer
	c.Store = raw.Store
	c.Redis.Addr = raw.Redis.Addr
	c.Redis.Password = raw.Redis.Password
	c.Redis.DB = raw.Redis.DB
	c.NATS = raw.NATS
	c.Auth = raw.Auth
	c.Log = raw.Log
	c.Telemetry = raw.Telemetry
	return c, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

func applyEnv(raw *rawConfig, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RELAY_LISTEN":           &raw.Listen,
		"RELAY_API_PREFIX":       &raw.APIPrefix,
		"RELAY_WS_PATH":          &raw.WSPath,
		"RELAY_SWEEP_INTERVAL":   &raw.SweepInterval,
		"RELAY_SHUTDOWN_TIMEOUT": &raw.ShutdownTimeout,
		"RELAY_CALL_TIMEOUT":     &raw.CallTimeout,
		"RELAY_IDLE_TIMEOUT":     &raw.IdleTimeout,
		"RELAY_STORE_DRIVER":     &raw.Store.Driver,
		"RELAY_STORE_DSN":        &raw.Store.DSN,
		"RELAY_REDIS_ADDR":       &raw.Redis.Addr,
		"RELAY_REDIS_PASSWORD":   &raw.Redis.Password,
		"RELAY_REDIS_TTL":        &raw.Redis.TTL,
		"RELAY_NATS_URL":         &raw.NATS.URL,
		"RELAY_NATS_SUBJECT":     &raw.NATS.SubjectPrefix,
		"RELAY_JWT_SECRET":       &raw.Auth.JWTSecret,
		"RELAY_LOG_LEVEL":        &raw.Log.Level,
		"RELAY_LOG_FORMAT":       &raw.Log.Format,
		"RELAY_OTLP_ENDPOINT":    &raw.Telemetry.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]func(int64){
		"RELAY_OUTGOING_BUFFER": func(v int64) { raw.OutgoingBuffer = int(v) },
		"RELAY_STORE_MAX_CONNS": func(v int64) { raw.Store.MaxConns = int32(v) },
		"RELAY_REDIS_DB":        func(v int64) { raw.Redis.DB = int(v) },
	}
	for key, set := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", key)
		}
		set(n)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen is required")
	case c.SweepInterval <= 0:
		return errors.New("sweep_interval must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown_timeout must be positive")
	case c.CallTimeout <= 0:
		return errors.New("call_timeout must be positive")
	case c.IdleTimeout < 0:
		return errors.New("idle_timeout must not be negative")
	case c.OutgoingBuffer <= 0:
		return errors.New("outgoing_buffer must be positive")
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
