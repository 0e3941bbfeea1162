// Package config loads the relay's runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Overflow policies applied when a member's outbound queue is full.
const (
	PolicyDrop       = "drop"
	PolicyDisconnect = "disconnect"
)

// minSecretLength matches the HS256 output size.
const minSecretLength = 32

type Config struct {
	Addr           string   `env:"ADDR" envDefault:"0.0.0.0:9123"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// DatabaseDSN points at the sqlite connection log; empty disables it.
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"file:chat_relay.db?cache=shared"`

	AppSecret    string `env:"APP_SECRET"`
	AuthRequired bool   `env:"AUTH_REQUIRED" envDefault:"false"`

	SendBuffer         int    `env:"SEND_BUFFER" envDefault:"256"`
	SlowConsumerPolicy string `env:"SLOW_CONSUMER_POLICY" envDefault:"drop"`
	HubQueueSize       int    `env:"HUB_QUEUE_SIZE" envDefault:"1024"`
	ReapEmptyRooms     bool   `env:"REAP_EMPTY_ROOMS" envDefault:"false"`

	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
	WriteWait      time.Duration `env:"WRITE_WAIT" envDefault:"10s"`
	PongWait       time.Duration `env:"PONG_WAIT" envDefault:"60s"`
	PingInterval   time.Duration `env:"PING_INTERVAL" envDefault:"54s"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads the optional dotenv files and then the process environment.
// Variables already set in the environment win over dotenv entries.
func Load(dotenvFiles ...string) (Config, error) {
	if err := loadDotenv(dotenvFiles...); err != nil {
		return Config{}, err
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.SlowConsumerPolicy = strings.ToLower(strings.TrimSpace(cfg.SlowConsumerPolicy))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("ADDR must not be empty"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer))
	}
	if c.HubQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("HUB_QUEUE_SIZE must be positive, got %d", c.HubQueueSize))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", c.MaxMessageSize))
	}
	switch c.SlowConsumerPolicy {
	case PolicyDrop, PolicyDisconnect:
	default:
		errs = append(errs, fmt.Errorf("SLOW_CONSUMER_POLICY must be %q or %q, got %q", PolicyDrop, PolicyDisconnect, c.SlowConsumerPolicy))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, errors.New("WRITE_WAIT must be positive"))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("PING_INTERVAL must be positive, got %s", c.PingInterval))
	}
	if c.PongWait <= 0 {
		errs = append(errs, fmt.Errorf("PONG_WAIT must be positive, got %s", c.PongWait))
	}
	if c.PingInterval > 0 && c.PongWait > 0 && c.PingInterval >= c.PongWait {
		errs = append(errs, fmt.Errorf("PING_INTERVAL (%s) must be shorter than PONG_WAIT (%s)", c.PingInterval, c.PongWait))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if c.AuthRequired && c.AppSecret == "" {
		errs = append(errs, errors.New("AUTH_REQUIRED needs APP_SECRET"))
	}
	if c.AppSecret != "" && len(c.AppSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("APP_SECRET must be at least %d bytes", minSecretLength))
	}

	return errors.Join(errs...)
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
