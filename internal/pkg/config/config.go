package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
)

type Config struct {
	AmberCfg   *AmberConfig   `envPrefix:"AMBER_"`
	RefreshCfg *RefreshConfig `envPrefix:"REFRESH_"`
	MqttCfg    *MqttConfig    `envPrefix:"MQTT_"`
	HTTPCfg    *HTTPConfig    `envPrefix:"HTTP_"`
	LogLevel   string         `env:"LOG_LEVEL" envDefault:"INFO"`
}

type AmberConfig struct {
	Host           string        `env:"HOST" envDefault:"https://backend.amber.com.au"`
	Origin         string        `env:"ORIGIN" envDefault:"https://www.amber.com.au"`
	PostCodes      []string      `env:"POSTCODES" envSeparator:","`
	PastHours      int           `env:"PAST_HOURS" envDefault:"1"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
}

type RefreshConfig struct {
	Schedule             string        `env:"SCHEDULE" envDefault:"*/5 * * * *"`
	SettleDelay          time.Duration `env:"SETTLE_DELAY" envDefault:"5s"`
	RetryInitial         time.Duration `env:"RETRY_INITIAL" envDefault:"30s"`
	RetryMax             time.Duration `env:"RETRY_MAX" envDefault:"10m"`
	RetryMultiplier      float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	InvalidLocationRetry time.Duration `env:"INVALID_LOCATION_RETRY" envDefault:"1h"`
}

type MqttConfig struct {
	Host            string `env:"HOST"`
	Username        string `env:"USER"`
	Password        string `env:"PASS"`
	ClientID        string `env:"CLIENT_ID" envDefault:"amber-prices"`
	DiscoveryPrefix string `env:"DISCOVERY_PREFIX" envDefault:"homeassistant"`
}

// Enabled reports whether a broker is configured.
func (m *MqttConfig) Enabled() bool {
	return m != nil && m.Host != ""
}

type HTTPConfig struct {
	Addr string `env:"ADDR" envDefault:"0.0.0.0:8000"`
}

// Load parses the process environment. The result is not validated.
func Load() (*Config, error) {
	return Parse(env.Options{})
}

// Parse builds a Config using opts, which tests use to supply an isolated environment.
func Parse(opts env.Options) (*Config, error) {
	cfg := &Config{
		AmberCfg:   &AmberConfig{},
		RefreshCfg: &RefreshConfig{},
		MqttCfg:    &MqttConfig{},
		HTTPCfg:    &HTTPConfig{},
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises postcodes and checks every bound.
func (c *Config) Validate() error {
	if c.AmberCfg == nil || c.RefreshCfg == nil {
		return errors.New("amber and refresh config are required")
	}
	c.AmberCfg.PostCodes = lo.Uniq(lo.Compact(lo.Map(c.AmberCfg.PostCodes, func(p string, _ int) string {
		return strings.TrimSpace(p)
	})))

	var errs []error
	if len(c.AmberCfg.PostCodes) == 0 {
		errs = append(errs, errors.New("at least one postcode is required"))
	}
	if c.AmberCfg.PastHours < 1 || c.AmberCfg.PastHours > 24 {
		errs = append(errs, fmt.Errorf("past hours must be between 1 and 24, got %d", c.AmberCfg.PastHours))
	}
	if c.AmberCfg.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if _, err := cron.ParseStandard(c.RefreshCfg.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshCfg.Schedule, err))
	}
	if c.RefreshCfg.SettleDelay < 0 {
		errs = append(errs, errors.New("settle delay cannot be negative"))
	}
	if c.RefreshCfg.RetryInitial <= 0 || c.RefreshCfg.RetryMax < c.RefreshCfg.RetryInitial {
		errs = append(errs, fmt.Errorf("retry max %s must be at least retry initial %s", c.RefreshCfg.RetryMax, c.RefreshCfg.RetryInitial))
	}
	if c.RefreshCfg.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry multiplier must be at least 1, got %v", c.RefreshCfg.RetryMultiplier))
	}
	if c.RefreshCfg.InvalidLocationRetry <= 0 {
		errs = append(errs, errors.New("invalid location retry must be positive"))
	}
	return errors.Join(errs...)
}
