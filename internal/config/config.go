package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WS        WSConfig        `yaml:"ws"`
	Generator GeneratorConfig `yaml:"generator"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// ClientURL is the dashboard origin allowed for CORS and WebSocket upgrades.
	ClientURL string `yaml:"client_url"`
	ReadLimit int64  `yaml:"read_limit"`
}

type WSConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	SendBuffer     int           `yaml:"send_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	InboundRate    float64       `yaml:"inbound_rate"`
	InboundBurst   int           `yaml:"inbound_burst"`
}

type GeneratorConfig struct {
	AlertMinInterval time.Duration `yaml:"alert_min_interval"`
	AlertMaxInterval time.Duration `yaml:"alert_max_interval"`
	MetricsInterval  time.Duration `yaml:"metrics_interval"`
	NetworkInterval  time.Duration `yaml:"network_interval"`
	ThreatsInterval  time.Duration `yaml:"threats_interval"`
	MaxAlerts        int           `yaml:"max_alerts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// env holds the variables that override the file. Zero values mean unset.
type env struct {
	Port      int    `envconfig:"PORT"`
	Host      string `envconfig:"HOST"`
	ClientURL string `envconfig:"CLIENT_URL"`
	LogLevel  string `envconfig:"LOG_LEVEL"`
	Env       string `envconfig:"ENV"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      3001,
			Host:      "0.0.0.0",
			ClientURL: "http://localhost:5173",
			ReadLimit: 4096,
		},
		WS: WSConfig{
			SweepInterval:  30 * time.Second,
			StaleThreshold: 60 * time.Second,
			SendBuffer:     64,
			WriteTimeout:   10 * time.Second,
			InboundRate:    20,
			InboundBurst:   40,
		},
		Generator: GeneratorConfig{
			AlertMinInterval: 5 * time.Second,
			AlertMaxInterval: 15 * time.Second,
			MetricsInterval:  2 * time.Second,
			NetworkInterval:  3 * time.Second,
			ThreatsInterval:  10 * time.Second,
			MaxAlerts:        50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, then the yaml file at path
// (skipped when path is empty or the file does not exist), then .env and the
// process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if e.Port != 0 {
		c.Server.Port = e.Port
	}
	if e.Host != "" {
		c.Server.Host = e.Host
	}
	if e.ClientURL != "" {
		c.Server.ClientURL = e.ClientURL
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.Env == "DEV" {
		c.Log.Pretty = true
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	positive := map[string]time.Duration{
		"ws.sweep_interval":            c.WS.SweepInterval,
		"ws.stale_threshold":           c.WS.StaleThreshold,
		"ws.write_timeout":             c.WS.WriteTimeout,
		"generator.alert_min_interval": c.Generator.AlertMinInterval,
		"generator.alert_max_interval": c.Generator.AlertMaxInterval,
		"generator.metrics_interval":   c.Generator.MetricsInterval,
		"generator.network_interval":   c.Generator.NetworkInterval,
		"generator.threats_interval":   c.Generator.ThreatsInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.Generator.AlertMinInterval > c.Generator.AlertMaxInterval {
		errs = append(errs, fmt.Errorf("generator.alert_min_interval %v exceeds alert_max_interval %v",
			c.Generator.AlertMinInterval, c.Generator.AlertMaxInterval))
	}
	if c.Generator.MaxAlerts <= 0 {
		errs = append(errs, fmt.Errorf("generator.max_alerts must be positive"))
	}
	if c.WS.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("ws.send_buffer must be positive"))
	}
	if c.WS.InboundRate < 0 {
		errs = append(errs, fmt.Errorf("ws.inbound_rate must not be negative"))
	}
	// A zero burst would make the limiter reject every frame.
	if c.WS.InboundRate > 0 && c.WS.InboundBurst <= 0 {
		errs = append(errs, fmt.Errorf("ws.inbound_burst must be positive when ws.inbound_rate is set"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
