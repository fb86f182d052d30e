package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"smartthings-go-home/internal/discovery"
)

const defaultBackupInterval = 5 * time.Minute

type AccountConfig struct {
	ID           string   `yaml:"id"`
	AccessToken  string   `yaml:"access_token"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	APIBase      string   `yaml:"api_base"`
	DeviceIDs    []string `yaml:"device_ids"`
}

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	InfluxDB struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		Measurement   string        `yaml:"measurement"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Webhook struct {
		Enabled        bool          `yaml:"enabled"`
		BackupInterval time.Duration `yaml:"backup_interval"`
	} `yaml:"webhook"`
	Polling struct {
		ScanInterval   time.Duration `yaml:"scan_interval"`
		ActiveInterval time.Duration `yaml:"active_interval"`
		MaxConcurrent  int           `yaml:"max_concurrent"`
		DeviceTimeout  time.Duration `yaml:"device_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"polling"`
	Discovery struct {
		ExposeCommandButtons              *bool   `yaml:"expose_command_buttons"`
		ExposeRawSensors                  bool    `yaml:"expose_raw_sensors"`
		IncludeControlAttributesAsSensors *bool   `yaml:"include_control_attributes"`
		Aggressive                        *bool   `yaml:"aggressive"`
		MaxHeuristicOptions               int     `yaml:"max_heuristic_options"`
		DisableAboveOptions               int     `yaml:"disable_above_options"`
		NumberDefaultMax                  float64 `yaml:"number_default_max"`
	} `yaml:"discovery"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Accounts []AccountConfig `yaml:"accounts"`
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.AccessToken == "" && (a.ClientID == "" || a.RefreshToken == "") {
			return fmt.Errorf("account %s: either access_token or client_id + refresh_token is required", a.ID)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Polling.ActiveInterval > c.Polling.ScanInterval {
		return fmt.Errorf("polling.active_interval (%s) must not exceed polling.scan_interval (%s)",
			c.Polling.ActiveInterval, c.Polling.ScanInterval)
	}
	return nil
}

// discoveryOptions overlays the configured heuristics on the defaults.
func (c *Config) discoveryOptions() discovery.Options {
	opts := discovery.DefaultOptions()
	d := c.Discovery
	if d.ExposeCommandButtons != nil {
		opts.ExposeCommandButtons = *d.ExposeCommandButtons
	}
	if d.IncludeControlAttributesAsSensors != nil {
		opts.IncludeControlAttributesAsSensors = *d.IncludeControlAttributesAsSensors
	}
	if d.Aggressive != nil {
		opts.Aggressive = *d.Aggressive
	}
	opts.ExposeRawSensors = d.ExposeRawSensors
	if d.MaxHeuristicOptions > 0 {
		opts.MaxHeuristicOptions = d.MaxHeuristicOptions
	}
	if d.DisableAboveOptions > 0 {
		opts.DisableAboveOptions = d.DisableAboveOptions
	}
	if d.NumberDefaultMax > 0 {
		opts.NumberDefaultMax = d.NumberDefaultMax
	}
	return opts
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "smartthings-home.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "smartthings"
	}
	if cfg.Webhook.BackupInterval <= 0 {
		cfg.Webhook.BackupInterval = defaultBackupInterval
	}
	if cfg.Polling.ScanInterval <= 0 {
		cfg.Polling.ScanInterval = 30 * time.Second
	}
	if cfg.Polling.ActiveInterval <= 0 {
		cfg.Polling.ActiveInterval = 10 * time.Second
	}
	if cfg.Polling.RequestTimeout <= 0 {
		cfg.Polling.RequestTimeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
