package config

import (
	"errors"
	"fmt"
	"strings"

	"dario.cat/mergo"

	logx "enviador/pkg/logx"
)

// Defaults returns a config with every optional value filled in.
func Defaults() *Config {
	console := true
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "0s",
			IdleTimeout:     "120s",
			ShutdownTimeout: "10s",
			MaxBodyBytes:    64 << 20,
		},
		Logging: LoggingConfig{Level: "info", Console: &console},
		SMTP: SMTPConfig{
			Host:             "smtp.gmail.com",
			Port:             465,
			MaxAttempts:      5,
			RateLimitBackoff: "100s",
			ReconnectDelay:   "5s",
			BackoffStep:      "5s",
			BackoffMax:       "30s",
		},
		Dispatch: DispatchConfig{PreviewSize: 5},
		Jobs: JobsConfig{
			Workers:       2,
			QueueSize:     64,
			RingSize:      200,
			TTL:           "24h",
			MaxJobs:       1000,
			PruneSchedule: "@every 1m",
			PollItems:     50,
		},
		WhatsApp:   WhatsAppConfig{RatePerSec: 20, Burst: 1, DefaultLanguage: "pt_BR"},
		Credential: CredentialConfig{Mode: "plain"},
	}
}

// ApplyDefaults fills zero fields of cfg from Defaults. Optional sections
// that are nil stay nil.
func ApplyDefaults(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Retention) == "" {
		cfg.Storage.Retention = "720h"
	}
	if cfg.Notify != nil && strings.TrimSpace(cfg.Notify.Timeout) == "" {
		cfg.Notify.Timeout = "10s"
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup or
// reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"http.read_timeout":       cfg.HTTP.ReadTimeout,
		"http.write_timeout":      cfg.HTTP.WriteTimeout,
		"http.idle_timeout":       cfg.HTTP.IdleTimeout,
		"http.shutdown_timeout":   cfg.HTTP.ShutdownTimeout,
		"smtp.rate_limit_backoff": cfg.SMTP.RateLimitBackoff,
		"smtp.reconnect_delay":    cfg.SMTP.ReconnectDelay,
		"smtp.backoff_step":       cfg.SMTP.BackoffStep,
		"smtp.backoff_max":        cfg.SMTP.BackoffMax,
		"jobs.ttl":                cfg.Jobs.TTL,
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
		durations["storage.retention"] = cfg.Storage.Retention
	}
	if cfg.Notify != nil {
		durations["notify.timeout"] = cfg.Notify.Timeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	if cfg.SMTP.Port < 0 || cfg.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port: out of range: %d", cfg.SMTP.Port))
	}
	if cfg.SMTP.PerSecond < 0 || cfg.WhatsApp.RatePerSec < 0 {
		errs = append(errs, errors.New("rates must be >= 0"))
	}
	if cfg.Jobs.Workers < 0 || cfg.Jobs.QueueSize < 0 || cfg.Jobs.MaxJobs < 0 || cfg.Jobs.RingSize < 0 {
		errs = append(errs, errors.New("jobs: sizes must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Credential.Mode)) {
	case "", "plain", "env":
	default:
		errs = append(errs, fmt.Errorf("credential.mode: unknown mode %q", cfg.Credential.Mode))
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	if n := cfg.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" || n.ChatID == 0 {
			errs = append(errs, errors.New("notify: token and chat_id are required when enabled"))
		}
	}
	return errors.Join(errs...)
}
