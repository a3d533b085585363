package app

import (
	"fmt"
	"strings"
	"time"

	"enviador/internal/api"
	"enviador/internal/config"
	"enviador/internal/credential"
	"enviador/internal/delivery"
	"enviador/internal/dispatch"
	"enviador/internal/jobs"
	"enviador/internal/mail"
	"enviador/internal/notify"
	"enviador/internal/storage"
	"enviador/internal/whatsapp"
	logx "enviador/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapHTTP(cfg *config.Config) (api.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:            h.Addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		IdleTimeout:     idle,
		MaxBodyBytes:    h.MaxBodyBytes,
		Pprof:           h.Pprof,
		PollItems:       cfg.Jobs.PollItems,
		PreviewSize:     cfg.Dispatch.PreviewSize,
		DefaultLanguage: cfg.WhatsApp.DefaultLanguage,
	}, nil
}

func mapPolicy(cfg *config.Config) (delivery.Policy, error) {
	s := cfg.SMTP
	p := delivery.Policy{
		MaxAttempts:    s.MaxAttempts,
		RateLimitCodes: s.RateLimitCodes,
		HardQuotaCodes: s.HardQuotaCodes,
	}
	var err error
	if p.RateLimitBackoff, err = config.ParseDurationField("smtp.rate_limit_backoff", s.RateLimitBackoff); err != nil {
		return p, err
	}
	if p.ReconnectDelay, err = config.ParseDurationField("smtp.reconnect_delay", s.ReconnectDelay); err != nil {
		return p, err
	}
	if p.BackoffStep, err = config.ParseDurationField("smtp.backoff_step", s.BackoffStep); err != nil {
		return p, err
	}
	if p.BackoffMax, err = config.ParseDurationField("smtp.backoff_max", s.BackoffMax); err != nil {
		return p, err
	}
	return p, nil
}

func mapStoreConfig(cfg *config.Config) (jobs.StoreConfig, error) {
	ttl, err := config.ParseDurationField("jobs.ttl", cfg.Jobs.TTL)
	if err != nil {
		return jobs.StoreConfig{}, err
	}
	return jobs.StoreConfig{RingSize: cfg.Jobs.RingSize, TTL: ttl, MaxJobs: cfg.Jobs.MaxJobs}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	if cfg.Storage == nil {
		return 0, nil
	}
	return config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, 720*time.Hour)
}

func mapNotify(cfg *config.Config) (notify.Config, bool, error) {
	n := cfg.Notify
	if n == nil || !n.Enabled {
		return notify.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("notify.timeout", n.Timeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, false, err
	}
	return notify.Config{
		Target:       notify.Target{ChatID: n.ChatID, ThreadID: n.ThreadID},
		OnlyFailures: n.OnlyFailures,
		Timeout:      timeout,
		RetryMax:     2,
	}, true, nil
}

// Dispatch bundles the engine with the pieces that can be retuned live.
type Dispatch struct {
	Engine   *dispatch.Engine
	WhatsApp *whatsapp.Sender
}

// NewDispatch builds the dispatch engine with the email and WhatsApp
// channels. api may be nil, in which case WhatsApp sends fail.
func NewDispatch(cfg *config.Config, wa whatsapp.API, log logx.Logger) (*Dispatch, error) {
	dec, err := credential.ForMode(cfg.Credential.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	smtp := cfg.SMTP
	email := &dispatch.Email{
		Decrypter: dec,
		Dialer: func(username, password string) delivery.Dialer {
			return delivery.SMTP{
				Host:      smtp.Host,
				Port:      smtp.Port,
				Username:  username,
				Password:  password,
				LocalName: smtp.LocalName,
			}
		},
		Policy:    policy,
		Builder:   mail.NewBuilder(log, smtp.MaxAttachmentBytes),
		PerSecond: smtp.PerSecond,
		Log:       log,
	}
	sender := whatsapp.NewSender(wa, cfg.WhatsApp.RatePerSec, cfg.WhatsApp.Burst)
	eng := dispatch.NewEngine(dispatch.Config{
		AttachmentDir: cfg.Dispatch.AttachmentDir,
		PreviewSize:   cfg.Dispatch.PreviewSize,
	}, log, email, &dispatch.WhatsApp{Sender: sender})
	return &Dispatch{Engine: eng, WhatsApp: sender}, nil
}
