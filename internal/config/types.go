package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "10s", "1m"); empty means the default.
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	SMTP       SMTPConfig       `json:"smtp"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Jobs       JobsConfig       `json:"jobs"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp"`
	Credential CredentialConfig `json:"credential"`

	// Optional sections. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`
}

// HTTPConfig controls the API server.
//
// Security note: the API has no authentication. Bind to a private address
// or put it behind a proxy that does.
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"` // default ":8080"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// MaxBodyBytes caps request bodies, multipart uploads included.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

func (l LoggingConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SMTPConfig configures the mail transport and its retry policy.
type SMTPConfig struct {
	Host      string `json:"host,omitempty"` // default smtp.gmail.com
	Port      int    `json:"port,omitempty"` // default 465 (implicit TLS)
	LocalName string `json:"local_name,omitempty"`

	MaxAttempts      int    `json:"max_attempts,omitempty"`
	RateLimitBackoff string `json:"rate_limit_backoff,omitempty"`
	ReconnectDelay   string `json:"reconnect_delay,omitempty"`
	BackoffStep      string `json:"backoff_step,omitempty"`
	BackoffMax       string `json:"backoff_max,omitempty"`

	// Enhanced status codes that classify a failure. Empty uses the
	// built-in lists.
	RateLimitCodes []string `json:"rate_limit_codes,omitempty"`
	HardQuotaCodes []string `json:"hard_quota_codes,omitempty"`

	// PerSecond throttles sends within one job; 0 disables it.
	PerSecond float64 `json:"per_second,omitempty"`

	// MaxAttachmentBytes skips attachments larger than this; 0 disables it.
	MaxAttachmentBytes int64 `json:"max_attachment_bytes,omitempty"`
}

type DispatchConfig struct {
	// AttachmentDir is searched for attachment refs that match no upload.
	AttachmentDir string `json:"attachment_dir,omitempty"`
	PreviewSize   int    `json:"preview_size,omitempty"`
}

// JobsConfig controls the background job runner and in-memory retention.
type JobsConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	RingSize      int    `json:"ring_size,omitempty"`
	TTL           string `json:"ttl,omitempty"`
	MaxJobs       int    `json:"max_jobs,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`

	// PollItems is how many recent items a poll returns.
	PollItems int `json:"poll_items,omitempty"`
}

type WhatsAppConfig struct {
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	DefaultLanguage string  `json:"default_language,omitempty"`
}

// CredentialConfig selects how app passwords in requests are decrypted.
// Mode is "plain" (default) or "env".
type CredentialConfig struct {
	Mode string `json:"mode,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/enviador.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`    // archived jobs; default 720h
	Audit       *bool  `json:"audit,omitempty"`        // default true
}

func (s StorageConfig) AuditEnabled() bool { return s.Audit == nil || *s.Audit }

// NotifyConfig sends a Telegram message when a job finishes.
type NotifyConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"` // never logged
	ChatID       int64  `json:"chat_id"`
	ThreadID     int    `json:"thread_id,omitempty"`
	OnlyFailures bool   `json:"only_failures,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}
