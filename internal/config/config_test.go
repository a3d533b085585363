package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseYAMLAppliesDefaults(t *testing.T) {
	yml := `
http:
  addr: "127.0.0.1:9000"
logging:
  level: debug
  console: false
smtp:
  per_second: 2
jobs:
  workers: 4
storage:
  driver: sqlite
  path: ./data/enviador.db
`
	cfg, err := ParseBytes("config.yaml", []byte(yml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9000" || cfg.HTTP.ShutdownTimeout != "10s" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Logging.ConsoleEnabled() {
		t.Fatalf("explicit console=false overridden")
	}
	if cfg.SMTP.Host != "smtp.gmail.com" || cfg.SMTP.Port != 465 || cfg.SMTP.MaxAttempts != 5 {
		t.Fatalf("smtp = %+v", cfg.SMTP)
	}
	if cfg.Jobs.Workers != 4 || cfg.Jobs.QueueSize != 64 || cfg.Jobs.PollItems != 50 {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Storage == nil || cfg.Storage.Retention != "720h" || !cfg.Storage.AuditEnabled() {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Notify != nil {
		t.Fatalf("notify should stay disabled")
	}
}

func TestParseJSONDefaultsConsole(t *testing.T) {
	cfg, err := ParseBytes("config.json", []byte(`{"logging":{"level":"warn"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Logging.ConsoleEnabled() || cfg.WhatsApp.DefaultLanguage != "pt_BR" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, file, data, want string
	}{
		{"unknown field", "c.json", `{"smtp":{"hots":"x"}}`, "unknown field"},
		{"trailing", "c.json", `{} {}`, "trailing"},
		{"bad duration", "c.yaml", "jobs:\n  ttl: soon\n", "jobs.ttl"},
		{"bad level", "c.json", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"storage path", "c.json", `{"storage":{"driver":"file"}}`, "storage.path"},
		{"notify token", "c.json", `{"notify":{"enabled":true}}`, "notify"},
		{"credential", "c.json", `{"credential":{"mode":"vault"}}`, "credential.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes(tt.file, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
}

func TestDiff(t *testing.T) {
	a := Defaults()
	b := Defaults()
	if ch := Diff(a, b); !ch.Empty() {
		t.Fatalf("diff of equal configs = %v", ch.Sections)
	}
	b.Logging.Level = "debug"
	b.Jobs.TTL = "1h"
	b.SMTP.Port = 587
	ch := Diff(a, b)
	if strings.Join(ch.Sections, ",") != "jobs,logging,smtp" {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if strings.Join(ch.RestartRequired, ",") != "smtp" {
		t.Fatalf("restart = %v", ch.RestartRequired)
	}
	b.Jobs.Workers = 8
	if ch := Diff(a, b); strings.Join(ch.RestartRequired, ",") != "jobs,smtp" {
		t.Fatalf("restart = %v", ch.RestartRequired)
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "error" {
			return errors.New("rejected")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed level = %q", m.Get().Logging.Level)
	}
}
