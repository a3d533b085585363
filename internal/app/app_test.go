package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"enviador/internal/api"
	"enviador/internal/config"
	"enviador/internal/jobs"
	"enviador/internal/storage"
	"enviador/internal/whatsapp"
	logx "enviador/pkg/logx"
)

type fakeWhatsApp struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeWhatsApp) SendTemplate(ctx context.Context, to, name, language string, params []string) (whatsapp.Response, error) {
	return f.SendText(ctx, to, name)
}

func (f *fakeWhatsApp) SendText(ctx context.Context, to, text string) (whatsapp.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+text)
	return whatsapp.Response{Success: true, MessageID: "wamid.1"}, nil
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := strings.Join([]string{
		"http:",
		"  addr: \"127.0.0.1:0\"",
		"logging:",
		"  level: error",
		"  console: false",
		"jobs:",
		"  prune_schedule: \"@every 1h\"",
		"storage:",
		"  driver: file",
		"  path: " + filepath.Join(dir, "data", "enviador"),
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppServesAndArchivesJobs(t *testing.T) {
	dir := t.TempDir()
	wa := &fakeWhatsApp{}
	a, err := NewApp(writeConfig(t, dir), WithWhatsApp(wa))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Server().Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("api not ready")
	}
	base := "http://" + a.Server().Addr()

	body := `{"channel":"whatsapp","message":"Oi {name}","contact_column":"phone","rows":[{"name":"Ana","phone":"5511999999999"}]}`
	resp, err := http.Post(base+"/api/v1/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var submitted map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&submitted)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	id := submitted["job_id"]

	deadline := time.Now().Add(3 * time.Second)
	for {
		j, ok := a.Jobs().Store().Get(id)
		if ok && j.State.Terminal() {
			if j.State != jobs.StateDone || j.Success != 1 {
				t.Fatalf("job = %+v", j)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	wa.mu.Lock()
	if len(wa.sent) != 1 || wa.sent[0] != "5511999999999:Oi Ana" {
		t.Fatalf("sent = %q", wa.sent)
	}
	wa.mu.Unlock()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "data", "enviador")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	j, ok, err := jobArchive{store: st}.LoadJob(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("archived job: ok=%v err=%v", ok, err)
	}
	if j.State != jobs.StateDone || j.Total != 1 {
		t.Fatalf("archived = %+v", j)
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"http":{"read_timeout":"soon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatalf("NewApp accepted an invalid duration")
	}
	if _, err := NewApp(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("NewApp accepted a missing file")
	}
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		in      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{nil, false, false},
		{&config.StorageConfig{Driver: "none"}, false, false},
		{&config.StorageConfig{Driver: "file", Path: "x"}, true, false},
		{&config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, true, false},
		{&config.StorageConfig{Driver: "sqlite"}, false, true},
		{&config.StorageConfig{Driver: "redis", Path: "x"}, false, true},
	}
	for _, tt := range tests {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
		if (err != nil) != tt.wantErr || enabled != tt.enabled {
			t.Fatalf("mapStorageConfig(%+v) = %+v, %v, %v", tt.in, sc, enabled, err)
		}
	}
	sc, _, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if sc.BusyTimeout != time.Second {
		t.Fatalf("busy timeout = %v", sc.BusyTimeout)
	}
}

func TestMapNotify(t *testing.T) {
	if _, enabled, _ := mapNotify(&config.Config{}); enabled {
		t.Fatalf("nil notify section enabled")
	}
	nc, enabled, err := mapNotify(&config.Config{Notify: &config.NotifyConfig{Enabled: true, ChatID: -42, ThreadID: 3}})
	if err != nil || !enabled {
		t.Fatalf("mapNotify = %v, %v", enabled, err)
	}
	if nc.Target.ChatID != -42 || nc.Target.ThreadID != 3 || nc.Timeout != 10*time.Second {
		t.Fatalf("notify config = %+v", nc)
	}
}

func TestMapPolicyParsesDurations(t *testing.T) {
	cfg := config.Defaults()
	p, err := mapPolicy(cfg)
	if err != nil {
		t.Fatalf("mapPolicy: %v", err)
	}
	if p.RateLimitBackoff != 100*time.Second || p.MaxAttempts != 5 {
		t.Fatalf("policy = %+v", p)
	}
	cfg.SMTP.BackoffMax = "later"
	if _, err := mapPolicy(cfg); err == nil {
		t.Fatalf("mapPolicy accepted a bad duration")
	}
}

func TestAuditEntry(t *testing.T) {
	e := auditEntry(api.Audit{Owner: "ops", Action: "send", OK: 2, Fail: 1, Took: 1500 * time.Millisecond})
	if e.Owner != "ops" || e.OK != 2 || e.Fail != 1 || e.TookMS != 1500 {
		t.Fatalf("entry = %+v", e)
	}
}
