package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "enviador/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	if err := st.AppendAudit(ctx, AuditEntry{Owner: "ops", Action: "job.submit", JobID: "j1", Channel: "email"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	old := JobRecord{ID: "j1", Owner: "ops", State: "done", FinishedAt: now.Add(-48 * time.Hour), Data: json.RawMessage(`{"job_id":"j1"}`)}
	fresh := JobRecord{ID: "j2", Owner: "ops", State: "error", FinishedAt: now, Data: json.RawMessage(`{"job_id":"j2","error":"boom"}`)}
	for _, r := range []JobRecord{old, fresh} {
		if err := st.SaveJob(ctx, r); err != nil {
			t.Fatalf("SaveJob(%s): %v", r.ID, err)
		}
	}

	got, ok, err := st.LoadJob(ctx, "j2")
	if err != nil || !ok {
		t.Fatalf("LoadJob(j2) = %v, %v", ok, err)
	}
	if got.State != "error" || !got.FinishedAt.Equal(now) || !strings.Contains(string(got.Data), "boom") {
		t.Fatalf("record = %+v", got)
	}

	n, err := st.PruneJobs(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneJobs = %d, %v", n, err)
	}
	if _, ok, _ := st.LoadJob(ctx, "j1"); ok {
		t.Fatalf("pruned job still present")
	}
	if _, ok, _ := st.LoadJob(ctx, "missing"); ok {
		t.Fatalf("missing job found")
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "enviador.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "enviador.audit.jsonl"))
	if err != nil || !strings.Contains(string(b), `"action":"job.submit"`) {
		t.Fatalf("audit file = %q, %v", b, err)
	}

	// Reopen replays snapshot and journal.
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, ok, _ := st.LoadJob(context.Background(), "j2"); !ok {
		t.Fatalf("j2 lost after reopen")
	}
	if _, ok, _ := st.LoadJob(context.Background(), "j1"); ok {
		t.Fatalf("pruned j1 came back after reopen")
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enviador.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}
