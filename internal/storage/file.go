package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "enviador/pkg/logx"
)

// fileStore keeps everything in plain files.
//
// Files:
//   - <prefix>.audit.jsonl        (append-only JSON Lines)
//   - <prefix>.jobs.snapshot.json (compacted job records)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on every prune that removes something.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	jobsSnapshotPath string
	jobsJournalFile  *os.File
	jobs             map[string]JobRecord

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op     string    `json:"op"` // put | del
	Record JobRecord `json:"record"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	jobs := map[string]JobRecord{}
	if err := loadJobsSnapshot(snapPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job snapshot unreadable", logx.Err(err))
	}
	if err := replayJobsJournal(journalPath, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		jobsSnapshotPath: snapPath,
		jobsJournalFile:  jf,
		jobs:             jobs,
		compactEvery:     500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.jobsJournalFile != nil {
		err2 = s.jobsJournalFile.Close()
		s.jobsJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveJob(ctx context.Context, r JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsJournalFile == nil {
		return errors.New("job journal closed")
	}
	if err := json.NewEncoder(s.jobsJournalFile).Encode(journalRecord{Op: "put", Record: r}); err != nil {
		return err
	}
	s.jobs[r.ID] = r
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadJob(ctx context.Context, id string) (JobRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return JobRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[strings.TrimSpace(id)]
	return r, ok, nil
}

func (s *fileStore) PruneJobs(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.jobs {
		if r.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	if n == 0 || s.jobsJournalFile == nil {
		return n, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	tmp := s.jobsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.jobsSnapshotPath); err != nil {
		return err
	}
	if err := s.jobsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.jobsJournalFile.Seek(0, 2)
	return err
}

func loadJobsSnapshot(path string, out map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]JobRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJobsJournal(path string, out map[string]JobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Record.ID == "" {
			continue
		}
		switch r.Op {
		case "del":
			delete(out, r.Record.ID)
		default:
			out[r.Record.ID] = r.Record
		}
	}
	return s.Err()
}
