// Package jobs tracks background dispatch jobs and runs them on a bounded
// worker pool.
package jobs

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"enviador/internal/dispatch"
)

type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

func (s State) Terminal() bool { return s == StateDone || s == StateError }

const (
	defaultRingSize = 200
	defaultJobTTL   = 24 * time.Hour
	defaultMaxJobs  = 1000
)

// Item is one progress entry of a job.
type Item struct {
	Index   int       `json:"index"`
	Email   string    `json:"email,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Job is a snapshot of a job's state. Snapshots are copies; changing one
// never affects the store.
type Job struct {
	ID              string    `json:"job_id"`
	Owner           string    `json:"owner"`
	Channel         string    `json:"channel"`
	State           State     `json:"state"`
	Total           int       `json:"total"`
	Processed       int       `json:"processed"`
	Success         int       `json:"success"`
	Failed          int       `json:"failed"`
	Canceled        bool      `json:"canceled"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	Items           []Item    `json:"items"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

// Recent returns the last n items (all when n <= 0).
func (j Job) Recent(n int) []Item {
	if n <= 0 || n >= len(j.Items) {
		return j.Items
	}
	return j.Items[len(j.Items)-n:]
}

// Progress is one per-recipient report from a running job.
type Progress struct {
	Index   int
	Email   string
	Status  string
	Message string
}

type StoreConfig struct {
	RingSize int
	TTL      time.Duration
	MaxJobs  int
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.RingSize <= 0 {
		c.RingSize = defaultRingSize
	}
	if c.TTL <= 0 {
		c.TTL = defaultJobTTL
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = defaultMaxJobs
	}
	return c
}

type record struct {
	job Job
	req *dispatch.Request
}

// Store is the process-wide job registry. A single mutex guards every job;
// callers only ever see copies. Operations on unknown ids are no-ops.
type Store struct {
	mu   sync.Mutex
	cfg  StoreConfig
	jobs map[string]*record

	now   func() time.Time
	newID func() string
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{
		cfg:   cfg.withDefaults(),
		jobs:  map[string]*record{},
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Apply replaces the retention settings.
func (s *Store) Apply(cfg StoreConfig) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Create registers a queued job and returns its id.
func (s *Store) Create(req *dispatch.Request, owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = "anonymous"
	}
	ch := ""
	if req != nil {
		ch = string(req.Channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	id := s.newID()
	s.jobs[id] = &record{
		job: Job{
			ID:        id,
			Owner:     owner,
			Channel:   ch,
			State:     StateQueued,
			CreatedAt: now,
			UpdatedAt: now,
		},
		req: req,
	}
	return id
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return r.snapshot(), true
}

// Request returns the request a job was created with.
func (s *Store) Request(id string) (*dispatch.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return r.req, true
}

func (r *record) snapshot() Job {
	j := r.job
	j.Items = append([]Item(nil), r.job.Items...)
	return j
}

// mutate runs fn on a live, non-terminal job.
func (s *Store) mutate(id string, fn func(j *Job, now time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok || r.job.State.Terminal() {
		return
	}
	now := s.now()
	fn(&r.job, now)
	r.job.UpdatedAt = now
}

func (s *Store) SetTotal(id string, total int) {
	if total < 0 {
		total = 0
	}
	s.mutate(id, func(j *Job, _ time.Time) {
		j.Total = total
		if j.Processed > total {
			j.Processed = total
		}
	})
}

// UpdateProgress records one recipient. Processed only moves forward and
// never exceeds Total once Total is known.
func (s *Store) UpdateProgress(id string, p Progress) {
	s.mu.Lock()
	ring := s.cfg.RingSize
	s.mu.Unlock()

	s.mutate(id, func(j *Job, now time.Time) {
		if p.Index > j.Processed {
			j.Processed = p.Index
		}
		if j.Total > 0 && j.Processed > j.Total {
			j.Processed = j.Total
		}
		switch p.Status {
		case string(dispatch.StatusSuccess):
			j.Success++
		case string(dispatch.StatusFailed):
			j.Failed++
		}
		if p.Email == "" && p.Status == "" && p.Message == "" {
			return
		}
		j.Items = append(j.Items, Item{Index: p.Index, Email: p.Email, Status: p.Status, Message: p.Message, At: now})
		if len(j.Items) > ring {
			j.Items = append([]Item(nil), j.Items[len(j.Items)-ring:]...)
		}
	})
}

func (s *Store) MarkRunning(id string) {
	s.mutate(id, func(j *Job, now time.Time) {
		j.State = StateRunning
		j.StartedAt = now
	})
}

// MarkDone merges the final counts of a run.
func (s *Store) MarkDone(id string, res dispatch.Result) {
	s.mutate(id, func(j *Job, now time.Time) {
		j.State = StateDone
		j.Total = res.Total
		j.Success = res.Success
		j.Failed = res.Failed
		j.Canceled = res.Canceled
		if a := res.Attempted(); a > j.Processed {
			j.Processed = a
		}
		if j.Processed > j.Total {
			j.Processed = j.Total
		}
		j.FinishedAt = now
	})
}

func (s *Store) MarkError(id, msg string) {
	s.mutate(id, func(j *Job, now time.Time) {
		j.State = StateError
		j.Error = msg
		j.FinishedAt = now
	})
}

// RequestCancel flags a job for cancellation and reports whether it exists.
// Finished jobs are left untouched.
func (s *Store) RequestCancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return false
	}
	if !r.job.State.Terminal() && !r.job.CancelRequested {
		r.job.CancelRequested = true
		r.job.UpdatedAt = s.now()
	}
	return true
}

func (s *Store) IsCanceled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	return ok && r.job.CancelRequested
}

// Prune drops finished jobs older than the TTL, then the oldest finished
// jobs while the store holds more than MaxJobs. Queued and running jobs are
// never dropped. It returns the removed ids.
func (s *Store) Prune(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, r := range s.jobs {
		if !r.job.State.Terminal() {
			continue
		}
		if now.Sub(finishedAt(r.job)) > s.cfg.TTL {
			delete(s.jobs, id)
			removed = append(removed, id)
		}
	}
	if len(s.jobs) <= s.cfg.MaxJobs {
		return removed
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.jobs))
	for id, r := range s.jobs {
		if r.job.State.Terminal() {
			items = append(items, kv{id: id, t: finishedAt(r.job)})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.jobs) - s.cfg.MaxJobs
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.jobs, items[i].id)
		removed = append(removed, items[i].id)
	}
	return removed
}

func finishedAt(j Job) time.Time {
	if !j.FinishedAt.IsZero() {
		return j.FinishedAt
	}
	return j.UpdatedAt
}

// Counts returns the number of jobs per state.
func (s *Store) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[State]int{}
	for _, r := range s.jobs {
		out[r.job.State]++
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
