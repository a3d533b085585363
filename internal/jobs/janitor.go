package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "enviador/pkg/logx"
)

const DefaultPruneSchedule = "@every 1m"

// Janitor prunes the store on a cron schedule.
type Janitor struct {
	mu       sync.Mutex
	store    *Store
	log      logx.Logger
	schedule string
	c        *cron.Cron

	// OnPrune, when set, receives the ids removed by each run.
	OnPrune func(ids []string)
}

func NewJanitor(store *Store, schedule string, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	return &Janitor{store: store, schedule: schedule, log: log.With(logx.String("comp", "jobs.janitor"))}
}

// ValidSchedule reports whether expr is a standard cron expression or
// descriptor (@every 1m, @hourly, ...).
func ValidSchedule(expr string) error {
	_, err := cron.ParseStandard(strings.TrimSpace(expr))
	return err
}

// Start registers the prune job and starts the cron loop.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce(time.Now()) }); err != nil {
		return err
	}
	c.Start()
	j.c = c
	j.log.Info("janitor started", logx.String("schedule", j.schedule))
	return nil
}

func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Reschedule restarts the janitor with a new schedule.
func (j *Janitor) Reschedule(ctx context.Context, schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if err := ValidSchedule(schedule); err != nil {
		return err
	}
	j.mu.Lock()
	same := schedule == j.schedule
	running := j.c != nil
	j.schedule = schedule
	j.mu.Unlock()
	if same || !running {
		return nil
	}
	j.Stop(ctx)
	return j.Start()
}

// RunOnce prunes immediately.
func (j *Janitor) RunOnce(now time.Time) []string {
	ids := j.store.Prune(now)
	if len(ids) > 0 {
		j.log.Debug("pruned jobs", logx.Int("count", len(ids)))
		if j.OnPrune != nil {
			j.OnPrune(ids)
		}
	}
	return ids
}
