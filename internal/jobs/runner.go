package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"enviador/internal/dispatch"
	"enviador/internal/eventbus"
	rtsup "enviador/internal/runtime/supervisor"
	logx "enviador/pkg/logx"
)

const (
	EventQueued   = "job.queued"
	EventStarted  = "job.started"
	EventFinished = "job.finished"
	EventFailed   = "job.failed"
)

// Event is the payload of job.* bus events.
type Event struct {
	ID       string `json:"job_id"`
	Owner    string `json:"owner"`
	Channel  string `json:"channel"`
	State    State  `json:"state"`
	Total    int    `json:"total"`
	Success  int    `json:"success"`
	Failed   int    `json:"failed"`
	Canceled bool   `json:"canceled"`
	Error    string `json:"error,omitempty"`
}

func eventFor(j Job) Event {
	return Event{
		ID: j.ID, Owner: j.Owner, Channel: j.Channel, State: j.State,
		Total: j.Total, Success: j.Success, Failed: j.Failed, Canceled: j.Canceled, Error: j.Error,
	}
}

// Engine executes one dispatch request.
type Engine interface {
	Run(ctx context.Context, req *dispatch.Request, h dispatch.Hooks) (dispatch.Result, error)
}

// Archive keeps finished jobs beyond the in-memory store.
type Archive interface {
	SaveJob(ctx context.Context, j Job) error
}

type RunnerConfig struct {
	Workers   int
	QueueSize int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Stats is a point-in-time view of the runner.
type Stats struct {
	Workers  int `json:"workers"`
	Running  int `json:"running"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
}

// Runner executes jobs from a bounded queue on a fixed set of supervised
// workers. A job's sends all happen on the worker that picked it up.
type Runner struct {
	mu      sync.Mutex
	cfg     RunnerConfig
	log     logx.Logger
	bus     eventbus.Bus
	store   *Store
	engine  Engine
	archive Archive

	q        chan string
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	running atomic.Int32
}

func NewRunner(cfg RunnerConfig, store *Store, engine Engine, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "jobs")),
		bus:    bus,
		store:  store,
		engine: engine,
	}
}

func (r *Runner) SetArchive(a Archive) {
	r.mu.Lock()
	r.archive = a
	r.mu.Unlock()
}

func (r *Runner) Store() *Store { return r.store }

// Supervisor returns the worker supervisor (nil when stopped).
func (r *Runner) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

// Start launches the workers. It is idempotent.
func (r *Runner) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopCh != nil {
		done := r.stopDone
		r.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		r.mu.Lock()
		if r.stopCh != nil {
			r.mu.Unlock()
			return
		}
	}

	cfg := r.cfg
	r.q = make(chan string, cfg.QueueSize)
	r.stopCh = make(chan struct{})
	r.stopDone = nil
	queue, stopCh := r.q, r.stopCh
	r.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	r.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			r.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	r.log.Info("job runner started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running jobs and waits for the workers until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	r.stopDone = done
	close(r.stopCh)
	sup := r.sup
	r.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		r.mu.Lock()
		q := r.q
		r.q = nil
		r.stopCh = nil
		r.stopDone = nil
		r.sup = nil
		r.mu.Unlock()
		r.drain(q)
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("job runner stopped")
	case <-ctx.Done():
		r.log.Warn("job runner stop timed out", logx.Err(ctx.Err()))
	}
}

// drain fails jobs still waiting in q.
func (r *Runner) drain(q chan string) {
	for {
		select {
		case id := <-q:
			r.store.MarkError(id, "interrupted: service stopping")
			r.finish(context.Background(), id, EventFailed)
		default:
			return
		}
	}
}

// Submit creates a job for req and queues it without blocking. When the
// queue is full the job is kept in the error state and ErrQueueFull is
// returned together with its id.
//
// Create and enqueue happen under r.mu so that Stop's drain, which takes the
// same lock, always sees an accepted job.
func (r *Runner) Submit(req *dispatch.Request, owner string) (string, error) {
	r.mu.Lock()
	q := r.q
	if q == nil || r.stopDone != nil {
		r.mu.Unlock()
		return "", ErrStopped
	}
	id := r.store.Create(req, owner)
	queued := false
	select {
	case q <- id:
		queued = true
	default:
	}
	r.mu.Unlock()

	if queued {
		r.publish(EventQueued, id)
		r.log.Debug("job queued", logx.Job(id), logx.Int("queue_len", len(q)))
		return id, nil
	}
	r.store.MarkError(id, "queue full, try again later")
	r.publish(EventFailed, id)
	r.log.Warn("job rejected: queue full", logx.Job(id), logx.Int("queue_cap", cap(q)))
	return id, ErrQueueFull
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	q := r.q
	workers := r.cfg.Workers
	r.mu.Unlock()
	st := Stats{Workers: workers, Running: int(r.running.Load())}
	if q != nil {
		st.QueueLen, st.QueueCap = len(q), cap(q)
	}
	return st
}

func (r *Runner) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			r.running.Add(1)
			r.exec(ctx, id)
			r.running.Add(-1)
		}
	}
}

func (r *Runner) exec(ctx context.Context, id string) {
	req, ok := r.store.Request(id)
	if !ok {
		return
	}
	log := r.log.With(logx.Job(id))

	if r.store.IsCanceled(id) {
		r.store.MarkDone(id, dispatch.Result{Canceled: true})
		log.Info("job canceled before start")
		r.finish(ctx, id, EventFinished)
		return
	}

	r.store.MarkRunning(id)
	r.publish(EventStarted, id)
	start := time.Now()

	res, err := r.runSafe(ctx, id, req, log)
	if err != nil {
		msg := errorMessage(err)
		r.store.MarkError(id, msg)
		log.Warn("job failed", logx.String("error", msg), logx.Err(err), logx.Duration("took", time.Since(start)))
		r.finish(ctx, id, EventFailed)
		return
	}
	r.store.MarkDone(id, res)
	log.Info("job finished",
		logx.Int("total", res.Total),
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
		logx.Bool("canceled", res.Canceled),
		logx.Duration("took", time.Since(start)),
	)
	r.finish(ctx, id, EventFinished)
}

func (r *Runner) runSafe(ctx context.Context, id string, req *dispatch.Request, log logx.Logger) (res dispatch.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("internal error while sending: %v", p)
		}
	}()
	return r.engine.Run(ctx, req, dispatch.Hooks{
		Total: func(n int) { r.store.SetTotal(id, n) },
		Progress: func(e dispatch.Event) {
			r.store.UpdateProgress(id, Progress{Index: e.Index, Email: e.Email, Status: string(e.Status), Message: e.Message})
		},
		Canceled: func() bool { return r.store.IsCanceled(id) },
	})
}

func errorMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "interrupted: service stopping"
	}
	return err.Error()
}

func (r *Runner) finish(ctx context.Context, id, typ string) {
	j, ok := r.publish(typ, id)
	if !ok {
		return
	}
	r.mu.Lock()
	a := r.archive
	r.mu.Unlock()
	if a == nil {
		return
	}
	// The worker context may already be canceled during shutdown.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.SaveJob(actx, j); err != nil {
		r.log.Warn("archive job failed", logx.Job(id), logx.Err(err))
	}
}

func (r *Runner) publish(typ, id string) (Job, bool) {
	j, ok := r.store.Get(id)
	if !ok {
		return Job{}, false
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: j.UpdatedAt, Data: eventFor(j)})
	}
	return j, true
}
