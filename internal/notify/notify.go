// Package notify forwards job outcomes to an operator chat.
package notify

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"enviador/internal/eventbus"
	"enviador/internal/jobs"
	rtsup "enviador/internal/runtime/supervisor"
	logx "enviador/pkg/logx"
)

const (
	EventSent   = "notify.sent"
	EventFailed = "notify.failed"
)

// Target is a chat, optionally a forum topic inside it.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one text message.
type Sender interface {
	SendText(ctx context.Context, to Target, text string) error
}

type Config struct {
	Target       Target
	OnlyFailures bool
	Timeout      time.Duration

	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Result is the payload of notify.* bus events.
type Result struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// Service listens for finished jobs on the bus and reports them, one
// message per job, rate limited and retried with backoff.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	sup   *rtsup.Supervisor
	unsub func()
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "notify")),
	}
}

// Start subscribes to job.finished and job.failed. It is a no-op when
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil || s.sender == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64, jobs.EventFinished, jobs.EventFailed)
	s.unsub = unsub
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("notify.loop", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ctx, e)
			}
		}
	})
	s.log.Info("notifier started", logx.Int64("chat_id", s.cfg.Target.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("notifier stop timed out", logx.Err(err))
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(jobs.Event)
	if !ok {
		return
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.OnlyFailures && !failed(ev) {
		return
	}
	err := s.send(ctx, cfg, Format(ev))
	res := Result{JobID: ev.ID}
	typ := EventSent
	if err != nil {
		typ = EventFailed
		res.Error = err.Error()
		s.log.Warn("notification failed", logx.Job(ev.ID), logx.Err(err))
	} else {
		s.log.Debug("notification sent", logx.Job(ev.ID))
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: res})
}

func (s *Service) send(ctx context.Context, cfg Config, text string) error {
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		lastErr = s.sender.SendText(cctx, cfg.Target, text)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

func failed(ev jobs.Event) bool {
	return ev.State == jobs.StateError || ev.Failed > 0
}

// Format renders the message for one job.
func Format(ev jobs.Event) string {
	var b strings.Builder
	switch {
	case ev.State == jobs.StateError:
		b.WriteString("🚨 Job failed")
	case ev.Canceled:
		b.WriteString("⏹ Job canceled")
	case ev.Failed > 0:
		b.WriteString("⚠️ Job finished with failures")
	default:
		b.WriteString("✅ Job finished")
	}
	fmt.Fprintf(&b, "\nid: %s", ev.ID)
	if ev.Owner != "" {
		fmt.Fprintf(&b, "\nowner: %s", ev.Owner)
	}
	if ev.Channel != "" {
		fmt.Fprintf(&b, "\nchannel: %s", ev.Channel)
	}
	fmt.Fprintf(&b, "\nsent: %d/%d, failed: %d", ev.Success, ev.Total, ev.Failed)
	if ev.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", ev.Error)
	}
	return b.String()
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
