// Package app wires configuration, storage, the dispatch engine, the job
// runner and the HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"enviador/internal/api"
	"enviador/internal/config"
	"enviador/internal/eventbus"
	"enviador/internal/jobs"
	"enviador/internal/notify"
	rtsup "enviador/internal/runtime/supervisor"
	"enviador/internal/storage"
	"enviador/internal/whatsapp"
	logx "enviador/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dispatch *Dispatch
	jobs     *jobs.Runner
	janitor  *jobs.Janitor
	api      *api.Server
	notif    *notify.Service

	retention       time.Duration
	shutdownTimeout time.Duration
	cron            *cron.Cron
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	whatsapp whatsapp.API
}

// WithWhatsApp sets the vendor client used by the WhatsApp channel.
func WithWhatsApp(api whatsapp.API) Option {
	return func(o *options) { o.whatsapp = api }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	retention, err := mapRetention(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	disp, err := NewDispatch(cfg, o.whatsapp, root)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	jobStore := jobs.NewStore(storeCfg)
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
	}, jobStore, disp.Engine, root, bus)
	janitor := jobs.NewJanitor(jobStore, cfg.Jobs.PruneSchedule, root)

	httpCfg, err := mapHTTP(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	deps := api.Deps{Jobs: runner, Dispatcher: disp.Engine}
	if store != nil {
		arch := jobArchive{store: store}
		runner.SetArchive(arch)
		deps.Archive = arch
		if cfg.Storage.AuditEnabled() {
			auditLog := root.With(logx.String("comp", "audit"))
			deps.Audit = func(ctx context.Context, a api.Audit) {
				if err := store.AppendAudit(ctx, auditEntry(a)); err != nil {
					auditLog.Warn("audit append failed", logx.String("action", a.Action), logx.Err(err))
				}
			}
		}
	}
	srv := api.New(httpCfg, deps, root)

	var notif *notify.Service
	if ncfg, enabled, err := mapNotify(cfg); err != nil {
		return nil, closeOnErr(store, err)
	} else if enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Token, ncfg.Timeout)
		if err != nil {
			return nil, closeOnErr(store, err)
		}
		notif = notify.New(ncfg, tg, bus, root)
	}

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		dispatch:  disp,
		jobs:      runner,
		janitor:   janitor,
		api:       srv,
		notif:     notif,
		retention: retention,

		shutdownTimeout: shutdown,
	}, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

// Server returns the HTTP API server.
func (a *App) Server() *api.Server { return a.api }

// Jobs returns the background job runner.
func (a *App) Jobs() *jobs.Runner { return a.jobs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads are validated before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapHTTP(cfg); err != nil {
			return err
		}
		if _, err := mapPolicy(cfg); err != nil {
			return err
		}
		if _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapNotify(cfg); err != nil {
			return err
		}
		return jobs.ValidSchedule(orDefault(cfg.Jobs.PruneSchedule, jobs.DefaultPruneSchedule))
	})

	runCtx := a.sup.Context()
	a.jobs.Start(runCtx)
	if err := a.janitor.Start(); err != nil {
		return fmt.Errorf("jobs.prune_schedule: %w", err)
	}
	if a.notif != nil {
		a.notif.Start(runCtx)
	}
	if a.store != nil && a.retention > 0 {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc("@hourly", a.pruneArchive); err != nil {
			return err
		}
		a.cron.Start()
		a.sup.Go0("storage.prune.initial", func(context.Context) { a.pruneArchive() })
	}
	a.api.Start(runCtx)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig applies the live sections of a reloaded config.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(newCfg))

	if sc, err := mapStoreConfig(newCfg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.jobs.Store().Apply(sc)
	}
	if err := a.janitor.Reschedule(ctx, newCfg.Jobs.PruneSchedule); err != nil {
		a.log.Warn("invalid jobs.prune_schedule; keeping previous", logx.Err(err))
	}
	a.dispatch.WhatsApp.SetRate(newCfg.WhatsApp.RatePerSec, newCfg.WhatsApp.Burst)

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) pruneArchive() {
	if a.store == nil || a.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.store.PruneJobs(ctx, time.Now().Add(-a.retention))
	if err != nil {
		a.log.Warn("archive prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		a.log.Info("archive pruned", logx.Int("removed", n), logx.Duration("retention", a.retention))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop intake first so no job is accepted after the runner drains.
	step("api", a.shutdownTimeout, func(c context.Context) error { a.api.Stop(c); return nil })
	a.sup.Cancel()
	step("jobs", 5*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("janitor", time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("retention", time.Second, func(c context.Context) error {
		if a.cron != nil {
			select {
			case <-a.cron.Stop().Done():
			case <-c.Done():
				return c.Err()
			}
		}
		return nil
	})
	step("notify", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
