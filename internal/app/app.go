// Package app wires postwave's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"postwave/internal/config"
	"postwave/internal/content"
	"postwave/internal/eventbus"
	"postwave/internal/model"
	"postwave/internal/platform"
	"postwave/internal/platform/bluesky"
	"postwave/internal/platform/discord"
	"postwave/internal/platform/facebook"
	"postwave/internal/platform/instagram"
	"postwave/internal/platform/telegram"
	"postwave/internal/publish"
	"postwave/internal/queue"
	"postwave/internal/runtime/sdnotify"
	"postwave/internal/runtime/supervisor"
	"postwave/internal/storage"
	"postwave/internal/transport/httpapi"
	"postwave/internal/trigger"
	logx "postwave/pkg/logx"
)

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry  *platform.Registry
	publisher *publish.Publisher
	queue     *queue.Manager
	trigger   *trigger.Trigger
	service   *publish.Service
	http      *httpapi.Server
	notify    *sdnotify.Notifier
}

type Option func(*options)

type options struct {
	environ map[string]string
	client  *http.Client
}

// WithEnviron replaces the process environment used for config overrides.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// WithHTTPClient sets the client platform plugins call out with.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.client = hc }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, config.WithEnviron(o.environ))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storageDriver(sc.Driver)))

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
	}

	if err := a.seedAccounts(context.Background(), cfg); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	hc := o.client
	if hc == nil {
		hc = &http.Client{}
	}
	a.registry = platform.NewRegistry(hc, log.With(logx.String("comp", "platform")))
	a.registry.Register(platform.Bluesky, bluesky.New)
	a.registry.Register(platform.Facebook, facebook.New)
	a.registry.Register(platform.Instagram, instagram.New)
	a.registry.Register(platform.Telegram, telegram.New)
	a.registry.Register(platform.Discord, discord.New)
	a.registry.Configure(mapPlatformSettings(cfg), content.DefaultRules())
	a.checkAccountPlatforms(cfg)

	a.publisher = publish.NewPublisher(store, a.registry, mapPublisherConfig(cfg),
		publish.WithLogger(log.With(logx.String("comp", "publisher"))),
		publish.WithBus(bus),
	)
	a.queue = queue.New(mapQueueConfig(cfg), a.publisher,
		queue.WithLogger(log.With(logx.String("comp", "queue"))),
		queue.WithBus(bus),
	)
	a.publisher.AttachQueue(a.queue)

	a.trigger = trigger.New(mapTriggerConfig(cfg), store, a.publisher,
		trigger.WithLogger(log.With(logx.String("comp", "trigger"))),
	)
	a.service = publish.NewService(store, a.queue, a.publisher, a.trigger, log.With(logx.String("comp", "service")))

	if cfg.HTTP.Enabled {
		a.http = httpapi.New(mapHTTPConfig(cfg), a.service, bus, log.With(logx.String("comp", "http")))
	}
	a.notify = sdnotify.New(cfg.Systemd.Notify, log.With(logx.String("comp", "sdnotify")))

	return a, nil
}

func (a *App) Service() *publish.Service { return a.service }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

// Start launches every background component. The returned error is for
// startup failures; runtime failures cancel the supervisor context, which
// Done exposes.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	if err := a.queue.Start(runCtx); err != nil {
		return err
	}
	if err := a.trigger.Start(runCtx); err != nil {
		return err
	}
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}

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
					if e.Kind.IsFailure() {
						a.log.Info("event", logx.String("kind", string(e.Kind)), logx.Any("data", e.Data))
						continue
					}
					a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	// lastApplied is read with the subscription so a reload that lands
	// before the goroutine runs is still diffed against the running config.
	sub := a.cfgm.Subscribe(8)
	lastApplied := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notify.Ready()
	a.notify.Status("serving")
	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		a.notify.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("app started",
		logx.Bool("http", a.http != nil),
		logx.Any("platforms", a.registry.Enabled()),
	)
	return nil
}

// Done is closed when the run context ends, either from the parent or
// because a supervised component failed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first component failure, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// applyConfig pushes a reloaded config into the running components.
// Sections that cannot change live are only logged.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Summarize(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if ch.Has("platforms") {
		a.registry.Configure(mapPlatformSettings(newCfg), nil)
	}
	if ch.Has("accounts") {
		if err := a.seedAccounts(ctx, newCfg); err != nil {
			a.log.Warn("account seeding failed", logx.Err(err))
		}
	}
	if ch.Has("platforms") || ch.Has("accounts") {
		a.checkAccountPlatforms(newCfg)
	}
	if ch.Has("publisher") {
		a.publisher.Apply(mapPublisherConfig(newCfg))
	}
	if ch.Has("queue") {
		a.queue.Apply(mapQueueConfig(newCfg))
	}
	if ch.Has("trigger") {
		if err := a.trigger.Apply(mapTriggerConfig(newCfg)); err != nil {
			a.log.Warn("trigger config not applied; keeping previous", logx.Err(err))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", ch.Restart))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

// seedAccounts upserts the accounts listed in the config. Accounts created
// through other means are left alone.
func (a *App) seedAccounts(ctx context.Context, cfg *config.Config) error {
	var errs []error
	for _, ac := range cfg.Accounts {
		_, err := a.store.UpsertAccount(ctx, model.Account{
			ID:          strings.TrimSpace(ac.ID),
			Platform:    platform.ID(ac.Platform),
			ExternalID:  strings.TrimSpace(ac.ExternalID),
			Handle:      strings.TrimSpace(ac.Handle),
			AccessToken: ac.AccessToken,
			Disabled:    ac.Disabled,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", ac.ID, err))
		}
	}
	if len(cfg.Accounts) > 0 {
		a.log.Info("accounts seeded", logx.Int("count", len(cfg.Accounts)-len(errs)))
	}
	return errors.Join(errs...)
}

// checkAccountPlatforms warns about active accounts whose platform cannot
// publish. Their platform posts would fail at publish time.
func (a *App) checkAccountPlatforms(cfg *config.Config) {
	for _, ac := range cfg.Accounts {
		if ac.Disabled {
			continue
		}
		if err := a.registry.Require(platform.ID(ac.Platform)); err != nil {
			a.log.Warn("account platform unavailable", logx.String("account", ac.ID), logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeIdle()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "trigger", 2*time.Second, a.trigger.Stop)
	a.step(ctx, "queue", 10*time.Second, a.queue.Stop)
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeIdle releases resources of an app that was never started.
func (a *App) closeIdle() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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

func storageDriver(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
