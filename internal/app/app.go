// Package app wires the daemon: config, logging, the event bus, the bot
// manager and its attachments (webhooks, metrics), plus the hot-reload and
// shutdown choreography around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devincii-io/Botman/internal/config"
	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/botman"
	"github.com/devincii-io/Botman/pkg/botmetrics"
	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
)

// StopReason labels why the daemon is going down; it only feeds logs.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal_error"
)

// App is the daemon. A Manager is single-use, so the App rebuilds and swaps
// it on config changes while the bus, logging and metrics endpoint live for
// the whole process.
type App struct {
	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *events.Bus

	mu  sync.Mutex
	mgr *botman.Manager

	metricsSrv *http.Server
	obs        *botmetrics.EventObserver
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	busGrace, err := config.ParseDurationField("events.stop_grace", cfg.Events.StopGrace)
	if err != nil {
		return nil, err
	}
	bus := events.New(events.Config{StopGrace: busGrace}, log.With(logx.String("comp", "events")))

	mgr, err := buildManager(cfg, log, bus)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm: cfgm,
		log:  log,
		logs: logs,
		bus:  bus,
		mgr:  mgr,
	}, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// buildManager assembles a Manager from config: engine sizing, one bot per
// enabled declaration, one hook per webhook. The bus stays the caller's.
func buildManager(cfg *config.Config, log logx.Logger, bus *events.Bus) (*botman.Manager, error) {
	tick, err := config.ParseDurationField("manager.tick", cfg.Manager.Tick)
	if err != nil {
		return nil, err
	}
	mcfg := botman.Config{
		Name: cfg.Manager.Name,
		Tick: tick,
		Engine: botman.EngineConfig{
			Workers:   cfg.Manager.Workers,
			QueueSize: cfg.Manager.QueueSize,
		},
	}
	m := botman.New(mcfg, log, bus)

	for _, bc := range cfg.Bots {
		if bc.Disabled {
			log.Info("bot disabled, skipping", logx.String("bot", bc.Name))
			continue
		}
		call, err := buildCallable(bc, log.With(logx.String("bot", bc.Name)))
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", bc.Name, err)
		}
		retryDelay, err := config.ParseDurationField("retry_delay", bc.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", bc.Name, err)
		}
		cooldown, err := config.ParseDurationField("timeout", bc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", bc.Name, err)
		}
		nb, err := bot.New(bot.Config{
			Name:           bc.Name,
			Schedule:       bc.Schedule,
			Schedules:      bc.Schedules,
			Callable:       call,
			Retries:        bc.Retries,
			RetryDelay:     retryDelay,
			InitialTimeout: cooldown,
			PlatformBound:  bc.PlatformBound,
		})
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", bc.Name, err)
		}
		if err := m.Add(nb); err != nil {
			return nil, err
		}
	}

	for _, wc := range cfg.Webhooks {
		types, err := events.ParseTypes(wc.Events)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", wc.Kind, err)
		}
		if err := m.SubscribeWebhook(wc.Kind, wc.Target, types...); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", wc.Kind, err)
		}
	}
	return m, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Snapshot reports the current manager. It is the scrape source for the
// metrics collector and stays valid across reload swaps.
func (a *App) Snapshot() botman.ManagerSnapshot {
	a.mu.Lock()
	m := a.mgr
	a.mu.Unlock()
	if m == nil {
		return botman.ManagerSnapshot{}
	}
	return m.Snapshot()
}

func (a *App) manager() *botman.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)
	cfg := a.cfgm.Get()

	// Reloads are transactional: a file change that fails validation is
	// logged and never published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	a.bus.Start()
	a.manager().Start(a.sup.Context())

	if cfg.Metrics.Enabled {
		a.startMetrics(cfg.Metrics.Addr)
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.notifySystemd()

	a.log.Info("daemon started",
		logx.Int("bots", a.Snapshot().Bots),
		logx.Bool("metrics", cfg.Metrics.Enabled))
	return nil
}

// reloadLoop applies published config updates: logging live, the manager by
// rebuild-and-swap, the rest with a restart warning.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			changed, attrs, botChanged := config.SummarizeChange(lastApplied, newCfg)
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			if len(botChanged) > 0 {
				a.log.Debug("bot config changes detected", logx.Any("bots", botChanged))
			}
			lastApplied = newCfg

			var rebuild bool
			for _, s := range changed {
				switch s {
				case "logging":
					a.logs.Apply(mapLogging(newCfg.Logging))
				case "metrics", "events":
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				case "manager", "bots", "webhooks":
					rebuild = true
				}
			}
			if rebuild {
				a.swapManager(ctx, newCfg)
			}

			a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
		}
	}
}

// swapManager replaces the running manager with one built from cfg. The old
// manager drains within its stop grace first so the two never poll at once.
func (a *App) swapManager(ctx context.Context, cfg *config.Config) {
	next, err := buildManager(cfg, a.log, a.bus)
	if err != nil {
		a.log.Warn("manager rebuild failed; keeping the running one", logx.Err(err))
		return
	}

	grace, _ := config.ParseDurationOrDefault("manager.stop_grace", cfg.Manager.StopGrace, 10*time.Second)

	a.mu.Lock()
	prev := a.mgr
	a.mgr = next
	a.mu.Unlock()

	if prev != nil {
		stopCtx, cancel := context.WithTimeout(ctx, grace)
		prev.Stop(stopCtx)
		cancel()
	}
	next.Start(ctx)
	a.log.Info("manager rebuilt", logx.Int("bots", next.Snapshot().Bots))
}

// startMetrics serves Prometheus exposition plus pprof on one localhost
// listener. A failed listen is fatal through the supervisor.
func (a *App) startMetrics(addr string) {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:9090"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		botmetrics.NewCollector(a),
	)
	a.obs = botmetrics.NewEventObserver(reg, a.bus)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.metricsSrv = srv

	a.sup.Go("metrics.http", func(context.Context) error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("metrics endpoint up", logx.String("addr", addr))
}

// notifySystemd reports readiness and feeds the watchdog when the process
// runs under systemd; elsewhere both calls are no-ops.
func (a *App) notifySystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd-notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd-notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("sd-notify watchdog failed", logx.Err(err))
				}
			}
		}
	})
	a.log.Debug("systemd watchdog armed", logx.Duration("interval", interval))
}

// Stop unwinds in dependency order: scheduling and execution first, bus
// drain next, then the metrics listener and remaining goroutines. Every
// step is individually bounded so one stall cannot hang shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd-notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	mgrGrace := 10 * time.Second
	if cfg := a.cfgm.Get(); cfg != nil {
		if d, err := config.ParseDurationOrDefault("manager.stop_grace", cfg.Manager.StopGrace, mgrGrace); err == nil {
			mgrGrace = d
		}
	}

	step("manager", mgrGrace, func(c context.Context) error {
		if m := a.manager(); m != nil {
			m.Stop(c)
		}
		return nil
	})
	step("events", 6*time.Second, func(c context.Context) error {
		return a.bus.Stop(c)
	})
	if a.obs != nil {
		a.obs.Close()
	}
	if a.metricsSrv != nil {
		step("metrics", 2*time.Second, a.metricsSrv.Shutdown)
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.logs.Close()
	a.log.Info("stopped")
	return nil
}
