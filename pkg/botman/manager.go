package botman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
	"github.com/devincii-io/Botman/pkg/webhook"
)

// Manager is the front door: it registers bots, polls their schedules on a
// fixed tick and feeds the engine. A Manager is single-use; build a fresh
// one instead of restarting.
type Manager struct {
	log    logx.Logger
	cfg    Config
	bus    *events.Bus
	ownBus bool
	engine *Engine

	mu       sync.Mutex
	bots     []*bot.Bot
	byName   map[string]*bot.Bot
	hooks    []*webhook.Hook
	stopCh   chan struct{}
	loopDone chan struct{}
	stopped  bool
}

// New builds a Manager. A nil bus means the Manager constructs and owns its
// own (started and stopped with the Manager); an injected bus stays the
// caller's to run.
func New(cfg Config, log logx.Logger, bus *events.Bus) *Manager {
	cfg = cfg.withDefaults()
	own := false
	if bus == nil {
		bus = events.New(cfg.Bus, log)
		own = true
	}
	m := &Manager{
		log:    log.With(logx.String("manager", cfg.Name)),
		cfg:    cfg,
		bus:    bus,
		ownBus: own,
		byName: map[string]*bot.Bot{},
	}
	m.engine = NewEngine(cfg.Engine, m.log, bus)
	return m
}

// Bus exposes the event bus for subscriber registration.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Engine exposes the execution engine, mainly for diagnostics.
func (m *Manager) Engine() *Engine { return m.engine }

// Add registers a bot. Names are unique per Manager; adding while running
// is fine, the bot is considered from the next tick.
func (m *Manager) Add(b *bot.Bot) error {
	if b == nil {
		return errors.New("nil bot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[b.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateBotName, b.Name())
	}
	m.byName[b.Name()] = b
	m.bots = append(m.bots, b)
	m.log.Info("bot added",
		logx.String("bot", b.Name()),
		logx.String("id", b.ID()),
		logx.Any("schedules", b.Metrics().Schedules))
	return nil
}

// Remove unregisters a bot by name. An in-flight cycle finishes on its own;
// it just will not be scheduled again.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBotNotFound, name)
	}
	delete(m.byName, name)
	for i := range m.bots {
		if m.bots[i] == b {
			m.bots = append(m.bots[:i], m.bots[i+1:]...)
			break
		}
	}
	m.log.Info("bot removed", logx.String("bot", name))
	return nil
}

// Start launches the engine and the polling loop. It is a no-op on a
// running or stopped Manager.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.loopDone = make(chan struct{})
	stopCh := m.stopCh
	loopDone := m.loopDone
	bots := len(m.bots)
	m.mu.Unlock()

	if m.ownBus {
		m.bus.Start()
	}
	m.engine.Start(ctx)
	go m.loop(ctx, stopCh, loopDone)

	m.log.Info("manager started", logx.Duration("tick", m.cfg.Tick), logx.Int("bots", bots))
}

// Stop halts scheduling, drains the engine within ctx's deadline and closes
// webhook senders. The owned bus (if any) is stopped last so late events
// still reach subscribers.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	stopCh := m.stopCh
	loopDone := m.loopDone
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		select {
		case <-loopDone:
		case <-ctx.Done():
		}
	}
	m.engine.Stop(ctx)

	for _, h := range hooks {
		h.Detach(m.bus)
	}
	if m.ownBus {
		if err := m.bus.Stop(ctx); err != nil {
			m.log.Warn("event bus drain incomplete", logx.Err(err))
		}
	}
	m.log.Info("manager stopped")
}

func (m *Manager) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			m.pollOnce(now)
		}
	}
}

// pollOnce evaluates due-ness for every bot against one tick instant. Bot
// locks are never held across the dispatch call.
func (m *Manager) pollOnce(now time.Time) {
	m.mu.Lock()
	bots := make([]*bot.Bot, len(m.bots))
	copy(bots, m.bots)
	m.mu.Unlock()

	for _, b := range bots {
		if !b.ConsumeDue(now) {
			continue
		}
		if err := m.engine.Dispatch(b, OriginSchedule); err != nil {
			m.log.Warn("scheduled dispatch failed", logx.String("bot", b.Name()), logx.Err(err))
		}
	}
}

// Run dispatches one bot immediately, subject to the same exclusivity and
// cooldown gates as scheduled runs. The bot's schedule is not consumed.
func (m *Manager) Run(name string) error {
	m.mu.Lock()
	b, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrBotNotFound, name)
	}
	return m.engine.Dispatch(b, OriginManual)
}

// RunAll dispatches every registered bot, skipping the ones that are
// running or cooling down. Fire and forget; detail lands in events/logs.
func (m *Manager) RunAll() {
	m.mu.Lock()
	bots := make([]*bot.Bot, len(m.bots))
	copy(bots, m.bots)
	m.mu.Unlock()

	for _, b := range bots {
		if err := m.engine.Dispatch(b, OriginManual); err != nil {
			m.log.Debug("run-all skipped bot", logx.String("bot", b.Name()), logx.Err(err))
		}
	}
}

// Metrics snapshots every bot in registration order.
func (m *Manager) Metrics() []bot.Metrics {
	m.mu.Lock()
	bots := make([]*bot.Bot, len(m.bots))
	copy(bots, m.bots)
	m.mu.Unlock()

	out := make([]bot.Metrics, 0, len(bots))
	for _, b := range bots {
		out = append(out, b.Metrics())
	}
	return out
}

func (m *Manager) MetricsByName(name string) (bot.Metrics, error) {
	m.mu.Lock()
	b, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return bot.Metrics{}, fmt.Errorf("%w: %q", ErrBotNotFound, name)
	}
	return b.Metrics(), nil
}

// SubscribeWebhook builds a sender for kind/target and attaches it to the
// bus, filtered to the given event types (none means all). The hook is
// detached and its sender closed when the Manager stops.
func (m *Manager) SubscribeWebhook(kind, target string, types ...events.Type) error {
	snd, err := webhook.New(kind, target)
	if err != nil {
		return err
	}
	h := webhook.Attach(m.bus, snd, m.log, types...)

	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()

	m.log.Info("webhook subscribed", logx.String("kind", snd.Kind()), logx.Int("types", len(types)))
	return nil
}

// Snapshot returns the operator view: manager, engine and bus state plus
// per-bot metrics.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	running := m.stopCh != nil && !m.stopped
	botCount := len(m.bots)
	webhooks := len(m.hooks)
	m.mu.Unlock()

	return ManagerSnapshot{
		Name:     m.cfg.Name,
		Running:  running,
		Tick:     m.cfg.Tick,
		Bots:     botCount,
		Webhooks: webhooks,
		Engine:   m.engine.Snapshot(),
		Bus:      m.bus.Snapshot(),
		Metrics:  m.Metrics(),
	}
}
