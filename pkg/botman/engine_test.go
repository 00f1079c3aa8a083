package botman

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		<-tick.C
	}
}

// eventSink records bus deliveries for assertions.
type eventSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *eventSink) add(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *eventSink) ofType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) countType(t events.Type) int { return len(s.ofType(t)) }

func newBusAndSink(t *testing.T) (*events.Bus, *eventSink) {
	t.Helper()
	bus := events.New(events.Config{}, logx.Nop())
	bus.Start()
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	sink := &eventSink{}
	bus.Subscribe(events.AllBots(), sink.add)
	return bus, sink
}

func mustBot(t *testing.T, cfg bot.Config) *bot.Bot {
	t.Helper()
	if cfg.Schedule == "" && len(cfg.Schedules) == 0 {
		// A date that is almost never imminent keeps the scheduler quiet.
		cfg.Schedule = "30 4 1 1 *"
	}
	b, err := bot.New(cfg)
	if err != nil {
		t.Fatalf("bot.New: %v", err)
	}
	return b
}

func startedEngine(t *testing.T, cfg EngineConfig, bus *events.Bus) *Engine {
	t.Helper()
	e := NewEngine(cfg, logx.Nop(), bus)
	e.Start(context.Background())
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func TestEngineRunSuccess(t *testing.T) {
	t.Parallel()

	bus, sink := newBusAndSink(t)
	e := startedEngine(t, EngineConfig{Workers: 2, QueueSize: 4}, bus)

	b := mustBot(t, bot.Config{
		Name:     "greeter",
		Callable: func(ctx context.Context) error { return nil },
	})
	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		m := b.Metrics()
		return m.Runs == 1 && m.State == bot.StateIdle && !m.LastRun.IsZero()
	}, "run completed")

	waitUntil(t, 2*time.Second, func() bool { return sink.countType(events.TypeInfo) == 1 }, "completion event")
	info := sink.ofType(events.TypeInfo)[0]
	if !strings.HasPrefix(info.Description, "run completed in ") {
		t.Fatalf("unexpected completion description %q", info.Description)
	}
	if info.BotName != "greeter" || info.BotID != b.ID() {
		t.Fatalf("event attribution = %q/%q", info.BotName, info.BotID)
	}

	dbg := sink.ofType(events.TypeDebug)
	if len(dbg) == 0 || dbg[0].Description != "run started (manual)" {
		t.Fatalf("missing run-started event, got %v", dbg)
	}
	if m := b.Metrics(); m.Errors != 0 {
		t.Fatalf("errors = %d, want 0", m.Errors)
	}
}

func TestEngineRetryThenTimeout(t *testing.T) {
	t.Parallel()

	bus, sink := newBusAndSink(t)
	e := startedEngine(t, EngineConfig{Workers: 1, QueueSize: 4}, bus)

	b := mustBot(t, bot.Config{
		Name:           "flaky",
		Retries:        3,
		RetryDelay:     10 * time.Millisecond,
		InitialTimeout: time.Hour,
		Callable:       func(ctx context.Context) error { return errors.New("boom") },
	})
	if err := e.Dispatch(b, OriginSchedule); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// One attempt error per retry, then the timeout announcement.
	waitUntil(t, 3*time.Second, func() bool { return sink.countType(events.TypeError) == 4 }, "4 error events")

	m := b.Metrics()
	if m.State != bot.StateTimeout {
		t.Fatalf("state = %s, want timeout", m.State)
	}
	if m.Runs != 1 {
		t.Fatalf("runs = %d, want 1", m.Runs)
	}
	if m.Errors != 3 {
		t.Fatalf("errors = %d, want 3", m.Errors)
	}
	if !m.LastRun.IsZero() {
		t.Fatalf("last run = %v, want zero until a success", m.LastRun)
	}
	if !m.TimeoutUntil.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("timeout until = %v, want about an hour out", m.TimeoutUntil)
	}

	errs := sink.ofType(events.TypeError)
	for i := 0; i < 3; i++ {
		if errs[i].Description != "boom" {
			t.Fatalf("error %d description = %q, want boom", i, errs[i].Description)
		}
		se, ok := errs[i].Data.(*events.SoftError)
		if !ok {
			t.Fatalf("error %d data = %T, want *events.SoftError", i, errs[i].Data)
		}
		if se.BotName != "flaky" {
			t.Fatalf("soft error bot = %q", se.BotName)
		}
	}
	if !strings.HasPrefix(errs[3].Description, "retries exhausted, in timeout until ") {
		t.Fatalf("final error description = %q", errs[3].Description)
	}

	// Still cooling down, so another dispatch is refused.
	if err := e.Dispatch(b, OriginManual); !errors.Is(err, bot.ErrInTimeout) {
		t.Fatalf("dispatch during timeout = %v, want ErrInTimeout", err)
	}
}

func TestEngineDispatchExclusive(t *testing.T) {
	t.Parallel()

	bus, _ := newBusAndSink(t)
	e := startedEngine(t, EngineConfig{Workers: 2, QueueSize: 4}, bus)

	release := make(chan struct{})
	b := mustBot(t, bot.Config{
		Name: "slowpoke",
		Callable: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return b.Metrics().Runs == 1 }, "worker picked up the cycle")

	if err := e.Dispatch(b, OriginManual); !errors.Is(err, bot.ErrAlreadyRunning) {
		t.Fatalf("second dispatch = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	waitUntil(t, 2*time.Second, func() bool { return b.State() == bot.StateIdle }, "bot back to idle")

	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch after completion: %v", err)
	}
}

func TestEngineQueueFullRejects(t *testing.T) {
	t.Parallel()

	bus, sink := newBusAndSink(t)
	e := startedEngine(t, EngineConfig{Workers: 1, QueueSize: 1}, bus)

	release := make(chan struct{})
	blocking := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := mustBot(t, bot.Config{Name: "a", Callable: blocking})
	b := mustBot(t, bot.Config{Name: "b", Callable: func(ctx context.Context) error { return nil }})
	c := mustBot(t, bot.Config{Name: "c", Callable: func(ctx context.Context) error { return nil }})

	if err := e.Dispatch(a, OriginManual); err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return a.Metrics().Runs == 1 }, "worker busy with a")

	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch b (queued): %v", err)
	}
	err := e.Dispatch(c, OriginManual)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("dispatch c = %v, want ErrQueueFull", err)
	}

	// The rejected bot's claim is given back immediately.
	if st := c.State(); st != bot.StateIdle {
		t.Fatalf("rejected bot state = %s, want idle", st)
	}
	if got := e.Snapshot().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	waitUntil(t, 2*time.Second, func() bool {
		for _, ev := range sink.ofType(events.TypeWarning) {
			if ev.BotName == "c" && ev.Description == "dispatch rejected: queue full" {
				return true
			}
		}
		return false
	}, "queue-full warning event")

	close(release)
	waitUntil(t, 2*time.Second, func() bool { return b.Metrics().Runs == 1 && b.State() == bot.StateIdle }, "queued bot ran")
}

func TestEngineStopReleasesQueuedClaims(t *testing.T) {
	t.Parallel()

	bus, _ := newBusAndSink(t)
	e := NewEngine(EngineConfig{Workers: 1, QueueSize: 4}, logx.Nop(), bus)
	e.Start(context.Background())

	release := make(chan struct{})
	defer close(release)
	a := mustBot(t, bot.Config{
		Name: "a",
		Callable: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	b := mustBot(t, bot.Config{Name: "b", Callable: func(ctx context.Context) error { return nil }})

	if err := e.Dispatch(a, OriginManual); err != nil {
		t.Fatalf("dispatch a: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return a.Metrics().Runs == 1 }, "worker busy with a")
	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch b: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Stop(stopCtx)

	// b never started: no cycle on the books and the claim is back.
	if m := b.Metrics(); m.Runs != 0 || m.Errors != 0 {
		t.Fatalf("queued bot ran anyway: %+v", m)
	}
	if st := b.State(); st != bot.StateIdle {
		t.Fatalf("queued bot state = %s, want idle", st)
	}
	if err := b.TryClaim(time.Now()); err != nil {
		t.Fatalf("queued bot still claimed after stop: %v", err)
	}
	b.ReleaseClaim()

	if err := e.Dispatch(b, OriginManual); !errors.Is(err, ErrStopped) {
		t.Fatalf("dispatch after stop = %v, want ErrStopped", err)
	}
}

func TestEnginePanicBecomesError(t *testing.T) {
	t.Parallel()

	bus, sink := newBusAndSink(t)
	e := startedEngine(t, EngineConfig{Workers: 1, QueueSize: 4}, bus)

	p := mustBot(t, bot.Config{
		Name:           "volatile",
		InitialTimeout: time.Hour,
		Callable:       func(ctx context.Context) error { panic("kaboom") },
	})
	if err := e.Dispatch(p, OriginManual); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return p.State() == bot.StateTimeout }, "panicking bot parked")
	if m := p.Metrics(); m.Errors != 1 || m.Runs != 1 {
		t.Fatalf("metrics after panic: %+v", m)
	}

	waitUntil(t, 2*time.Second, func() bool { return sink.countType(events.TypeError) >= 1 }, "panic error event")
	first := sink.ofType(events.TypeError)[0]
	if first.Description != "panic: kaboom" {
		t.Fatalf("panic description = %q", first.Description)
	}

	// The worker survives the panic and keeps serving.
	ok := mustBot(t, bot.Config{Name: "steady", Callable: func(ctx context.Context) error { return nil }})
	if err := e.Dispatch(ok, OriginManual); err != nil {
		t.Fatalf("dispatch after panic: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return ok.Metrics().Runs == 1 && ok.State() == bot.StateIdle }, "next cycle ran")
}

// fakePlatform counts bracket calls and can refuse acquisition.
type fakePlatform struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (f *fakePlatform) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.acquired++
	return nil
}

func (f *fakePlatform) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakePlatform) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

func TestEnginePlatformBoundBracketsRun(t *testing.T) {
	t.Parallel()

	bus, _ := newBusAndSink(t)
	plat := &fakePlatform{}
	e := startedEngine(t, EngineConfig{Workers: 1, QueueSize: 4, Platform: plat}, bus)

	b := mustBot(t, bot.Config{
		Name:          "pinned",
		PlatformBound: true,
		Callable:      func(ctx context.Context) error { return nil },
	})
	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		acq, rel := plat.counts()
		return acq == 1 && rel == 1
	}, "platform bracketed exactly once")

	plain := mustBot(t, bot.Config{Name: "plain", Callable: func(ctx context.Context) error { return nil }})
	if err := e.Dispatch(plain, OriginManual); err != nil {
		t.Fatalf("dispatch plain: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return plain.Metrics().Runs == 1 }, "unbound bot ran")
	if acq, rel := plat.counts(); acq != 1 || rel != 1 {
		t.Fatalf("platform touched for unbound bot: acquired=%d released=%d", acq, rel)
	}
}

func TestEnginePlatformAcquireFailure(t *testing.T) {
	t.Parallel()

	bus, sink := newBusAndSink(t)
	plat := &fakePlatform{err: errors.New("no threads left")}
	e := startedEngine(t, EngineConfig{Workers: 1, QueueSize: 4, Platform: plat}, bus)

	b := mustBot(t, bot.Config{
		Name:           "pinned",
		PlatformBound:  true,
		InitialTimeout: time.Hour,
		Callable:       func(ctx context.Context) error { t.Error("callable must not run"); return nil },
	})
	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return b.State() == bot.StateTimeout }, "bot parked after acquire failure")
	if m := b.Metrics(); m.Errors != 1 || m.Runs != 1 {
		t.Fatalf("metrics after acquire failure: %+v", m)
	}
	waitUntil(t, 2*time.Second, func() bool { return sink.countType(events.TypeError) == 2 }, "failure and timeout events")
}

func TestEngineRestart(t *testing.T) {
	t.Parallel()

	bus, _ := newBusAndSink(t)
	e := NewEngine(EngineConfig{Workers: 1, QueueSize: 2}, logx.Nop(), bus)

	e.Start(context.Background())
	e.Stop(context.Background())
	e.Start(context.Background())
	defer e.Stop(context.Background())

	b := mustBot(t, bot.Config{Name: "phoenix", Callable: func(ctx context.Context) error { return nil }})
	if err := e.Dispatch(b, OriginManual); err != nil {
		t.Fatalf("dispatch after restart: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return b.Metrics().Runs == 1 }, "cycle ran on restarted engine")
}
