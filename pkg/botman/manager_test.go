package botman

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
)

func TestManagerAddRemove(t *testing.T) {
	t.Parallel()

	m := New(Config{}, logx.Nop(), events.New(events.Config{}, logx.Nop()))

	if err := m.Add(nil); err == nil {
		t.Fatal("Add(nil) should fail")
	}
	a := mustBot(t, bot.Config{Name: "a", Callable: func(ctx context.Context) error { return nil }})
	if err := m.Add(a); err != nil {
		t.Fatalf("add: %v", err)
	}

	dup := mustBot(t, bot.Config{Name: "a", Callable: func(ctx context.Context) error { return nil }})
	if err := m.Add(dup); !errors.Is(err, ErrDuplicateBotName) {
		t.Fatalf("duplicate add = %v, want ErrDuplicateBotName", err)
	}

	if got := len(m.Metrics()); got != 1 {
		t.Fatalf("metrics count = %d, want 1", got)
	}
	mm, err := m.MetricsByName("a")
	if err != nil || mm.Name != "a" {
		t.Fatalf("MetricsByName = %+v, %v", mm, err)
	}
	if _, err := m.MetricsByName("ghost"); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("missing bot metrics = %v, want ErrBotNotFound", err)
	}

	if err := m.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Remove("a"); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("second remove = %v, want ErrBotNotFound", err)
	}
	if got := len(m.Metrics()); got != 0 {
		t.Fatalf("metrics count after remove = %d, want 0", got)
	}
}

func TestManagerPollDispatchesDueBots(t *testing.T) {
	t.Parallel()

	bus, _ := newBusAndSink(t)
	m := New(Config{Tick: time.Hour}, logx.Nop(), bus)

	b := mustBot(t, bot.Config{
		Name:     "minutely",
		Schedule: "* * * * *",
		Callable: func(ctx context.Context) error { return nil },
	})
	if err := m.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}

	m.Engine().Start(context.Background())
	t.Cleanup(func() { m.Engine().Stop(context.Background()) })

	// Poll against a synthetic instant mid-minute, safely past the next
	// occurrence, so the assertions do not depend on wall-clock alignment.
	base := time.Now().Add(61 * time.Second).Truncate(time.Minute).Add(30 * time.Second)
	m.pollOnce(base)

	waitUntil(t, 2*time.Second, func() bool {
		mm := b.Metrics()
		return mm.Runs == 1 && mm.State == bot.StateIdle
	}, "due bot dispatched and completed")

	// The occurrence was consumed; polling a second later finds nothing.
	m.pollOnce(base.Add(time.Second))
	time.Sleep(50 * time.Millisecond)
	if mm := b.Metrics(); mm.Runs != 1 {
		t.Fatalf("runs = %d after quiet poll, want 1", mm.Runs)
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	m := New(Config{Name: "lifecycle", Tick: 50 * time.Millisecond}, logx.Nop(), nil)
	b := mustBot(t, bot.Config{Name: "worker", Callable: func(ctx context.Context) error { return nil }})
	if err := m.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}

	m.Start(context.Background())
	m.Start(context.Background()) // second start is a no-op

	snap := m.Snapshot()
	if !snap.Running || snap.Bots != 1 || !snap.Engine.Running {
		t.Fatalf("running snapshot = %+v", snap)
	}

	if err := m.Run("worker"); err != nil {
		t.Fatalf("manual run: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return b.Metrics().Runs == 1 }, "manual run completed")

	if err := m.Run("ghost"); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("run missing bot = %v, want ErrBotNotFound", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Stop(stopCtx)
	m.Stop(stopCtx) // idempotent

	if snap := m.Snapshot(); snap.Running {
		t.Fatalf("snapshot still running after stop: %+v", snap)
	}
	if err := m.Run("worker"); !errors.Is(err, ErrStopped) {
		t.Fatalf("run after stop = %v, want ErrStopped", err)
	}

	// A stopped manager cannot be restarted.
	m.Start(context.Background())
	if snap := m.Snapshot(); snap.Running {
		t.Fatal("manager restarted after stop")
	}
}

func TestManagerRunAllSkipsBusyAndCooling(t *testing.T) {
	t.Parallel()

	bus, _ := newBusAndSink(t)
	m := New(Config{Tick: time.Hour}, logx.Nop(), bus)

	release := make(chan struct{})
	busy := mustBot(t, bot.Config{
		Name: "busy",
		Callable: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	failer := mustBot(t, bot.Config{
		Name:           "failer",
		InitialTimeout: time.Hour,
		Callable:       func(ctx context.Context) error { return errors.New("down") },
	})
	steady := mustBot(t, bot.Config{Name: "steady", Callable: func(ctx context.Context) error { return nil }})
	for _, b := range []*bot.Bot{busy, failer, steady} {
		if err := m.Add(b); err != nil {
			t.Fatalf("add %s: %v", b.Name(), err)
		}
	}

	m.Start(context.Background())
	defer func() {
		close(release)
		m.Stop(context.Background())
	}()

	if err := m.Run("busy"); err != nil {
		t.Fatalf("run busy: %v", err)
	}
	if err := m.Run("failer"); err != nil {
		t.Fatalf("run failer: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return busy.Metrics().Runs == 1 }, "busy bot occupied")
	waitUntil(t, 2*time.Second, func() bool { return failer.State() == bot.StateTimeout }, "failer cooling down")

	// Only the idle bot picks up a cycle; the others are skipped quietly.
	m.RunAll()
	waitUntil(t, 2*time.Second, func() bool { return steady.Metrics().Runs == 1 }, "steady bot ran")
	if mm := busy.Metrics(); mm.Runs != 1 {
		t.Fatalf("busy runs = %d, want 1", mm.Runs)
	}
	if mm := failer.Metrics(); mm.Runs != 1 {
		t.Fatalf("failer runs = %d, want 1", mm.Runs)
	}
}

func TestManagerSubscribeWebhook(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
	}))
	defer srv.Close()

	bus, _ := newBusAndSink(t)
	m := New(Config{Tick: time.Hour}, logx.Nop(), bus)

	if err := m.SubscribeWebhook("carrier-pigeon", "x"); err == nil {
		t.Fatal("unknown webhook kind should fail")
	}
	if err := m.SubscribeWebhook("chime", srv.URL, events.TypeInfo); err != nil {
		t.Fatalf("subscribe webhook: %v", err)
	}
	if snap := m.Snapshot(); snap.Webhooks != 1 {
		t.Fatalf("webhooks = %d, want 1", snap.Webhooks)
	}

	b := mustBot(t, bot.Config{Name: "announcer", Callable: func(ctx context.Context) error { return nil }})
	if err := m.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}
	m.Start(context.Background())
	defer m.Stop(context.Background())

	if err := m.Run("announcer"); err != nil {
		t.Fatalf("run: %v", err)
	}

	waitUntil(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, "completion event forwarded to webhook")

	mu.Lock()
	got := bodies[0]
	mu.Unlock()
	if !strings.Contains(got, "### *info*") || !strings.Contains(got, "announcer") {
		t.Fatalf("webhook body = %q", got)
	}
}
