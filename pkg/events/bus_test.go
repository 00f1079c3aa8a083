package events

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devincii-io/Botman/pkg/logx"
)

type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.got...)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		<-ticker.C
	}
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	var c collector
	b.Subscribe(AllBots(), c.handle)
	b.Start()
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(Event{BotName: "pinger", Type: TypeInfo, Data: i})
	}
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain")
	}

	got := c.events()
	if len(got) != n {
		t.Fatalf("delivered %d events, want %d", len(got), n)
	}
	for i, ev := range got {
		if ev.Data.(int) != i {
			t.Fatalf("event %d carries %v, order broken", i, ev.Data)
		}
		if ev.Time.IsZero() {
			t.Fatal("Publish should stamp Time")
		}
	}
}

func TestBusQueuesBeforeStart(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	var c collector
	b.Subscribe(AllBots(), c.handle)

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	b.Publish(Event{BotName: "a", Type: TypeError})
	if got := b.QueueLen(); got != 2 {
		t.Fatalf("QueueLen = %d, want 2", got)
	}

	b.Start()
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain")
	}
	if got := len(c.events()); got != 2 {
		t.Fatalf("delivered %d events, want 2", got)
	}
}

func TestBusSelectorAndTypeFilter(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	var errorsOnly, botAOnly collector
	b.Subscribe(AllBots(), errorsOnly.handle, TypeError)
	b.Subscribe(ForBot("a"), botAOnly.handle)
	b.Start()
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	b.Publish(Event{BotName: "a", Type: TypeError})
	b.Publish(Event{BotName: "b", Type: TypeError})
	b.Publish(Event{BotName: "b", Type: TypeDebug})
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain")
	}

	if got := errorsOnly.events(); len(got) != 2 || got[0].BotName != "a" || got[1].BotName != "b" {
		t.Fatalf("error filter saw %v", got)
	}
	for _, ev := range errorsOnly.events() {
		if ev.Type != TypeError {
			t.Fatalf("error filter leaked type %s", ev.Type)
		}
	}
	if got := botAOnly.events(); len(got) != 2 || got[0].Type != TypeInfo || got[1].Type != TypeError {
		t.Fatalf("bot selector saw %v", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	var c collector
	sub := b.Subscribe(AllBots(), c.handle)
	b.Start()
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // double unsubscribe is fine
	b.Unsubscribe(nil)

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain")
	}
	if got := len(c.events()); got != 1 {
		t.Fatalf("delivered %d events after unsubscribe, want 1", got)
	}

	if sub := b.Subscribe(AllBots(), nil); sub != nil {
		t.Fatal("nil handler should produce nil subscription")
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := New(Config{}, logx.NewWriter(&buf, "debug"))
	b.Subscribe(AllBots(), func(Event) { panic("bad handler") })
	var c collector
	b.Subscribe(AllBots(), c.handle)
	b.Start()
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	for i := 0; i < 3; i++ {
		b.Publish(Event{BotName: "a", Type: TypeInfo, Data: i})
	}
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain")
	}

	if got := len(c.events()); got != 3 {
		t.Fatalf("healthy subscriber got %d events, want 3", got)
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Fatal("panic was not logged")
	}
}

func TestBusWaitUntilEmptyTimesOut(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	release := make(chan struct{})
	b.Subscribe(AllBots(), func(Event) { <-release })
	b.Start()
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	if b.WaitUntilEmpty(50 * time.Millisecond) {
		t.Fatal("WaitUntilEmpty should time out while a handler is blocked")
	}
	close(release)
	if !b.WaitUntilEmpty(2 * time.Second) {
		t.Fatal("bus did not drain after handler unblocked")
	}
}

func TestBusStopDrainsThenDrops(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	b.Subscribe(AllBots(), func(Event) { time.Sleep(80 * time.Millisecond) })
	b.Start()

	const n = 5
	for i := 0; i < n; i++ {
		b.Publish(Event{BotName: "a", Type: TypeInfo})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := b.Stop(ctx); err == nil {
		t.Fatal("Stop should report an incomplete drain")
	}

	waitUntil(t, 2*time.Second, func() bool {
		s := b.Snapshot()
		return s.Delivered+s.Dropped == n
	}, "delivered+dropped should account for every event")
	s := b.Snapshot()
	if s.Dropped == 0 {
		t.Fatalf("expected drops, snapshot: %+v", s)
	}
	if s.Running {
		t.Fatal("bus still reports running after Stop")
	}
}

func TestBusStopFromHandlerDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	stopErr := make(chan error, 1)
	b.Subscribe(AllBots(), func(Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		stopErr <- b.Stop(ctx)
	})
	b.Start()

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	b.Publish(Event{BotName: "a", Type: TypeInfo})

	select {
	case err := <-stopErr:
		if err == nil {
			t.Fatal("Stop from inside a handler should report a bounded failure, not success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop deadlocked inside handler")
	}

	waitUntil(t, 2*time.Second, func() bool {
		s := b.Snapshot()
		return s.Delivered+s.Dropped == 2
	}, "remaining event should be dropped after stop")
}

func TestBusStopIdempotentAndPublishAfterStop(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	b.Start()
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop error: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}

	b.Publish(Event{BotName: "a", Type: TypeInfo})
	s := b.Snapshot()
	if s.QueueLen != 0 || s.Dropped != 1 {
		t.Fatalf("publish after stop should be dropped, snapshot: %+v", s)
	}
}

func TestBusStopWithoutStart(t *testing.T) {
	t.Parallel()
	b := New(Config{}, logx.Nop())
	b.Publish(Event{BotName: "a", Type: TypeInfo})
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if s := b.Snapshot(); s.Dropped != 1 {
		t.Fatalf("queued event should be counted dropped, snapshot: %+v", s)
	}
}
