package events

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/devincii-io/Botman/pkg/logx"
)

// ErrDrainTimeout is returned by Stop when the queue could not be fully
// delivered within the stop grace and leftover events were dropped.
var ErrDrainTimeout = errors.New("event bus drain timed out")

// Handler receives matched events on the bus consumer goroutine. Keep it
// quick; a slow handler delays every later event for every subscriber.
type Handler func(Event)

// Subscription is the identity of one (selector, handler, filter)
// registration. Subscribe returns it, Unsubscribe takes it back.
type Subscription struct {
	sel   Selector
	fn    Handler
	types map[Type]struct{} // nil matches every type
}

func (s *Subscription) matches(ev Event) bool {
	if !s.sel.Matches(ev.BotName) {
		return false
	}
	if s.types == nil {
		return true
	}
	_, ok := s.types[ev.Type]
	return ok
}

type Config struct {
	// StopGrace bounds the drain performed by Stop when its context carries
	// no deadline of its own. Default 5s.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	return c
}

// Bus fans bot events out to subscribers, asynchronously and in publish
// order. The zero value is not usable; construct with New, then Start.
// A Bus is single-use: once stopped it stays stopped.
type Bus struct {
	log logx.Logger
	cfg Config

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	mu           sync.Mutex
	subs         []*Subscription
	queue        []Event
	pending      int // queued + currently being delivered
	waiters      []chan struct{}
	started      bool
	stopped      bool // publishes are dropped from the moment Stop begins
	stopSignaled bool
	stopDeadline time.Time

	delivered uint64
	dropped   uint64
}

func New(cfg Config, log logx.Logger) *Bus {
	return &Bus{
		log:    log,
		cfg:    cfg.withDefaults(),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe registers fn for events matching sel and, when given, the type
// filter. No filter means every type. A nil fn returns a nil subscription
// that Unsubscribe ignores. Subscribing is allowed before Start and while
// running.
func (b *Bus) Subscribe(sel Selector, fn Handler, types ...Type) *Subscription {
	if fn == nil {
		return nil
	}
	sub := &Subscription{sel: sel, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes one registration. Events already picked up for
// delivery still reach the handler; later events do not.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// Publish enqueues ev without blocking. A zero Time is stamped here. Events
// published before Start are held and delivered once the consumer runs;
// events published after Stop are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	if b.stopped {
		b.dropped++
		b.mu.Unlock()
		b.log.Debug("event dropped after bus stop",
			logx.String("bot", ev.BotName),
			logx.String("type", string(ev.Type)))
		return
	}
	b.queue = append(b.queue, ev)
	b.pending++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches the consumer goroutine. It is a no-op on a running or
// stopped bus.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	go b.consume()
}

// Stop shuts the bus down. Queued events are still delivered until ctx's
// deadline (or StopGrace when ctx has none); the rest are dropped and
// counted, and ErrDrainTimeout reports that. Stop never waits unboundedly,
// so calling it from inside a handler cannot deadlock.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		// No consumer to join; whatever queued is dropped.
		n := len(b.queue)
		b.queue = nil
		b.pending = 0
		b.dropped += uint64(n)
		b.stopped = true
		ws := b.waiters
		b.waiters = nil
		b.mu.Unlock()
		for _, w := range ws {
			close(w)
		}
		if n > 0 {
			b.log.Warn("event bus stopped before start, events dropped", logx.Int("dropped", n))
		}
		return nil
	}
	if !b.stopSignaled {
		b.stopSignaled = true
		b.stopped = true
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(b.cfg.StopGrace)
		}
		b.stopDeadline = deadline
		close(b.stopCh)
	}
	deadline := b.stopDeadline
	dropped := b.dropped
	b.mu.Unlock()

	// Bounded join: the consumer may be executing the very handler that
	// called Stop, so waiting on it forever would deadlock.
	timer := time.NewTimer(time.Until(deadline) + 100*time.Millisecond)
	defer timer.Stop()
	select {
	case <-b.done:
		b.mu.Lock()
		droppedNow := b.dropped > dropped
		b.mu.Unlock()
		if droppedNow {
			return ErrDrainTimeout
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrDrainTimeout
	}
}

// WaitUntilEmpty blocks until every published event has been delivered (or
// dropped), reporting false on timeout. A non-positive timeout waits
// indefinitely; never do that from inside a handler.
func (b *Bus) WaitUntilEmpty(timeout time.Duration) bool {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// QueueLen reports the number of undelivered events.
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

type Snapshot struct {
	Running     bool
	Subscribers int
	QueueLen    int
	Delivered   uint64
	Dropped     uint64
}

// Snapshot returns a diagnostic view for status surfaces.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Running:     b.started && !b.stopped,
		Subscribers: len(b.subs),
		QueueLen:    len(b.queue),
		Delivered:   b.delivered,
		Dropped:     b.dropped,
	}
}

func (b *Bus) consume() {
	defer close(b.done)
	for {
		// fast-exit so a pending stop wins over queued work
		select {
		case <-b.stopCh:
			b.drainAndExit()
			return
		default:
		}

		if ev, ok := b.pop(); ok {
			b.deliver(ev)
			b.finishOne()
			continue
		}

		select {
		case <-b.stopCh:
			b.drainAndExit()
			return
		case <-b.wake:
		}
	}
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return ev, true
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(ev) {
			b.call(sub, ev)
		}
	}

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
}

func (b *Bus) call(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				logx.String("bot", ev.BotName),
				logx.String("type", string(ev.Type)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	sub.fn(ev)
}

func (b *Bus) finishOne() {
	b.mu.Lock()
	b.pending--
	var ws []chan struct{}
	if b.pending <= 0 {
		b.pending = 0
		ws = b.waiters
		b.waiters = nil
	}
	b.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

func (b *Bus) drainAndExit() {
	b.mu.Lock()
	deadline := b.stopDeadline
	b.mu.Unlock()

	for {
		if !time.Now().Before(deadline) {
			b.dropRemaining()
			return
		}
		ev, ok := b.pop()
		if !ok {
			return
		}
		b.deliver(ev)
		b.finishOne()
	}
}

func (b *Bus) dropRemaining() {
	b.mu.Lock()
	n := len(b.queue)
	b.queue = nil
	b.dropped += uint64(n)
	b.pending = 0
	ws := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, w := range ws {
		close(w)
	}
	if n > 0 {
		b.log.Warn("event bus stopped with undelivered events", logx.Int("dropped", n))
	}
}
