package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
)

// Supported sender kinds.
const (
	KindSlack    = "slack"
	KindChime    = "chime"
	KindTelegram = "telegram"
	KindRedis    = "redis"
)

// ErrUnknownKind is returned by New for a kind it has no sender for.
var ErrUnknownKind = errors.New("unknown webhook kind")

// Sender delivers a single event to an external surface.
type Sender interface {
	// Kind names the sender type, one of the Kind* constants.
	Kind() string
	// Send delivers one event. It must respect ctx and return an error on
	// failure; the caller decides whether to retry.
	Send(ctx context.Context, ev events.Event) error
	// Close releases any connections held by the sender.
	Close() error
}

// New builds a Sender for the given kind. The target format depends on the
// kind: a webhook URL for slack and chime, "<token>@<chat-id>" for telegram,
// "<addr>/<channel>" for redis.
func New(kind, target string) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindSlack:
		return NewSlack(target), nil
	case KindChime:
		return NewChime(target), nil
	case KindTelegram:
		return NewTelegram(target)
	case KindRedis:
		return NewRedis(target)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Emoji returns the conventional marker for an event type.
func Emoji(t events.Type) string {
	switch t {
	case events.TypeError:
		return "\U0001f6a8"
	case events.TypeInfo:
		return "ℹ️"
	case events.TypeWarning:
		return "⚠️"
	case events.TypeDebug:
		return "\U0001f50d"
	}
	return ""
}

const (
	queueSize   = 128
	sendTimeout = 5 * time.Second
	retryMax    = 2
	ratePerSec  = 2
	rateBurst   = 4
)

// Hook is a live attachment of a Sender to a bus. Events matching the
// subscription are queued and delivered by a dedicated worker goroutine.
type Hook struct {
	log logx.Logger
	snd Sender
	sub *events.Subscription
	lim *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan events.Event
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	dropped  uint64
}

// Attach subscribes snd to the bus for the given event types (all types when
// none are given) and starts its delivery worker. The returned Hook must be
// released with Detach.
func Attach(bus *events.Bus, snd Sender, log logx.Logger, types ...events.Type) *Hook {
	h := &Hook{
		log:    log,
		snd:    snd,
		lim:    rate.NewLimiter(rate.Limit(ratePerSec), rateBurst),
		queue:  make(chan events.Event, queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.sub = bus.Subscribe(events.AllBots(), h.enqueue, types...)
	go h.worker()
	return h
}

// Kind reports the kind of the attached sender.
func (h *Hook) Kind() string { return h.snd.Kind() }

// Dropped reports how many events were discarded because the hook queue was
// full or delivery kept failing.
func (h *Hook) Dropped() uint64 { return atomic.LoadUint64(&h.dropped) }

// Detach unsubscribes from the bus, stops the worker and closes the sender.
// Events still queued at detach time are discarded.
func (h *Hook) Detach(bus *events.Bus) {
	bus.Unsubscribe(h.sub)
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.cancel()
		<-h.done
		if err := h.snd.Close(); err != nil {
			h.log.Warn("webhook close failed",
				logx.String("kind", h.snd.Kind()),
				logx.Err(err))
		}
	})
}

// enqueue runs on the bus consumer goroutine and must never block.
func (h *Hook) enqueue(ev events.Event) {
	select {
	case h.queue <- ev:
	default:
		atomic.AddUint64(&h.dropped, 1)
		h.log.Warn("webhook queue full, dropping event",
			logx.String("kind", h.snd.Kind()),
			logx.String("bot", ev.BotName),
			logx.String("type", string(ev.Type)))
	}
}

func (h *Hook) worker() {
	defer close(h.done)
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-h.stopCh:
			return
		default:
		}

		select {
		case <-h.stopCh:
			return
		case ev := <-h.queue:
			h.sendOne(ev)
		}
	}
}

// sendOne delivers a single event with a per-event timeout and a short
// escalating retry ladder. Exhausted retries drop the event with a warning.
func (h *Hook) sendOne(ev events.Event) {
	ctx, cancel := context.WithTimeout(h.ctx, sendTimeout)
	defer cancel()

	if err := h.lim.Wait(ctx); err != nil {
		atomic.AddUint64(&h.dropped, 1)
		return
	}

	var last error
	for i := 0; i <= retryMax; i++ {
		err := h.snd.Send(ctx, ev)
		if err == nil {
			return
		}
		last = err
		if i == retryMax {
			break
		}

		delay := time.Duration(200+100*i) * time.Millisecond
		h.log.Debug("webhook send retry scheduled",
			logx.String("kind", h.snd.Kind()),
			logx.Int("attempt", i+2),
			logx.Duration("delay", delay),
			logx.Err(err))

		tmr := time.NewTimer(delay)
		select {
		case <-h.stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			last = ctx.Err()
			i = retryMax
		case <-tmr.C:
		}
	}

	atomic.AddUint64(&h.dropped, 1)
	h.log.Warn("webhook send failed, dropping event",
		logx.String("kind", h.snd.Kind()),
		logx.String("bot", ev.BotName),
		logx.String("type", string(ev.Type)),
		logx.Err(last))
}
