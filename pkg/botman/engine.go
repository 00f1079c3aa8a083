package botman

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
)

// Engine executes dispatch cycles from a bounded queue on a worker pool.
//
// It is panic-safe (worker goroutines recover), and cooperates with shutdown
// via Start/Stop. The Manager owns one, but it works standalone too.
type Engine struct {
	mu sync.Mutex

	log logx.Logger
	bus *events.Bus
	cfg EngineConfig

	queue     chan queuedRun
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// Lifetime counter for operator diagnostics.
	dropped uint64
}

func NewEngine(cfg EngineConfig, log logx.Logger, bus *events.Bus) *Engine {
	return &Engine{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (e *Engine) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		e.mu.Lock()
		if e.stopCh == nil {
			break
		}
		done := e.stopDone
		if done == nil {
			// already running
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer e.mu.Unlock()

	e.stopCh = make(chan struct{})
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	// Fresh queue per run to avoid executing stale cycles after a
	// stop/start toggle.
	e.queue = make(chan queuedRun, e.cfg.QueueSize)

	runCtx := e.runCtx
	stopCh := e.stopCh
	queue := e.queue
	workers := e.cfg.Workers

	e.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer e.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("panic in engine worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			e.log.Debug("worker started", logx.Int("worker", idx))
			e.worker(runCtx, stopCh, queue, idx)
			e.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	e.log.Info("engine started", logx.Int("workers", workers), logx.Int("queue_size", e.cfg.QueueSize))
}

// Stop shuts the pool down. The run context is canceled so in-flight
// attempts unwind promptly (they still run to completion, cancellation is
// cooperative), and ctx bounds how long the caller waits for the drain.
// Queued-but-unstarted cycles have their claims released so the bots return
// to idle.
func (e *Engine) Stop(ctx context.Context) {
	start := time.Now()
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	e.stopDone = done
	stopCh := e.stopCh
	cancel := e.runCancel
	queue := e.queue
	e.runCancel = nil
	e.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		e.workerWG.Wait()
		// Workers are gone; whatever is still queued never started. Give
		// the claims back so those bots are merely late, not stuck.
		released := 0
		for {
			select {
			case qr := <-queue:
				qr.b.ReleaseClaim()
				released++
				continue
			default:
			}
			break
		}
		if released > 0 {
			e.log.Debug("released queued cycles on stop", logx.Int("count", released))
		}
		e.mu.Lock()
		e.stopCh = nil
		e.runCtx = nil
		e.queue = nil
		e.stopDone = nil
		e.mu.Unlock()
		close(done)
		e.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Dispatch claims b and queues one cycle. It is non-blocking: a full queue
// releases the claim, publishes a warning event and returns ErrQueueFull.
// The claim errors (bot.ErrAlreadyRunning, bot.ErrInTimeout) pass through.
func (e *Engine) Dispatch(b *bot.Bot, origin Origin) error {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if err := b.TryClaim(time.Now()); err != nil {
		return err
	}

	select {
	case q <- queuedRun{b: b, origin: origin}:
		return nil
	default:
		b.ReleaseClaim()
		atomic.AddUint64(&e.dropped, 1)
		e.log.Warn("engine queue full, rejecting dispatch",
			logx.String("bot", b.Name()),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
		e.publish(b, events.TypeWarning, "dispatch rejected: queue full", nil)
		return ErrQueueFull
	}
}

func (e *Engine) publish(b *bot.Bot, t events.Type, desc string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		BotName:     b.Name(),
		BotID:       b.ID(),
		Type:        t,
		Description: desc,
		Time:        time.Now(),
		Data:        data,
	})
}

func (e *Engine) Snapshot() EngineSnapshot {
	e.mu.Lock()
	running := e.stopCh != nil && e.stopDone == nil
	ql, qc := 0, 0
	if e.queue != nil {
		ql = len(e.queue)
		qc = cap(e.queue)
	}
	workers := e.cfg.Workers
	e.mu.Unlock()

	return EngineSnapshot{
		Running:  running,
		Workers:  workers,
		QueueLen: ql,
		QueueCap: qc,
		Dropped:  atomic.LoadUint64(&e.dropped),
	}
}
