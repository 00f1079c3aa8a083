package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devincii-io/Botman/pkg/schedule"
)

var (
	// ErrAlreadyRunning rejects a dispatch while a cycle is still claimed.
	ErrAlreadyRunning = errors.New("bot is already running")
	// ErrInTimeout rejects a dispatch while the cooldown has not expired.
	ErrInTimeout = errors.New("bot is in timeout")
)

// State is the externally visible bot state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
	StateTimeout State = "timeout"
)

// Callable is the work a bot performs. It should honor ctx cancellation on
// anything blocking. Returning a *events.SoftError keeps the attribution the
// callable chose; any other error (or a panic) is converted by the engine.
type Callable func(ctx context.Context) error

const defaultInitialTimeout = 5 * time.Minute

// Config describes a bot. Schedule and Schedules may be combined; at least
// one valid cron expression is required.
type Config struct {
	Name      string
	Schedule  string   // convenience for the single-expression case
	Schedules []string // additional cron expressions
	Callable  Callable

	// Retries is the total attempt budget of one dispatch cycle; 0 and 1
	// both mean a single attempt. RetryDelay separates attempts.
	Retries    int
	RetryDelay time.Duration

	// InitialTimeout is the cooldown entered when the attempt budget is
	// spent. Zero means the 5 minute default.
	InitialTimeout time.Duration

	// PlatformBound asks the engine to bracket every cycle with its
	// platform hooks (OS thread pinning by default).
	PlatformBound bool
}

// Bot is a scheduled unit of work. All mutable state sits behind one mutex;
// methods take the clock as an argument where the scheduler drives them.
type Bot struct {
	name           string
	id             string
	callable       Callable
	retries        int
	retryDelay     time.Duration
	initialTimeout time.Duration
	platformBound  bool

	mu           sync.Mutex
	set          *schedule.Set
	state        State
	claimed      bool
	runs         uint64
	errs         uint64
	lastRun      time.Time
	since        time.Time
	timeoutUntil time.Time
}

// New validates cfg and builds the bot. Schedule expressions are parsed
// here, so a malformed one fails construction with
// schedule.ErrMalformedExpression.
func New(cfg Config) (*Bot, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("bot name is required")
	}
	if cfg.Callable == nil {
		return nil, fmt.Errorf("bot %q: callable is required", name)
	}
	specs := make([]string, 0, len(cfg.Schedules)+1)
	if strings.TrimSpace(cfg.Schedule) != "" {
		specs = append(specs, cfg.Schedule)
	}
	specs = append(specs, cfg.Schedules...)
	if len(specs) == 0 {
		return nil, fmt.Errorf("bot %q: at least one schedule is required", name)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("bot %q: retries must not be negative", name)
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("bot %q: retry delay must not be negative", name)
	}
	if cfg.InitialTimeout < 0 {
		return nil, fmt.Errorf("bot %q: initial timeout must not be negative", name)
	}

	now := time.Now()
	set, err := schedule.ParseSet(now, specs...)
	if err != nil {
		return nil, fmt.Errorf("bot %q: %w", name, err)
	}

	timeout := cfg.InitialTimeout
	if timeout == 0 {
		timeout = defaultInitialTimeout
	}

	return &Bot{
		name:           name,
		id:             uuid.NewString(),
		callable:       cfg.Callable,
		retries:        cfg.Retries,
		retryDelay:     cfg.RetryDelay,
		initialTimeout: timeout,
		platformBound:  cfg.PlatformBound,
		set:            set,
		state:          StateIdle,
		since:          now,
	}, nil
}

func (b *Bot) Name() string { return b.name }

func (b *Bot) ID() string { return b.id }

func (b *Bot) PlatformBound() bool { return b.platformBound }

func (b *Bot) Retries() int { return b.retries }

func (b *Bot) RetryDelay() time.Duration { return b.retryDelay }

// Invoke runs the callable. Panic handling is the engine's job.
func (b *Bot) Invoke(ctx context.Context) error {
	return b.callable(ctx)
}

// State reports the visible state, expiring a passed timeout on the way.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireTimeoutLocked(time.Now())
	return b.state
}

// TryClaim is the dispatch gate: it fails while a cycle is claimed or an
// unexpired timeout holds, and otherwise marks the bot running. Every
// successful claim is paired with exactly one of ReleaseClaim, RunSucceeded
// or RunTimedOut.
func (b *Bot) TryClaim(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireTimeoutLocked(now)
	if b.claimed {
		return ErrAlreadyRunning
	}
	if b.state == StateTimeout {
		return ErrInTimeout
	}
	b.claimed = true
	b.state = StateRunning
	return nil
}

// ReleaseClaim abandons a claimed cycle without an outcome, e.g. when the
// queue rejected it or the engine shut down mid-cycle.
func (b *Bot) ReleaseClaim() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.claimed {
		return
	}
	b.claimed = false
	if b.state == StateRunning || b.state == StateError {
		b.state = StateIdle
	}
}

// RunStarted counts the cycle once a worker actually picks it up.
func (b *Bot) RunStarted() {
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()
}

// AttemptStarted flips an error state back to running for the next try.
func (b *Bot) AttemptStarted() {
	b.mu.Lock()
	if b.claimed {
		b.state = StateRunning
	}
	b.mu.Unlock()
}

// AttemptFailed records one failed attempt and shows the error state until
// the next attempt or the cycle outcome.
func (b *Bot) AttemptFailed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs++
	if b.claimed {
		b.state = StateError
	}
	return b.errs
}

// RunSucceeded ends the cycle well: the bot returns to idle and LastRun is
// stamped. Only successful cycles move LastRun.
func (b *Bot) RunSucceeded(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimed = false
	b.state = StateIdle
	b.lastRun = now
}

// RunTimedOut ends the cycle with the attempt budget spent: the bot enters
// timeout until now+InitialTimeout and that deadline is returned.
func (b *Bot) RunTimedOut(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.claimed = false
	b.state = StateTimeout
	b.timeoutUntil = now.Add(b.initialTimeout)
	return b.timeoutUntil
}

// ConsumeDue advances schedule occurrences that have passed and reports
// whether the bot should be dispatched now. Occurrences arriving while the
// bot is claimed or cooling down are consumed and skipped, never queued up
// for later.
func (b *Bot) ConsumeDue(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireTimeoutLocked(now)
	if !b.set.Due(now) {
		return false
	}
	b.set.MarkFired(now)
	if b.claimed || b.state == StateTimeout {
		return false
	}
	return true
}

func (b *Bot) expireTimeoutLocked(now time.Time) {
	if b.state == StateTimeout && !b.timeoutUntil.After(now) {
		b.state = StateIdle
		b.timeoutUntil = time.Time{}
	}
}

// Metrics is a point-in-time snapshot for status surfaces.
type Metrics struct {
	Name         string
	ID           string
	State        State
	Runs         uint64
	Errors       uint64
	LastRun      time.Time // zero until the first successful run
	Since        time.Time
	TimeoutUntil time.Time // zero unless State is timeout
	Schedules    []string
	NextRun      time.Time
}

func (b *Bot) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireTimeoutLocked(time.Now())
	return Metrics{
		Name:         b.name,
		ID:           b.id,
		State:        b.state,
		Runs:         b.runs,
		Errors:       b.errs,
		LastRun:      b.lastRun,
		Since:        b.since,
		TimeoutUntil: b.timeoutUntil,
		Schedules:    b.set.Specs(),
		NextRun:      b.set.NextRun(),
	}
}
