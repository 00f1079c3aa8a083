package botman

import (
	"runtime"
	"time"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/events"
)

// Origin records what triggered a dispatch. It only feeds event
// descriptions and logs.
type Origin string

const (
	OriginSchedule Origin = "schedule"
	OriginManual   Origin = "manual"
)

// PlatformHooks bracket a platform-bound cycle on its worker goroutine.
// Acquire runs before the first attempt, Release after the cycle outcome.
type PlatformHooks interface {
	Acquire() error
	Release()
}

// OSThreadHooks pins the worker goroutine to its OS thread for the length
// of the cycle, which is what foreign runtimes with thread affinity expect.
type OSThreadHooks struct{}

func (OSThreadHooks) Acquire() error { runtime.LockOSThread(); return nil }
func (OSThreadHooks) Release()       { runtime.UnlockOSThread() }

// EngineConfig sizes the worker pool.
type EngineConfig struct {
	Workers   int // default 10
	QueueSize int // default 64
	Platform  PlatformHooks
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Platform == nil {
		c.Platform = OSThreadHooks{}
	}
	return c
}

// Config controls the Manager and its owned engine.
type Config struct {
	Name   string        // used in logs, default "botman"
	Tick   time.Duration // polling interval, default 1s
	Engine EngineConfig

	// Bus configures the bus the Manager builds when New receives none.
	Bus events.Config
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "botman"
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	c.Engine = c.Engine.withDefaults()
	return c
}

type queuedRun struct {
	b      *bot.Bot
	origin Origin
}

// EngineSnapshot is a lightweight view for diagnostics.
type EngineSnapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64
}

// ManagerSnapshot is the operator view of the whole manager.
type ManagerSnapshot struct {
	Name     string
	Running  bool
	Tick     time.Duration
	Bots     int
	Webhooks int
	Engine   EngineSnapshot
	Bus      events.Snapshot
	Metrics  []bot.Metrics
}
