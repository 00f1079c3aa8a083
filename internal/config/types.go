package config

import (
	"fmt"
	"strings"

	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/schedule"
	"github.com/devincii-io/Botman/pkg/webhook"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Manager controls the polling loop and the execution engine.
	Manager ManagerConfig `json:"manager"`

	// Events controls the bus the manager owns.
	Events EventsConfig `json:"events,omitempty"`

	// Metrics controls the optional Prometheus endpoint.
	Metrics MetricsConfig `json:"metrics,omitempty"`

	Webhooks []WebhookConfig `json:"webhooks,omitempty"`
	Bots     []BotConfig     `json:"bots"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ManagerConfig sizes the scheduler and its worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - name: "botman"
//   - tick: "1s"
//   - workers: 10
//   - queue_size: 64
//   - stop_grace: "10s"
type ManagerConfig struct {
	Name      string `json:"name,omitempty"`
	Tick      string `json:"tick,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	// StopGrace bounds how long shutdown waits for in-flight cycles.
	StopGrace string `json:"stop_grace,omitempty"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	// StopGrace bounds the drain on bus shutdown. Default "5s".
	StopGrace string `json:"stop_grace,omitempty"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9090").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// WebhookConfig attaches one outbound notification sink to the bus.
//
// Target formats by kind:
//   - slack, chime: the webhook URL
//   - telegram:     "<bot-token>@<chat-id>"
//   - redis:        "<addr>/<channel>"
type WebhookConfig struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`

	// Events filters delivery by type. Empty (or "all") forwards everything.
	Events []string `json:"events,omitempty"`
}

// BotConfig declares one recurring job.
//
// Exactly one of Builtin or Command selects the work:
//   - builtin: "heartbeat" or "speedtest"
//   - command: a shell command line, run with /bin/sh -c
//
// Durations are Go duration strings. Retries is the total attempts per
// cycle; 0 and 1 both mean a single attempt.
type BotConfig struct {
	Name      string   `json:"name"`
	Schedule  string   `json:"schedule,omitempty"`
	Schedules []string `json:"schedules,omitempty"`

	Builtin string `json:"builtin,omitempty"`
	Command string `json:"command,omitempty"`

	Retries    int    `json:"retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`

	// Timeout is the cooldown entered after retries are exhausted.
	// Default "5m".
	Timeout string `json:"timeout,omitempty"`

	// ExecTimeout bounds a single attempt. "0s" (the default) means the
	// attempt runs until the engine shuts down.
	ExecTimeout string `json:"exec_timeout,omitempty"`

	PlatformBound bool `json:"platform_bound,omitempty"`
	Disabled      bool `json:"disabled,omitempty"`
}

// Builtin names accepted in BotConfig.Builtin.
const (
	BuiltinHeartbeat = "heartbeat"
	BuiltinSpeedtest = "speedtest"
)

// Validate checks everything that can be checked without building the
// runtime: names, schedules, kinds, durations. The watcher runs it before
// publishing a reload.
func (c *Config) Validate() error {
	for _, f := range []struct{ path, raw string }{
		{"manager.tick", c.Manager.Tick},
		{"manager.stop_grace", c.Manager.StopGrace},
		{"events.stop_grace", c.Events.StopGrace},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Manager.Workers < 0 {
		return fmt.Errorf("manager.workers: must be >= 0")
	}
	if c.Manager.QueueSize < 0 {
		return fmt.Errorf("manager.queue_size: must be >= 0")
	}

	for i, w := range c.Webhooks {
		path := fmt.Sprintf("webhooks[%d]", i)
		switch strings.ToLower(strings.TrimSpace(w.Kind)) {
		case webhook.KindSlack, webhook.KindChime, webhook.KindTelegram, webhook.KindRedis:
		default:
			return fmt.Errorf("%s.kind: unknown kind %q", path, w.Kind)
		}
		if strings.TrimSpace(w.Target) == "" {
			return fmt.Errorf("%s.target: empty", path)
		}
		if _, err := events.ParseTypes(w.Events); err != nil {
			return fmt.Errorf("%s.events: %w", path, err)
		}
	}

	seen := map[string]struct{}{}
	for i, b := range c.Bots {
		path := fmt.Sprintf("bots[%d]", i)
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("%s.name: empty", path)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s.name: duplicate bot name %q", path, name)
		}
		seen[name] = struct{}{}

		specs := b.Specs()
		if len(specs) == 0 {
			return fmt.Errorf("%s: no schedule", path)
		}
		if _, err := schedule.ParseAll(specs...); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		hasBuiltin := strings.TrimSpace(b.Builtin) != ""
		hasCommand := strings.TrimSpace(b.Command) != ""
		switch {
		case hasBuiltin && hasCommand:
			return fmt.Errorf("%s: builtin and command are mutually exclusive", path)
		case !hasBuiltin && !hasCommand:
			return fmt.Errorf("%s: one of builtin or command is required", path)
		case hasBuiltin:
			switch strings.TrimSpace(b.Builtin) {
			case BuiltinHeartbeat, BuiltinSpeedtest:
			default:
				return fmt.Errorf("%s.builtin: unknown builtin %q", path, b.Builtin)
			}
		}

		if b.Retries < 0 {
			return fmt.Errorf("%s.retries: must be >= 0", path)
		}
		for _, f := range []struct{ field, raw string }{
			{"retry_delay", b.RetryDelay},
			{"timeout", b.Timeout},
			{"exec_timeout", b.ExecTimeout},
		} {
			if _, err := ParseDurationField(path+"."+f.field, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// Specs collects the bot's cron expressions, single-field form first.
func (b BotConfig) Specs() []string {
	var out []string
	if strings.TrimSpace(b.Schedule) != "" {
		out = append(out, b.Schedule)
	}
	out = append(out, b.Schedules...)
	return out
}
