package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/devincii-io/Botman/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging (webhook targets may embed credentials and
// are never included), and (3) the names of bots that were added, removed
// or edited.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Manager != newCfg.Manager {
		changed = append(changed, "manager")
		attrs = append(attrs,
			logx.String("manager.tick", strings.TrimSpace(newCfg.Manager.Tick)),
			logx.Int("manager.workers", newCfg.Manager.Workers),
			logx.Int("manager.queue_size", newCfg.Manager.QueueSize),
			logx.String("manager.stop_grace", strings.TrimSpace(newCfg.Manager.StopGrace)),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.String("events.stop_grace", strings.TrimSpace(newCfg.Events.StopGrace)),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Webhooks, newCfg.Webhooks) {
		changed = append(changed, "webhooks")
		kinds := make([]string, 0, len(newCfg.Webhooks))
		for _, w := range newCfg.Webhooks {
			kinds = append(kinds, strings.ToLower(strings.TrimSpace(w.Kind)))
		}
		sort.Strings(kinds)
		attrs = append(attrs,
			logx.Int("webhooks.count", len(newCfg.Webhooks)),
			logx.Any("webhooks.kinds", kinds),
		)
	}

	botChanged := diffBots(oldCfg.Bots, newCfg.Bots)
	if len(botChanged) > 0 {
		changed = append(changed, "bots")
		attrs = append(attrs,
			logx.Int("bots.changed_count", len(botChanged)),
			logx.Int("bots.enabled_count", countEnabled(newCfg.Bots)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, botChanged
}

func countEnabled(bots []BotConfig) int {
	n := 0
	for _, b := range bots {
		if !b.Disabled {
			n++
		}
	}
	return n
}

// diffBots compares by name so a reload can restart only what moved.
func diffBots(oldB, newB []BotConfig) []string {
	oldM := make(map[string]BotConfig, len(oldB))
	for _, b := range oldB {
		oldM[strings.TrimSpace(b.Name)] = b
	}
	newM := make(map[string]BotConfig, len(newB))
	for _, b := range newB {
		newM[strings.TrimSpace(b.Name)] = b
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
