package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are process-environment knobs layered over the file config,
// so containerized deployments can tweak hot settings without editing the
// mounted file.
type envOverrides struct {
	LogLevel    string `env:"BOTMAN_LOG_LEVEL"`
	Tick        string `env:"BOTMAN_TICK"`
	Workers     int    `env:"BOTMAN_WORKERS"`
	QueueSize   int    `env:"BOTMAN_QUEUE_SIZE"`
	MetricsAddr string `env:"BOTMAN_METRICS_ADDR"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.Tick); v != "" {
		cfg.Manager.Tick = v
	}
	if o.Workers > 0 {
		cfg.Manager.Workers = o.Workers
	}
	if o.QueueSize > 0 {
		cfg.Manager.QueueSize = o.QueueSize
	}
	if v := strings.TrimSpace(o.MetricsAddr); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	return nil
}
