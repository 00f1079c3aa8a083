package app

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/devincii-io/Botman/internal/config"
	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/logx"
	"github.com/devincii-io/Botman/pkg/speedtest"
)

var processStart = time.Now()

// buildCallable turns a bot declaration into the closure the engine runs.
// The declaration is assumed validated; b.Command and b.Builtin are
// mutually exclusive and one of them is set.
func buildCallable(b config.BotConfig, log logx.Logger) (bot.Callable, error) {
	var call bot.Callable
	switch {
	case strings.TrimSpace(b.Command) != "":
		call = commandCallable(b.Command, log)
	case strings.TrimSpace(b.Builtin) == config.BuiltinHeartbeat:
		call = heartbeatCallable(log)
	case strings.TrimSpace(b.Builtin) == config.BuiltinSpeedtest:
		call = speedtestCallable(log)
	default:
		return nil, fmt.Errorf("bot %q: unknown builtin %q", b.Name, b.Builtin)
	}

	execTimeout, err := config.ParseDurationField("exec_timeout", b.ExecTimeout)
	if err != nil {
		return nil, err
	}
	if execTimeout > 0 {
		inner := call
		call = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, execTimeout)
			defer cancel()
			return inner(ctx)
		}
	}
	return call, nil
}

// commandCallable runs a shell line. A non-zero exit is an attempt failure
// with the tail of the combined output in the message.
func commandCallable(line string, log logx.Logger) bot.Callable {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("command aborted after %s: %v", took.Round(time.Millisecond), ctx.Err())
			}
			if tail := outputTail(out.Bytes()); tail != "" {
				return fmt.Errorf("command failed: %v: %s", err, tail)
			}
			return fmt.Errorf("command failed: %v", err)
		}
		log.Debug("command finished",
			logx.Duration("took", took),
			logx.Int("output_bytes", out.Len()))
		return nil
	}
}

// outputTail extracts the last non-empty output line, capped for event
// descriptions.
func outputTail(b []byte) string {
	s := strings.TrimRight(string(b), "\n\t ")
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	const max = 200
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func heartbeatCallable(log logx.Logger) bot.Callable {
	return func(ctx context.Context) error {
		log.Info("heartbeat", logx.Duration("uptime", time.Since(processStart).Round(time.Second)))
		return nil
	}
}

func speedtestCallable(log logx.Logger) bot.Callable {
	runner := speedtest.New(speedtest.Config{})
	return func(ctx context.Context) error {
		res, err := runner.Run(ctx)
		if err != nil {
			return err
		}
		log.Info("speedtest finished",
			logx.Float64("download_mbps", res.DownloadMbps),
			logx.Float64("upload_mbps", res.UploadMbps),
			logx.Float64("ping_ms", res.PingMs),
			logx.String("server", res.ServerName),
			logx.String("isp", res.ISP),
			logx.Duration("took", res.Duration.Round(time.Second)))
		return nil
	}
}
