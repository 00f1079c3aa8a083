package botman

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/devincii-io/Botman/pkg/bot"
	"github.com/devincii-io/Botman/pkg/events"
	"github.com/devincii-io/Botman/pkg/logx"
)

func (e *Engine) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedRun, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qr := <-queue:
			e.execOne(ctx, stopCh, qr)
		}
	}
}

// execOne runs one dispatch cycle: up to max(1, retries) attempts separated
// by the bot's retry delay, ending in success or the timeout cooldown. The
// claim taken by Dispatch is settled here, whatever happens.
func (e *Engine) execOne(ctx context.Context, stopCh <-chan struct{}, qr queuedRun) {
	b := qr.b
	start := time.Now()
	b.RunStarted()
	e.publish(b, events.TypeDebug, fmt.Sprintf("run started (%s)", qr.origin), nil)

	if b.PlatformBound() {
		if err := e.cfg.Platform.Acquire(); err != nil {
			// The environment, not the callable, failed: one error on the
			// books and straight into cooldown.
			se := events.Soften(err, b.Name(), b.ID())
			b.AttemptFailed()
			e.publish(b, events.TypeError, se.Message, se)
			until := b.RunTimedOut(time.Now())
			e.publish(b, events.TypeError, timeoutDesc(until), se)
			e.log.Error("platform acquire failed", logx.String("bot", b.Name()), logx.Err(err))
			return
		}
		defer e.cfg.Platform.Release()
	}

	maxAttempts := b.Retries()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var softErr *events.SoftError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		b.AttemptStarted()
		if attempt > 1 {
			e.publish(b, events.TypeDebug, fmt.Sprintf("retry attempt %d/%d", attempt, maxAttempts), nil)
		}

		err := e.invoke(ctx, b)
		if err == nil {
			softErr = nil
			break
		}
		softErr = events.Soften(err, b.Name(), b.ID())
		n := b.AttemptFailed()
		e.publish(b, events.TypeError, softErr.Message, softErr)
		e.log.Warn("bot attempt failed",
			logx.String("bot", b.Name()),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", maxAttempts),
			logx.Uint64("errors", n),
			logx.Err(softErr))

		if attempt >= maxAttempts {
			break
		}
		if d := b.RetryDelay(); d > 0 {
			tmr := time.NewTimer(d)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				b.ReleaseClaim()
				e.log.Debug("retry abandoned, engine stopping", logx.String("bot", b.Name()))
				return
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				b.ReleaseClaim()
				e.log.Debug("retry abandoned, engine stopping", logx.String("bot", b.Name()))
				return
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	if softErr == nil {
		b.RunSucceeded(time.Now())
		e.publish(b, events.TypeInfo, fmt.Sprintf("run completed in %s", dur.Round(time.Millisecond)), nil)
		e.log.Debug("bot run completed", logx.String("bot", b.Name()), logx.Duration("dur", dur))
		return
	}

	until := b.RunTimedOut(time.Now())
	e.publish(b, events.TypeError, timeoutDesc(until), softErr)
	e.log.Warn("bot run failed, entering timeout",
		logx.String("bot", b.Name()),
		logx.Duration("dur", dur),
		logx.Time("until", until),
		logx.Err(softErr))
}

// invoke shields the engine from the callable: a panic comes back as a
// plain error, attributed by the caller.
func (e *Engine) invoke(ctx context.Context, b *bot.Bot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in bot callable",
				logx.String("bot", b.Name()),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.Invoke(ctx)
}

func timeoutDesc(until time.Time) string {
	return fmt.Sprintf("retries exhausted, in timeout until %s", until.Format(time.RFC3339))
}
