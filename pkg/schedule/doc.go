// Package schedule evaluates 5-field cron expressions for the bot manager.
//
// # Expression format
//
// An expression has the classic five fields (minute hour dom month dow) and
// supports "*", comma lists, ranges and "*/n" steps. Month and weekday names
// are accepted the way robfig/cron accepts them. Descriptors ("@hourly",
// "@every 5m") are deliberately not enabled: bot schedules are meant to read
// like crontab lines.
//
// # Due tracking
//
// Evaluation is occurrence based, not string matching. Expression.Next
// returns the next matching instant strictly after a reference time, and Set
// keeps one upcoming instant per expression so a polling loop can ask
// Due(now) on every tick without firing the same minute twice. MarkFired
// advances every expression whose occurrence has passed, so overlapping
// expressions on one bot still produce a single dispatch.
package schedule
