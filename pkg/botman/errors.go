package botman

import "errors"

var (
	ErrStopped          = errors.New("bot engine stopped")
	ErrQueueFull        = errors.New("bot engine queue full")
	ErrDuplicateBotName = errors.New("duplicate bot name")
	ErrBotNotFound      = errors.New("bot not found")
)
