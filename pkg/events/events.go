package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type classifies bot lifecycle events. The set is closed; filters and
// config validation check against it.
type Type string

const (
	TypeInfo    Type = "info"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
	TypeDebug   Type = "debug"
)

// Types returns the closed type set in display order.
func Types() []Type { return []Type{TypeInfo, TypeWarning, TypeError, TypeDebug} }

func (t Type) Valid() bool {
	switch t {
	case TypeInfo, TypeWarning, TypeError, TypeDebug:
		return true
	}
	return false
}

// ParseType normalizes a config string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// ParseTypes maps config strings to a subscription filter. An empty list or
// the literal "all" means no filter (nil).
func ParseTypes(raw []string) ([]Type, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Type, 0, len(raw))
	for _, s := range raw {
		if strings.EqualFold(strings.TrimSpace(s), "all") {
			return nil, nil
		}
		t, err := ParseType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Event is a single bot lifecycle notification. Treat it as immutable once
// published; Data should be small and ideally JSON-serializable.
type Event struct {
	BotName     string
	BotID       string
	Type        Type
	Description string
	Time        time.Time
	Data        any
}

// SoftError is a contained bot failure: it marks one run (or one attempt) as
// failed without carrying any process-level severity. The engine publishes
// it as the Data of error events.
type SoftError struct {
	BotName string
	BotID   string
	Message string
	Time    time.Time
}

func (e *SoftError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.BotName == "" {
		return e.Message
	}
	return e.BotName + ": " + e.Message
}

// Soften converts err into a *SoftError attributed to the given bot. An
// error that already is (or wraps) a SoftError is kept, with missing
// identity fields filled in place. A nil err returns nil.
func Soften(err error, botName, botID string) *SoftError {
	if err == nil {
		return nil
	}
	var se *SoftError
	if errors.As(err, &se) && se != nil {
		if se.BotName == "" {
			se.BotName = botName
		}
		if se.BotID == "" {
			se.BotID = botID
		}
		if se.Time.IsZero() {
			se.Time = time.Now()
		}
		return se
	}
	return &SoftError{BotName: botName, BotID: botID, Message: err.Error(), Time: time.Now()}
}

// Selector picks which bots' events a subscription receives: every bot, or
// one bot by name. The zero value matches nothing.
type Selector struct {
	name string
	all  bool
}

func AllBots() Selector { return Selector{all: true} }

func ForBot(name string) Selector { return Selector{name: name} }

func (s Selector) Matches(botName string) bool {
	if s.all {
		return true
	}
	return s.name != "" && s.name == botName
}

func (s Selector) IsZero() bool { return !s.all && s.name == "" }

func (s Selector) String() string {
	switch {
	case s.all:
		return "all"
	case s.name == "":
		return "none"
	default:
		return s.name
	}
}
