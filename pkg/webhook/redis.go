package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devincii-io/Botman/pkg/events"
)

type redisSender struct {
	client  *redis.Client
	channel string
}

// wireEvent is the JSON shape published to the Redis channel.
type wireEvent struct {
	BotName     string    `json:"bot_name"`
	BotID       string    `json:"bot_id"`
	Type        string    `json:"event_type"`
	Description string    `json:"description"`
	Emoji       string    `json:"emoji"`
	Time        time.Time `json:"time"`
	Data        string    `json:"data,omitempty"`
}

// NewRedis builds a sender publishing events to a Redis channel. Target is
// "<addr>/<channel>", e.g. "localhost:6379/botman:events". The connection is
// dialed lazily on first publish.
func NewRedis(target string) (Sender, error) {
	addr, channel, ok := strings.Cut(target, "/")
	if !ok || strings.TrimSpace(addr) == "" || strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("redis target %q: want \"addr/channel\"", target)
	}
	return &redisSender{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}, nil
}

func (r *redisSender) Kind() string { return KindRedis }

func (r *redisSender) Close() error { return r.client.Close() }

func (r *redisSender) Send(ctx context.Context, ev events.Event) error {
	w := wireEvent{
		BotName:     ev.BotName,
		BotID:       ev.BotID,
		Type:        string(ev.Type),
		Description: ev.Description,
		Emoji:       Emoji(ev.Type),
		Time:        ev.Time,
	}
	if ev.Data != nil {
		w.Data = fmt.Sprint(ev.Data)
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
