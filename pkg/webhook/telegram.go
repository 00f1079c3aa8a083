package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/devincii-io/Botman/pkg/events"
)

type telegramSender struct {
	bot    *tele.Bot
	chatID int64
}

// NewTelegram builds a sender posting to a Telegram chat. Target is
// "<bot-token>@<chat-id>"; the chat id may be negative for groups.
func NewTelegram(target string) (Sender, error) {
	token, chatID, err := parseTelegramTarget(target)
	if err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chatID: chatID}, nil
}

func parseTelegramTarget(target string) (token string, chatID int64, err error) {
	// Bot tokens contain '@' never, so cutting at the last '@' is safe.
	idx := strings.LastIndex(target, "@")
	if idx <= 0 || idx == len(target)-1 {
		return "", 0, fmt.Errorf("telegram target %q: want \"token@chat-id\"", target)
	}
	token = target[:idx]
	if strings.TrimSpace(token) == "" {
		return "", 0, errors.New("telegram token is empty")
	}
	chatID, err = strconv.ParseInt(target[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("telegram chat id %q: %w", target[idx+1:], err)
	}
	return token, chatID, nil
}

func (t *telegramSender) Kind() string { return KindTelegram }

func (t *telegramSender) Close() error { return nil }

func (t *telegramSender) Send(ctx context.Context, ev events.Event) error {
	// telebot sends have no context parameter, so honor cancellation up
	// front and rely on the client timeout after that.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	text := fmt.Sprintf("%s %s\n%s\n%s",
		Emoji(ev.Type), strings.ToUpper(string(ev.Type)), ev.BotName, ev.Description)
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text)
	return err
}
