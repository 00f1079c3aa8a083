package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"

	"github.com/devincii-io/Botman/pkg/events"
)

type slackSender struct {
	url string
}

// NewSlack builds a sender posting to a Slack incoming webhook URL.
func NewSlack(url string) Sender {
	return &slackSender{url: url}
}

func (s *slackSender) Kind() string { return KindSlack }

func (s *slackSender) Close() error { return nil }

func (s *slackSender) Send(ctx context.Context, ev events.Event) error {
	fields := []slack.AttachmentField{
		{Title: "bot_name", Value: ev.BotName, Short: true},
		{Title: "bot_id", Value: ev.BotID, Short: true},
		{Title: "event_type", Value: string(ev.Type), Short: true},
	}
	if ev.Data != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "data",
			Value: fmt.Sprint(ev.Data),
		})
	}
	att := slack.Attachment{
		Color:  slackColor(ev.Type),
		Fields: fields,
	}
	if !ev.Time.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(ev.Time.Unix(), 10))
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("%s *%s* %s: %s",
			Emoji(ev.Type), ev.Type, ev.BotName, ev.Description),
		Attachments: []slack.Attachment{att},
	}
	return slack.PostWebhookContext(ctx, s.url, msg)
}

func slackColor(t events.Type) string {
	switch t {
	case events.TypeError:
		return "danger"
	case events.TypeWarning:
		return "warning"
	case events.TypeInfo:
		return "good"
	}
	return ""
}
