package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/devincii-io/Botman/pkg/events"
)

type chimeSender struct {
	url    string
	client *http.Client
}

// NewChime builds a sender posting markdown cards to an Amazon Chime room
// webhook URL.
func NewChime(url string) Sender {
	return &chimeSender{
		url:    url,
		client: &http.Client{Timeout: sendTimeout},
	}
}

func (c *chimeSender) Kind() string { return KindChime }

func (c *chimeSender) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *chimeSender) Send(ctx context.Context, ev events.Event) error {
	// Chime renders "/md" payloads as markdown: heading with the event type
	// and emoji, then the bot name and description on their own lines.
	content := fmt.Sprintf("/md\n### *%s* %s\n%s\n%s",
		ev.Type, Emoji(ev.Type), ev.BotName, ev.Description)
	body, err := json.Marshal(map[string]string{"Content": content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chime webhook: unexpected status %s", resp.Status)
	}
	return nil
}
