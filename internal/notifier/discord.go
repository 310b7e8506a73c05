package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/cloudsdk/internal/logctx"
	"github.com/italolelis/cloudsdk/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Watch notifies every transfer that reaches a terminal state until events is
// closed or ctx is done.
func Watch(ctx context.Context, events <-chan transfer.Event, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			if ev.Kind != transfer.EventFinished {
				continue
			}

			if err := n.Notify(ctx, Message(ev.Snapshot)); err != nil {
				logger.Error("failed to send notification", "transfer_id", ev.Snapshot.ID, "err", err)
			}
		}
	}
}

// Message renders the outcome of a terminal transfer.
func Message(s transfer.Snapshot) string {
	name := capitalize(string(s.Type))

	var path string
	if s.Item != nil {
		path = s.Item.Path
	}

	switch s.State {
	case transfer.StateFinished:
		return fmt.Sprintf("✅ %s finished: %s (%s)", name, path, humanize.Bytes(uint64(max(s.BytesTransferred, 0))))
	case transfer.StateFailed:
		return fmt.Sprintf("❌ %s failed: %s: %v", name, path, s.Err)
	default:
		return fmt.Sprintf("🚫 %s cancelled: %s", name, path)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}
