package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/wattledger/wattledger/pkg/common"
	"github.com/wattledger/wattledger/pkg/log"
)

// Notifier delivers short human-readable notices, like import summaries.
// Delivery failures should be logged by callers, never treated as fatal.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Configured sets up the Notifier based on flags. Without a webhook URL the
// notices only go to the log.
func Configured() Notifier {
	webhookURL := lflag.String("notify-webhook-url", "", "Webhook URL to POST notices to (empty logs them instead)")

	var n struct{ Notifier }

	lflag.Do(func() {
		if *webhookURL == "" {
			n.Notifier = &logNotifier{}
			return
		}
		n.Notifier = &webhookNotifier{
			client: common.HTTPClient(10 * time.Second),
			url:    *webhookURL,
		}
	})

	return &n
}

// logNotifier writes notices to the log and nothing else.
type logNotifier struct{}

func (l *logNotifier) Notify(ctx context.Context, title, message string) error {
	log.Ctx(ctx).InfoContext(ctx, "notice",
		slog.String("title", title),
		slog.String("message", message),
	)
	return nil
}

// webhookNotifier POSTs notices as JSON to a configured URL.
type webhookNotifier struct {
	client *http.Client
	url    string
}

func (w *webhookNotifier) Notify(ctx context.Context, title, message string) error {
	body, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notice webhook returned status %d", resp.StatusCode)
	}
	return nil
}
