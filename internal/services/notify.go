package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier posts operational events to a webhook so silent post-account
// failures are visible to operators. Every call is best-effort; a failed
// notification is logged and dropped.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier returns nil when no webhook URL is configured, which callers
// treat as notifications disabled.
func NewNotifier(webhookURL string) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends one event. fields are appended to the message text.
func (n *Notifier) Notify(ctx context.Context, message string, fields map[string]string) {
	var b strings.Builder
	b.WriteString(message)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%s", k, v)
	}

	payload, err := json.Marshal(map[string]string{"text": b.String()})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Ops webhook notification failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("Ops webhook rejected notification")
	}
}
