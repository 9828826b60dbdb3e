package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次评估周期的摘要。
type Notification struct {
	RunID        string      `json:"run_id"`
	StartedAt    time.Time   `json:"started_at"`
	UniverseSize int         `json:"universe_size"`
	Eligible     int         `json:"eligible"`
	Hold         int         `json:"hold"`
	Blocked      int         `json:"blocked"`
	Unknown      int         `json:"unknown"`
	Exhausted    bool        `json:"budget_exhausted"`
	Highlights   []Highlight `json:"highlights,omitempty"`
}

// Highlight 描述一条入选合约摘要。
type Highlight struct {
	Symbol    string  `json:"symbol"`
	Strategy  string  `json:"strategy"`
	OCCSymbol string  `json:"occ_symbol"`
	Strike    float64 `json:"strike"`
	DTE       int     `json:"dte"`
	Score     float64 `json:"score"`
	Band      string  `json:"band"`
	Tier      string  `json:"tier"`
}

// Notifier 定义摘要推送接口。
type Notifier interface {
	Notify(ctx context.Context, note Notification) error
}

// WebhookNotifier 通过通用 Webhook 推送 JSON 摘要。
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier 构造 Webhook 通知器。
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "notify_webhook").Logger(),
	}
}

// Notify POST 摘要负载到目标地址。
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	payload := struct {
		Text string `json:"text"`
		Notification
	}{
		Text:         renderMessage(note),
		Notification: note,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
	}

	n.logger.Info().Str("run_id", note.RunID).
		Int("eligible", note.Eligible).
		Int("highlights", len(note.Highlights)).
		Msg("摘要已发送 (Webhook)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Wheel Screener]\n")
	builder.WriteString(fmt.Sprintf("Run: %s (%s UTC)\n", note.RunID, note.StartedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Universe: %d symbols\n", note.UniverseSize))
	builder.WriteString(fmt.Sprintf("Eligible: %d, Hold: %d, Blocked: %d, Unknown: %d\n",
		note.Eligible, note.Hold, note.Blocked, note.Unknown))
	if note.Exhausted {
		builder.WriteString("Budget exhausted before the universe was covered\n")
	}
	for _, h := range note.Highlights {
		builder.WriteString(fmt.Sprintf("%s %s %s strike %.2f dte %d score %.1f band %s tier %s\n",
			h.Symbol, h.Strategy, h.OCCSymbol, h.Strike, h.DTE, h.Score, h.Band, h.Tier))
	}
	return builder.String()
}

var _ Notifier = (*WebhookNotifier)(nil)
