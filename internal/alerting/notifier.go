package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Severity orders operator notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind names the event an operator is told about.
type Kind string

const (
	KindSourceDisabled Kind = "source_disabled"
	KindSourceEnabled  Kind = "source_enabled"
	KindZoneQuality    Kind = "zone_quality"
	KindBackfillFailed Kind = "backfill_failed"
	KindTest           Kind = "test"
)

// Notification carries the alert context.
type Notification struct {
	Kind     Kind
	Severity Severity
	// Subject is the zone or source the alert is about.
	Subject string
	Title   string
	Detail  string
	Time    time.Time
	Fields  map[string]string
}

// Notifier defines the alert delivery interface.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("subject", note.Subject).
		Str("severity", string(note.Severity)).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes alerts to the log. It is used when no external channel
// is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	event := n.logger.Info()
	switch note.Severity {
	case SeverityWarning:
		event = n.logger.Warn()
	case SeverityCritical:
		event = n.logger.Error()
	}
	for k, v := range note.Fields {
		event = event.Str(k, v)
	}
	event.Str("kind", string(note.Kind)).
		Str("subject", note.Subject).
		Str("detail", note.Detail).
		Msg(note.Title)
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[pricepipe %s] %s\n", strings.ToUpper(string(note.Severity)), note.Title))
	if note.Subject != "" {
		builder.WriteString(fmt.Sprintf("Subject: %s\n", note.Subject))
	}
	when := note.Time
	if when.IsZero() {
		when = time.Now()
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", when.UTC().Format(time.RFC3339)))
	keys := make([]string, 0, len(note.Fields))
	for k := range note.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %s\n", k, note.Fields[k]))
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
