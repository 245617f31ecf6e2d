// Package notify implements the notification-dispatch contract. One
// implementation exists per channel kind; failures are logged by callers and
// never retried here.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

// Notifier delivers an alert to one configured channel.
type Notifier interface {
	Send(ctx context.Context, channel models.NotificationChannelConfig, alert models.Alert, note string) error
}

// Registry dispatches to the Notifier registered for a channel's kind.
type Registry struct {
	kinds  map[string]Notifier
	logger *slog.Logger
}

// NewRegistry builds a Registry with the default channel kinds (webhook,
// chat, email) registered.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return &Registry{
		kinds: map[string]Notifier{
			"webhook": &WebhookNotifier{client: client},
			"chat":    &ChatNotifier{client: client},
			"email":   &EmailNotifier{logger: logger},
		},
		logger: logger,
	}
}

// Register adds or replaces the Notifier for a channel kind.
func (r *Registry) Register(kind string, n Notifier) {
	r.kinds[kind] = n
}

// Send dispatches the alert through the channel's kind implementation.
func (r *Registry) Send(ctx context.Context, channel models.NotificationChannelConfig, alert models.Alert, note string) error {
	n, ok := r.kinds[channel.Kind]
	if !ok {
		return fmt.Errorf("notification channel %q: unknown kind %q", channel.Name, channel.Kind)
	}
	return n.Send(ctx, channel, alert, note)
}

// webhookPayload is the JSON body posted by webhook-style channels.
type webhookPayload struct {
	AlertID     string    `json:"alert_id"`
	EntityID    string    `json:"entity_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	Note        string    `json:"note,omitempty"`
}

// WebhookNotifier posts the alert as JSON to the channel's url option.
type WebhookNotifier struct {
	client *http.Client
}

// Send implements Notifier.
func (w *WebhookNotifier) Send(ctx context.Context, channel models.NotificationChannelConfig, alert models.Alert, note string) error {
	url := channel.Options["url"]
	if url == "" {
		return fmt.Errorf("webhook channel %q: url option is required", channel.Name)
	}

	payload := webhookPayload{
		AlertID:     alert.ID,
		EntityID:    alert.EntityID,
		Type:        string(alert.Type),
		Severity:    string(alert.Severity),
		Description: alert.Description,
		State:       string(alert.State),
		CreatedAt:   alert.CreatedAt,
		Note:        note,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %q: %w", channel.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook %q returned status %d", channel.Name, resp.StatusCode)
	}
	return nil
}

// ChatNotifier posts a rendered text message to a chat webhook endpoint.
type ChatNotifier struct {
	client *http.Client
}

// Send implements Notifier.
func (c *ChatNotifier) Send(ctx context.Context, channel models.NotificationChannelConfig, alert models.Alert, note string) error {
	url := channel.Options["url"]
	if url == "" {
		return fmt.Errorf("chat channel %q: url option is required", channel.Name)
	}

	text := fmt.Sprintf("[%s] %s on %s: %s", alert.Severity, alert.Type, alert.EntityID, alert.Description)
	if note != "" {
		text += " (" + note + ")"
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post chat message %q: %w", channel.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("chat channel %q returned status %d", channel.Name, resp.StatusCode)
	}
	return nil
}

// EmailNotifier formats the message and hands it to the external delivery
// collaborator. Transport is out of scope here, so the handoff is a
// structured log line carrying the rendered message.
type EmailNotifier struct {
	logger *slog.Logger
}

// Send implements Notifier.
func (e *EmailNotifier) Send(_ context.Context, channel models.NotificationChannelConfig, alert models.Alert, note string) error {
	to := channel.Options["to"]
	if to == "" {
		return fmt.Errorf("email channel %q: to option is required", channel.Name)
	}

	subject := fmt.Sprintf("[%s] %s alert for %s", alert.Severity, alert.Type, alert.EntityID)
	e.logger.Info("email notification handoff",
		slog.String("channel", channel.Name),
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", alert.Description),
		slog.String("note", note))
	return nil
}
