package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Type classifies a notification.
type Type string

const (
	NotifyPositionOpen  Type = "position_open"
	NotifyPositionClose Type = "position_close"
	NotifyLayerFill     Type = "layer_fill"
	NotifyRiskHalt      Type = "risk_halt"
	NotifyError         Type = "error"
	NotifyInfo          Type = "info"
)

// Notification is one message for the operator.
type Notification struct {
	Type       Type
	Title      string
	Message    string
	Pair       string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider. Delivery
// failures are logged, never propagated into the trading path.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates an empty notification manager.
func NewManager() *Manager {
	return &Manager{
		logger: log.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier registers a delivery channel.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers.
func (m *Manager) Send(notification *Notification) {
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Msg("Notification delivery failed")
		}
	}
}

// SendPositionOpened announces a newly planned grid.
func (m *Manager) SendPositionOpened(pair string, layers int, anchorPrice, totalUSD float64, condition string) {
	m.Send(&Notification{
		Type:  NotifyPositionOpen,
		Title: fmt.Sprintf("📈 Position opened: %s", pair),
		Message: fmt.Sprintf("%d-layer grid from %.6f\nBudget: %.2f USD\nMarket: %s",
			layers, anchorPrice, totalUSD, condition),
		Pair:      pair,
		Price:     anchorPrice,
		Timestamp: time.Now(),
	})
}

// SendLayerFilled announces a grid layer execution.
func (m *Manager) SendLayerFilled(pair string, layer int, price, quantity float64) {
	m.Send(&Notification{
		Type:      NotifyLayerFill,
		Title:     fmt.Sprintf("🧱 Layer %d filled: %s", layer, pair),
		Message:   fmt.Sprintf("%.8f @ %.6f", quantity, price),
		Pair:      pair,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// SendPositionClosed announces a completed position with its result.
func (m *Manager) SendPositionClosed(pair string, avgEntry, exitPrice, pnlUSD, pnlPercent float64, reason string) {
	emoji := "✅"
	if pnlUSD < 0 {
		emoji = "❌"
	}
	m.Send(&Notification{
		Type:       NotifyPositionClose,
		Title:      fmt.Sprintf("%s Position closed: %s", emoji, pair),
		Message:    fmt.Sprintf("Entry: %.6f → Exit: %.6f\nP&L: %.2f USD (%.2f%%)\nReason: %s", avgEntry, exitPrice, pnlUSD, pnlPercent, reason),
		Pair:       pair,
		Price:      exitPrice,
		PnL:        pnlUSD,
		PnLPercent: pnlPercent,
		Timestamp:  time.Now(),
	})
}

// SendRiskHalt announces the equity guard tripping.
func (m *Manager) SendRiskHalt(realizedUSD, limitUSD float64) {
	m.Send(&Notification{
		Type:      NotifyRiskHalt,
		Title:     "🛑 Daily loss limit reached",
		Message:   fmt.Sprintf("Realized: %.2f USD, limit: %.2f USD\nAll new entries halted until cleared or UTC rollover.", realizedUSD, limitUSD),
		Timestamp: time.Now(),
	})
}

// SendError reports an operational fault.
func (m *Manager) SendError(title, message string) {
	m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// ===== DISCORD NOTIFIER =====

// DiscordNotifier delivers via a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord settings.
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NewDiscordNotifier creates a Discord webhook notifier.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifyRiskHalt ||
		(notification.Type == NotifyPositionClose && notification.PnL < 0) {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
