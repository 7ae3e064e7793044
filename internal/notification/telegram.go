package notification

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig holds Telegram settings.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// TelegramNotifier delivers via the Telegram bot API.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
}

// NewTelegramNotifier authenticates the bot. A disabled or incomplete config
// yields a disabled notifier rather than an error.
func NewTelegramNotifier(config TelegramConfig) (*TelegramNotifier, error) {
	if !config.Enabled || config.BotToken == "" || config.ChatID == 0 {
		return &TelegramNotifier{}, nil
	}

	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:     bot,
		chatID:  config.ChatID,
		enabled: true,
	}, nil
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
