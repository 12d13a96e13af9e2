package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends build outcomes to a fixed set of allowlisted
// chat ids. The bot connection is established lazily on first use so a
// daemon with Telegram configured but unreachable still starts.
type TelegramNotifier struct {
	token   string
	chatIDs []int64
	logger  *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		token:   token,
		chatIDs: chatIDs,
		logger:  logger,
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

func (n *TelegramNotifier) Notify(_ context.Context, ev Event) error {
	bot, err := n.client()
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	text := formatMessage(ev)
	var errs []error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// client returns the connected bot, dialing on first call. Failures are
// not latched, so a notifier that could not reach Telegram at startup
// retries on the next outcome.
func (n *TelegramNotifier) client() (*tgbotapi.BotAPI, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.bot != nil {
		return n.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(n.token)
	if err != nil {
		return nil, err
	}
	n.logger.Info("telegram notifier connected", "user", bot.Self.UserName)
	n.bot = bot
	return bot, nil
}

// formatMessage renders one outcome as a plain-text Telegram message.
func formatMessage(ev Event) string {
	var b strings.Builder
	switch ev.Status {
	case "SUCCEEDED":
		b.WriteString("✅ Build succeeded")
	case "REJECTED":
		b.WriteString("⚠️ Build rejected")
	case "FAILED":
		b.WriteString("❌ Build failed")
	default:
		b.WriteString("Build " + strings.ToLower(ev.Status))
	}
	b.WriteString("\n")
	b.WriteString(ev.BuildID)
	if ev.ArtifactPath != "" {
		b.WriteString("\nArtifact: ")
		b.WriteString(ev.ArtifactPath)
	}
	if ev.Summary != "" {
		b.WriteString("\n")
		b.WriteString(ev.Summary)
	}
	return b.String()
}
