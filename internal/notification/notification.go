package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTrade   NotificationType = "trade"
	NotifyAlert   NotificationType = "alert"
	NotifyPause   NotificationType = "pause"
	NotifyFailure NotificationType = "failure"
	NotifyPartial NotificationType = "partial"
	NotifyInfo    NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	UserID    string
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(enabled bool, logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(n *Notification) error {
	if !m.enabled {
		return nil
	}

	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	var lastErr error
	for _, notifier := range notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		if err := notifier.Send(n); err != nil {
			m.logger.Warn().Err(err).Str("notifier", notifier.Name()).Msg("Failed to send notification")
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes the manager to the engine events that a user must hear about
func (m *Manager) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(e events.Event) {
		n := FromEvent(e)
		if n == nil {
			return
		}
		_ = m.Send(n)
	})
}

// FromEvent converts an engine event into a notification. Routine events
// return nil.
func FromEvent(e events.Event) *Notification {
	n := &Notification{
		UserID:    e.UserID,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if s, ok := e.Data["symbol"].(string); ok {
		n.Symbol = s
	}

	switch e.Type {
	case events.EventPartialExecution:
		n.Type = NotifyPartial
		n.Title = "Position opened without protection"
	case events.EventAutoTradePaused:
		n.Type = NotifyPause
		n.Title = "Auto-trading paused"
	case events.EventConditionalFailed:
		n.Type = NotifyFailure
		n.Title = "Conditional order failed"
	case events.EventRuleFailed:
		n.Type = NotifyFailure
		n.Title = "Trading rule disabled after failures"
	case events.EventBotPaused:
		n.Type = NotifyFailure
		n.Title = "Bot paused after failures"
	case events.EventResultDiscarded:
		n.Type = NotifyAlert
		n.Title = "Order filled after cancellation"
	case events.EventRuleAlert:
		n.Type = NotifyAlert
		n.Title = "Rule alert"
	case events.EventTradeExecuted:
		n.Type = NotifyTrade
		n.Title = "Trade executed"
	default:
		if e.Severity != events.SeverityCritical {
			return nil
		}
		n.Type = NotifyInfo
		n.Title = string(e.Type)
	}
	return n
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// telegramSender is the subset of tgbotapi.BotAPI the notifier needs
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	bot     telegramSender
	chatID  int64
	enabled bool
}

// NewTelegramNotifier connects to the Bot API
func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == 0 {
		return &TelegramNotifier{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	return newTelegramNotifier(bot, cfg.ChatID), nil
}

func newTelegramNotifier(bot telegramSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID, enabled: bot != nil && chatID != 0}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}

	msg := tgbotapi.NewMessage(t.chatID, formatTelegram(n))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func formatTelegram(n *Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*", tgbotapi.EscapeText(tgbotapi.ModeMarkdown, n.Title))
	if n.Symbol != "" {
		fmt.Fprintf(&b, " `%s`", n.Symbol)
	}
	if n.UserID != "" {
		fmt.Fprintf(&b, "\nuser: `%s`", n.UserID)
	}
	if n.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(tgbotapi.EscapeText(tgbotapi.ModeMarkdown, n.Message))
	}
	return b.String()
}
