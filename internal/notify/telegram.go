// Package notify pushes calibration outcomes to Telegram chats.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/ubisys"
)

// Config holds Telegram notifier configuration. An empty token disables
// the notifier.
type Config struct {
	Token   string
	ChatIDs []int64
}

// sender abstracts the bot API for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram forwards calibration results to the configured chats.
type Telegram struct {
	bot     sender
	chatIDs []int64
	events  *coordinator.EventBus
	logger  *slog.Logger
	unsub   func()
}

// NewTelegram authorizes the bot and prepares the notifier. Call Start to
// begin forwarding events.
func NewTelegram(events *coordinator.EventBus, cfg Config, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	logger = logger.With("component", "telegram")
	logger.Info("telegram bot authorized", "account", bot.Self.UserName)
	return &Telegram{
		bot:     bot,
		chatIDs: cfg.ChatIDs,
		events:  events,
		logger:  logger,
	}, nil
}

// Start subscribes to calibration events.
func (t *Telegram) Start() {
	t.unsub = t.events.OnAll(t.handleEvent)
	t.logger.Info("telegram notifier started", "chats", len(t.chatIDs))
}

// Stop unsubscribes from events.
func (t *Telegram) Stop() {
	if t.unsub != nil {
		t.unsub()
	}
	t.logger.Info("telegram notifier stopped")
}

func (t *Telegram) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventCalibrationDone, coordinator.EventCalibrationFailed:
		result, ok := event.Data.(*ubisys.Result)
		if !ok {
			return
		}
		t.broadcast(formatResult(result))
	}
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("telegram send failed", "chat_id", chatID, "err", err)
		}
	}
}

// formatResult renders a calibration result as a chat message.
func formatResult(result *ubisys.Result) string {
	duration := result.Duration.Round(time.Second)
	if result.Success {
		text := fmt.Sprintf("Calibration complete: %s (%s)\nsteps down %d, steps up %d",
			result.IEEE, result.Kind, result.StepsDown, result.StepsUp)
		if result.TiltSteps > 0 {
			text += fmt.Sprintf(", tilt %d", result.TiltSteps)
		}
		text += fmt.Sprintf("\ntook %s", duration)
		if result.Warning != "" {
			text += "\nwarning: " + result.Warning
		}
		return text
	}

	text := fmt.Sprintf("Calibration FAILED: %s", result.IEEE)
	if result.Kind != "" {
		text += fmt.Sprintf(" (%s)", result.Kind)
	}
	if result.Phase != "" {
		text += "\nphase: " + result.Phase
	}
	if result.Error != "" {
		text += "\nerror: " + result.Error
	}
	return text
}
