package notify

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/ubisys"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNotifier(events *coordinator.EventBus, chatIDs ...int64) (*Telegram, *fakeSender) {
	bot := &fakeSender{}
	return &Telegram{
		bot:     bot,
		chatIDs: chatIDs,
		events:  events,
		logger:  newTestLogger(),
	}, bot
}

func TestFormatResultSuccess(t *testing.T) {
	text := formatResult(&ubisys.Result{
		IEEE:      "001FEE0000012A3B",
		Kind:      ubisys.KindRoller,
		Success:   true,
		StepsDown: 2110,
		StepsUp:   2093,
		Duration:  42*time.Second + 300*time.Millisecond,
	})

	for _, want := range []string{
		"Calibration complete",
		"001FEE0000012A3B",
		"roller",
		"steps down 2110",
		"steps up 2093",
		"took 42s",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "tilt") {
		t.Errorf("roller message should not mention tilt:\n%s", text)
	}
	if strings.Contains(text, "warning") {
		t.Errorf("message should not contain a warning line:\n%s", text)
	}
}

func TestFormatResultVenetianTilt(t *testing.T) {
	text := formatResult(&ubisys.Result{
		IEEE:      "001FEE0000012A3B",
		Kind:      ubisys.KindVenetian,
		Success:   true,
		StepsDown: 2110,
		StepsUp:   2093,
		TiltSteps: 100,
	})

	if !strings.Contains(text, "tilt 100") {
		t.Errorf("venetian message missing tilt steps:\n%s", text)
	}
}

func TestFormatResultWarning(t *testing.T) {
	text := formatResult(&ubisys.Result{
		IEEE:      "001FEE0000012A3B",
		Kind:      ubisys.KindRoller,
		Success:   true,
		StepsDown: 2110,
		StepsUp:   1055,
		Warning:   "step counts differ by more than 10%",
	})

	if !strings.Contains(text, "warning: step counts differ") {
		t.Errorf("message missing warning line:\n%s", text)
	}
}

func TestFormatResultFailure(t *testing.T) {
	text := formatResult(&ubisys.Result{
		IEEE:  "001FEE0000012A3B",
		Kind:  ubisys.KindVenetian,
		Phase: ubisys.PhaseFindTop,
		Error: "motor did not stall within 75s",
	})

	for _, want := range []string{
		"Calibration FAILED",
		"001FEE0000012A3B",
		"venetian",
		"phase: find top limit",
		"error: motor did not stall",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("message missing %q:\n%s", want, text)
		}
	}
}

func TestNotifierBroadcastsCalibrationEvents(t *testing.T) {
	events := coordinator.NewEventBus(newTestLogger())
	tg, bot := newTestNotifier(events, 111, 222)
	tg.Start()
	defer tg.Stop()

	events.Emit(coordinator.Event{
		Type: coordinator.EventCalibrationDone,
		Data: &ubisys.Result{IEEE: "001FEE0000012A3B", Kind: ubisys.KindRoller, Success: true, StepsDown: 2110},
	})

	if len(bot.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(bot.sent))
	}
	if bot.sent[0].ChatID != 111 || bot.sent[1].ChatID != 222 {
		t.Errorf("chat IDs = %d, %d", bot.sent[0].ChatID, bot.sent[1].ChatID)
	}
	if !strings.Contains(bot.sent[0].Text, "Calibration complete") {
		t.Errorf("unexpected message text: %s", bot.sent[0].Text)
	}
}

func TestNotifierIgnoresOtherEvents(t *testing.T) {
	events := coordinator.NewEventBus(newTestLogger())
	tg, bot := newTestNotifier(events, 111)
	tg.Start()
	defer tg.Stop()

	events.Emit(coordinator.Event{Type: coordinator.EventDeviceAnnounce, Data: map[string]interface{}{}})
	events.Emit(coordinator.Event{Type: coordinator.EventCalibrationDone, Data: "not a result"})

	if len(bot.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(bot.sent))
	}
}

func TestNotifierStopsForwarding(t *testing.T) {
	events := coordinator.NewEventBus(newTestLogger())
	tg, bot := newTestNotifier(events, 111)
	tg.Start()
	tg.Stop()

	events.Emit(coordinator.Event{
		Type: coordinator.EventCalibrationFailed,
		Data: &ubisys.Result{IEEE: "001FEE0000012A3B", Error: "timeout"},
	})

	if len(bot.sent) != 0 {
		t.Errorf("sent %d messages after Stop, want 0", len(bot.sent))
	}
}
