package web

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/ubisys"
)

func newTestFeed() *eventFeed {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return newEventFeed(logger)
}

func (f *eventFeed) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func TestEventFeedAttachDetach(t *testing.T) {
	feed := newTestFeed()

	client := &feedClient{send: make(chan []byte, 16)}
	if !feed.attach(client) {
		t.Fatal("attach failed on open feed")
	}
	if feed.clientCount() != 1 {
		t.Errorf("after attach: count = %d, want 1", feed.clientCount())
	}

	feed.detach(client)
	if feed.clientCount() != 0 {
		t.Errorf("after detach: count = %d, want 0", feed.clientCount())
	}

	// Detaching again must be a no-op, not a double close.
	feed.detach(client)
}

func TestEventFeedPublishesCalibrationEvent(t *testing.T) {
	feed := newTestFeed()

	client := &feedClient{send: make(chan []byte, 16)}
	feed.attach(client)

	feed.Publish(coordinator.Event{
		Type: coordinator.EventCalibrationDone,
		Data: &ubisys.Result{IEEE: "001FEE0000012A3B", Success: true, StepsDown: 2110},
	})

	select {
	case msg := <-client.send:
		var evt struct {
			Type string `json:"type"`
			Data struct {
				StepsDown uint16 `json:"steps_down"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Type != coordinator.EventCalibrationDone {
			t.Errorf("event type = %q", evt.Type)
		}
		if evt.Data.StepsDown != 2110 {
			t.Errorf("steps_down = %d, want 2110", evt.Data.StepsDown)
		}
	default:
		t.Error("client did not receive the event")
	}
}

func TestEventFeedSlowClientEviction(t *testing.T) {
	feed := newTestFeed()

	slow := &feedClient{send: make(chan []byte, 1)}
	fast := &feedClient{send: make(chan []byte, 64)}
	feed.attach(slow)
	feed.attach(fast)

	// The first event fills the slow client's buffer; the second finds it
	// full and evicts the client instead of blocking the bus.
	feed.Publish(coordinator.Event{Type: coordinator.EventAttributeReport})
	feed.Publish(coordinator.Event{Type: coordinator.EventAttributeReport})

	feed.mu.Lock()
	_, slowPresent := feed.clients[slow]
	_, fastPresent := feed.clients[fast]
	feed.mu.Unlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}

	// The evicted client's channel is closed after draining the buffer.
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("evicted client's send channel should be closed")
	}
}

func TestEventFeedCloseIdempotent(t *testing.T) {
	feed := newTestFeed()
	feed.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Close() panicked: %v", r)
		}
	}()
	feed.Close()
}

func TestEventFeedCloseDisconnectsClients(t *testing.T) {
	feed := newTestFeed()

	client := &feedClient{send: make(chan []byte, 16)}
	feed.attach(client)

	feed.Close()

	if _, ok := <-client.send; ok {
		t.Error("client send channel should be closed after feed Close")
	}

	// Publishing after close must not panic or deliver anything.
	feed.Publish(coordinator.Event{Type: coordinator.EventAttributeReport})

	if feed.attach(&feedClient{send: make(chan []byte, 16)}) {
		t.Error("attach should fail on a closed feed")
	}
}
