package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/odvcencio/chauffeur/pkg/browser"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

func TestBridge_ForwardsTargetEvents(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()

	received := make(chan *Message, 4)
	sub, err := mb.Subscribe(context.Background(), SubjectAllTargetEvents, func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	br := NewBridge(mb, logging.Discard())
	defer br.Close()

	br.PublishTargetEvent(browser.TargetEvent{
		Kind:     "navigated",
		TargetID: "T1",
		URL:      "https://one.example/",
		At:       time.Now(),
	})

	select {
	case msg := <-received:
		if msg.Subject != "chauffeur.target.navigated" {
			t.Errorf("Unexpected subject %q", msg.Subject)
		}
		var ev browser.TargetEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("Bad payload: %v", err)
		}
		if ev.Kind != "navigated" || ev.TargetID != "T1" || ev.URL != "https://one.example/" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for bridged event")
	}
}

func TestBridge_CloseDrainsQueuedEvents(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()

	received := make(chan *Message, 8)
	sub, _ := mb.Subscribe(context.Background(), SubjectAllTargetEvents, func(msg *Message) []byte {
		received <- msg
		return nil
	})
	defer sub.Unsubscribe()

	br := NewBridge(mb, logging.Discard())
	for i := 0; i < 3; i++ {
		br.PublishTargetEvent(browser.TargetEvent{Kind: "console", TargetID: "T1"})
	}
	br.Close()

	deadline := time.After(time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("Only %d of 3 events delivered before close", i)
		}
	}
}

func TestBridge_DropsWhenQueueFull(t *testing.T) {
	// Bridge built by hand without its goroutine, so nothing drains the
	// queue and the overflow path is deterministic.
	br := &Bridge{
		bus:    NewMemoryBus(),
		logger: logging.Discard(),
		events: make(chan browser.TargetEvent, 1),
		done:   make(chan struct{}),
	}

	br.PublishTargetEvent(browser.TargetEvent{Kind: "created"})
	br.PublishTargetEvent(browser.TargetEvent{Kind: "created"})

	if got := br.Dropped(); got != 1 {
		t.Errorf("Expected 1 dropped event, got %d", got)
	}
}
