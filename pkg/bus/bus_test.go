package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "chauffeur.target.navigated", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, "chauffeur.target.navigated", []byte(`{"targetId":"T1"}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != `{"targetId":"T1"}` {
			t.Errorf("Unexpected payload %q", string(msg.Data))
		}
		if msg.Subject != "chauffeur.target.navigated" {
			t.Errorf("Unexpected subject %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, "chauffeur.target.*", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, "chauffeur.target.attached", []byte("1"))
	bus.Publish(ctx, "chauffeur.target.crashed", []byte("2"))
	bus.Publish(ctx, "chauffeur.other.attached", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_WildcardGreaterThan(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, SubjectAllTargetEvents, func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, "chauffeur.target.navigated", []byte("1"))
	bus.Publish(ctx, "chauffeur.target.console", []byte("2"))
	bus.Publish(ctx, "other.thing", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "echo", func(msg *Message) []byte {
		return append([]byte("echo: "), msg.Data...)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := bus.Request(ctx, "echo", []byte("hello"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	if string(reply) != "echo: hello" {
		t.Errorf("Expected 'echo: hello', got %q", string(reply))
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "nonexistent", []byte("hello"), 100*time.Millisecond)
	if err != ErrNoResponders {
		t.Errorf("Expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var count atomic.Int32

	for i := 0; i < 3; i++ {
		sub, _ := bus.Subscribe(ctx, "fanout", func(msg *Message) []byte {
			count.Add(1)
			return nil
		})
		defer sub.Unsubscribe()
	}

	bus.Publish(ctx, "fanout", []byte("broadcast"))
	time.Sleep(100 * time.Millisecond)

	if count.Load() != 3 {
		t.Errorf("Expected 3 subscribers to receive message, got %d", count.Load())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, _ := bus.Subscribe(ctx, "test", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})

	bus.Publish(ctx, "test", []byte("1"))
	time.Sleep(50 * time.Millisecond)

	sub.Unsubscribe()

	bus.Publish(ctx, "test", []byte("2"))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 message after unsubscribe, got %d", received.Load())
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"foo.bar", "foo.bar", true},
		{"foo.bar", "foo.baz", false},
		{"foo.*", "foo.bar", true},
		{"foo.*", "foo.bar.baz", false},
		{"foo.>", "foo.bar", true},
		{"foo.>", "foo.bar.baz", true},
		{"*.bar", "foo.bar", true},
		{"*.bar", "baz.bar", true},
		{"*.bar", "foo.baz", false},
		{"chauffeur.target.*", "chauffeur.target.crashed", true},
		{"chauffeur.target.*", "chauffeur.target", false},
		{"chauffeur.>", "chauffeur.target.navigated", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.subject, func(t *testing.T) {
			got := matchSubject(tt.pattern, tt.subject)
			if got != tt.want {
				t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

func TestTargetSubject(t *testing.T) {
	if got := TargetSubject("navigated"); got != "chauffeur.target.navigated" {
		t.Errorf("TargetSubject(navigated) = %q", got)
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	ctx := context.Background()

	if err := bus.Publish(ctx, "test", []byte("data")); err != ErrClosed {
		t.Errorf("Expected ErrClosed on publish, got %v", err)
	}

	if _, err := bus.Subscribe(ctx, "test", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}

	if _, err := bus.Request(ctx, "test", nil, time.Second); err != ErrClosed {
		t.Errorf("Expected ErrClosed on request, got %v", err)
	}
}
