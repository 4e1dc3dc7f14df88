package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/chauffeur/pkg/browser"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

const (
	bridgeBuffer   = 256
	publishTimeout = 2 * time.Second
)

// Bridge forwards registry events onto the bus. It satisfies
// browser.EventSink: the registry's event pump calls PublishTargetEvent
// inline, so the bridge queues events and publishes from its own
// goroutine. A full queue drops the event rather than stall the pump.
type Bridge struct {
	bus     MessageBus
	logger  *logging.Logger
	events  chan browser.TargetEvent
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewBridge starts a bridge publishing to b. Close releases its goroutine;
// the bus itself stays open.
func NewBridge(b MessageBus, logger *logging.Logger) *Bridge {
	br := &Bridge{
		bus:    b,
		logger: logger,
		events: make(chan browser.TargetEvent, bridgeBuffer),
		done:   make(chan struct{}),
	}
	go br.run()
	return br
}

// PublishTargetEvent queues ev for publication.
func (br *Bridge) PublishTargetEvent(ev browser.TargetEvent) {
	select {
	case br.events <- ev:
	default:
		br.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded under backpressure.
func (br *Bridge) Dropped() uint64 {
	return br.dropped.Load()
}

// Close stops the forwarding goroutine after draining queued events.
func (br *Bridge) Close() {
	br.once.Do(func() { close(br.done) })
}

func (br *Bridge) run() {
	for {
		select {
		case ev := <-br.events:
			br.forward(ev)
		case <-br.done:
			for {
				select {
				case ev := <-br.events:
					br.forward(ev)
				default:
					return
				}
			}
		}
	}
}

func (br *Bridge) forward(ev browser.TargetEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := TargetSubject(ev.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	err = br.bus.Publish(ctx, subject, data)
	cancel()
	if err != nil {
		br.logger.Warn(logging.CategoryBus, "publish_failed", "target event dropped", map[string]any{
			"subject": subject,
			"error":   err.Error(),
		})
	}
}
