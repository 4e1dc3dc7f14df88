package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/chauffeur/pkg/browser"
)

// Hub fans target events out to connected websocket clients and any
// registered sinks. It satisfies browser.EventSink, so it can be
// installed directly on the browser and chained to the flight recorder
// and the message bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	sinks   []browser.EventSink
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// AddSink chains another sink behind the hub. Sinks must not block.
func (h *Hub) AddSink(sink browser.EventSink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// PublishTargetEvent broadcasts an event to all clients and sinks,
// dropping slow websocket consumers.
func (h *Hub) PublishTargetEvent(ev browser.TargetEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.enqueue(ev) {
			go h.removeClient(c)
		}
	}
	for _, sink := range h.sinks {
		sink.PublishTargetEvent(ev)
	}
}

// ClientCount reports connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a new client to the hub.
func (h *Hub) register(conn wsConn, filter func(browser.TargetEvent) bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan browser.TargetEvent, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// removeClient disconnects and removes a client.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type client struct {
	conn   wsConn
	send   chan browser.TargetEvent
	filter func(browser.TargetEvent) bool
}

func (c *client) enqueue(ev browser.TargetEvent) bool {
	if c.filter != nil && !c.filter(ev) {
		return true
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}
