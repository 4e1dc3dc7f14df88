package cdp

import "github.com/odvcencio/chauffeur/pkg/logging"

// Event is a protocol notification delivered to subscribers.
type Event struct {
	// SessionID names the session the event was raised in; empty for
	// browser-level events.
	SessionID string
	Method    string
	Params    []byte
}

// Subscription is a registered interest in a set of event methods. Events
// arrive on C until Unsubscribe is called or the connection closes, at
// which point C is closed. A subscriber that falls behind loses events:
// delivery never blocks the read loop.
type Subscription struct {
	owner     *Client
	ch        chan Event
	methods   map[string]struct{}
	sessionID string
	anySess   bool
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel. Safe to call
// after the connection has closed.
func (s *Subscription) Unsubscribe() {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if _, live := s.owner.subs[s]; live {
		delete(s.owner.subs, s)
		close(s.ch)
	}
}

// Subscribe registers interest in the given event methods across all
// sessions. With no methods, every event matches.
func (c *Client) Subscribe(methods ...string) *Subscription {
	return c.subscribe("", true, methods)
}

// SubscribeSession registers interest in the given event methods raised in
// one session. Browser-level events use an empty sessionID.
func (c *Client) SubscribeSession(sessionID string, methods ...string) *Subscription {
	return c.subscribe(sessionID, false, methods)
}

func (c *Client) subscribe(sessionID string, anySess bool, methods []string) *Subscription {
	sub := &Subscription{
		owner:     c,
		ch:        make(chan Event, c.opts.EventBuffer),
		sessionID: sessionID,
		anySess:   anySess,
	}
	if len(methods) > 0 {
		sub.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			sub.methods[m] = struct{}{}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(sub.ch)
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

func (s *Subscription) matches(msg *Message) bool {
	if !s.anySess && msg.SessionID != s.sessionID {
		return false
	}
	if s.methods == nil {
		return true
	}
	_, ok := s.methods[msg.Method]
	return ok
}

// dispatchEvent delivers one event to every matching subscription. Sends
// happen under the client mutex so Unsubscribe cannot close a channel
// mid-delivery; the sends are non-blocking, so the lock is held briefly.
func (c *Client) dispatchEvent(msg *Message) {
	ev := Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		if !sub.matches(msg) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			c.logger.Warn(logging.CategoryTransport, "event_dropped", "subscriber buffer full", map[string]any{
				"method": msg.Method,
			})
		}
	}
}
