// Package cdp maintains one duplexed WebSocket connection to a Chrome
// DevTools endpoint. It multiplexes request/response pairs by request id,
// fans protocol events out to subscribers, and serializes physical socket
// writes while allowing any number of logical calls in flight.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

// Message is the DevTools wire envelope. Outgoing commands carry ID, Method,
// Params and optionally SessionID; replies echo the ID with Result or Error;
// events carry Method and Params without an ID.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// WireError is the protocol-level error payload of a rejected command.
type WireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (code %d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Options tunes a Client.
type Options struct {
	// CallTimeout bounds a Call whose context has no deadline of its own.
	CallTimeout time.Duration
	// CommandsPerSec paces outgoing commands; zero disables pacing.
	CommandsPerSec float64
	// EventBuffer is the channel depth of each subscription.
	EventBuffer int
	// Logger receives transport lifecycle events. Nil means no logging.
	Logger *logging.Logger
}

const (
	defaultCallTimeout = 30 * time.Second
	defaultEventBuffer = 64

	// maxMessageSize caps a single inbound frame. Screenshots and DOM
	// snapshots of heavy pages run to tens of megabytes.
	maxMessageSize = 256 << 20
)

// Client is a connection to a browser's DevTools endpoint. All methods are
// safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	opts    Options
	limiter *rate.Limiter
	logger  *logging.Logger

	writeMu sync.Mutex // serializes physical frames on the socket

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *Message
	subs    map[*Subscription]struct{}
	closed  bool
	cause   error

	done chan struct{}
}

// Dial connects to endpoint and starts the read loop. An http(s) endpoint is
// resolved through its /json/version discovery document; a ws(s) endpoint is
// dialed directly.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		discovered, err := DiscoverWebSocketURL(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		wsURL = discovered
	}

	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransportClosed, "dialing devtools endpoint").
			WithContext("url", wsURL)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		pending: make(map[int64]chan *Message),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	if opts.CommandsPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.CommandsPerSec), 1)
	}

	c.logger.Debug(logging.CategoryTransport, "connected", "devtools socket open", map[string]any{"url": wsURL})

	go c.readLoop()
	return c, nil
}

// Call sends one command and waits for its reply. The reply's result field
// is unmarshaled into out when out is non-nil. sessionID may be empty for
// browser-level commands. Call returns as soon as ctx expires; the request
// id is untracked at that point so a late reply is dropped, never
// misdelivered.
func (c *Client) Call(ctx context.Context, sessionID, method string, params, out any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "marshaling params").
				WithContext("method", method)
		}
		rawParams = data
	}

	reply := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return closedError(cause)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = reply
	c.mu.Unlock()

	msg := Message{ID: id, SessionID: sessionID, Method: method, Params: rawParams}

	if err := c.write(ctx, &msg); err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		// The command may have reached the browser and acted; the caller
		// decides whether repeating it is safe.
		c.forget(id)
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "no reply within call budget").
			WithContext("method", method)
	case <-c.done:
		c.mu.Lock()
		cause := c.cause
		c.mu.Unlock()
		return closedError(cause)
	case resp := <-reply:
		if resp.Error != nil {
			return apperrors.Wrap(resp.Error, apperrors.ErrCodeProtocol, method+" rejected").
				WithContext("code", resp.Error.Code)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeProtocol, "decoding "+method+" result")
			}
		}
		return nil
	}
}

// write serializes one frame onto the socket, pacing first when configured.
func (c *Client) write(ctx context.Context, msg *Message) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeTimeout, "rate limit wait").
				WithContext("method", msg.Method)
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "encoding frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransportClosed, "socket write failed")
	}
	return nil
}

// forget drops a pending request id, so its eventual reply is discarded.
func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn(logging.CategoryTransport, "bad_frame", "dropping undecodable frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				reply <- &msg
			}
			// A missing id means the caller gave up; the late reply
			// is dropped here.
			continue
		}

		if msg.Method != "" {
			c.dispatchEvent(&msg)
		}
	}
}

// shutdown fails every pending call, terminates every subscription and marks
// the client closed. Safe to invoke more than once.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	// Pending reply channels are abandoned rather than closed; blocked
	// callers wake on the done channel instead.
	c.pending = make(map[int64]chan *Message)
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[*Subscription]struct{})
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}

	_ = c.conn.Close()

	c.logger.Info(logging.CategoryTransport, "closed", "devtools socket closed", map[string]any{
		"cause": fmt.Sprint(cause),
	})
}

// Close tears the connection down. In-flight calls fail with a transport
// closed error; event subscriptions are terminated.
func (c *Client) Close() error {
	c.shutdown(errors.New("client closed"))
	return nil
}

// Closed reports whether the connection is gone.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func closedError(cause error) error {
	if cause == nil {
		cause = errors.New("connection closed")
	}
	return apperrors.Wrap(cause, apperrors.ErrCodeTransportClosed, "devtools connection closed")
}
