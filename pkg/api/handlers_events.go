package api

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/chauffeur/pkg/browser"
	"github.com/odvcencio/chauffeur/pkg/logging"
)

const (
	maxWSReadBytes = 4 * 1024
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

// handleEvents streams target events over a websocket. ?target= and
// ?kind= narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming is not enabled")
		return
	}

	wantTarget := r.URL.Query().Get("target")
	wantKind := r.URL.Query().Get("kind")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryServer, "ws_accept_failed", "websocket accept failed",
			map[string]interface{}{"error": err.Error()})
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	filter := func(ev browser.TargetEvent) bool {
		if wantTarget != "" && ev.TargetID != wantTarget {
			return false
		}
		if wantKind != "" && ev.Kind != wantKind {
			return false
		}
		return true
	}

	c := s.hub.register(conn, filter)
	ctx, cancel := context.WithCancel(r.Context())
	startWSPing(ctx, conn)

	go func() {
		defer cancel()
		readClient(ctx, c)
	}()

	go func() {
		if err := c.writeLoop(ctx); err != nil {
			cancel()
		}
	}()

	<-ctx.Done()
	s.hub.removeClient(c)
	c.close(websocket.StatusNormalClosure, "shutdown")
}

// readClient drains inbound frames so pings are answered; the stream is
// write-only from the server's side.
func readClient(ctx context.Context, c *client) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
