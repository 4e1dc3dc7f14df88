package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

// VersionInfo is the browser's /json/version discovery document.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverVersion fetches the discovery document from an http(s) DevTools
// endpoint such as http://127.0.0.1:9222.
func DiscoverVersion(ctx context.Context, endpoint string) (*VersionInfo, error) {
	url := strings.TrimRight(endpoint, "/") + "/json/version"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "building discovery request").
			WithContext("url", url)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransportClosed, "devtools endpoint unreachable").
			WithContext("url", url).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ErrCodeProtocol, fmt.Sprintf("discovery returned %s", resp.Status)).
			WithContext("url", url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProtocol, "reading discovery response")
	}

	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeProtocol, "decoding discovery response")
	}
	return &info, nil
}

// DiscoverWebSocketURL resolves an http(s) DevTools endpoint to the
// browser-level WebSocket debugger URL.
func DiscoverWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	info, err := DiscoverVersion(ctx, endpoint)
	if err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", apperrors.New(apperrors.ErrCodeProtocol, "discovery document has no webSocketDebuggerUrl").
			WithContext("endpoint", endpoint)
	}
	return info.WebSocketDebuggerURL, nil
}
