package lmsconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// namespaceConnection represents an authenticated connection to a single
// server namespace. The credential set it dials with is read-only and
// shared with every other connection of the owning client.
type namespaceConnection struct {
	logger       Logger
	namespace    string
	creds        *Credentials
	runCtx       context.Context // governs the read pump, not the connect attempt
	conn         *websocket.Conn
	nextID       int
	pendingCalls map[int]chan json.RawMessage
	connected    bool
	mu           sync.Mutex
}

// wsURL builds the WebSocket URL for a namespace endpoint. https hosts
// upgrade to wss, and a bare host on port 443 implies TLS as well; an
// explicit http:// prefix forces plaintext on any port.
func wsURL(apiHost, namespace string) url.URL {
	switch {
	case strings.HasPrefix(apiHost, "https://"):
		return url.URL{Scheme: "wss", Host: strings.TrimPrefix(apiHost, "https://"), Path: "/" + namespace}
	case strings.HasPrefix(apiHost, "http://"):
		return url.URL{Scheme: "ws", Host: strings.TrimPrefix(apiHost, "http://"), Path: "/" + namespace}
	case strings.HasSuffix(apiHost, ":443"):
		return url.URL{Scheme: "wss", Host: apiHost, Path: "/" + namespace}
	default:
		return url.URL{Scheme: "ws", Host: apiHost, Path: "/" + namespace}
	}
}

// connect dials the namespace endpoint and authenticates the session.
// The handshake headers go out with the upgrade request; the session auth
// message is only ever written once the transport is fully established.
// Both the blocking and the context-aware client surfaces funnel into this
// one sequence.
func (nc *namespaceConnection) connect(ctx context.Context, apiHost string) error {
	nc.mu.Lock()
	if nc.connected {
		nc.mu.Unlock()
		return fmt.Errorf("already connected to %s namespace", nc.namespace)
	}
	if nc.runCtx == nil {
		nc.runCtx = context.Background()
	}
	nc.mu.Unlock()

	u := wsURL(apiHost, nc.namespace)
	conn, err := nc.dial(ctx, u)
	if err != nil {
		return err
	}

	// The transport exists from here on. A cancellation landing in the
	// window between upgrade and auth must still keep the session payload
	// off the wire.
	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-nc.runCtx.Done():
		conn.Close()
		return nc.runCtx.Err()
	default:
	}

	if err := nc.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	nc.mu.Lock()
	nc.conn = conn
	nc.connected = true
	nc.mu.Unlock()

	go nc.handleMessages(nc.runCtx)

	nc.logger.Debug("Connected and authenticated to %s namespace as %s", nc.namespace, nc.creds.identifier)
	return nil
}

// dial attempts the WebSocket upgrade, retrying transport-level failures
// with jittered backoff. A plain HTTP refusal from the perimeter is
// terminal: retrying with the same headers cannot succeed and no session
// payload may ever be sent for this attempt.
func (nc *namespaceConnection) dial(ctx context.Context, u url.URL) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	headers := nc.creds.HandshakeHeaders()

	delay := &backoff.Backoff{
		Min:    time.Second,
		Max:    10 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < MaxConnectionRetries; attempt++ {
		if attempt > 0 {
			d := delay.Duration()
			nc.logger.Info("Connection attempt %d/%d after waiting %v...",
				attempt+1, MaxConnectionRetries, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		nc.logger.Debug("Connecting to %s", u.String())

		conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			return conn, nil
		}

		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			resp.Body.Close()
			return nil, &HandshakeRejectedError{
				URL:        u.String(),
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Err:        err,
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		nc.logger.Error("Connection attempt failed: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w",
		u.String(), MaxConnectionRetries, lastErr)
}

type authResponse struct {
	Success bool            `json:"success"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// authenticate writes the session auth message as the first frame and
// checks the server's verdict.
func (nc *namespaceConnection) authenticate(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(authReadTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}

	nc.logger.Debug("Sending auth message to %s as %s", nc.namespace, nc.creds.identifier)
	if err := conn.WriteJSON(nc.creds.authMessage()); err != nil {
		return fmt.Errorf("failed to send auth message: %w", err)
	}

	var resp authResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to reset read deadline: %w", err)
	}

	if !resp.Success {
		reason := "unknown error"
		if len(resp.Error) > 0 {
			var s string
			if json.Unmarshal(resp.Error, &s) == nil && s != "" {
				reason = s
			} else {
				reason = string(resp.Error)
			}
		}
		return &AuthenticationRejectedError{Namespace: nc.namespace, Reason: reason}
	}

	return nil
}

// isConnected returns whether the namespace connection is connected
func (nc *namespaceConnection) isConnected() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.connected
}

// close closes the namespace connection. Safe to call repeatedly.
func (nc *namespaceConnection) close() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if !nc.connected || nc.conn == nil {
		return nil
	}

	nc.connected = false

	// Set a deadline so the closing handshake cannot hang on a dead peer.
	_ = nc.conn.SetWriteDeadline(time.Now().Add(1 * time.Second))

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// Ignore error if connection is already broken
	_ = nc.conn.WriteMessage(websocket.CloseMessage, closeMsg)

	// Give time for the close message to be sent and processed
	time.Sleep(250 * time.Millisecond)

	return nc.conn.Close()
}

// handleMessages is the read pump: it correlates RPC responses with their
// pending calls and surfaces server-side communication warnings.
func (nc *namespaceConnection) handleMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := nc.conn.ReadMessage()
			if err != nil {
				select {
				case <-ctx.Done():
					// Shutting down, exit silently.
				default:
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure,
						websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
						!strings.Contains(err.Error(), "use of closed network connection") &&
						!strings.Contains(err.Error(), "websocket: close sent") {
						nc.logger.Error("Error reading message from %s: %v", nc.namespace, err)
					}
				}

				nc.mu.Lock()
				nc.connected = false
				nc.mu.Unlock()
				return
			}

			nc.logger.Trace("Received raw WebSocket message from %s: %s", nc.namespace, string(message))

			var msg map[string]interface{}
			if err := json.Unmarshal(message, &msg); err != nil {
				nc.logger.Error("Error parsing message from %s: %v", nc.namespace, err)
				continue
			}

			msgType, hasType := msg["type"].(string)
			if !hasType {
				nc.logger.Error("Message has no type field from %s", nc.namespace)
				continue
			}

			if msgType == "communicationWarning" {
				if warning, ok := msg["warning"].(string); ok {
					nc.logger.Warn("Communication issue from %s: %s", nc.namespace, warning)
				}
				continue
			}

			if msgType == "rpcResult" || msgType == "rpcError" {
				callID, ok := msg["callId"].(float64)
				if !ok {
					nc.logger.Error("RPC message missing callId from %s", nc.namespace)
					continue
				}

				nc.mu.Lock()
				ch, exists := nc.pendingCalls[int(callID)]
				if exists {
					ch <- message
					delete(nc.pendingCalls, int(callID))
				}
				nc.mu.Unlock()

				if !exists {
					nc.logger.Error("Received response for unknown call ID %d from %s", int(callID), nc.namespace)
				}
				continue
			}

			nc.logger.Trace("Ignoring message type '%s' from %s", msgType, nc.namespace)
		}
	}
}

// ensureConnected ensures the namespace connection is connected or returns an error
func (nc *namespaceConnection) ensureConnected() error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if !nc.connected || nc.conn == nil {
		return fmt.Errorf("not connected to %s namespace", nc.namespace)
	}
	return nil
}

// remoteCall makes a remote procedure call over the authenticated session
// and waits for the correlated response.
func (nc *namespaceConnection) remoteCall(ctx context.Context, endpoint string, params interface{}) (json.RawMessage, error) {
	if err := nc.ensureConnected(); err != nil {
		return nil, err
	}

	nc.mu.Lock()
	id := nc.nextID
	nc.nextID++
	ch := make(chan json.RawMessage, 1)
	nc.pendingCalls[id] = ch
	nc.mu.Unlock()

	rpcMsg := map[string]interface{}{
		"type":     "rpcCall",
		"endpoint": endpoint,
		"callId":   id,
	}
	if params != nil {
		rpcMsg["parameter"] = params
	}

	nc.logger.Debug("Sending RPC call %d (%s) to %s", id, endpoint, nc.namespace)

	nc.mu.Lock()
	conn := nc.conn
	nc.mu.Unlock()
	if err := conn.WriteJSON(rpcMsg); err != nil {
		nc.mu.Lock()
		delete(nc.pendingCalls, id)
		nc.mu.Unlock()
		return nil, fmt.Errorf("failed to send RPC message: %w", err)
	}

	select {
	case response := <-ch:
		return nc.parseCallResponse(response)
	case <-ctx.Done():
		nc.mu.Lock()
		delete(nc.pendingCalls, id)
		nc.mu.Unlock()
		return nil, fmt.Errorf("RPC call %d (%s) aborted: %w", id, endpoint, ctx.Err())
	}
}

func (nc *namespaceConnection) parseCallResponse(response json.RawMessage) (json.RawMessage, error) {
	var respMap map[string]interface{}
	if err := json.Unmarshal(response, &respMap); err != nil {
		return nil, fmt.Errorf("failed to parse RPC response: %w", err)
	}

	responseType, ok := respMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing response type")
	}

	switch responseType {
	case "rpcError":
		errObj, ok := respMap["error"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed error response")
		}
		var errorMsg string
		if title, ok := errObj["title"].(string); ok && title != "" {
			errorMsg = title
		} else if rootTitle, ok := errObj["rootTitle"].(string); ok && rootTitle != "" {
			errorMsg = rootTitle
		} else if msg, ok := errObj["message"].(string); ok && msg != "" {
			errorMsg = msg
		} else {
			errorMsg = "Unknown RPC error"
		}
		return nil, fmt.Errorf("%s", errorMsg)

	case "rpcResult":
		if result, ok := respMap["result"]; ok {
			resultBytes, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal result: %w", err)
			}
			return resultBytes, nil
		}
		// Empty result is valid for some operations
		return json.RawMessage("null"), nil

	default:
		return nil, fmt.Errorf("unexpected response type: %s", responseType)
	}
}
