package lmsconnect

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockGatewayOptions configures the simulated perimeter and endpoint
// checks of the test service.
type mockGatewayOptions struct {
	// RequireEdgeKey rejects the upgrade request with 403 unless the
	// X-API-Key header matches, standing in for a WAF in front of the
	// server. Empty disables the perimeter check.
	RequireEdgeKey string

	// RequireIdentifier answers the session auth message with a failure
	// unless clientIdentifier matches. Empty accepts any identity.
	RequireIdentifier string

	// HandshakeDelay stalls the upgrade response, giving tests a window
	// to cancel the attempt mid-handshake.
	HandshakeDelay time.Duration
}

// mockGatewayRecorder captures what the service observed so tests can
// assert on handshake headers, auth payloads and their relative order.
type mockGatewayRecorder struct {
	mu           sync.Mutex
	handshakes   []http.Header
	authMessages []map[string]interface{}
}

func (r *mockGatewayRecorder) recordHandshake(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes = append(r.handshakes, h)
}

func (r *mockGatewayRecorder) recordAuth(msg map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authMessages = append(r.authMessages, msg)
}

// Handshakes returns the headers of every upgrade request seen so far.
func (r *mockGatewayRecorder) Handshakes() []http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]http.Header(nil), r.handshakes...)
}

// AuthMessages returns every session auth message seen so far.
func (r *mockGatewayRecorder) AuthMessages() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]interface{}(nil), r.authMessages...)
}

// NewMockGatewayService creates a test WebSocket service that speaks the
// session auth protocol behind an optional simulated WAF perimeter. Any
// request path is accepted, so the same service backs every namespace.
func NewMockGatewayService(t *testing.T, logger Logger, opts mockGatewayOptions) (*httptest.Server, *mockGatewayRecorder) {
	t.Helper()

	recorder := &mockGatewayRecorder{}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.recordHandshake(r.Header.Clone())

		if opts.HandshakeDelay > 0 {
			time.Sleep(opts.HandshakeDelay)
		}

		// Perimeter check happens on the plain HTTP request, before the
		// protocol switch. The client never gets a transport here.
		if opts.RequireEdgeKey != "" && r.Header.Get(EdgeKeyHeader) != opts.RequireEdgeKey {
			logger.Debug("Mock gateway: rejecting handshake, edge key missing or invalid")
			http.Error(w, "edge key missing or invalid", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		// Endpoint check happens on the first frame of the established
		// transport.
		var authMsg map[string]interface{}
		if err := conn.ReadJSON(&authMsg); err != nil {
			logger.Warn("Mock gateway: failed to read auth message: %v", err)
			return
		}
		recorder.recordAuth(authMsg)

		identifier, _ := authMsg["clientIdentifier"].(string)
		if opts.RequireIdentifier != "" && identifier != opts.RequireIdentifier {
			logger.Debug("Mock gateway: rejecting auth for identifier %q", identifier)
			_ = conn.WriteJSON(map[string]interface{}{
				"success": false,
				"error":   "invalid client credentials",
			})
			return
		}

		if err := conn.WriteJSON(map[string]interface{}{"success": true}); err != nil {
			t.Errorf("Failed to write auth response: %v", err)
			return
		}

		// Main handler loop: process API requests
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				logger.Warn("Mock gateway: connection closed or error: %v", err)
				return
			}

			msgType, _ := msg["type"].(string)
			endpoint, _ := msg["endpoint"].(string)

			logger.Debug("Mock gateway: received message: %v", msg)
			switch {
			case msgType == "rpcCall" && endpoint == "echo":
				response := map[string]interface{}{
					"type":   "rpcResult",
					"callId": msg["callId"],
					"result": msg["parameter"],
				}
				if err := conn.WriteJSON(response); err != nil {
					t.Errorf("Failed to write echo response: %v", err)
					return
				}
			case msgType == "rpcCall":
				response := map[string]interface{}{
					"type":   "rpcError",
					"callId": msg["callId"],
					"error": map[string]interface{}{
						"title": "unknown endpoint: " + endpoint,
					},
				}
				if err := conn.WriteJSON(response); err != nil {
					t.Errorf("Failed to write error response: %v", err)
					return
				}
			default:
				t.Logf("Mock gateway received unhandled message: %v", msg)
			}
		}
	}))

	return server, recorder
}
