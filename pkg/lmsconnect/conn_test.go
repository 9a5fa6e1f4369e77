package lmsconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, opts CredentialOptions) *namespaceConnection {
	t.Helper()
	creds, err := ResolveCredentials(opts)
	require.NoError(t, err)
	return &namespaceConnection{
		logger:       newTestLogger(),
		namespace:    LLMNamespace,
		creds:        creds,
		pendingCalls: make(map[int]chan json.RawMessage),
	}
}

func TestNamespaceConnectionConnect(t *testing.T) {
	clearCredentialEnv(t)

	_, host, closeServer := getMockGateway(t, mockGatewayOptions{})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{})

	if err := nc.connect(context.Background(), host); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	if !nc.isConnected() {
		t.Errorf("Expected connection to be established, but isConnected() returned false")
	}

	if err := nc.close(); err != nil {
		t.Errorf("Failed to close connection: %v", err)
	}

	if nc.isConnected() {
		t.Errorf("Expected connection to be closed, but isConnected() returned true")
	}
}

func TestConnectSendsEdgeKeyHeader(t *testing.T) {
	clearCredentialEnv(t)

	recorder, host, closeServer := getMockGateway(t, mockGatewayOptions{})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{EdgeKey: "test-api-key"})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	handshakes := recorder.Handshakes()
	require.Len(t, handshakes, 1)
	assert.Equal(t, "test-api-key", handshakes[0].Get(EdgeKeyHeader))

	// The auth message went out only after the handshake was observed.
	authMessages := recorder.AuthMessages()
	require.Len(t, authMessages, 1)
	assert.True(t, strings.HasPrefix(authMessages[0]["clientIdentifier"].(string), "guest:"))
}

func TestConnectOmitsEdgeKeyHeaderWhenUnset(t *testing.T) {
	clearCredentialEnv(t)

	recorder, host, closeServer := getMockGateway(t, mockGatewayOptions{})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{
		HTTPHeaders: map[string]string{"X-Custom": "value1"},
	})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	handshakes := recorder.Handshakes()
	require.Len(t, handshakes, 1)
	assert.Empty(t, handshakes[0].Values(EdgeKeyHeader),
		"the header key must not be present at all when no edge key is set")
	assert.Equal(t, "value1", handshakes[0].Get("X-Custom"))
}

func TestConnectExplicitEdgeKeyWinsOverHeaderMap(t *testing.T) {
	clearCredentialEnv(t)

	recorder, host, closeServer := getMockGateway(t, mockGatewayOptions{RequireEdgeKey: "param-key"})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{
		EdgeKey:     "param-key",
		HTTPHeaders: map[string]string{EdgeKeyHeader: "map-key"},
	})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	handshakes := recorder.Handshakes()
	require.Len(t, handshakes, 1)
	require.Len(t, handshakes[0].Values(EdgeKeyHeader), 1)
	assert.Equal(t, "param-key", handshakes[0].Get(EdgeKeyHeader))
}

func TestConnectBothLayersOrdered(t *testing.T) {
	clearCredentialEnv(t)

	recorder, host, closeServer := getMockGateway(t, mockGatewayOptions{
		RequireEdgeKey:    "edge-secret",
		RequireIdentifier: "abcDEF78",
	})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{
		EdgeKey:      "edge-secret",
		SessionToken: strPtr(validToken),
	})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	// Header strictly precedes payload: the service records the
	// handshake before it will even read an auth frame.
	require.Len(t, recorder.Handshakes(), 1)
	authMessages := recorder.AuthMessages()
	require.Len(t, authMessages, 1)
	assert.Equal(t, "abcDEF78", authMessages[0]["clientIdentifier"])
	assert.Equal(t, float64(AuthVersion), authMessages[0]["authVersion"])
}

func TestConnectPerimeterRejection(t *testing.T) {
	clearCredentialEnv(t)

	recorder, host, closeServer := getMockGateway(t, mockGatewayOptions{RequireEdgeKey: "edge-secret"})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{})
	err := nc.connect(context.Background(), host)

	var hsErr *HandshakeRejectedError
	require.True(t, errors.As(err, &hsErr), "expected HandshakeRejectedError, got %v", err)
	assert.Equal(t, http.StatusForbidden, hsErr.StatusCode)

	var authErr *AuthenticationRejectedError
	assert.False(t, errors.As(err, &authErr), "perimeter rejection must not look like an endpoint one")

	// Short-circuit: no session payload was ever sent.
	assert.Empty(t, recorder.AuthMessages())
	// And no retry against a perimeter refusal.
	assert.Len(t, recorder.Handshakes(), 1)
}

func TestConnectEndpointAuthRejection(t *testing.T) {
	clearCredentialEnv(t)

	_, host, closeServer := getMockGateway(t, mockGatewayOptions{RequireIdentifier: "abcDEF78"})
	defer closeServer()

	// Guest identity, but the endpoint insists on a token-derived one.
	nc := newTestConnection(t, CredentialOptions{})
	err := nc.connect(context.Background(), host)

	var authErr *AuthenticationRejectedError
	require.True(t, errors.As(err, &authErr), "expected AuthenticationRejectedError, got %v", err)
	assert.Equal(t, LLMNamespace, authErr.Namespace)

	var hsErr *HandshakeRejectedError
	assert.False(t, errors.As(err, &hsErr), "endpoint rejection must not look like a perimeter one")
	assert.False(t, nc.isConnected())
}

func TestConnectAlreadyConnected(t *testing.T) {
	clearCredentialEnv(t)

	_, host, closeServer := getMockGateway(t, mockGatewayOptions{})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	err := nc.connect(context.Background(), host)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already connected")
}

func TestConnectCancelledDuringHandshake(t *testing.T) {
	clearCredentialEnv(t)

	recorder, host, closeServer := getMockGateway(t, mockGatewayOptions{
		HandshakeDelay: 500 * time.Millisecond,
	})
	defer closeServer()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	nc := newTestConnection(t, CredentialOptions{})
	err := nc.connect(ctx, host)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected context error, got %v", err)
	assert.False(t, nc.isConnected())

	// Cancellation during the handshake must keep the session payload
	// off the wire for good.
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, recorder.AuthMessages())
}

func TestRemoteCallEcho(t *testing.T) {
	clearCredentialEnv(t)

	_, host, closeServer := getMockGateway(t, mockGatewayOptions{})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	result, err := nc.remoteCall(context.Background(), "echo", map[string]interface{}{"hello": "world"})
	require.NoError(t, err)

	var echoed map[string]interface{}
	require.NoError(t, json.Unmarshal(result, &echoed))
	assert.Equal(t, "world", echoed["hello"])
}

func TestRemoteCallUnknownEndpoint(t *testing.T) {
	clearCredentialEnv(t)

	_, host, closeServer := getMockGateway(t, mockGatewayOptions{})
	defer closeServer()

	nc := newTestConnection(t, CredentialOptions{})
	require.NoError(t, nc.connect(context.Background(), host))
	defer nc.close()

	_, err := nc.remoteCall(context.Background(), "noSuchEndpoint", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown endpoint")
}

func TestRemoteCallNotConnected(t *testing.T) {
	clearCredentialEnv(t)

	nc := newTestConnection(t, CredentialOptions{})
	_, err := nc.remoteCall(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestEnsureConnected(t *testing.T) {
	clearCredentialEnv(t)

	nc := newTestConnection(t, CredentialOptions{})

	if err := nc.ensureConnected(); err == nil {
		t.Errorf("Expected error when not connected, got nil")
	}

	// Manually set connected but keep conn nil: still not usable.
	nc.mu.Lock()
	nc.connected = true
	nc.mu.Unlock()

	if err := nc.ensureConnected(); err == nil {
		t.Errorf("Expected error when conn is nil, got nil")
	}
}

func TestWsURL(t *testing.T) {
	tests := []struct {
		name      string
		apiHost   string
		namespace string
		expected  string
	}{
		{"bare host", "localhost:1234", "system", "ws://localhost:1234/system"},
		{"http host", "http://localhost:1234", "llm", "ws://localhost:1234/llm"},
		{"https host", "https://lmstudio.example.com:443", "system", "wss://lmstudio.example.com:443/system"},
		{"bare host on port 443 implies TLS", "lmstudio.example.com:443", "system", "wss://lmstudio.example.com:443/system"},
		{"http prefix forces plaintext on port 443", "http://localhost:443", "system", "ws://localhost:443/system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := wsURL(tt.apiHost, tt.namespace)
			if u.String() != tt.expected {
				t.Errorf("wsURL(%q, %q) = %q, want %q", tt.apiHost, tt.namespace, u.String(), tt.expected)
			}
		})
	}
}
