package lmsconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ClientOptions configures a Client. The zero value connects without
// either credential layer (the default no-auth path against a local
// server).
type ClientOptions struct {
	CredentialOptions

	// Logger overrides the default error-level logger.
	Logger Logger
}

// Client manages authenticated connections to the server, one per
// namespace. The credential set is resolved once at construction and
// never mutated afterwards.
type Client struct {
	logger      Logger
	apiHost     string
	creds       *Credentials
	connections map[string]*namespaceConnection
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewClient creates a client for the given API host. Credential
// resolution happens here, including the environment fallbacks; a
// malformed session token fails construction with a TokenFormatError.
func NewClient(apiHost string, opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	if apiHost == "" {
		apiHost = fmt.Sprintf("http://%s:%d", DefaultAPIHosts[0], DefaultAPIPorts[0])
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(LogLevelError)
	}

	creds, err := ResolveCredentials(opts.CredentialOptions)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		logger:      logger,
		apiHost:     apiHost,
		creds:       creds,
		connections: make(map[string]*namespaceConnection),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// APIHost returns the host this client connects to.
func (c *Client) APIHost() string {
	return c.apiHost
}

// Credentials returns the resolved, immutable credential set.
func (c *Client) Credentials() *Credentials {
	return c.creds
}

// Connect opens and authenticates the connection for a namespace,
// blocking until the handshake and session auth complete.
func (c *Client) Connect(namespace string) error {
	return c.ConnectContext(c.ctx, namespace)
}

// ConnectContext is the context-aware variant of Connect. Cancellation
// during the handshake phase guarantees the session auth message is never
// sent.
func (c *Client) ConnectContext(ctx context.Context, namespace string) error {
	_, err := c.getConnection(ctx, namespace)
	return err
}

// getConnection gets or creates a connection to a specific namespace.
// All entry points share this one connect sequence, so header and payload
// ordering is identical regardless of how the caller schedules the call.
func (c *Client) getConnection(ctx context.Context, namespace string) (*namespaceConnection, error) {
	c.mu.Lock()
	conn, exists := c.connections[namespace]
	if exists && conn.isConnected() {
		c.mu.Unlock()
		return conn, nil
	}

	conn = &namespaceConnection{
		logger:       c.logger,
		namespace:    namespace,
		creds:        c.creds,
		runCtx:       c.ctx,
		nextID:       1,
		pendingCalls: make(map[int]chan json.RawMessage),
	}
	c.connections[namespace] = conn
	c.mu.Unlock()

	if err := conn.connect(ctx, c.apiHost); err != nil {
		return nil, err
	}

	return conn, nil
}

// RemoteCall makes an RPC call on a namespace, connecting implicitly when
// no connection is open yet.
func (c *Client) RemoteCall(namespace, endpoint string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(c.ctx, WsAPITimeoutSec*time.Second)
	defer cancel()
	return c.RemoteCallContext(ctx, namespace, endpoint, params)
}

// RemoteCallContext is the context-aware variant of RemoteCall.
func (c *Client) RemoteCallContext(ctx context.Context, namespace, endpoint string, params interface{}) (json.RawMessage, error) {
	conn, err := c.getConnection(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return conn.remoteCall(ctx, endpoint, params)
}

// CheckStatus reports whether the server accepts an authenticated session
// on the system namespace. An unreachable server yields (false, nil); a
// perimeter or auth rejection yields (false, err) so callers can tell a
// network block from an application one.
func (c *Client) CheckStatus() (bool, error) {
	return c.CheckStatusContext(c.ctx)
}

// CheckStatusContext is the context-aware variant of CheckStatus.
func (c *Client) CheckStatusContext(ctx context.Context) (bool, error) {
	_, err := c.getConnection(ctx, SystemNamespace)
	if err != nil {
		var hsErr *HandshakeRejectedError
		var authErr *AuthenticationRejectedError
		if errors.As(err, &hsErr) || errors.As(err, &authErr) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Close closes all namespace connections. Any in-flight connect attempt
// is cancelled before its session payload can be sent.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for namespace, conn := range c.connections {
		if err := conn.close(); err != nil {
			lastErr = fmt.Errorf("failed to close %s connection: %w", namespace, err)
			c.logger.Error("Error closing %s connection: %v", namespace, err)
		}
	}

	return lastErr
}
