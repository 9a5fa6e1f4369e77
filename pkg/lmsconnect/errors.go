package lmsconnect

import "fmt"

// HandshakeRejectedError reports that the upgrade request was refused
// before the WebSocket transport existed. With a firewall in front of the
// server this usually means a missing or invalid edge key; the session
// auth message was never sent.
type HandshakeRejectedError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *HandshakeRejectedError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("handshake rejected by %s: %s", e.URL, e.Status)
	}
	return fmt.Sprintf("handshake rejected by %s: %v", e.URL, e.Err)
}

func (e *HandshakeRejectedError) Unwrap() error { return e.Err }

// AuthenticationRejectedError reports that the server refused the session
// auth message after the transport was established.
type AuthenticationRejectedError struct {
	Namespace string
	Reason    string
}

func (e *AuthenticationRejectedError) Error() string {
	return fmt.Sprintf("authentication rejected on %s namespace: %s", e.Namespace, e.Reason)
}

// TokenFormatError reports a session token that does not match the
// sk-lm-<clientId>:<passkey> grammar.
type TokenFormatError struct {
	Reason string
}

func (e *TokenFormatError) Error() string {
	return fmt.Sprintf("invalid session token: %s", e.Reason)
}
