package lmsconnect

import (
	"net/http"
	"net/textproto"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// CredentialOptions are the authentication inputs accepted at client
// construction time. Both credential layers are optional and independent:
// the edge key is checked by a network perimeter during the WebSocket
// handshake, the session token by the server itself afterwards.
type CredentialOptions struct {
	// EdgeKey is sent as the X-API-Key header on the handshake request.
	// It takes precedence over an X-API-Key entry in HTTPHeaders and over
	// the EdgeKeyEnvVar environment variable.
	EdgeKey string

	// HTTPHeaders are attached verbatim to the handshake request.
	HTTPHeaders map[string]string

	// SessionToken is the sk-lm-... API token used to build the session
	// auth message. nil falls back to SessionTokenEnvVar; a pointer to the
	// empty string forces the anonymous guest identity even when the
	// variable is set.
	SessionToken *string
}

// Credentials is the credential set resolved once from CredentialOptions
// and the process environment. It is immutable and shared read-only by
// every connection the client opens, so repeated connections always
// present identical headers and auth payloads.
type Credentials struct {
	edgeKey      string
	extraHeaders map[string]string
	identifier   string
	passkey      string
}

// LoadEnvFile populates the process environment from a dotenv file before
// credential resolution. An empty path loads ./.env and is a no-op when
// that file does not exist. Existing environment variables are not
// overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		return godotenv.Load()
	}
	return godotenv.Load(path)
}

// ResolveCredentials resolves the credential set with documented
// precedence: explicit parameter, then header map, then environment
// variable, then unset. The environment is never read again afterwards.
func ResolveCredentials(opts CredentialOptions) (*Credentials, error) {
	c := &Credentials{
		extraHeaders: make(map[string]string, len(opts.HTTPHeaders)),
	}
	// Header names are case-insensitive, so the map is keyed by canonical
	// form: a lowercase x-api-key entry must hit the precedence ladder
	// like any other spelling.
	for k, v := range opts.HTTPHeaders {
		c.extraHeaders[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	edgeKeyName := textproto.CanonicalMIMEHeaderKey(EdgeKeyHeader)

	switch {
	case opts.EdgeKey != "":
		c.edgeKey = opts.EdgeKey
	case c.extraHeaders[edgeKeyName] != "":
		c.edgeKey = c.extraHeaders[edgeKeyName]
	default:
		c.edgeKey = os.Getenv(EdgeKeyEnvVar)
	}
	// HandshakeHeaders rebuilds the header from the resolved key, so the
	// raw map entry must not survive with a conflicting value.
	delete(c.extraHeaders, edgeKeyName)

	var token string
	if opts.SessionToken != nil {
		token = *opts.SessionToken
	} else {
		token = os.Getenv(SessionTokenEnvVar)
	}

	if token == "" {
		// No-auth path: a generated guest identity, fixed for the
		// lifetime of this credential set.
		c.identifier = "guest:" + uuid.New().String()
		c.passkey = uuid.New().String()
		return c, nil
	}

	identifier, passkey, err := parseSessionToken(token)
	if err != nil {
		return nil, err
	}
	c.identifier = identifier
	c.passkey = passkey
	return c, nil
}

// parseSessionToken splits an sk-lm-<clientId>:<passkey> token into its
// identity parts. The grammar matches what the server issues: a client id
// of 1-8 alphanumerics and a passkey of exactly 20 alphanumerics.
func parseSessionToken(token string) (string, string, error) {
	rest, ok := strings.CutPrefix(token, sessionTokenPrefix)
	if !ok {
		return "", "", &TokenFormatError{Reason: "missing " + sessionTokenPrefix + " prefix"}
	}
	identifier, passkey, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", &TokenFormatError{Reason: "missing ':' separator between client id and passkey"}
	}
	if identifier == "" || len(identifier) > maxClientIDLen || !isAlphanumeric(identifier) {
		return "", "", &TokenFormatError{Reason: "client id must be 1-8 alphanumeric characters"}
	}
	if len(passkey) != passkeyLen || !isAlphanumeric(passkey) {
		return "", "", &TokenFormatError{Reason: "passkey must be exactly 20 alphanumeric characters"}
	}
	return identifier, passkey, nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// HandshakeHeaders returns the HTTP headers to attach to the handshake
// request. The edge key header is omitted entirely when no key is set,
// never sent with an empty value.
func (c *Credentials) HandshakeHeaders() http.Header {
	h := http.Header{}
	for k, v := range c.extraHeaders {
		h.Set(k, v)
	}
	if c.edgeKey != "" {
		h.Set(EdgeKeyHeader, c.edgeKey)
	}
	return h
}

// ClientIdentifier reports the resolved session identity. Guest identities
// carry a "guest:" prefix.
func (c *Credentials) ClientIdentifier() string {
	return c.identifier
}

// authMessage builds the first frame sent after the transport is
// established, matching the server's session auth schema.
func (c *Credentials) authMessage() map[string]interface{} {
	return map[string]interface{}{
		"authVersion":      AuthVersion,
		"clientIdentifier": c.identifier,
		"clientPasskey":    c.passkey,
	}
}
