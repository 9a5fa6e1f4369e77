package lmsconnect

import "time"

var (
	// Default probe targets for a locally running server.
	DefaultAPIHosts = []string{"localhost", "127.0.0.1", "0.0.0.0"}
	DefaultAPIPorts = []int{1234, 12345}
)

const (
	// EdgeKeyHeader carries the perimeter credential on the handshake
	// request. It is checked by an intermediary (e.g. a Cloudflare WAF)
	// before the upgrade request ever reaches the server.
	EdgeKeyHeader = "X-API-Key"

	// EdgeKeyEnvVar supplies the edge key when neither the dedicated
	// parameter nor the header map provides one.
	EdgeKeyEnvVar = "LMSTUDIO_X_API_KEY"

	// SessionTokenEnvVar supplies the API token checked by the server
	// itself once the transport is established.
	SessionTokenEnvVar = "LMSTUDIO_API_TOKEN"

	sessionTokenPrefix = "sk-lm-"
	maxClientIDLen     = 8
	passkeyLen         = 20

	// AuthVersion is the session auth protocol version sent in the first
	// frame after the WebSocket handshake.
	AuthVersion = 1

	SystemNamespace    = "system"
	LLMNamespace       = "llm"
	EmbeddingNamespace = "embedding"

	WsAPITimeoutSec      = 30
	MaxConnectionRetries = 3

	handshakeTimeout = 15 * time.Second
	authReadTimeout  = 15 * time.Second
)
