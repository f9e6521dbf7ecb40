package httpapi

import "time"

// defaultMaxBodyBytes leaves room for audio uploads and base64 images.
const defaultMaxBodyBytes = 64 << 20

// maxBodyBytes caps request bodies on every POST endpoint.
var maxBodyBytes int64 = defaultMaxBodyBytes

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// requestTimeout bounds one forwarded request including a possible on-demand
// load. Zero means no limit beyond the client connection.
var requestTimeout time.Duration

// SetRequestTimeout sets the per-request forward timeout (0 disables).
func SetRequestTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	requestTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
