package remote

import (
	"errors"
	"strings"
)

// Substrings that mark a failure as transport-level. Matched case-insensitively
// against the full error chain's message.
var networkErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"dial tcp",
	"tls handshake",
	"timeout",
	"deadline exceeded",
	"unexpected eof",
	"failed to fetch",
	"network request failed",
}

// IsNetworkError reports whether err means the request never reached the
// server. A structured *APIError is never a network error: the server
// produced it, so the link is fine. Everything matching a known transport
// failure signature is one, and flips the pipeline into offline mode.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pat := range networkErrorPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}
