package middleware

import (
	"net"
	"net/http"
	"strings"
)

// APIKeyHeader is the alternative to a bearer Authorization header
const APIKeyHeader = "X-API-Key"

// ExtractCredential returns the presented credential. The Authorization
// header takes precedence over X-API-Key.
func ExtractCredential(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Check if it starts with "Bearer "
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// ClientIP returns the caller address without its port. RealIP should run
// first when the gateway sits behind a proxy.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP leaves a bare address without a port
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
