package server

import "strings"

const bearerPrefix = "bearer "

// bearer extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func bearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	return raw, raw != ""
}
