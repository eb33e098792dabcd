package log

import (
	"strings"
)

// sensitiveKeywords are the key fragments that mark a field as sensitive.
// Matching is case-insensitive and substring-based.
var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key",
	"token", "access_token", "refresh_token",
	"secret", "auth", "authorization",
	"credential", "private_key", "privatekey",
}

// identifierKeywords mark fields carrying caller identifiers (API keys,
// client IDs, IP-derived keys). Identifiers are masked rather than redacted
// so operators can still correlate events.
var identifierKeywords = []string{
	"identifier", "client_id", "key_id",
}

// SanitizeField checks if the key contains sensitive keywords and sanitizes the value
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	// Special handling for email
	if strings.Contains(lowerKey, "email") || strings.Contains(lowerKey, "mail") {
		return sanitizeEmail(value)
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return MaskValue(value)
		}
	}

	for _, keyword := range identifierKeywords {
		if strings.Contains(lowerKey, keyword) {
			return MaskIdentifier(value)
		}
	}

	return value
}

// IsSensitiveKey reports whether a field name should be redacted outright.
// The event bus uses this to scrub payloads before they reach handlers
// and the history buffer.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// IsIdentifierKey reports whether a field name carries a caller identifier.
func IsIdentifierKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, keyword := range identifierKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// MaskValue masks token/password values showing only first 4 and last 4 characters
func MaskValue(value string) string {
	if len(value) <= 8 {
		// For short strings, mask everything except first and last char
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskIdentifier truncates an identifier to its first 8 characters plus an
// ellipsis. Short identifiers are passed through.
func MaskIdentifier(value string) string {
	if len(value) <= 8 {
		return value
	}
	return value[:8] + "..."
}

// sanitizeEmail masks email showing first 3 characters + @domain
func sanitizeEmail(value string) string {
	parts := strings.Split(value, "@")
	if len(parts) != 2 {
		// Invalid email format, mask everything
		return strings.Repeat("*", len(value))
	}

	localPart := parts[0]
	domain := parts[1]

	if len(localPart) <= 3 {
		if len(localPart) == 0 {
			return "@" + domain
		}
		return string(localPart[0]) + strings.Repeat("*", len(localPart)-1) + "@" + domain
	}

	return localPart[:3] + "***@" + domain
}
