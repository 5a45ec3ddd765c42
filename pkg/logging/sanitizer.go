package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 200
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches password=xxx, pwd=xxx, pass=xxx inside key/value DSNs
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Bearer tokens as they appear in echoed request headers
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	// x-api-key headers and api_key=... parameters
	apiKeyPattern = regexp.MustCompile(`(?i)(x-api-key|api[_-]?key|client[_-]?secret)(["']?\s*[:=]\s*["']?)[^"'\s,;&]+`)

	// user:pass@host in URL-style DSNs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`)

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// SanitizeDSN removes credentials from a state-store DSN.
// Use this before logging any DSN.
func SanitizeDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(dsn, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
}

// SanitizeError sanitizes error messages that might contain tokens, keys,
// or credentials echoed back by the remote API or a state store driver.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return sanitize(err.Error())
}

// SanitizeQuery collapses whitespace, truncates, and redacts a query for
// logging. KQL is frequently multi-line, which makes raw values unreadable
// in JSON log lines.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	collapsed := strings.TrimSpace(whitespacePattern.ReplaceAllString(query, " "))
	return TruncateString(sanitize(collapsed), MaxQueryLogLength)
}

func sanitize(s string) string {
	s = passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	s = apiKeyPattern.ReplaceAllString(s, "${1}${2}"+RedactedText)
	return connStringPattern.ReplaceAllString(s, "://"+RedactedText+"@")
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
