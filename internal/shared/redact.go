package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Generic key=value secrets.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Slack bot, user and app-level tokens.
	regexp.MustCompile(`xox[abposr]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`xapp-[A-Za-z0-9-]{10,}`),
	// Telegram bot tokens (<bot id>:<35 chars>), including inside file URLs.
	regexp.MustCompile(`[0-9]{6,12}:[A-Za-z0-9_-]{30,}`),
	// Provider keys agents tend to echo back.
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*)"?([^\s"]{8,})"?`),
	// PEM private keys, up to the END line or end of input when truncated.
	regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )?PRIVATE KEY-----[\s\S]*?(?:-----END (?:[A-Z]+ )?PRIVATE KEY-----|$)`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the prefix group when the pattern has one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

var secretKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"}

// IsSecretKey reports whether a config key, env var or log attribute name
// suggests its value is a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactEnvValue hides value when key looks secret.
func RedactEnvValue(key, value string) string {
	if IsSecretKey(key) {
		return redactedPlaceholder
	}
	return value
}
