package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces every scrubbed value
const Redacted = "[REDACTED]"

var (
	apiKeyPattern = regexp.MustCompile(`\b(?:dataset|app|sk)-[A-Za-z0-9_\-]{8,}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	pairPattern   = regexp.MustCompile(`(?i)\b(password|passwd|token|api_key|apikey|secret)=([^\s&"']+)`)
)

var secretKeyParts = []string{"password", "secret", "token", "api_key", "apikey", "authorization"}

// RedactString scrubs API keys, bearer tokens and key=value secrets from s
func RedactString(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer "+Redacted)
	s = apiKeyPattern.ReplaceAllString(s, Redacted)
	return pairPattern.ReplaceAllString(s, "${1}="+Redacted)
}

// RedactAttr is an slog ReplaceAttr hook. Attributes whose key names a
// secret are replaced wholesale; other string values are scrubbed.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		if v := a.Value.String(); v != "" {
			return slog.String(a.Key, RedactString(v))
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, RedactString(err.Error()))
		}
	}
	return a
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
