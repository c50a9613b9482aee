package logging

import (
	"io"
	"regexp"
	"strings"
)

// secretKeys are JSON field names whose values never reach a log sink.
var secretKeys = []string{
	"password", "totp", "totp_secret", "jwtToken", "jwt_token", "refreshToken",
	"refresh_token", "feedToken", "feed_token", "access_token", "api_key",
	"apiKey", "X-PrivateKey", "Authorization", "secret",
}

var (
	secretField = regexp.MustCompile(`"(?i:` + strings.Join(quoteAll(secretKeys), "|") + `)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	bearerToken = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-_.=]+)`)
)

func quoteAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = regexp.QuoteMeta(k)
	}
	return out
}

// Mask keeps at most the first and last four characters of a credential.
func Mask(value string) string {
	switch n := len(value); {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n <= 8:
		return value[:2] + strings.Repeat("*", n-2)
	default:
		return value[:4] + strings.Repeat("*", n-8) + value[n-4:]
	}
}

// Redact masks credential values in one encoded log entry.
func Redact(entry string) string {
	entry = secretField.ReplaceAllStringFunc(entry, func(m string) string {
		sub := secretField.FindStringSubmatchIndex(m)
		return m[:sub[2]] + Mask(m[sub[2]:sub[3]]) + m[sub[3]:]
	})
	return bearerToken.ReplaceAllStringFunc(entry, func(m string) string {
		sub := bearerToken.FindStringSubmatch(m)
		return sub[1] + Mask(sub[2])
	})
}

// RedactingWriter masks credentials in each entry before handing it on.
type RedactingWriter struct {
	next io.Writer
}

// NewRedactingWriter wraps next.
func NewRedactingWriter(next io.Writer) *RedactingWriter {
	return &RedactingWriter{next: next}
}

// Write reports len(p) on success so zerolog does not treat masking as a short write.
func (w *RedactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.next, Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
