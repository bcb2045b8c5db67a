package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskField returns a slog.Attr carrying the redacted placeholder for any
// non-empty value. Key material and dial secrets must never reach the log
// stream verbatim.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Abbrev shortens long identifiers (node ids, public keys) to a readable
// prefix for log output.
func Abbrev(id string) string {
	const keep = 12
	if len(id) <= keep {
		return id
	}
	return id[:keep] + "…"
}
