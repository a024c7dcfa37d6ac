// Package drlog wraps an slog.Handler so that key material and raw
// public keys never reach a log sink unredacted, matching the posture
// of internal/platform/privacylog in the teacher repo.
package drlog

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitiveKeySuffixes marks attribute keys whose values are always
// redacted regardless of type, since the field name alone tells us it
// carries key material.
var sensitiveKeySuffixes = []string{
	"private", "privatekey", "secret", "sharedsecret", "passphrase", "rootkey", "chainkey", "messagekey",
}

// SanitizingHandler redacts sensitive attributes and truncates public
// key hex strings to a short prefix so logs stay useful for
// correlation without leaking full key material.
type SanitizingHandler struct {
	next slog.Handler
}

// Wrap returns a SanitizingHandler delegating to next, or nil if next
// is nil.
func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitized[i] = SanitizeAttr(a)
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts an attribute whose key names key material, and
// shortens any byte-slice/hex-looking string value to a correlation-safe
// prefix otherwise.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	lower := strings.ToLower(attr.Key)
	for _, suffix := range sensitiveKeySuffixes {
		if strings.Contains(lower, suffix) {
			return slog.String(attr.Key, redactedValue)
		}
	}
	if attr.Value.Kind() == slog.KindAny {
		if b, ok := attr.Value.Any().([]byte); ok {
			return slog.String(attr.Key, ShortHex(b))
		}
	}
	if attr.Value.Kind() == slog.KindString {
		if s := attr.Value.String(); len(s) >= 32 {
			if b, err := hex.DecodeString(s); err == nil {
				return slog.String(attr.Key, ShortHex(b))
			}
		}
	}
	return attr
}

// ShortHex renders the first 4 bytes of b as hex for log correlation
// without exposing the full key or id.
func ShortHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := len(b)
	if n > 4 {
		n = 4
	}
	return hex.EncodeToString(b[:n]) + "…"
}
