// Package privacylog keeps identifiers out of log output. Fingerprints and
// onion addresses are truncated to a short prefix, secrets are redacted
// outright; no raw identity material ever reaches a log sink.
package privacylog

import (
	"context"
	"log/slog"
	"strings"
)

const (
	redactedValue = "[REDACTED]"
	prefixLen     = 8
)

var (
	secretKeyParts = []string{
		"token", "secret", "passphrase", "password", "pin",
		"nonce", "key", "payload", "body", "plaintext", "mnemonic",
	}
	truncatedKeys = map[string]struct{}{
		"fingerprint":  {},
		"sender_fp":    {},
		"recipient_fp": {},
		"conv_id":      {},
		"onion":        {},
		"new_onion":    {},
		"msg_id":       {},
	}
)

// Handler wraps a slog.Handler with attribute sanitization.
type Handler struct {
	next slog.Handler
}

// Wrap decorates next; a nil handler stays nil.
func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, sanitize(attr))
	}
	return &Handler{next: h.next.WithAttrs(clean)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

func sanitize(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(attr.Key))
	if isSecretKey(key) {
		return slog.String(attr.Key, redactedValue)
	}
	if _, ok := truncatedKeys[key]; ok {
		return slog.String(attr.Key, Truncate(attr.Value.String()))
	}
	return attr
}

// Truncate shortens an identifier to a recognizable but unlinkable prefix.
func Truncate(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= prefixLen {
		return value
	}
	return value[:prefixLen] + "…"
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}
