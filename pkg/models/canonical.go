package models

import (
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58/base58"
)

var (
	ErrInvalidFingerprint = errors.New("fingerprint is not canonical 40-hex")
	ErrInvalidOnion       = errors.New("onion address is not canonical v3")
)

var (
	fingerprintRe = regexp.MustCompile(`^[0-9A-F]{40}$`)
	onionRe       = regexp.MustCompile(`^[a-z2-7]{56}\.onion(:[1-9][0-9]{0,4})?$`)
)

// CanonicalFingerprint trims, strips inner whitespace and uppercases the
// fingerprint, then validates the 40-hex canonical form.
func CanonicalFingerprint(raw string) (string, error) {
	fp := strings.ToUpper(stripSpace(raw))
	if !fingerprintRe.MatchString(fp) {
		return "", ErrInvalidFingerprint
	}
	return fp, nil
}

// CanonicalOnion lowercases and validates a v3 onion host with optional port.
func CanonicalOnion(raw string) (string, error) {
	onion := strings.ToLower(strings.TrimSpace(raw))
	if !onionRe.MatchString(onion) {
		return "", ErrInvalidOnion
	}
	if idx := strings.LastIndex(onion, ":"); idx >= 0 {
		port, err := strconv.Atoi(onion[idx+1:])
		if err != nil || port < 1 || port > 65535 {
			return "", ErrInvalidOnion
		}
	}
	return onion, nil
}

// IsCanonicalOnion reports whether raw already is a canonical v3 onion.
func IsCanonicalOnion(raw string) bool {
	canonical, err := CanonicalOnion(raw)
	return err == nil && canonical == raw
}

// ShortCode renders a fingerprint as a base58 string for verbal out-of-band
// comparison. Display only; never an input to trust decisions.
func ShortCode(fingerprint string) string {
	fp, err := CanonicalFingerprint(fingerprint)
	if err != nil {
		return ""
	}
	raw, err := hex.DecodeString(fp)
	if err != nil {
		return ""
	}
	return base58.Encode(raw)
}

func stripSpace(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
