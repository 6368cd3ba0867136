package outbound

import (
	"strings"

	"enclave-chat/go-node/pkg/models"
)

// addrKind classifies a contact address for transport selection.
type addrKind int

const (
	addrMissing addrKind = iota
	addrOnion
	addrDirect
	addrAmbiguous
	addrBad
)

// resolveAddress maps a stored contact address to a transport. Addresses
// are bare host[:port] values; anything carrying a scheme, path, query,
// fragment or userinfo is refused rather than guessed at.
func resolveAddress(addr string) (addrKind, string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return addrMissing, ""
	}
	if strings.Contains(addr, "://") {
		return addrBad, ""
	}
	if strings.ContainsAny(addr, "/?#@") {
		return addrAmbiguous, ""
	}
	if onion, err := models.CanonicalOnion(addr); err == nil {
		return addrOnion, onion
	}
	if looksLikeHostPort(addr) {
		return addrDirect, strings.ToLower(addr)
	}
	return addrBad, ""
}

func looksLikeHostPort(addr string) bool {
	host := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port := addr[idx+1:]
		if port == "" || len(port) > 5 {
			return false
		}
		for i := 0; i < len(port); i++ {
			if port[i] < '0' || port[i] > '9' {
				return false
			}
		}
		host = addr[:idx]
	}
	if host == "" {
		return false
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}
