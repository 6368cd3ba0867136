package models

import (
	"encoding/base64"
	"errors"
	"strings"
)

// The ciphertext column format. The pgp slot is the authoritative payload;
// the optional pt slot carries a decrypted inbound body for rendering and is
// never used for security decisions.
const blobPrefix = "v1|pgp="

var ErrInvalidBlob = errors.New("ciphertext blob is invalid")

// EncodeOutboundBlob packs a sealed payload for an outgoing row.
func EncodeOutboundBlob(payloadB64 string) string {
	return blobPrefix + payloadB64
}

// EncodeInboundBlob packs a sealed payload plus its decrypted body JSON.
func EncodeInboundBlob(payloadB64 string, plaintextJSON []byte) string {
	return blobPrefix + payloadB64 + "|pt=" + base64.StdEncoding.EncodeToString(plaintextJSON)
}

// DecodeBlob splits a stored blob into its sealed payload and, when present,
// the decrypted body JSON.
func DecodeBlob(blob string) (payloadB64 string, plaintextJSON []byte, err error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return "", nil, ErrInvalidBlob
	}
	rest := blob[len(blobPrefix):]
	if idx := strings.Index(rest, "|pt="); idx >= 0 {
		payloadB64 = rest[:idx]
		plaintextJSON, err = base64.StdEncoding.DecodeString(rest[idx+len("|pt="):])
		if err != nil {
			return "", nil, ErrInvalidBlob
		}
		return payloadB64, plaintextJSON, nil
	}
	return rest, nil, nil
}

// OutboundRowID derives the storage id for an outgoing row so a note-to-self
// round trip stores In and Out under distinct ids.
func OutboundRowID(msgID string) string {
	return "OUT:" + msgID
}
