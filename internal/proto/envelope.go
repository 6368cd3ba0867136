package proto

import (
	"strings"

	"enclave-chat/go-node/pkg/models"
)

const (
	// WireVersion is the only envelope version peers speak.
	WireVersion = 1

	TypeMsg        = "msg"
	TypeAddrUpdate = "addr_update"

	MaxMsgIDLen = 128
	MaxNonceLen = 256
	MaxBodyLen  = 500

	// MaxCreatedAtSkewMs bounds sender clock drift into the future.
	MaxCreatedAtSkewMs = 5 * 60 * 1000
)

// Envelope is the outer transport JSON posted to /v1/messages.
type Envelope struct {
	V           int    `json:"v"`
	Type        string `json:"type"`
	MsgID       string `json:"msg_id"`
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	CreatedAt   int64  `json:"created_at"`
	Nonce       string `json:"nonce"`
	PayloadPGP  string `json:"payload_pgp"`

	// DebugPlaintext is honored only in debug builds and only self-to-self.
	DebugPlaintext string `json:"debug_plaintext,omitempty"`
}

// InnerMessage is the decrypted payload of a "msg" envelope.
type InnerMessage struct {
	V           int    `json:"v"`
	MsgID       string `json:"msg_id"`
	ConvID      string `json:"conv_id"`
	Body        string `json:"body"`
	SenderOnion string `json:"sender_onion,omitempty"`
}

// InnerAddrUpdate is the decrypted payload of an "addr_update" envelope.
type InnerAddrUpdate struct {
	V           int    `json:"v"`
	Type        string `json:"type"`
	MsgID       string `json:"msg_id"`
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	ConvID      string `json:"conv_id"`
	TS          int64  `json:"ts"`
	Nonce       string `json:"nonce"`
	NewOnion    string `json:"new_onion"`
	OldOnion    string `json:"old_onion,omitempty"`
}

// Violation names the first envelope shape rule an envelope breaks, or ""
// when the shape is acceptable. allowPlaintext admits the debug path where
// payload_pgp may be absent.
func (e Envelope) Violation(nowMs int64, allowPlaintext bool) string {
	if e.V != WireVersion {
		return "version"
	}
	if e.Type != TypeMsg && e.Type != TypeAddrUpdate {
		return "type"
	}
	if strings.TrimSpace(e.MsgID) == "" || len(e.MsgID) > MaxMsgIDLen {
		return "msg_id"
	}
	if _, err := models.CanonicalFingerprint(e.SenderFP); err != nil {
		return "sender_fp"
	}
	if _, err := models.CanonicalFingerprint(e.RecipientFP); err != nil {
		return "recipient_fp"
	}
	if strings.TrimSpace(e.Nonce) == "" || len(e.Nonce) > MaxNonceLen {
		return "nonce"
	}
	if strings.TrimSpace(e.PayloadPGP) == "" && !(allowPlaintext && e.DebugPlaintext != "") {
		return "payload_pgp"
	}
	if e.CreatedAt <= 0 || e.CreatedAt > nowMs+MaxCreatedAtSkewMs {
		return "created_at"
	}
	return ""
}
