package models

import (
	"time"
)

// TrustLevel is the contact trust state. Verified pins identity fields.
type TrustLevel string

const (
	TrustUnverified TrustLevel = "unverified"
	TrustVerified   TrustLevel = "verified"
)

// ChangeState records which pinned contact fields have divergent pending values.
type ChangeState string

const (
	ChangeNone  ChangeState = "none"
	ChangeKey   ChangeState = "key_changed"
	ChangeOnion ChangeState = "onion_changed"
	ChangeBoth  ChangeState = "key_and_onion_changed"
)

// Direction of a stored message relative to this device.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageStatus is the delivery state of a stored message.
type MessageStatus string

const (
	StatusQueued   MessageStatus = "queued"
	StatusSentOk   MessageStatus = "sent_ok"
	StatusFailed   MessageStatus = "failed"
	StatusReceived MessageStatus = "received"
)

// Identity is the device keypair record. Exactly one active identity exists.
type Identity struct {
	Fingerprint      string    `json:"fingerprint"`
	Onion            string    `json:"onion,omitempty"`
	PublicKey        []byte    `json:"public_key"`
	SealedPrivateKey []byte    `json:"sealed_private_key"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// Contact is a peer record keyed by fingerprint. DisplayName is local only
// and never participates in cryptographic decisions.
type Contact struct {
	Fingerprint      string      `json:"fingerprint"`
	Onion            string      `json:"onion,omitempty"`
	PublicKey        []byte      `json:"public_key"`
	DisplayName      string      `json:"display_name,omitempty"`
	TrustLevel       TrustLevel  `json:"trust_level"`
	ChangeState      ChangeState `json:"change_state"`
	PendingOnion     string      `json:"pending_onion,omitempty"`
	PendingPublicKey []byte      `json:"pending_public_key,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Message is a stored envelope row. The ciphertext blob is the authoritative
// payload; timestamps are unix millis to match the wire format.
type Message struct {
	ID               string        `json:"id"`
	ConvID           string        `json:"conv_id"`
	Direction        Direction     `json:"direction"`
	SenderFP         string        `json:"sender_fp"`
	RecipientFP      string        `json:"recipient_fp"`
	CreatedAtMs      int64         `json:"created_at_ms"`
	ServerReceivedMs int64         `json:"server_received_ms"`
	Status           MessageStatus `json:"status"`
	Attempts         int           `json:"attempts"`
	LastError        string        `json:"last_error,omitempty"`
	NextRetryAtMs    int64         `json:"next_retry_at_ms,omitempty"`
	Blob             string        `json:"blob"`

	// WireType preserves the envelope type for redelivery of queued rows.
	WireType string `json:"wire_type,omitempty"`
}

// OrderKey is the conversation sort key: the later of receipt and creation.
func (m Message) OrderKey() int64 {
	if m.ServerReceivedMs > m.CreatedAtMs {
		return m.ServerReceivedMs
	}
	return m.CreatedAtMs
}

// Invite is a one-shot contact bootstrap token. UsedAtMs of zero means unused.
type Invite struct {
	Token        string `json:"token"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
	UsedAtMs     int64  `json:"used_at_ms,omitempty"`
	ConsumerHint string `json:"consumer_hint,omitempty"`
}

// Live reports whether the invite is unused and unexpired at now.
func (i Invite) Live(nowMs int64) bool {
	return i.UsedAtMs == 0 && i.ExpiresAtMs > nowMs
}

// ContactDraft is a candidate contact produced by any import entry point
// (file, intent, QR, manual) before canonicalization and trust merging.
type ContactDraft struct {
	Fingerprint string
	Onion       string
	PublicKey   []byte
	DisplayName string
}
