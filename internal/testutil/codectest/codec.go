// Package codectest provides a deterministic sealed-envelope codec for
// tests. Payloads are JSON with explicit recipient and signer markers;
// private rings are the public ring behind a "PRIV:" prefix.
package codectest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"enclave-chat/go-node/internal/crypto"
)

// Codec implements crypto.Codec without real cryptography.
type Codec struct{}

type sealed struct {
	Plain []byte   `json:"plain"`
	To    [][]byte `json:"to"`
	By    []byte   `json:"by"`
}

// Priv derives the fake private ring for a public ring.
func Priv(pub []byte) []byte {
	return append([]byte("PRIV:"), pub...)
}

func pubOf(priv []byte) []byte {
	return bytes.TrimPrefix(priv, []byte("PRIV:"))
}

func (Codec) EncryptAndSign(plaintext, recipientPub, senderPub, senderPriv []byte) ([]byte, error) {
	return json.Marshal(sealed{
		Plain: plaintext,
		To:    [][]byte{recipientPub, senderPub},
		By:    pubOf(senderPriv),
	})
}

func (Codec) DecryptAndVerify(senderPub, recipientPriv, raw []byte) ([]byte, error) {
	var msg sealed
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, crypto.ErrDecryptFailed
	}
	recipientPub := pubOf(recipientPriv)
	match := false
	for _, to := range msg.To {
		if bytes.Equal(to, recipientPub) {
			match = true
		}
	}
	if !match {
		return nil, crypto.ErrNoRecipientMatch
	}
	if !bytes.Equal(msg.By, senderPub) {
		return nil, crypto.ErrSignatureInvalid
	}
	return msg.Plain, nil
}

// SealB64 seals an inner payload the way the wire carries it.
func SealB64(inner any, recipientPub, senderPub, senderPriv []byte) (string, error) {
	plain, err := json.Marshal(inner)
	if err != nil {
		return "", err
	}
	raw, err := Codec{}.EncryptAndSign(plain, recipientPub, senderPub, senderPriv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
