// Package crypto is the sealed-envelope boundary. Everything above it deals
// in opaque payload bytes; key rings enter here, get used, and are wiped.
package crypto

import "errors"

var (
	// ErrSignatureInvalid covers a missing or failing sender signature.
	ErrSignatureInvalid = errors.New("payload signature did not verify")
	// ErrNoRecipientMatch means none of our keys can open the payload.
	ErrNoRecipientMatch = errors.New("payload is not addressed to this key")
	// ErrDecryptFailed is any other codec failure.
	ErrDecryptFailed = errors.New("payload decryption failed")
	// ErrEncryptFailed is a sealing failure.
	ErrEncryptFailed = errors.New("payload encryption failed")
)

// Codec seals and opens envelope payloads. Implementations must encrypt the
// session key to the sender's own key as well, so a device can re-open its
// outgoing payloads from the store.
type Codec interface {
	// EncryptAndSign seals plaintext to recipientPub, signs with the
	// sender's private ring, and returns the binary sealed message.
	EncryptAndSign(plaintext, recipientPubRing, senderPubRing, senderPrivRing []byte) ([]byte, error)

	// DecryptAndVerify opens a sealed message with the recipient private
	// ring and verifies the signature against the sender public ring.
	DecryptAndVerify(senderPubRing, recipientPrivRing, sealed []byte) ([]byte, error)
}

// KeyPair is a freshly generated identity: public and private rings plus the
// canonical fingerprint of the primary key.
type KeyPair struct {
	Fingerprint string
	PublicRing  []byte
	PrivateRing []byte
}
