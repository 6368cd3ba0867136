package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

const rsaKeyBits = 3072

// PGPCodec implements Codec over OpenPGP sealed messages: RSA-3072 signing
// primary, RSA-3072 encryption subkey.
type PGPCodec struct{}

// NewPGPCodec returns the production codec.
func NewPGPCodec() *PGPCodec {
	return &PGPCodec{}
}

// GenerateKeyPair creates the device identity rings. The private ring is
// returned unencrypted; the caller seals it before it touches disk.
func GenerateKeyPair(name string) (KeyPair, error) {
	cfg := &packet.Config{
		RSABits:   rsaKeyBits,
		Algorithm: packet.PubKeyAlgoRSA,
	}
	entity, err := openpgp.NewEntity(name, "", "", cfg)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate identity entity: %w", err)
	}

	var priv bytes.Buffer
	if err := entity.SerializePrivate(&priv, cfg); err != nil {
		return KeyPair{}, fmt.Errorf("serialize private ring: %w", err)
	}
	var pub bytes.Buffer
	if err := entity.Serialize(&pub); err != nil {
		return KeyPair{}, fmt.Errorf("serialize public ring: %w", err)
	}

	return KeyPair{
		Fingerprint: Fingerprint(entity),
		PublicRing:  pub.Bytes(),
		PrivateRing: priv.Bytes(),
	}, nil
}

// Fingerprint renders an entity's primary key fingerprint in canonical form.
func Fingerprint(entity *openpgp.Entity) string {
	return strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint))
}

// RingFingerprint reads a serialized public ring and returns its primary
// fingerprint.
func RingFingerprint(pubRing []byte) (string, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(pubRing))
	if err != nil || len(entities) == 0 {
		return "", ErrDecryptFailed
	}
	return Fingerprint(entities[0]), nil
}

func (c *PGPCodec) EncryptAndSign(plaintext, recipientPubRing, senderPubRing, senderPrivRing []byte) ([]byte, error) {
	recipients, err := openpgp.ReadKeyRing(bytes.NewReader(recipientPubRing))
	if err != nil || len(recipients) == 0 {
		return nil, ErrEncryptFailed
	}
	signers, err := openpgp.ReadKeyRing(bytes.NewReader(senderPrivRing))
	if err != nil || len(signers) == 0 {
		return nil, ErrEncryptFailed
	}

	// The session key is also encrypted to the sender so this device can
	// re-open its own outgoing payloads.
	to := append([]*openpgp.Entity{}, recipients...)
	if self, err := openpgp.ReadKeyRing(bytes.NewReader(senderPubRing)); err == nil && len(self) > 0 {
		to = append(to, self[0])
	}

	var sealed bytes.Buffer
	w, err := openpgp.Encrypt(&sealed, to, signers[0], nil, nil)
	if err != nil {
		return nil, ErrEncryptFailed
	}
	if _, err := w.Write(plaintext); err != nil {
		_ = w.Close()
		return nil, ErrEncryptFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrEncryptFailed
	}
	return sealed.Bytes(), nil
}

func (c *PGPCodec) DecryptAndVerify(senderPubRing, recipientPrivRing, sealed []byte) ([]byte, error) {
	senders, err := openpgp.ReadKeyRing(bytes.NewReader(senderPubRing))
	if err != nil || len(senders) == 0 {
		return nil, ErrSignatureInvalid
	}
	recipients, err := openpgp.ReadKeyRing(bytes.NewReader(recipientPrivRing))
	if err != nil || len(recipients) == 0 {
		return nil, ErrDecryptFailed
	}

	keyring := append(openpgp.EntityList{}, senders...)
	keyring = append(keyring, recipients...)

	md, err := openpgp.ReadMessage(bytes.NewReader(sealed), keyring, nil, nil)
	if err != nil {
		if errors.Is(err, pgperrors.ErrKeyIncorrect) {
			return nil, ErrNoRecipientMatch
		}
		return nil, ErrDecryptFailed
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if !md.IsSigned || md.SignedBy == nil || md.SignatureError != nil {
		return nil, ErrSignatureInvalid
	}
	if !signedBySender(md.SignedByKeyId, senders) {
		return nil, ErrSignatureInvalid
	}
	return plaintext, nil
}

func signedBySender(keyID uint64, senders openpgp.EntityList) bool {
	for _, entity := range senders {
		if entity.PrimaryKey.KeyId == keyID {
			return true
		}
		for _, sub := range entity.Subkeys {
			if sub.PublicKey != nil && sub.PublicKey.KeyId == keyID {
				return true
			}
		}
	}
	return false
}
