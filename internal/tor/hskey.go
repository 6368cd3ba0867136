package tor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// Hidden-service key sealing. The on-disk format is frozen:
// "v1:" + base64(iv(12) || AES-256-GCM(key material, KEK)).
const (
	hsKeyPrefix = "v1:"
	hsKeyIVLen  = 12
)

var ErrHSKeySealed = errors.New("hidden service key blob is invalid")

// SealHSKey encrypts the ED25519-V3 key material under the device KEK.
func SealHSKey(kek []byte, keyMaterial string) (string, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, hsKeyIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(keyMaterial), nil)
	return hsKeyPrefix + base64.StdEncoding.EncodeToString(append(iv, sealed...)), nil
}

// OpenHSKey decrypts a sealed blob. Blobs without the version prefix or
// with a malformed IV are rejected outright.
func OpenHSKey(kek []byte, blob string) (string, error) {
	if !strings.HasPrefix(blob, hsKeyPrefix) {
		return "", ErrHSKeySealed
	}
	raw, err := base64.StdEncoding.DecodeString(blob[len(hsKeyPrefix):])
	if err != nil {
		return "", ErrHSKeySealed
	}
	if len(raw) <= hsKeyIVLen {
		return "", ErrHSKeySealed
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, raw[:hsKeyIVLen], raw[hsKeyIVLen:], nil)
	if err != nil {
		return "", ErrHSKeySealed
	}
	return string(plain), nil
}
