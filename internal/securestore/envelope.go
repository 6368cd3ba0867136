// Package securestore encrypts node state at rest. Every persisted table
// file is a versioned envelope: argon2id stretches the store passphrase,
// XChaCha20-Poly1305 seals the payload, and the table label rides as
// associated data so a file cannot be replayed under another table's name.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "ENCNODE1\n"

	kdfName     = "argon2id"
	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
)

type envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Table       string `json:"table,omitempty"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Seal encrypts plaintext under the passphrase, binding the table label.
func Seal(passphrase, table string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := envelope{
		Version:     envelopeVersion,
		KDF:         kdfName,
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Table:       table,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(table)),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// Open decrypts a sealed file. The table label must match the one the file
// was sealed under.
func Open(passphrase, table string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrInvalid
	}
	var env envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	if env.Table != table {
		return nil, ErrAuthFailed
	}
	key := deriveKey(passphrase, env.Salt)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(table))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

// Zero wipes key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
