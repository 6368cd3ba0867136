package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// PIN wrapping of the store master passphrase. The PIN stretches through
// scrypt with memory-hard parameters; the wrapped blob keeps the parameters
// beside the ciphertext so they can be tuned without breaking old wraps.
const (
	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

var ErrPINInvalid = errors.New("pin does not unwrap the master key")

// PinWrap is the persisted wrap of the master passphrase under a user PIN.
type PinWrap struct {
	Version    int    `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// WrapWithPIN seals the master passphrase bytes under the PIN.
func WrapWithPIN(pin string, master []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	wrap := PinWrap{
		Version:    1,
		N:          scryptN,
		R:          scryptR,
		P:          scryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, master, nil),
	}
	return json.Marshal(wrap)
}

// UnwrapWithPIN recovers the master passphrase bytes. The caller owns the
// returned buffer and must Zero it after use.
func UnwrapWithPIN(pin string, wrapped []byte) ([]byte, error) {
	var wrap PinWrap
	if err := json.Unmarshal(wrapped, &wrap); err != nil {
		return nil, ErrPINInvalid
	}
	if wrap.Version != 1 || wrap.N <= 0 || wrap.R <= 0 || wrap.P <= 0 {
		return nil, ErrPINInvalid
	}
	key, err := scrypt.Key([]byte(pin), wrap.Salt, wrap.N, wrap.R, wrap.P, scryptDKLen)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	master, err := aead.Open(nil, wrap.Nonce, wrap.Ciphertext, nil)
	if err != nil {
		return nil, ErrPINInvalid
	}
	return master, nil
}
