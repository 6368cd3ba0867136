package securestore

import (
	"errors"

	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidMnemonic = errors.New("recovery phrase is invalid")

// MasterToMnemonic renders the 32-byte master passphrase as a 24-word
// recovery phrase for offline backup.
func MasterToMnemonic(master []byte) (string, error) {
	if len(master) != 32 {
		return "", errors.New("master key must be 32 bytes")
	}
	return bip39.NewMnemonic(master)
}

// MnemonicToMaster recovers the master passphrase bytes from a phrase.
func MnemonicToMaster(mnemonic string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	if len(entropy) != 32 {
		return nil, ErrInvalidMnemonic
	}
	return entropy, nil
}
