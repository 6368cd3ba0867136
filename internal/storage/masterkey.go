package storage

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"enclave-chat/go-node/internal/securestore"
)

// Master passphrase resolution. The store key is 32 random bytes bound to
// the device through the data directory; PIN mode replaces the plain key
// file with a scrypt-wrapped blob.
const (
	passphraseEnv = "ENCLAVE_STORE_PASSPHRASE"
	keyFileName   = "store.key"
	pinFileName   = "store.key.pin"
)

var (
	ErrPINRequired = errors.New("store is pin-protected; pin required")
	ErrPINNotSet   = errors.New("store is not pin-protected")
)

// ResolveMasterPassphrase yields the store passphrase, generating the key
// file on first run. pin is required when PIN mode is active and ignored
// otherwise.
func ResolveMasterPassphrase(dataDir, pin string) (string, error) {
	if secret := strings.TrimSpace(os.Getenv(passphraseEnv)); secret != "" {
		return secret, nil
	}

	pinPath := filepath.Join(dataDir, pinFileName)
	if wrapped, err := os.ReadFile(pinPath); err == nil {
		if strings.TrimSpace(pin) == "" {
			return "", ErrPINRequired
		}
		master, err := securestore.UnwrapWithPIN(pin, wrapped)
		if err != nil {
			return "", err
		}
		defer securestore.Zero(master)
		return encodeMaster(master), nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	if raw, err := os.ReadFile(keyPath); err == nil {
		secret := strings.TrimSpace(string(raw))
		if secret != "" {
			return secret, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return "", err
	}
	defer securestore.Zero(master)
	secret := encodeMaster(master)
	if err := writeKeyFile(keyPath, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// EnablePIN converts the plain key file into a PIN-wrapped blob.
func EnablePIN(dataDir, pin string) error {
	master, err := readMaster(dataDir, "")
	if err != nil {
		return err
	}
	defer securestore.Zero(master)
	wrapped, err := securestore.WrapWithPIN(pin, master)
	if err != nil {
		return err
	}
	if err := writeKeyFile(filepath.Join(dataDir, pinFileName), string(wrapped)); err != nil {
		return err
	}
	return os.Remove(filepath.Join(dataDir, keyFileName))
}

// DisablePIN restores the plain key file.
func DisablePIN(dataDir, pin string) error {
	pinPath := filepath.Join(dataDir, pinFileName)
	wrapped, err := os.ReadFile(pinPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPINNotSet
		}
		return err
	}
	master, err := securestore.UnwrapWithPIN(pin, wrapped)
	if err != nil {
		return err
	}
	defer securestore.Zero(master)
	if err := writeKeyFile(filepath.Join(dataDir, keyFileName), encodeMaster(master)); err != nil {
		return err
	}
	return os.Remove(pinPath)
}

// ExportRecoveryPhrase renders the master key as a 24-word mnemonic.
func ExportRecoveryPhrase(dataDir, pin string) (string, error) {
	master, err := readMaster(dataDir, pin)
	if err != nil {
		return "", err
	}
	defer securestore.Zero(master)
	return securestore.MasterToMnemonic(master)
}

// ImportRecoveryPhrase recreates the plain key file from a mnemonic.
func ImportRecoveryPhrase(dataDir, mnemonic string) error {
	master, err := securestore.MnemonicToMaster(strings.TrimSpace(mnemonic))
	if err != nil {
		return err
	}
	defer securestore.Zero(master)
	return writeKeyFile(filepath.Join(dataDir, keyFileName), encodeMaster(master))
}

func readMaster(dataDir, pin string) ([]byte, error) {
	pinPath := filepath.Join(dataDir, pinFileName)
	if wrapped, err := os.ReadFile(pinPath); err == nil {
		if strings.TrimSpace(pin) == "" {
			return nil, ErrPINRequired
		}
		return securestore.UnwrapWithPIN(pin, wrapped)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dataDir, keyFileName))
	if err != nil {
		return nil, err
	}
	master, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(master) != 32 {
		return nil, fmt.Errorf("store key file is corrupt")
	}
	return master, nil
}

func encodeMaster(master []byte) string {
	return base64.RawStdEncoding.EncodeToString(master)
}

func writeKeyFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
