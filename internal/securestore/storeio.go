package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadSealedJSON reads, opens and unmarshals a sealed table file into v.
// A missing file is not an error; ok reports whether anything was loaded.
func ReadSealedJSON(path, passphrase, table string, v any) (ok bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	plaintext, err := Open(passphrase, table, raw)
	if err != nil {
		return false, err
	}
	defer Zero(plaintext)
	if err := json.Unmarshal(plaintext, v); err != nil {
		return false, err
	}
	return true, nil
}

// WriteSealedJSON marshals, seals and writes a table snapshot. The write is
// staged through a temp file and renamed so readers never observe a torn
// snapshot.
func WriteSealedJSON(path, passphrase, table string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer Zero(plaintext)
	sealed, err := Seal(passphrase, table, plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
