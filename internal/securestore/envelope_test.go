package securestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("pass", "contacts", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open("pass", "contacts", sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != `{"a":1}` {
		t.Fatalf("round trip mismatch: %s", plain)
	}
}

func TestOpenWrongPassphraseFailsAuth(t *testing.T) {
	sealed, err := Seal("pass", "contacts", []byte("data"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("wrong", "contacts", sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestOpenWrongTableFailsAuth(t *testing.T) {
	sealed, err := Seal("pass", "contacts", []byte("data"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("pass", "messages", sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("table swap must fail auth, got %v", err)
	}
}

func TestOpenRejectsForeignPrefix(t *testing.T) {
	if _, err := Open("pass", "contacts", []byte("plaintext json")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid envelope, got %v", err)
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	sealed, err := Seal("pass", "contacts", []byte("data"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	i := bytes.LastIndexByte(sealed, '"') - 4
	sealed[i] ^= 0x01
	if _, err := Open("pass", "contacts", sealed); err == nil {
		t.Fatal("tampered envelope must not open")
	}
}

func TestReadWriteSealedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.enc")
	in := map[string]int{"rows": 3}
	if err := WriteSealedJSON(path, "pass", "contacts", in); err != nil {
		t.Fatalf("write sealed json: %v", err)
	}
	var out map[string]int
	ok, err := ReadSealedJSON(path, "pass", "contacts", &out)
	if err != nil || !ok {
		t.Fatalf("read sealed json: ok=%v err=%v", ok, err)
	}
	if out["rows"] != 3 {
		t.Fatalf("unexpected payload: %v", out)
	}

	ok, err = ReadSealedJSON(filepath.Join(t.TempDir(), "absent.enc"), "pass", "contacts", &out)
	if err != nil || ok {
		t.Fatalf("missing file must be ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}

func TestPinWrapRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)
	wrapped, err := WrapWithPIN("123456", master)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	got, err := UnwrapWithPIN("123456", wrapped)
	if err != nil {
		t.Fatalf("unwrap failed: %v", err)
	}
	if !bytes.Equal(got, master) {
		t.Fatal("unwrap mismatch")
	}
	if _, err := UnwrapWithPIN("654321", wrapped); !errors.Is(err, ErrPINInvalid) {
		t.Fatalf("wrong pin must fail, got %v", err)
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{42}, 32)
	phrase, err := MasterToMnemonic(master)
	if err != nil {
		t.Fatalf("mnemonic export failed: %v", err)
	}
	got, err := MnemonicToMaster(phrase)
	if err != nil {
		t.Fatalf("mnemonic import failed: %v", err)
	}
	if !bytes.Equal(got, master) {
		t.Fatal("mnemonic round trip mismatch")
	}
	if _, err := MnemonicToMaster("not a phrase"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("invalid phrase must fail, got %v", err)
	}
}
