package proto

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"strings"

	"enclave-chat/go-node/pkg/models"
)

const (
	ec1Prefix  = "ec1|"
	ec2Prefix  = "ec2|"
	ec1Magic   = "EC1"
	ec1Version = 1

	// InvitePathPrefix is the acceptance path on the ephemeral invite onion.
	InvitePathPrefix = "/invite/"
)

var (
	ErrQRMalformed    = errors.New("qr payload is malformed")
	ErrQRChecksum     = errors.New("qr payload checksum mismatch")
	ErrInviteDescBad  = errors.New("invite descriptor is malformed")
	ErrPublicKeyEmpty = errors.New("public key is empty")
)

// EncodeEC1 packs a contact card into the compact binary QR form:
// "EC1" ver fpLen fpHex onionLen onion compLen zlib(pubkey) sha256[0:4].
func EncodeEC1(fingerprint, onion string, publicKey []byte) (string, error) {
	fp, err := models.CanonicalFingerprint(fingerprint)
	if err != nil {
		return "", err
	}
	on, err := models.CanonicalOnion(onion)
	if err != nil {
		return "", err
	}
	if len(publicKey) == 0 {
		return "", ErrPublicKeyEmpty
	}

	var comp bytes.Buffer
	zw := zlib.NewWriter(&comp)
	if _, err := zw.Write(publicKey); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(ec1Magic)
	buf.WriteByte(ec1Version)
	writeU16(&buf, uint16(len(fp)))
	buf.WriteString(fp)
	writeU16(&buf, uint16(len(on)))
	buf.WriteString(on)
	writeU32(&buf, uint32(comp.Len()))
	buf.Write(comp.Bytes())

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:4])

	return ec1Prefix + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeEC1 unpacks a compact contact card. Any structural damage or a
// checksum mismatch yields an error and no draft.
func DecodeEC1(encoded string) (models.ContactDraft, error) {
	if !strings.HasPrefix(encoded, ec1Prefix) {
		return models.ContactDraft{}, ErrQRMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded[len(ec1Prefix):])
	if err != nil {
		return models.ContactDraft{}, ErrQRMalformed
	}
	if len(raw) < len(ec1Magic)+1+2+2+4+4 {
		return models.ContactDraft{}, ErrQRMalformed
	}
	body, tail := raw[:len(raw)-4], raw[len(raw)-4:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:4], tail) {
		return models.ContactDraft{}, ErrQRChecksum
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(ec1Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != ec1Magic {
		return models.ContactDraft{}, ErrQRMalformed
	}
	ver, err := r.ReadByte()
	if err != nil || ver != ec1Version {
		return models.ContactDraft{}, ErrQRMalformed
	}
	fpRaw, err := readChunk16(r)
	if err != nil {
		return models.ContactDraft{}, ErrQRMalformed
	}
	onionRaw, err := readChunk16(r)
	if err != nil {
		return models.ContactDraft{}, ErrQRMalformed
	}
	comp, err := readChunk32(r)
	if err != nil || r.Len() != 0 {
		return models.ContactDraft{}, ErrQRMalformed
	}

	zr, err := zlib.NewReader(bytes.NewReader(comp))
	if err != nil {
		return models.ContactDraft{}, ErrQRMalformed
	}
	publicKey, err := io.ReadAll(zr)
	if err != nil || len(publicKey) == 0 {
		return models.ContactDraft{}, ErrQRMalformed
	}

	fp, err := models.CanonicalFingerprint(string(fpRaw))
	if err != nil {
		return models.ContactDraft{}, err
	}
	onion, err := models.CanonicalOnion(string(onionRaw))
	if err != nil {
		return models.ContactDraft{}, err
	}
	return models.ContactDraft{Fingerprint: fp, Onion: onion, PublicKey: publicKey}, nil
}

// EncodeEC2 renders an invite descriptor: ec2|<onion>|<token>.
func EncodeEC2(onion, token string) (string, error) {
	on, err := models.CanonicalOnion(onion)
	if err != nil {
		return "", err
	}
	if !ValidInviteToken(token) {
		return "", ErrInviteDescBad
	}
	return ec2Prefix + on + "|" + token, nil
}

// DecodeEC2 splits an invite descriptor into its onion and token.
func DecodeEC2(descriptor string) (onion, token string, err error) {
	if !strings.HasPrefix(descriptor, ec2Prefix) {
		return "", "", ErrInviteDescBad
	}
	parts := strings.Split(descriptor[len(ec2Prefix):], "|")
	if len(parts) != 2 {
		return "", "", ErrInviteDescBad
	}
	onion, err = models.CanonicalOnion(parts[0])
	if err != nil {
		return "", "", ErrInviteDescBad
	}
	if !ValidInviteToken(parts[1]) {
		return "", "", ErrInviteDescBad
	}
	return onion, parts[1], nil
}

// ValidInviteToken enforces the token alphabet and length bounds.
func ValidInviteToken(token string) bool {
	if len(token) < 22 || len(token) > 128 {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readChunk16(r *bytes.Reader) ([]byte, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(tmp[:]))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readChunk32(r *bytes.Reader) ([]byte, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(tmp[:]))
	if n > r.Len() {
		return nil, ErrQRMalformed
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
