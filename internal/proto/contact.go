package proto

import (
	"errors"
	"strings"

	"enclave-chat/go-node/pkg/models"
)

const maxDisplayNameLen = 64

var ErrSelfContact = errors.New("own fingerprint cannot be imported as contact")

// ValidateDraft is the single convergence point for every contact import
// entry point (file, shared intent, QR, manual form). All of them must pass
// through here so canonicalization and trust rules apply identically.
func ValidateDraft(draft models.ContactDraft, selfFP string) (models.ContactDraft, error) {
	fp, err := models.CanonicalFingerprint(draft.Fingerprint)
	if err != nil {
		return models.ContactDraft{}, err
	}
	if selfFP != "" && fp == selfFP {
		return models.ContactDraft{}, ErrSelfContact
	}
	out := models.ContactDraft{Fingerprint: fp}
	if strings.TrimSpace(draft.Onion) != "" {
		onion, err := models.CanonicalOnion(draft.Onion)
		if err != nil {
			return models.ContactDraft{}, err
		}
		out.Onion = onion
	}
	if len(draft.PublicKey) == 0 {
		return models.ContactDraft{}, ErrPublicKeyEmpty
	}
	out.PublicKey = append([]byte(nil), draft.PublicKey...)
	name := strings.TrimSpace(draft.DisplayName)
	if len(name) > maxDisplayNameLen {
		name = name[:maxDisplayNameLen]
	}
	out.DisplayName = name
	return out, nil
}

// InviteAccept is the v=2 acceptance body returned by GET /invite/<token>.
type InviteAccept struct {
	V            int    `json:"v"`
	OK           bool   `json:"ok"`
	Type         string `json:"type"`
	Protocol     string `json:"protocol"`
	Fingerprint  string `json:"fingerprint"`
	PrimaryOnion string `json:"primary_onion"`
	PubB64       string `json:"pub_b64"`
	PubFmt       string `json:"pub_fmt"`
	TS           int64  `json:"ts"`
}

// NewInviteAccept fills the fixed acceptance fields.
func NewInviteAccept(fingerprint, primaryOnion string, publicKeyB64 string, nowMs int64) InviteAccept {
	return InviteAccept{
		V:            2,
		OK:           true,
		Type:         "invite_accept",
		Protocol:     "ec2",
		Fingerprint:  fingerprint,
		PrimaryOnion: primaryOnion,
		PubB64:       publicKeyB64,
		PubFmt:       "pgp",
		TS:           nowMs,
	}
}
