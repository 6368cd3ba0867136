// Package invite implements the one-shot contact bootstrap: token-gated
// acceptance on the server side, descriptor-driven acceptance on the client
// side, and the sweeper that retires dead invites together with the
// ephemeral hidden service that carries them.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"enclave-chat/go-node/internal/metrics"
	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/internal/storage"
	"enclave-chat/go-node/internal/trust"
	"enclave-chat/go-node/pkg/models"
)

const (
	// TTL is the invite lifetime.
	TTL = 10 * time.Minute
	// GCInterval is the sweeper cadence.
	GCInterval = 60 * time.Second

	tokenBytes        = 24
	maxAcceptBodySize = 256 * 1024
)

var (
	ErrNoTransport    = errors.New("transport is not ready for invite acceptance")
	ErrAcceptRejected = errors.New("invite endpoint rejected the token")
	ErrAcceptInvalid  = errors.New("invite acceptance body is invalid")
)

// IdentityAccess is the slice of the vault the acceptance endpoint needs.
type IdentityAccess interface {
	ActiveIdentity() (models.Identity, bool, error)
}

// ServiceDropper retires the ephemeral invite onion.
type ServiceDropper interface {
	DropInviteHiddenService()
}

// Acceptance is the verdict of a server-side acceptance attempt.
type Acceptance struct {
	HTTPStatus int
	Code       string
	Body       *proto.InviteAccept
}

// Manager owns the invite table.
type Manager struct {
	invites  *storage.InviteStore
	identity IdentityAccess
	dropper  ServiceDropper
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewManager(invites *storage.InviteStore, identity IdentityAccess, dropper ServiceDropper, m *metrics.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		invites:  invites,
		identity: identity,
		dropper:  dropper,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Create mints a fresh invite token.
func (m *Manager) Create() (models.Invite, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return models.Invite{}, err
	}
	nowMs := m.now().UnixMilli()
	inv := models.Invite{
		Token:       base64.RawURLEncoding.EncodeToString(buf),
		CreatedAtMs: nowMs,
		ExpiresAtMs: nowMs + TTL.Milliseconds(),
	}
	if err := m.invites.Insert(inv); err != nil {
		return models.Invite{}, err
	}
	return inv, nil
}

// Descriptor renders the scannable invite for the given ephemeral onion.
func (m *Manager) Descriptor(inviteOnion string, inv models.Invite) (string, error) {
	return proto.EncodeEC2(inviteOnion, inv.Token)
}

// Accept is the server side of GET /invite/<token>. Exactly one caller per
// token receives the acceptance body; everyone else gets the reason.
func (m *Manager) Accept(token, consumerHint string) Acceptance {
	if !proto.ValidInviteToken(token) {
		return m.rejected(http.StatusNotFound, proto.CodeNotFound)
	}

	self, ok, err := m.identity.ActiveIdentity()
	if err != nil || !ok {
		return m.rejected(http.StatusUnprocessableEntity, proto.CodeNoIdentity)
	}
	if !models.IsCanonicalOnion(self.Onion) {
		return m.rejected(http.StatusUnprocessableEntity, proto.CodeNoOnion)
	}

	nowMs := m.now().UnixMilli()
	inv, found := m.invites.Get(token)
	if !found {
		return m.rejected(http.StatusNotFound, proto.CodeNotFound)
	}
	if inv.UsedAtMs != 0 {
		return m.rejected(http.StatusConflict, proto.CodeInviteUsed)
	}
	if inv.ExpiresAtMs <= nowMs {
		return m.rejected(http.StatusGone, proto.CodeInviteExpired)
	}

	won, err := m.invites.MarkUsedIfValid(token, nowMs, consumerHint)
	if err != nil {
		m.log.Error("invite consumption", "error", err)
		return m.rejected(http.StatusInternalServerError, proto.CodeBadRequest)
	}
	if !won {
		return m.rejected(http.StatusConflict, proto.CodeInviteUsed)
	}

	if m.metrics != nil {
		m.metrics.InviteAccepted.Inc()
	}
	body := proto.NewInviteAccept(
		self.Fingerprint,
		self.Onion,
		base64.StdEncoding.EncodeToString(self.PublicKey),
		nowMs,
	)
	return Acceptance{HTTPStatus: http.StatusOK, Body: &body}
}

// RunGC purges dead invites every GCInterval and drops the ephemeral onion
// once no live invite remains.
func (m *Manager) RunGC(ctx context.Context) {
	ticker := time.NewTicker(GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce is one GC pass.
func (m *Manager) SweepOnce() {
	live, err := m.invites.PurgeDead(m.now().UnixMilli())
	if err != nil {
		m.log.Error("invite purge", "error", err)
		return
	}
	if live == 0 && m.dropper != nil {
		m.dropper.DropInviteHiddenService()
	}
}

func (m *Manager) rejected(status int, code string) Acceptance {
	if m.metrics != nil {
		m.metrics.InviteRejected.WithLabelValues(code).Inc()
	}
	return Acceptance{HTTPStatus: status, Code: code}
}

// ContactUpserter lands the accepted contact draft.
type ContactUpserter interface {
	UpsertMergeSafe(models.ContactDraft) (trust.UpsertResult, error)
}

// AcceptRemote is the client side: resolve the scanned descriptor through
// the SOCKS client, validate the acceptance body, and land the contact via
// the shared draft validator.
func AcceptRemote(ctx context.Context, descriptor, selfFP string, client *http.Client, contacts ContactUpserter) (models.ContactDraft, error) {
	onion, token, err := proto.DecodeEC2(descriptor)
	if err != nil {
		return models.ContactDraft{}, err
	}
	if client == nil {
		return models.ContactDraft{}, ErrNoTransport
	}

	url := "http://" + onion + proto.InvitePathPrefix + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ContactDraft{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.ContactDraft{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.ContactDraft{}, fmt.Errorf("%w: http %d", ErrAcceptRejected, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAcceptBodySize))
	if err != nil {
		return models.ContactDraft{}, err
	}
	var body proto.InviteAccept
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.ContactDraft{}, ErrAcceptInvalid
	}
	if body.V != 2 || !body.OK || body.Type != "invite_accept" || body.Protocol != "ec2" || body.PubFmt != "pgp" {
		return models.ContactDraft{}, ErrAcceptInvalid
	}
	publicKey, err := base64.StdEncoding.DecodeString(body.PubB64)
	if err != nil || len(publicKey) == 0 {
		return models.ContactDraft{}, ErrAcceptInvalid
	}

	draft, err := proto.ValidateDraft(models.ContactDraft{
		Fingerprint: body.Fingerprint,
		Onion:       body.PrimaryOnion,
		PublicKey:   publicKey,
	}, selfFP)
	if err != nil {
		return models.ContactDraft{}, err
	}
	if _, err := contacts.UpsertMergeSafe(draft); err != nil {
		return models.ContactDraft{}, err
	}
	return draft, nil
}
