// Package inbound validates, authorizes, decrypts and stores envelopes
// arriving on the loopback ingress. The checks run strictly in order; the
// allowlist and replay gates sit before the crypto stage so strangers can
// neither burn CPU nor grow the nonce table.
package inbound

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"enclave-chat/go-node/internal/crypto"
	"enclave-chat/go-node/internal/metrics"
	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/internal/replay"
	"enclave-chat/go-node/pkg/models"
)

// Result is the pipeline verdict: Ok(msg_id) or a structured rejection.
type Result struct {
	OK         bool
	MsgID      string
	HTTPStatus int
	Code       string
}

func ok(msgID string) Result {
	return Result{OK: true, MsgID: msgID, HTTPStatus: http.StatusOK}
}

func rejected(status int, code string) Result {
	return Result{HTTPStatus: status, Code: code}
}

// ContactDirectory is the slice of the contact store the pipeline needs.
type ContactDirectory interface {
	Get(fingerprint string) (models.Contact, bool)
	ApplyInboundOnionUpdate(fingerprint, newOnion string) error
}

// MessageSink persists accepted messages.
type MessageSink interface {
	Insert(models.Message) (bool, error)
}

// IdentityAccess serves the local identity and its private ring.
type IdentityAccess interface {
	ActiveIdentity() (models.Identity, bool, error)
	WithPrivateRing(fn func(privRing []byte) error) error
}

// Config toggles pipeline policy.
type Config struct {
	// StrictVerified rejects envelopes from contacts that are not Verified.
	// On by default.
	StrictVerified bool
	// DebugPlaintext admits the plaintext self-test path. Build flag; never
	// on in release.
	DebugPlaintext bool
}

// Pipeline executes the inbound checks.
type Pipeline struct {
	cfg      Config
	identity IdentityAccess
	contacts ContactDirectory
	messages MessageSink
	guard    *replay.Guard
	codec    crypto.Codec
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config, identity IdentityAccess, contacts ContactDirectory, messages MessageSink, guard *replay.Guard, codec crypto.Codec, m *metrics.Metrics, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		identity: identity,
		contacts: contacts,
		messages: messages,
		guard:    guard,
		codec:    codec,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Handle runs the ordered checks over one parsed envelope.
func (p *Pipeline) Handle(env proto.Envelope) Result {
	nowMs := p.now().UnixMilli()

	// Self-to-self is decided early because it gates the debug-plaintext
	// shape exception and skips the allowlist below.
	senderFP, senderErr := models.CanonicalFingerprint(env.SenderFP)
	recipientFP, recipientErr := models.CanonicalFingerprint(env.RecipientFP)
	selfLoop := senderErr == nil && recipientErr == nil && senderFP == recipientFP
	allowPlaintext := p.cfg.DebugPlaintext && selfLoop

	// 1. Envelope shape.
	if violation := env.Violation(nowMs, allowPlaintext); violation != "" {
		if violation == "type" {
			return p.reject(http.StatusBadRequest, proto.CodeInvalidType)
		}
		return p.reject(http.StatusBadRequest, proto.CodeBadRequest)
	}

	// 2. Recipient must be this device.
	self, hasIdentity, err := p.identity.ActiveIdentity()
	if err != nil || !hasIdentity {
		return p.reject(http.StatusUnprocessableEntity, proto.CodeLocalIdentityMissing)
	}
	if recipientFP != self.Fingerprint {
		return p.reject(http.StatusUnauthorized, proto.CodeRecipientNotSelf)
	}

	// 3. Allowlist and trust. The loopback self-path authenticates against
	// our own ring instead of a contact row.
	var senderRing []byte
	if senderFP == self.Fingerprint {
		senderRing = self.PublicKey
	} else {
		contact, known := p.contacts.Get(senderFP)
		if !known {
			return p.reject(http.StatusForbidden, proto.CodeSenderNotAllowed)
		}
		if p.cfg.StrictVerified && contact.TrustLevel != models.TrustVerified {
			return p.reject(http.StatusForbidden, proto.CodeSenderNotVerified)
		}
		senderRing = contact.PublicKey
	}

	// 4. Replay window, before any crypto.
	if !p.guard.CheckAndInsert(senderFP, env.Nonce) {
		if p.metrics != nil {
			p.metrics.ReplayHits.Inc()
		}
		return p.reject(http.StatusUnprocessableEntity, proto.CodeReplayDetected)
	}

	// 5. Decrypt and verify.
	payloadB64 := stripAllSpace(env.PayloadPGP)
	var plaintext []byte
	if payloadB64 == "" && allowPlaintext {
		plaintext = []byte(env.DebugPlaintext)
	} else {
		sealed, err := base64.StdEncoding.DecodeString(payloadB64)
		if err != nil {
			return p.reject(http.StatusBadRequest, proto.CodeCryptoDecryptFail)
		}
		err = p.identity.WithPrivateRing(func(privRing []byte) error {
			var codecErr error
			plaintext, codecErr = p.codec.DecryptAndVerify(senderRing, privRing, sealed)
			return codecErr
		})
		if err != nil {
			switch {
			case errors.Is(err, crypto.ErrSignatureInvalid):
				return p.reject(http.StatusUnauthorized, proto.CodeSenderUnknown)
			case errors.Is(err, crypto.ErrNoRecipientMatch):
				return p.reject(http.StatusUnprocessableEntity, proto.CodeRecipientUnknown)
			default:
				return p.reject(http.StatusBadRequest, proto.CodeCryptoDecryptFail)
			}
		}
	}

	// 6. Inner structure.
	var inner struct {
		V           int    `json:"v"`
		MsgID       string `json:"msg_id"`
		ConvID      string `json:"conv_id"`
		Body        string `json:"body"`
		SenderOnion string `json:"sender_onion"`
		NewOnion    string `json:"new_onion"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return p.reject(http.StatusBadRequest, proto.CodePlaintextJSONInvalid)
	}
	if inner.V != proto.WireVersion {
		return p.reject(http.StatusBadRequest, proto.CodeUnsupportedVersion)
	}
	if inner.MsgID != env.MsgID {
		return p.reject(http.StatusBadRequest, proto.CodeMsgIDMismatch)
	}
	innerConv, err := models.CanonicalFingerprint(inner.ConvID)
	if err != nil || innerConv != senderFP {
		return p.reject(http.StatusBadRequest, proto.CodeConvIDMismatch)
	}

	// 7. Type dispatch.
	switch env.Type {
	case proto.TypeMsg:
		return p.acceptMessage(env, senderFP, self.Fingerprint, payloadB64, inner.Body, inner.SenderOnion, nowMs)
	case proto.TypeAddrUpdate:
		return p.acceptAddrUpdate(env, senderFP, inner.NewOnion)
	default:
		return p.reject(http.StatusBadRequest, proto.CodeInvalidType)
	}
}

func (p *Pipeline) acceptMessage(env proto.Envelope, senderFP, selfFP, payloadB64, body, senderOnion string, nowMs int64) Result {
	if len(body) > proto.MaxBodyLen {
		return p.reject(http.StatusBadRequest, proto.CodeBodyTooLarge)
	}

	// Onion hints ride along best-effort; a bad hint never fails the message.
	if senderOnion != "" && senderFP != selfFP {
		if onion, err := models.CanonicalOnion(senderOnion); err == nil {
			if err := p.contacts.ApplyInboundOnionUpdate(senderFP, onion); err != nil {
				p.log.Debug("onion hint not applied", "sender_fp", senderFP, "error", err)
			}
		}
	}

	plaintextJSON, err := json.Marshal(struct {
		Body string `json:"body"`
	}{Body: body})
	if err != nil {
		return p.reject(http.StatusBadRequest, proto.CodePlaintextJSONInvalid)
	}

	row := models.Message{
		ID:               env.MsgID,
		ConvID:           senderFP,
		Direction:        models.DirectionIn,
		SenderFP:         senderFP,
		RecipientFP:      selfFP,
		CreatedAtMs:      env.CreatedAt,
		ServerReceivedMs: nowMs,
		Status:           models.StatusReceived,
		Blob:             models.EncodeInboundBlob(payloadB64, plaintextJSON),
	}
	if _, err := p.messages.Insert(row); err != nil {
		p.log.Error("persist inbound message", "error", err)
		return p.reject(http.StatusInternalServerError, proto.CodeBadRequest)
	}
	if p.metrics != nil {
		p.metrics.InboundAccepted.Inc()
	}
	return ok(env.MsgID)
}

func (p *Pipeline) acceptAddrUpdate(env proto.Envelope, senderFP, newOnion string) Result {
	onion, err := models.CanonicalOnion(newOnion)
	if err != nil {
		return p.reject(http.StatusBadRequest, proto.CodeBadRequest)
	}
	if err := p.contacts.ApplyInboundOnionUpdate(senderFP, onion); err != nil {
		return p.reject(http.StatusForbidden, proto.CodeSenderNotAllowed)
	}
	if p.metrics != nil {
		p.metrics.InboundAccepted.Inc()
	}
	return ok(env.MsgID)
}

func (p *Pipeline) reject(status int, code string) Result {
	if p.metrics != nil {
		p.metrics.InboundRejected.WithLabelValues(code).Inc()
	}
	return rejected(status, code)
}

func stripAllSpace(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
