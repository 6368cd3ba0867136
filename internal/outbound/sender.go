// Package outbound builds, seals and delivers envelopes. Persistence comes
// before the network: a row is visible as Queued before any POST leaves the
// device, and every result tag maps to exactly one row transition.
package outbound

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"enclave-chat/go-node/internal/crypto"
	"enclave-chat/go-node/internal/metrics"
	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/pkg/models"
)

// ResultKind tags a send outcome. Queued* results leave the row retryable;
// Failed* results are terminal.
type ResultKind string

const (
	Sent                     ResultKind = "sent"
	QueuedLocalNotReady      ResultKind = "queued_local_not_ready"
	QueuedTorNotReady        ResultKind = "queued_tor_not_ready"
	QueuedHttpFail           ResultKind = "queued_http_fail"
	FailedMissingAddress     ResultKind = "failed_missing_address"
	FailedBadAddress         ResultKind = "failed_bad_address"
	FailedBlockedDirectHttp  ResultKind = "failed_blocked_direct_http"
	FailedCryptoError        ResultKind = "failed_crypto_error"
	FailedContactNotVerified ResultKind = "failed_contact_not_verified"
)

// Result reports one send attempt. HTTPCode is set for QueuedHttpFail (0
// for network-level failures).
type Result struct {
	Kind     ResultKind
	HTTPCode int
	MsgID    string
	RowID    string
}

const (
	maxPayloadB64 = 2 * 64 * 1024
	nonceBytes    = 18

	retryBase = 30 * time.Second
	retryCap  = time.Hour
)

// ContactDirectory is the slice of the contact store the sender needs.
type ContactDirectory interface {
	Get(fingerprint string) (models.Contact, bool)
}

// MessageLog persists outbound rows and their transitions.
type MessageLog interface {
	Insert(models.Message) (bool, error)
	Get(id string) (models.Message, bool)
	SetStatus(id string, status models.MessageStatus, lastError string) error
	RecordAttempt(id string, lastError string, nextRetryAtMs int64) error
	DueRetries(nowMs int64) []models.Message
}

// IdentityAccess serves the local identity and private ring.
type IdentityAccess interface {
	ActiveIdentity() (models.Identity, bool, error)
	WithPrivateRing(fn func(privRing []byte) error) error
}

// Config toggles sender policy.
type Config struct {
	// AllowDirectHTTP permits non-onion recipients. Debug builds only.
	AllowDirectHTTP bool
}

// Sender is the outbound pipeline.
type Sender struct {
	cfg      Config
	identity IdentityAccess
	contacts ContactDirectory
	messages MessageLog
	codec    crypto.Codec
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	socksClient  *http.Client
	loopbackBase string
	loopback     *http.Client
}

func New(cfg Config, identity IdentityAccess, contacts ContactDirectory, messages MessageLog, codec crypto.Codec, m *metrics.Metrics, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		cfg:      cfg,
		identity: identity,
		contacts: contacts,
		messages: messages,
		codec:    codec,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// AttachSocksClient hands the sender the SOCKS-aware client once the
// transport is ready.
func (s *Sender) AttachSocksClient(client *http.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socksClient = client
}

// DetachSocksClient drops the client on transport loss.
func (s *Sender) DetachSocksClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socksClient = nil
}

// AttachLoopback points self-delivery at the local ingress.
func (s *Sender) AttachLoopback(baseURL string, client *http.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopbackBase = strings.TrimRight(baseURL, "/")
	s.loopback = client
}

// SendMessage seals and delivers a chat body to the recipient.
func (s *Sender) SendMessage(recipientFP, body string) Result {
	return s.send(recipientFP, proto.TypeMsg, body, "")
}

// SendAddrUpdate notifies the recipient of this device's new onion.
func (s *Sender) SendAddrUpdate(recipientFP, newOnion string) Result {
	return s.send(recipientFP, proto.TypeAddrUpdate, "", newOnion)
}

func (s *Sender) send(recipientFP, envType, body, newOnion string) Result {
	self, hasIdentity, err := s.identity.ActiveIdentity()
	if err != nil || !hasIdentity {
		return s.done(Result{Kind: FailedCryptoError})
	}
	toFP, err := models.CanonicalFingerprint(recipientFP)
	if err != nil {
		return s.done(Result{Kind: FailedMissingAddress})
	}

	if toFP == self.Fingerprint {
		return s.sendToSelf(self, envType, body, newOnion)
	}

	contact, known := s.contacts.Get(toFP)
	if !known {
		return s.done(Result{Kind: FailedMissingAddress})
	}
	if contact.TrustLevel != models.TrustVerified {
		return s.done(Result{Kind: FailedContactNotVerified})
	}

	env, rowID, res := s.sealAndPersist(self, toFP, contact.PublicKey, envType, body, newOnion)
	if res != nil {
		return s.done(*res)
	}

	// Resolve transport from the pinned address.
	kind, host := resolveAddress(contact.Onion)
	switch kind {
	case addrMissing:
		s.fail(rowID, FailedMissingAddress)
		return s.done(Result{Kind: FailedMissingAddress, MsgID: env.MsgID, RowID: rowID})
	case addrAmbiguous, addrBad:
		s.fail(rowID, FailedBadAddress)
		return s.done(Result{Kind: FailedBadAddress, MsgID: env.MsgID, RowID: rowID})
	case addrDirect:
		if !s.cfg.AllowDirectHTTP {
			s.fail(rowID, FailedBlockedDirectHttp)
			return s.done(Result{Kind: FailedBlockedDirectHttp, MsgID: env.MsgID, RowID: rowID})
		}
	case addrOnion:
		// handled below
	}

	client := s.clientFor(kind)
	if client == nil {
		s.requeue(rowID, string(QueuedTorNotReady))
		return s.done(Result{Kind: QueuedTorNotReady, MsgID: env.MsgID, RowID: rowID})
	}
	return s.done(s.post(client, "http://"+host, env, rowID))
}

// sendToSelf runs the note-to-self branch: seal to our own key and hand the
// envelope to the loopback ingress so it lands through the normal inbound
// path.
func (s *Sender) sendToSelf(self models.Identity, envType, body, newOnion string) Result {
	env, rowID, res := s.sealAndPersist(self, self.Fingerprint, self.PublicKey, envType, body, newOnion)
	if res != nil {
		return s.done(*res)
	}

	s.mu.Lock()
	base := s.loopbackBase
	client := s.loopback
	s.mu.Unlock()
	if base == "" || client == nil {
		s.requeue(rowID, string(QueuedLocalNotReady))
		return s.done(Result{Kind: QueuedLocalNotReady, MsgID: env.MsgID, RowID: rowID})
	}
	return s.done(s.post(client, base, env, rowID))
}

// sealAndPersist builds the envelope and writes the Queued row. A non-nil
// result short-circuits the send.
func (s *Sender) sealAndPersist(self models.Identity, toFP string, recipientRing []byte, envType, body, newOnion string) (proto.Envelope, string, *Result) {
	nowMs := s.now().UnixMilli()
	msgID := uuid.NewString()
	nonce, err := newNonce()
	if err != nil {
		return proto.Envelope{}, "", &Result{Kind: FailedCryptoError}
	}

	inner, err := s.buildInner(self, toFP, envType, msgID, nonce, body, newOnion, nowMs)
	if err != nil {
		return proto.Envelope{}, "", &Result{Kind: FailedCryptoError}
	}

	var sealed []byte
	err = s.identity.WithPrivateRing(func(privRing []byte) error {
		var codecErr error
		sealed, codecErr = s.codec.EncryptAndSign(inner, recipientRing, self.PublicKey, privRing)
		return codecErr
	})
	if err != nil {
		return proto.Envelope{}, "", &Result{Kind: FailedCryptoError}
	}

	payloadB64 := strings.Join(strings.Fields(base64.StdEncoding.EncodeToString(sealed)), "")
	if payloadB64 == "" || len(payloadB64) > maxPayloadB64 {
		return proto.Envelope{}, "", &Result{Kind: FailedCryptoError}
	}

	rowID := models.OutboundRowID(msgID)
	row := models.Message{
		ID:          rowID,
		ConvID:      toFP,
		Direction:   models.DirectionOut,
		SenderFP:    self.Fingerprint,
		RecipientFP: toFP,
		CreatedAtMs: nowMs,
		Status:      models.StatusQueued,
		Blob:        models.EncodeOutboundBlob(payloadB64),
		WireType:    envType,
	}
	if _, err := s.messages.Insert(row); err != nil {
		s.log.Error("persist outbound row", "error", err)
		return proto.Envelope{}, "", &Result{Kind: FailedCryptoError}
	}

	return proto.Envelope{
		V:           proto.WireVersion,
		Type:        envType,
		MsgID:       msgID,
		SenderFP:    self.Fingerprint,
		RecipientFP: toFP,
		CreatedAt:   nowMs,
		Nonce:       nonce,
		PayloadPGP:  payloadB64,
	}, rowID, nil
}

func (s *Sender) buildInner(self models.Identity, toFP, envType, msgID, nonce, body, newOnion string, nowMs int64) ([]byte, error) {
	switch envType {
	case proto.TypeMsg:
		inner := proto.InnerMessage{
			V:      proto.WireVersion,
			MsgID:  msgID,
			ConvID: self.Fingerprint,
			Body:   body,
		}
		if models.IsCanonicalOnion(self.Onion) {
			inner.SenderOnion = self.Onion
		}
		return json.Marshal(inner)
	case proto.TypeAddrUpdate:
		onion, err := models.CanonicalOnion(newOnion)
		if err != nil {
			return nil, err
		}
		inner := proto.InnerAddrUpdate{
			V:           proto.WireVersion,
			Type:        proto.TypeAddrUpdate,
			MsgID:       msgID,
			SenderFP:    self.Fingerprint,
			RecipientFP: toFP,
			ConvID:      self.Fingerprint,
			TS:          nowMs / 1000,
			Nonce:       nonce,
			NewOnion:    onion,
			OldOnion:    self.Onion,
		}
		return json.Marshal(inner)
	default:
		return nil, fmt.Errorf("unknown envelope type %q", envType)
	}
}

// post delivers the envelope and settles the row.
func (s *Sender) post(client *http.Client, baseURL string, env proto.Envelope, rowID string) Result {
	payload, err := json.Marshal(env)
	if err != nil {
		s.fail(rowID, FailedCryptoError)
		return Result{Kind: FailedCryptoError, MsgID: env.MsgID, RowID: rowID}
	}
	resp, err := client.Post(baseURL+"/v1/messages", "application/json", bytes.NewReader(payload))
	if err != nil {
		s.requeue(rowID, err.Error())
		return Result{Kind: QueuedHttpFail, HTTPCode: 0, MsgID: env.MsgID, RowID: rowID}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := s.messages.SetStatus(rowID, models.StatusSentOk, ""); err != nil {
			s.log.Error("mark sent", "error", err)
		}
		return Result{Kind: Sent, MsgID: env.MsgID, RowID: rowID}
	}
	s.requeue(rowID, fmt.Sprintf("http %d", resp.StatusCode))
	return Result{Kind: QueuedHttpFail, HTTPCode: resp.StatusCode, MsgID: env.MsgID, RowID: rowID}
}

// RunRetryLoop periodically resends due Queued rows until ctx is done.
func (s *Sender) RunRetryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = retryBase
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryDue()
		}
	}
}

// RetryDue resends every Queued row whose retry time has arrived.
func (s *Sender) RetryDue() {
	if s.metrics != nil {
		s.metrics.RetrySweeps.Inc()
	}
	nowMs := s.now().UnixMilli()
	for _, row := range s.messages.DueRetries(nowMs) {
		s.retryRow(row)
	}
}

func (s *Sender) retryRow(row models.Message) {
	self, hasIdentity, err := s.identity.ActiveIdentity()
	if err != nil || !hasIdentity {
		return
	}
	payloadB64, _, err := models.DecodeBlob(row.Blob)
	if err != nil {
		s.fail(row.ID, FailedCryptoError)
		return
	}
	nonce, err := newNonce()
	if err != nil {
		return
	}
	wireType := row.WireType
	if wireType == "" {
		wireType = proto.TypeMsg
	}
	env := proto.Envelope{
		V:           proto.WireVersion,
		Type:        wireType,
		MsgID:       strings.TrimPrefix(row.ID, "OUT:"),
		SenderFP:    self.Fingerprint,
		RecipientFP: row.RecipientFP,
		CreatedAt:   row.CreatedAtMs,
		Nonce:       nonce,
		PayloadPGP:  payloadB64,
	}

	if row.RecipientFP == self.Fingerprint {
		s.mu.Lock()
		base := s.loopbackBase
		client := s.loopback
		s.mu.Unlock()
		if base == "" || client == nil {
			s.requeue(row.ID, string(QueuedLocalNotReady))
			return
		}
		s.done(s.post(client, base, env, row.ID))
		return
	}

	contact, known := s.contacts.Get(row.RecipientFP)
	if !known {
		s.fail(row.ID, FailedMissingAddress)
		return
	}
	kind, host := resolveAddress(contact.Onion)
	if kind != addrOnion && !(kind == addrDirect && s.cfg.AllowDirectHTTP) {
		s.fail(row.ID, FailedBadAddress)
		return
	}
	client := s.clientFor(kind)
	if client == nil {
		s.requeue(row.ID, string(QueuedTorNotReady))
		return
	}
	s.done(s.post(client, "http://"+host, env, row.ID))
}

func (s *Sender) clientFor(kind addrKind) *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case addrOnion:
		return s.socksClient
	case addrDirect:
		if s.socksClient != nil {
			return s.socksClient
		}
		return http.DefaultClient
	default:
		return nil
	}
}

func (s *Sender) requeue(rowID, lastError string) {
	row, ok := s.messages.Get(rowID)
	attempts := 0
	if ok {
		attempts = row.Attempts
	}
	next := s.now().Add(backoff(attempts)).UnixMilli()
	if err := s.messages.RecordAttempt(rowID, lastError, next); err != nil {
		s.log.Error("record attempt", "error", err)
	}
}

func (s *Sender) fail(rowID string, kind ResultKind) {
	if err := s.messages.SetStatus(rowID, models.StatusFailed, string(kind)); err != nil {
		s.log.Error("mark failed", "error", err)
	}
}

func (s *Sender) done(res Result) Result {
	if s.metrics != nil {
		s.metrics.SendResults.WithLabelValues(string(res.Kind)).Inc()
	}
	return res
}

func backoff(attempts int) time.Duration {
	d := retryBase
	for i := 0; i < attempts && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}
	return d
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
