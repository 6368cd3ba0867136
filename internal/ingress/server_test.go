package ingress

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"enclave-chat/go-node/internal/inbound"
	"enclave-chat/go-node/internal/invite"
	"enclave-chat/go-node/internal/platform/ratelimiter"
	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/internal/replay"
	"enclave-chat/go-node/internal/storage"
	"enclave-chat/go-node/internal/testutil/codectest"
	"enclave-chat/go-node/internal/tor"
	"enclave-chat/go-node/pkg/models"
)

var (
	selfFP    = strings.Repeat("A", 40)
	peerFP    = strings.Repeat("B", 40)
	selfOnion = strings.Repeat("s", 56) + ".onion"
	selfPub   = []byte("pub:self")
	peerPub   = []byte("pub:peer")
	peerPriv  = codectest.Priv(peerPub)
)

type fakeIdentity struct {
	id  models.Identity
	set bool
}

func (f *fakeIdentity) ActiveIdentity() (models.Identity, bool, error) {
	return f.id, f.set, nil
}

func (f *fakeIdentity) WithPrivateRing(fn func([]byte) error) error {
	return fn(codectest.Priv(selfPub))
}

type fixture struct {
	server   *Server
	hub      *tor.Hub
	contacts *storage.ContactStore
	messages *storage.MessageStore
	invites  *invite.Manager
	handler  http.Handler
}

func newFixture(t *testing.T, limiter *ratelimiter.SenderLimiter) *fixture {
	t.Helper()
	contacts, err := storage.NewContactStore("", "")
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	messages, err := storage.NewMessageStore("", "")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	inviteStore, err := storage.NewInviteStore("", "")
	if err != nil {
		t.Fatalf("invites: %v", err)
	}
	id := &fakeIdentity{
		id:  models.Identity{Fingerprint: selfFP, Onion: selfOnion, PublicKey: selfPub, Active: true},
		set: true,
	}
	pipeline := inbound.New(inbound.Config{StrictVerified: true}, id, contacts, messages, replay.NewGuard(), codectest.Codec{}, nil, nil)
	invites := invite.NewManager(inviteStore, id, nil, nil, nil)
	hub := tor.NewHub()
	srv := New(Config{}, pipeline, invites, contacts, id, hub, limiter, nil, nil, nil)
	return &fixture{
		server:   srv,
		hub:      hub,
		contacts: contacts,
		messages: messages,
		invites:  invites,
		handler:  srv.router(),
	}
}

func (f *fixture) addVerifiedContact(t *testing.T) {
	t.Helper()
	if _, err := f.contacts.UpsertMergeSafe(models.ContactDraft{Fingerprint: peerFP, PublicKey: peerPub}); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if err := f.contacts.MarkVerified(peerFP); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, msgID, nonce, body string) proto.Envelope {
	t.Helper()
	inner := proto.InnerMessage{V: 1, MsgID: msgID, ConvID: peerFP, Body: body}
	payload, err := codectest.SealB64(inner, selfPub, peerPub, peerPriv)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return proto.Envelope{
		V:           1,
		Type:        proto.TypeMsg,
		MsgID:       msgID,
		SenderFP:    peerFP,
		RecipientFP: selfFP,
		CreatedAt:   time.Now().UnixMilli(),
		Nonce:       nonce,
		PayloadPGP:  payload,
	}
}

func TestHealthReflectsState(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not-ready health must 503, got %d", rec.Code)
	}

	f.hub.Publish(tor.State{Kind: tor.StateReady, Onion: selfOnion})
	rec = f.do(t, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready health must 200, got %d", rec.Code)
	}
	var body struct {
		V     int    `json:"v"`
		OK    bool   `json:"ok"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if body.V != 1 || !body.OK || body.State != "ready" {
		t.Fatalf("health body wrong: %+v", body)
	}
}

func TestMessagesEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.addVerifiedContact(t)

	rec := f.do(t, http.MethodPost, "/v1/messages", envelope(t, "m1", "n1", "hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := f.messages.Get("m1"); !ok {
		t.Fatal("message not stored")
	}

	// Replay of the same nonce.
	rec = f.do(t, http.MethodPost, "/v1/messages", envelope(t, "m2", "n1", "hello"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("replay must 422, got %d", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != proto.CodeReplayDetected {
		t.Fatalf("replay code wrong: %s", body.Code)
	}
}

func TestMessagesUnknownSender(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/messages", envelope(t, "m1", "n1", "hello"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger must 403, got %d", rec.Code)
	}
}

func TestMessagesRateLimited(t *testing.T) {
	f := newFixture(t, ratelimiter.New(0.1, 1, time.Minute))
	f.addVerifiedContact(t)

	if rec := f.do(t, http.MethodPost, "/v1/messages", envelope(t, "m1", "n1", "x")); rec.Code != http.StatusOK {
		t.Fatalf("first must pass, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/v1/messages", envelope(t, "m2", "n2", "x"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("flood must 429, got %d", rec.Code)
	}
}

func TestContactImport(t *testing.T) {
	f := newFixture(t, nil)
	req := map[string]any{
		"fingerprint":  strings.ToLower(strings.Repeat("C", 40)),
		"onion":        strings.Repeat("c", 56) + ".onion",
		"pub_b64":      base64.StdEncoding.EncodeToString([]byte("pub:carol")),
		"display_name": "Carol",
	}
	rec := f.do(t, http.MethodPost, "/v1/contact_import", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("import must 200, got %d: %s", rec.Code, rec.Body.String())
	}
	row, ok := f.contacts.Get(strings.Repeat("C", 40))
	if !ok || row.TrustLevel != models.TrustUnverified {
		t.Fatalf("imported contact wrong: %+v ok=%v", row, ok)
	}

	// Importing ourselves is refused.
	req["fingerprint"] = selfFP
	rec = f.do(t, http.MethodPost, "/v1/contact_import", req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("self import must 422, got %d", rec.Code)
	}

	// Broken key encoding.
	req["fingerprint"] = strings.Repeat("D", 40)
	req["pub_b64"] = "%%%"
	rec = f.do(t, http.MethodPost, "/v1/contact_import", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad b64 must 400, got %d", rec.Code)
	}
}

func TestInviteRoute(t *testing.T) {
	f := newFixture(t, nil)
	inv, err := f.invites.Create()
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/invite/"+inv.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first acceptance must 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body proto.InviteAccept
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("acceptance body: %v", err)
	}
	if body.V != 2 || body.Fingerprint != selfFP || body.PrimaryOnion != selfOnion {
		t.Fatalf("acceptance wrong: %+v", body)
	}

	rec = f.do(t, http.MethodGet, "/invite/"+inv.Token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second acceptance must 409, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/invite/"+strings.Repeat("z", 24), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token must 404, got %d", rec.Code)
	}
}

func TestRouteTableHardRejects(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/v1/unknown", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path must 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/messages", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method must 405, got %d", rec.Code)
	}
	// Debug routes are absent without the flag.
	if rec := f.do(t, http.MethodGet, "/v1/debug/runtime", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("debug route must be absent, got %d", rec.Code)
	}
}

func TestBodyCap(t *testing.T) {
	f := newFixture(t, nil)
	f.addVerifiedContact(t)
	env := envelope(t, "m1", "n1", "x")
	env.PayloadPGP = strings.Repeat("A", maxBodyBytes+1)
	rec := f.do(t, http.MethodPost, "/v1/messages", env)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body must 413, got %d", rec.Code)
	}
}

func TestDebugRoutesWhenEnabled(t *testing.T) {
	f := newFixture(t, nil)
	debugSrv := New(Config{Debug: true}, nil, f.invites, f.contacts, &fakeIdentity{
		id:  models.Identity{Fingerprint: selfFP, Onion: selfOnion, PublicKey: selfPub, Active: true},
		set: true,
	}, f.hub, nil, nil, func() any { return map[string]any{"v": 1, "state": "ready"} }, nil)
	handler := debugSrv.router()

	req := httptest.NewRequest(http.MethodGet, "/v1/debug/runtime", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug runtime must 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/debug/identity", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug identity must 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "short_code") {
		t.Fatal("identity export must include the short code")
	}
}

func TestStartBindsEphemeralLoopbackPort(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.server.Stop()
	if f.server.Port() == 0 {
		t.Fatal("port must be bound")
	}
	resp, err := http.Get(f.server.BaseURL() + "/v1/health")
	if err != nil {
		t.Fatalf("health over loopback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}
}
