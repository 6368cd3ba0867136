package outbound

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"enclave-chat/go-node/internal/proto"
	"enclave-chat/go-node/internal/storage"
	"enclave-chat/go-node/internal/testutil/codectest"
	"enclave-chat/go-node/pkg/models"
)

var (
	selfFP   = strings.Repeat("A", 40)
	peerFP   = strings.Repeat("B", 40)
	selfPub  = []byte("pub:self")
	selfPriv = codectest.Priv(selfPub)
	peerPub  = []byte("pub:peer")
)

type fakeIdentity struct {
	onion string
}

func (f *fakeIdentity) ActiveIdentity() (models.Identity, bool, error) {
	return models.Identity{Fingerprint: selfFP, PublicKey: selfPub, Onion: f.onion, Active: true}, true, nil
}

func (f *fakeIdentity) WithPrivateRing(fn func([]byte) error) error {
	return fn(selfPriv)
}

type fixture struct {
	sender   *Sender
	contacts *storage.ContactStore
	messages *storage.MessageStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	contacts, err := storage.NewContactStore("", "")
	if err != nil {
		t.Fatalf("contact store: %v", err)
	}
	messages, err := storage.NewMessageStore("", "")
	if err != nil {
		t.Fatalf("message store: %v", err)
	}
	sender := New(cfg, &fakeIdentity{}, contacts, messages, codectest.Codec{}, nil, nil)
	return &fixture{sender: sender, contacts: contacts, messages: messages}
}

func (f *fixture) addVerifiedContact(t *testing.T, onion string) {
	t.Helper()
	if _, err := f.contacts.UpsertMergeSafe(models.ContactDraft{Fingerprint: peerFP, Onion: onion, PublicKey: peerPub}); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if err := f.contacts.MarkVerified(peerFP); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func recipientServer(status int) (*httptest.Server, *sync.Map) {
	var envelopes sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env proto.Envelope
		_ = json.Unmarshal(body, &env)
		envelopes.Store(env.MsgID, env)
		w.WriteHeader(status)
	}))
	return srv, &envelopes
}

func TestSendQueuedWhenTorNotReady(t *testing.T) {
	f := newFixture(t, Config{})
	f.addVerifiedContact(t, strings.Repeat("c", 56)+".onion")

	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != QueuedTorNotReady {
		t.Fatalf("expected QueuedTorNotReady, got %+v", res)
	}
	row, ok := f.messages.Get(res.RowID)
	if !ok || row.Status != models.StatusQueued {
		t.Fatalf("row must stay Queued: %+v", row)
	}
	if !strings.HasPrefix(row.ID, "OUT:") {
		t.Fatalf("outbound row id must carry OUT prefix: %s", row.ID)
	}
}

func TestSendRejectsUnverifiedContact(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.contacts.UpsertMergeSafe(models.ContactDraft{Fingerprint: peerFP, PublicKey: peerPub}); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != FailedContactNotVerified {
		t.Fatalf("expected FailedContactNotVerified, got %+v", res)
	}
}

func TestSendMissingContact(t *testing.T) {
	f := newFixture(t, Config{})
	if res := f.sender.SendMessage(peerFP, "hi"); res.Kind != FailedMissingAddress {
		t.Fatalf("expected FailedMissingAddress, got %+v", res)
	}
}

func TestSendMissingAddressMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.addVerifiedContact(t, "")
	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != FailedMissingAddress {
		t.Fatalf("expected FailedMissingAddress, got %+v", res)
	}
	row, ok := f.messages.Get(res.RowID)
	if !ok || row.Status != models.StatusFailed {
		t.Fatalf("row must be Failed: %+v", row)
	}
}

func TestSendBadAddress(t *testing.T) {
	f := newFixture(t, Config{})
	f.addVerifiedContact(t, "host/path?query")
	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != FailedBadAddress {
		t.Fatalf("expected FailedBadAddress, got %+v", res)
	}
}

func TestDirectHTTPBlockedInRelease(t *testing.T) {
	srv, _ := recipientServer(http.StatusOK)
	defer srv.Close()
	f := newFixture(t, Config{})
	f.addVerifiedContact(t, strings.TrimPrefix(srv.URL, "http://"))
	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != FailedBlockedDirectHttp {
		t.Fatalf("expected FailedBlockedDirectHttp, got %+v", res)
	}
}

func TestDirectHTTPDebugDelivers(t *testing.T) {
	srv, envelopes := recipientServer(http.StatusOK)
	defer srv.Close()
	f := newFixture(t, Config{AllowDirectHTTP: true})
	f.addVerifiedContact(t, strings.TrimPrefix(srv.URL, "http://"))

	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != Sent {
		t.Fatalf("expected Sent, got %+v", res)
	}
	row, _ := f.messages.Get(res.RowID)
	if row.Status != models.StatusSentOk {
		t.Fatalf("row must be SentOk: %+v", row)
	}
	stored, ok := envelopes.Load(res.MsgID)
	if !ok {
		t.Fatal("recipient never saw the envelope")
	}
	env := stored.(proto.Envelope)
	if env.Type != proto.TypeMsg || env.SenderFP != selfFP || env.RecipientFP != peerFP {
		t.Fatalf("envelope wrong: %+v", env)
	}
	if env.Nonce == "" || env.PayloadPGP == "" {
		t.Fatal("envelope missing nonce or payload")
	}
}

func TestHTTPFailureRequeues(t *testing.T) {
	srv, _ := recipientServer(http.StatusInternalServerError)
	defer srv.Close()
	f := newFixture(t, Config{AllowDirectHTTP: true})
	f.addVerifiedContact(t, strings.TrimPrefix(srv.URL, "http://"))

	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != QueuedHttpFail || res.HTTPCode != http.StatusInternalServerError {
		t.Fatalf("expected QueuedHttpFail(500), got %+v", res)
	}
	row, _ := f.messages.Get(res.RowID)
	if row.Status != models.StatusQueued || row.Attempts != 1 || row.NextRetryAtMs == 0 {
		t.Fatalf("retry bookkeeping wrong: %+v", row)
	}
}

func TestNetworkErrorQueuesWithCodeZero(t *testing.T) {
	srv, _ := recipientServer(http.StatusOK)
	url := srv.URL
	srv.Close() // connection refused from here on
	f := newFixture(t, Config{AllowDirectHTTP: true})
	f.addVerifiedContact(t, strings.TrimPrefix(url, "http://"))

	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != QueuedHttpFail || res.HTTPCode != 0 {
		t.Fatalf("expected QueuedHttpFail(0), got %+v", res)
	}
}

func TestNoteToSelfLoopback(t *testing.T) {
	srv, envelopes := recipientServer(http.StatusOK)
	defer srv.Close()
	f := newFixture(t, Config{})
	f.sender.AttachLoopback(srv.URL, srv.Client())

	res := f.sender.SendMessage(selfFP, "note")
	if res.Kind != Sent {
		t.Fatalf("expected Sent, got %+v", res)
	}
	row, _ := f.messages.Get(res.RowID)
	if row.ConvID != selfFP || row.Direction != models.DirectionOut || row.Status != models.StatusSentOk {
		t.Fatalf("self row wrong: %+v", row)
	}
	stored, ok := envelopes.Load(res.MsgID)
	if !ok {
		t.Fatal("loopback never received the envelope")
	}
	env := stored.(proto.Envelope)
	if env.SenderFP != selfFP || env.RecipientFP != selfFP {
		t.Fatalf("self envelope wrong: %+v", env)
	}
}

func TestNoteToSelfWithoutLoopback(t *testing.T) {
	f := newFixture(t, Config{})
	res := f.sender.SendMessage(selfFP, "note")
	if res.Kind != QueuedLocalNotReady {
		t.Fatalf("expected QueuedLocalNotReady, got %+v", res)
	}
}

func TestSendAddrUpdateEnvelopeType(t *testing.T) {
	srv, envelopes := recipientServer(http.StatusOK)
	defer srv.Close()
	f := newFixture(t, Config{AllowDirectHTTP: true})
	f.addVerifiedContact(t, strings.TrimPrefix(srv.URL, "http://"))

	newOnion := strings.Repeat("d", 56) + ".onion"
	res := f.sender.SendAddrUpdate(peerFP, newOnion)
	if res.Kind != Sent {
		t.Fatalf("expected Sent, got %+v", res)
	}
	stored, _ := envelopes.Load(res.MsgID)
	env := stored.(proto.Envelope)
	if env.Type != proto.TypeAddrUpdate {
		t.Fatalf("envelope type wrong: %s", env.Type)
	}
}

func TestRetryDueRedelivers(t *testing.T) {
	var status int32 = http.StatusInternalServerError
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		code := int(status)
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer srv.Close()

	f := newFixture(t, Config{AllowDirectHTTP: true})
	f.addVerifiedContact(t, strings.TrimPrefix(srv.URL, "http://"))

	res := f.sender.SendMessage(peerFP, "hi")
	if res.Kind != QueuedHttpFail {
		t.Fatalf("expected queue, got %+v", res)
	}

	// Recipient comes back; warp past the retry deadline and sweep.
	mu.Lock()
	status = http.StatusOK
	mu.Unlock()
	f.sender.now = func() time.Time { return time.Now().Add(2 * retryCap) }
	f.sender.RetryDue()

	row, _ := f.messages.Get(res.RowID)
	if row.Status != models.StatusSentOk {
		t.Fatalf("retry must settle the row: %+v", row)
	}
}

func TestResolveAddress(t *testing.T) {
	onion := strings.Repeat("e", 56) + ".onion"
	cases := []struct {
		addr string
		kind addrKind
	}{
		{"", addrMissing},
		{onion, addrOnion},
		{onion + ":8080", addrOnion},
		{"example.com", addrDirect},
		{"example.com:8443", addrDirect},
		{"http://example.com", addrBad},
		{"example.com/path", addrAmbiguous},
		{"user@example.com", addrAmbiguous},
		{"example.com?q=1", addrAmbiguous},
		{"ex ample", addrBad},
	}
	for _, tc := range cases {
		kind, _ := resolveAddress(tc.addr)
		if kind != tc.kind {
			t.Fatalf("%q: want %d got %d", tc.addr, tc.kind, kind)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	if backoff(0) != retryBase {
		t.Fatalf("base wrong: %v", backoff(0))
	}
	if backoff(1) != 2*retryBase {
		t.Fatalf("doubling wrong: %v", backoff(1))
	}
	if backoff(50) != retryCap {
		t.Fatalf("cap wrong: %v", backoff(50))
	}
}
