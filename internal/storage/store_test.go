package storage

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"enclave-chat/go-node/internal/trust"
	"enclave-chat/go-node/pkg/models"
)

var (
	fpA = strings.Repeat("A", 40)
	fpB = strings.Repeat("B", 40)
)

func onion(c byte) string {
	return strings.Repeat(string(c), 56) + ".onion"
}

func newContactStore(t *testing.T) *ContactStore {
	t.Helper()
	s, err := NewContactStore(filepath.Join(t.TempDir(), "contacts.enc"), "pass")
	if err != nil {
		t.Fatalf("new contact store: %v", err)
	}
	return s
}

func TestContactUpsertLifecycle(t *testing.T) {
	s := newContactStore(t)
	draft := models.ContactDraft{Fingerprint: fpB, Onion: onion('x'), PublicKey: []byte("K")}

	res, err := s.UpsertMergeSafe(draft)
	if err != nil || res.Outcome != trust.OutcomeInserted {
		t.Fatalf("insert failed: %v %+v", err, res)
	}
	res, err = s.UpsertMergeSafe(draft)
	if err != nil || res.Outcome != trust.OutcomeNoChange {
		t.Fatalf("repeat upsert: %v %+v", err, res)
	}

	if err := s.MarkVerified(fpB); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	res, err = s.UpsertMergeSafe(models.ContactDraft{Fingerprint: fpB, Onion: onion('x'), PublicKey: []byte("K2")})
	if err != nil || res.Outcome != trust.OutcomePendingApproval || !res.KeyChanged || res.OnionChanged {
		t.Fatalf("verified divergence: %v %+v", err, res)
	}
	row, _ := s.Get(fpB)
	if string(row.PublicKey) != "K" || string(row.PendingPublicKey) != "K2" {
		t.Fatalf("pinned/pending wrong: %+v", row)
	}

	if err := s.ApprovePending(fpB); err != nil {
		t.Fatalf("approve pending: %v", err)
	}
	row, _ = s.Get(fpB)
	if string(row.PublicKey) != "K2" || row.ChangeState != models.ChangeNone || row.TrustLevel != models.TrustVerified {
		t.Fatalf("approval wrong: %+v", row)
	}
}

func TestContactStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.enc")
	s, err := NewContactStore(path, "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.UpsertMergeSafe(models.ContactDraft{Fingerprint: fpB, PublicKey: []byte("K")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetDisplayName(fpB, "Bob"); err != nil {
		t.Fatalf("set name: %v", err)
	}

	reopened, err := NewContactStore(path, "pass")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	row, ok := reopened.Get(fpB)
	if !ok || row.DisplayName != "Bob" {
		t.Fatalf("row lost across reopen: %+v ok=%v", row, ok)
	}

	if _, err := NewContactStore(path, "wrong"); err == nil {
		t.Fatal("wrong passphrase must fail to open")
	}
}

func TestMessageInsertIdempotent(t *testing.T) {
	s, err := NewMessageStore(filepath.Join(t.TempDir(), "messages.enc"), "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	msg := models.Message{ID: "m1", ConvID: fpB, Direction: models.DirectionIn, Status: models.StatusReceived, CreatedAtMs: 10}
	inserted, err := s.Insert(msg)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	inserted, err = s.Insert(msg)
	if err != nil || inserted {
		t.Fatalf("second insert must be a no-op: %v %v", inserted, err)
	}
}

func TestConversationOrdering(t *testing.T) {
	s, err := NewMessageStore("", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rows := []models.Message{
		{ID: "a", ConvID: fpB, CreatedAtMs: 100, ServerReceivedMs: 0},
		{ID: "b", ConvID: fpB, CreatedAtMs: 50, ServerReceivedMs: 300},
		{ID: "c", ConvID: fpB, CreatedAtMs: 200, ServerReceivedMs: 150},
		{ID: "other", ConvID: fpA, CreatedAtMs: 999},
	}
	for _, m := range rows {
		if _, err := s.Insert(m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}
	got := s.ListConversation(fpB, 0)
	want := []string{"b", "c", "a"}
	if len(got) != len(want) {
		t.Fatalf("row count: %d", len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, got[i].ID)
		}
	}
}

func TestDueRetries(t *testing.T) {
	s, _ := NewMessageStore("", "")
	mustInsert := func(m models.Message) {
		t.Helper()
		if _, err := s.Insert(m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	mustInsert(models.Message{ID: "due", Direction: models.DirectionOut, Status: models.StatusQueued, NextRetryAtMs: 50})
	mustInsert(models.Message{ID: "later", Direction: models.DirectionOut, Status: models.StatusQueued, NextRetryAtMs: 500})
	mustInsert(models.Message{ID: "sent", Direction: models.DirectionOut, Status: models.StatusSentOk})
	mustInsert(models.Message{ID: "in", Direction: models.DirectionIn, Status: models.StatusReceived})

	due := s.DueRetries(100)
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("due set wrong: %+v", due)
	}
}

func TestInviteAtMostOnce(t *testing.T) {
	s, err := NewInviteStore(filepath.Join(t.TempDir(), "invites.enc"), "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	inv := models.Invite{Token: strings.Repeat("t", 24), CreatedAtMs: 0, ExpiresAtMs: 1000}
	if err := s.Insert(inv); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkUsedIfValid(inv.Token, 500, "peer")
			if err != nil {
				t.Errorf("mark used: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one consumer must win, got %d", wins)
	}

	// Expired invites are never claimable.
	expired := models.Invite{Token: strings.Repeat("e", 24), ExpiresAtMs: 100}
	_ = s.Insert(expired)
	if ok, _ := s.MarkUsedIfValid(expired.Token, 100, ""); ok {
		t.Fatal("invite at expiry must not be claimable")
	}
}

func TestInvitePurgeDead(t *testing.T) {
	s, _ := NewInviteStore("", "")
	_ = s.Insert(models.Invite{Token: strings.Repeat("a", 22), ExpiresAtMs: 100})
	_ = s.Insert(models.Invite{Token: strings.Repeat("b", 22), ExpiresAtMs: 900})
	_ = s.Insert(models.Invite{Token: strings.Repeat("c", 22), ExpiresAtMs: 900, UsedAtMs: 10})

	live, err := s.PurgeDead(500)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if live != 1 {
		t.Fatalf("expected 1 live invite, got %d", live)
	}
	if _, ok := s.Get(strings.Repeat("a", 22)); ok {
		t.Fatal("expired invite must be purged")
	}
	if s.LiveCount(500) != 1 {
		t.Fatalf("live count mismatch: %d", s.LiveCount(500))
	}
}

func TestIdentityStoreSingleActive(t *testing.T) {
	s, err := NewIdentityStore(filepath.Join(t.TempDir(), "identities.enc"), "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveIdentity(models.Identity{Fingerprint: fpA, Active: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveIdentity(models.Identity{Fingerprint: fpB, Active: true}); err != nil {
		t.Fatalf("save second: %v", err)
	}
	active, ok, err := s.ActiveIdentity()
	if err != nil || !ok {
		t.Fatalf("active identity: %v %v", ok, err)
	}
	if active.Fingerprint != fpB {
		t.Fatalf("latest identity must be the active one: %s", active.Fingerprint)
	}
}

func TestMasterKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	first, err := ResolveMasterPassphrase(dir, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := ResolveMasterPassphrase(dir, "")
	if err != nil || second != first {
		t.Fatalf("master passphrase must be stable: %v", err)
	}

	phrase, err := ExportRecoveryPhrase(dir, "")
	if err != nil {
		t.Fatalf("export phrase: %v", err)
	}
	if len(strings.Fields(phrase)) != 24 {
		t.Fatalf("expected 24 words, got %d", len(strings.Fields(phrase)))
	}

	if err := EnablePIN(dir, "123456"); err != nil {
		t.Fatalf("enable pin: %v", err)
	}
	if _, err := ResolveMasterPassphrase(dir, ""); err == nil {
		t.Fatal("pin mode must demand the pin")
	}
	withPin, err := ResolveMasterPassphrase(dir, "123456")
	if err != nil || withPin != first {
		t.Fatalf("pin unwrap must recover the passphrase: %v", err)
	}

	if err := DisablePIN(dir, "123456"); err != nil {
		t.Fatalf("disable pin: %v", err)
	}
	plain, err := ResolveMasterPassphrase(dir, "")
	if err != nil || plain != first {
		t.Fatalf("passphrase must survive pin round trip: %v", err)
	}

	// Recovery phrase restores the key file from scratch.
	fresh := t.TempDir()
	if err := ImportRecoveryPhrase(fresh, phrase); err != nil {
		t.Fatalf("import phrase: %v", err)
	}
	restored, err := ResolveMasterPassphrase(fresh, "")
	if err != nil || restored != first {
		t.Fatalf("restored passphrase mismatch: %v", err)
	}
}

func TestBundleOpens(t *testing.T) {
	dir := t.TempDir()
	bundle, err := OpenBundle(dir, "pass")
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	if err := bundle.Prefs.Set(PrefLastOnion, onion('z')); err != nil {
		t.Fatalf("set pref: %v", err)
	}
	reopened, err := OpenBundle(dir, "pass")
	if err != nil {
		t.Fatalf("reopen bundle: %v", err)
	}
	if reopened.Prefs.Get(PrefLastOnion) != onion('z') {
		t.Fatal("pref lost across reopen")
	}
}
