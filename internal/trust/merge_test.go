package trust

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"enclave-chat/go-node/pkg/models"
)

var (
	fpC    = strings.Repeat("C", 40)
	onionX = strings.Repeat("x", 52) + "aaaa.onion"
	onionY = strings.Repeat("y", 52) + "aaaa.onion"
	keyK   = []byte("key-K")
	keyK2  = []byte("key-K-prime")
)

func draft(onion string, key []byte) models.ContactDraft {
	return models.ContactDraft{Fingerprint: fpC, Onion: onion, PublicKey: key}
}

func verified() models.Contact {
	return models.Contact{
		Fingerprint: fpC,
		Onion:       onionX,
		PublicKey:   append([]byte(nil), keyK...),
		TrustLevel:  models.TrustVerified,
		ChangeState: models.ChangeNone,
		CreatedAt:   time.Unix(0, 0),
	}
}

func TestMergeInsertsUnverified(t *testing.T) {
	row, res := Merge(nil, draft(onionX, keyK), time.Now())
	if res.Outcome != OutcomeInserted {
		t.Fatalf("expected insert, got %s", res.Outcome)
	}
	if row.TrustLevel != models.TrustUnverified || row.ChangeState != models.ChangeNone {
		t.Fatalf("insert state wrong: %+v", row)
	}
	if row.DisplayName != "" {
		t.Fatal("display name must not be set by merge")
	}
}

func TestMergeNoChange(t *testing.T) {
	existing := verified()
	_, res := Merge(&existing, draft(onionX, keyK), time.Now())
	if res.Outcome != OutcomeNoChange {
		t.Fatalf("expected no change, got %s", res.Outcome)
	}
}

func TestMergeTOFURefresh(t *testing.T) {
	existing := verified()
	existing.TrustLevel = models.TrustUnverified
	row, res := Merge(&existing, draft(onionY, keyK2), time.Now())
	if res.Outcome != OutcomeUpdatedUnverified {
		t.Fatalf("expected TOFU refresh, got %s", res.Outcome)
	}
	if row.Onion != onionY || !bytes.Equal(row.PublicKey, keyK2) {
		t.Fatalf("fields not refreshed: %+v", row)
	}
	if row.TrustLevel != models.TrustUnverified || row.ChangeState != models.ChangeNone {
		t.Fatalf("TOFU must stay unverified with no pending: %+v", row)
	}
}

func TestMergeVerifiedKeyChangeParksPending(t *testing.T) {
	existing := verified()
	row, res := Merge(&existing, draft(onionX, keyK2), time.Now())
	if res.Outcome != OutcomePendingApproval || !res.KeyChanged || res.OnionChanged {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !bytes.Equal(row.PublicKey, keyK) {
		t.Fatal("pinned key must be unchanged")
	}
	if !bytes.Equal(row.PendingPublicKey, keyK2) {
		t.Fatal("pending key missing")
	}
	if row.ChangeState != models.ChangeKey {
		t.Fatalf("change state wrong: %s", row.ChangeState)
	}
}

func TestMergeVerifiedBothChanged(t *testing.T) {
	existing := verified()
	row, res := Merge(&existing, draft(onionY, keyK2), time.Now())
	if !res.KeyChanged || !res.OnionChanged {
		t.Fatalf("both axes must report: %+v", res)
	}
	if row.ChangeState != models.ChangeBoth {
		t.Fatalf("change state wrong: %s", row.ChangeState)
	}
	if row.Onion != onionX || !bytes.Equal(row.PublicKey, keyK) {
		t.Fatal("pinned fields must be unchanged")
	}
}

func TestMergeComposesWithExistingPendingKey(t *testing.T) {
	existing := verified()
	existing.PendingPublicKey = append([]byte(nil), keyK2...)
	existing.ChangeState = models.ChangeKey
	row, res := Merge(&existing, draft(onionY, keyK), time.Now())
	if res.Outcome != OutcomePendingApproval || !res.OnionChanged || res.KeyChanged {
		t.Fatalf("unexpected result: %+v", res)
	}
	if row.ChangeState != models.ChangeBoth {
		t.Fatalf("pending key must survive composition: %s", row.ChangeState)
	}
}

func TestApprovePendingPromotes(t *testing.T) {
	existing := verified()
	existing.PendingPublicKey = append([]byte(nil), keyK2...)
	existing.PendingOnion = onionY
	existing.ChangeState = models.ChangeBoth

	row := ApprovePending(existing)
	if !bytes.Equal(row.PublicKey, keyK2) || row.Onion != onionY {
		t.Fatalf("pending fields not promoted: %+v", row)
	}
	if row.PendingPublicKey != nil || row.PendingOnion != "" || row.ChangeState != models.ChangeNone {
		t.Fatalf("pending slots not cleared: %+v", row)
	}
	if row.TrustLevel != models.TrustVerified {
		t.Fatal("approval must preserve trust level")
	}
}

func TestRejectPendingKeepsPinned(t *testing.T) {
	existing := verified()
	existing.PendingPublicKey = append([]byte(nil), keyK2...)
	existing.ChangeState = models.ChangeKey

	row := RejectPending(existing)
	if !bytes.Equal(row.PublicKey, keyK) {
		t.Fatal("pinned key must survive rejection")
	}
	if row.PendingPublicKey != nil || row.ChangeState != models.ChangeNone {
		t.Fatalf("pending slots not cleared: %+v", row)
	}
}

func TestApplyOnionUpdate(t *testing.T) {
	unv := verified()
	unv.TrustLevel = models.TrustUnverified
	row, changed := ApplyOnionUpdate(unv, onionY)
	if !changed || row.Onion != onionY || row.ChangeState != models.ChangeNone {
		t.Fatalf("TOFU onion update failed: %+v", row)
	}

	ver := verified()
	row, changed = ApplyOnionUpdate(ver, onionY)
	if !changed || row.Onion != onionX || row.PendingOnion != onionY || row.ChangeState != models.ChangeOnion {
		t.Fatalf("verified onion update failed: %+v", row)
	}

	// Pending key state survives an onion update.
	ver.PendingPublicKey = append([]byte(nil), keyK2...)
	ver.ChangeState = models.ChangeKey
	row, _ = ApplyOnionUpdate(ver, onionY)
	if row.ChangeState != models.ChangeBoth {
		t.Fatalf("pending key lost: %s", row.ChangeState)
	}

	// Same onion is a no-op.
	if _, changed := ApplyOnionUpdate(verified(), onionX); changed {
		t.Fatal("same onion must be a no-op")
	}
}
