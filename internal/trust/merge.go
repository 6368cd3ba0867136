// Package trust holds the contact merge policy: trust-on-first-use for
// unverified rows, pending-change capture for verified ones. The decision
// is pure; the contact store applies it inside a single transaction.
package trust

import (
	"bytes"
	"time"

	"enclave-chat/go-node/pkg/models"
)

// UpsertOutcome tags the result of a merge-safe upsert.
type UpsertOutcome string

const (
	OutcomeInserted          UpsertOutcome = "inserted"
	OutcomeNoChange          UpsertOutcome = "no_change"
	OutcomeUpdatedUnverified UpsertOutcome = "updated_unverified"
	OutcomePendingApproval   UpsertOutcome = "pending_approval"
)

// UpsertResult reports what an upsert did. KeyChanged/OnionChanged are only
// meaningful for OutcomePendingApproval.
type UpsertResult struct {
	Outcome      UpsertOutcome
	KeyChanged   bool
	OnionChanged bool
}

// Merge decides how an incoming draft lands on an existing row. existing is
// nil for a first sighting. The returned contact is the row to persist.
// Display names never flow through here; they are a local-only column.
func Merge(existing *models.Contact, incoming models.ContactDraft, now time.Time) (models.Contact, UpsertResult) {
	if existing == nil {
		row := models.Contact{
			Fingerprint: incoming.Fingerprint,
			Onion:       incoming.Onion,
			PublicKey:   append([]byte(nil), incoming.PublicKey...),
			TrustLevel:  models.TrustUnverified,
			ChangeState: models.ChangeNone,
			CreatedAt:   now.UTC(),
		}
		return row, UpsertResult{Outcome: OutcomeInserted}
	}

	row := *existing
	keyDiffers := !bytes.Equal(row.PublicKey, incoming.PublicKey)
	onionDiffers := incoming.Onion != "" && row.Onion != incoming.Onion

	if !keyDiffers && !onionDiffers {
		return row, UpsertResult{Outcome: OutcomeNoChange}
	}

	if row.TrustLevel != models.TrustVerified {
		// TOFU refresh: unverified rows track the latest observation.
		if keyDiffers {
			row.PublicKey = append([]byte(nil), incoming.PublicKey...)
		}
		if onionDiffers {
			row.Onion = incoming.Onion
		}
		row.PendingOnion = ""
		row.PendingPublicKey = nil
		row.ChangeState = models.ChangeNone
		return row, UpsertResult{Outcome: OutcomeUpdatedUnverified}
	}

	// Verified rows never lose their pinned fields here; divergence parks
	// in the pending slots until the user decides.
	if keyDiffers {
		row.PendingPublicKey = append([]byte(nil), incoming.PublicKey...)
	}
	if onionDiffers {
		row.PendingOnion = incoming.Onion
	}
	row.ChangeState = ComposeChange(
		keyDiffers || len(row.PendingPublicKey) > 0,
		onionDiffers || row.PendingOnion != "",
	)
	return row, UpsertResult{
		Outcome:      OutcomePendingApproval,
		KeyChanged:   keyDiffers,
		OnionChanged: onionDiffers,
	}
}

// ApplyOnionUpdate handles an authenticated addr_update for the sender's
// row: TOFU for unverified contacts, pending capture for verified ones.
// Any parked key change survives via change-state composition.
func ApplyOnionUpdate(existing models.Contact, newOnion string) (models.Contact, bool) {
	row := existing
	if row.Onion == newOnion {
		return row, false
	}
	if row.TrustLevel != models.TrustVerified {
		row.Onion = newOnion
		row.PendingOnion = ""
		row.ChangeState = ComposeChange(len(row.PendingPublicKey) > 0, false)
		return row, true
	}
	row.PendingOnion = newOnion
	row.ChangeState = ComposeChange(len(row.PendingPublicKey) > 0, true)
	return row, true
}

// ApprovePending promotes pending fields into the pinned slots. Trust level
// is preserved.
func ApprovePending(existing models.Contact) models.Contact {
	row := existing
	if len(row.PendingPublicKey) > 0 {
		row.PublicKey = row.PendingPublicKey
	}
	if row.PendingOnion != "" {
		row.Onion = row.PendingOnion
	}
	row.PendingPublicKey = nil
	row.PendingOnion = ""
	row.ChangeState = models.ChangeNone
	return row
}

// RejectPending discards pending fields, leaving the pinned slots intact.
func RejectPending(existing models.Contact) models.Contact {
	row := existing
	row.PendingPublicKey = nil
	row.PendingOnion = ""
	row.ChangeState = models.ChangeNone
	return row
}

// ComposeChange folds the two divergence axes into one change state.
func ComposeChange(keyPending, onionPending bool) models.ChangeState {
	switch {
	case keyPending && onionPending:
		return models.ChangeBoth
	case keyPending:
		return models.ChangeKey
	case onionPending:
		return models.ChangeOnion
	default:
		return models.ChangeNone
	}
}
