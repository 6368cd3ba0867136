// Package storage is the sealed persistent store: one encrypted snapshot
// file per table (identities, contacts, messages, invites), mutex-guarded
// in-memory maps, and clone-before-mutate persistence so readers never see
// a half-applied transaction.
package storage

import (
	"errors"
	"sync"
	"time"

	"enclave-chat/go-node/internal/securestore"
	"enclave-chat/go-node/internal/trust"
	"enclave-chat/go-node/pkg/models"
)

const contactsTable = "contacts"

var ErrContactNotFound = errors.New("contact not found")

type ContactStore struct {
	mu         sync.RWMutex
	contacts   map[string]models.Contact
	path       string
	passphrase string
	now        func() time.Time
}

func NewContactStore(path, passphrase string) (*ContactStore, error) {
	s := &ContactStore{
		contacts:   make(map[string]models.Contact),
		path:       path,
		passphrase: passphrase,
		now:        time.Now,
	}
	if s.path != "" {
		var snapshot map[string]models.Contact
		ok, err := securestore.ReadSealedJSON(s.path, s.passphrase, contactsTable, &snapshot)
		if err != nil {
			return nil, err
		}
		if ok && snapshot != nil {
			s.contacts = snapshot
		}
	}
	return s, nil
}

// UpsertMergeSafe runs the TOFU/pending merge as one transaction: decision
// and persistence happen under the same lock.
func (s *ContactStore) UpsertMergeSafe(incoming models.ContactDraft) (trust.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *models.Contact
	if row, ok := s.contacts[incoming.Fingerprint]; ok {
		existing = &row
	}
	row, result := trust.Merge(existing, incoming, s.now())
	if result.Outcome == trust.OutcomeNoChange {
		return result, nil
	}
	if err := s.replaceLocked(row); err != nil {
		return trust.UpsertResult{}, err
	}
	return result, nil
}

// ApplyInboundOnionUpdate applies an authenticated addr_update for a known
// sender. Unknown senders are an error; the pipeline checks the allowlist
// before decryption.
func (s *ContactStore) ApplyInboundOnionUpdate(fingerprint, newOnion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contacts[fingerprint]
	if !ok {
		return ErrContactNotFound
	}
	row, changed := trust.ApplyOnionUpdate(existing, newOnion)
	if !changed {
		return nil
	}
	return s.replaceLocked(row)
}

func (s *ContactStore) ApprovePending(fingerprint string) error {
	return s.mutate(fingerprint, trust.ApprovePending)
}

func (s *ContactStore) RejectPending(fingerprint string) error {
	return s.mutate(fingerprint, trust.RejectPending)
}

func (s *ContactStore) MarkVerified(fingerprint string) error {
	return s.mutate(fingerprint, func(c models.Contact) models.Contact {
		c.TrustLevel = models.TrustVerified
		return c
	})
}

func (s *ContactStore) MarkUnverified(fingerprint string) error {
	return s.mutate(fingerprint, func(c models.Contact) models.Contact {
		c.TrustLevel = models.TrustUnverified
		return c
	})
}

// SetDisplayName updates the local-only label.
func (s *ContactStore) SetDisplayName(fingerprint, name string) error {
	return s.mutate(fingerprint, func(c models.Contact) models.Contact {
		c.DisplayName = name
		return c
	})
}

func (s *ContactStore) Get(fingerprint string) (models.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.contacts[fingerprint]
	return row, ok
}

func (s *ContactStore) List() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, 0, len(s.contacts))
	for _, row := range s.contacts {
		out = append(out, row)
	}
	return out
}

func (s *ContactStore) Delete(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[fingerprint]; !ok {
		return ErrContactNotFound
	}
	next := cloneContacts(s.contacts)
	delete(next, fingerprint)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.contacts = next
	return nil
}

func (s *ContactStore) mutate(fingerprint string, fn func(models.Contact) models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.contacts[fingerprint]
	if !ok {
		return ErrContactNotFound
	}
	return s.replaceLocked(fn(existing))
}

func (s *ContactStore) replaceLocked(row models.Contact) error {
	next := cloneContacts(s.contacts)
	next[row.Fingerprint] = row
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.contacts = next
	return nil
}

func (s *ContactStore) persistLocked(contacts map[string]models.Contact) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSealedJSON(s.path, s.passphrase, contactsTable, contacts)
}

func cloneContacts(in map[string]models.Contact) map[string]models.Contact {
	out := make(map[string]models.Contact, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
