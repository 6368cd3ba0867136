package storage

import (
	"sync"

	"enclave-chat/go-node/internal/securestore"
	"enclave-chat/go-node/pkg/models"
)

const identitiesTable = "identities"

type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]models.Identity
	path       string
	passphrase string
}

func NewIdentityStore(path, passphrase string) (*IdentityStore, error) {
	s := &IdentityStore{
		identities: make(map[string]models.Identity),
		path:       path,
		passphrase: passphrase,
	}
	if s.path != "" {
		var snapshot map[string]models.Identity
		ok, err := securestore.ReadSealedJSON(s.path, s.passphrase, identitiesTable, &snapshot)
		if err != nil {
			return nil, err
		}
		if ok && snapshot != nil {
			s.identities = snapshot
		}
	}
	return s, nil
}

// ActiveIdentity returns the single active identity if one exists.
func (s *IdentityStore) ActiveIdentity() (models.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identities {
		if id.Active {
			return id, true, nil
		}
	}
	return models.Identity{}, false, nil
}

// SaveIdentity upserts the row and deactivates any other identity so at
// most one row stays active.
func (s *IdentityStore) SaveIdentity(id models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.Identity, len(s.identities)+1)
	for fp, row := range s.identities {
		if id.Active && fp != id.Fingerprint {
			row.Active = false
		}
		next[fp] = row
	}
	next[id.Fingerprint] = id
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.identities = next
	return nil
}

func (s *IdentityStore) persistLocked(identities map[string]models.Identity) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSealedJSON(s.path, s.passphrase, identitiesTable, identities)
}
