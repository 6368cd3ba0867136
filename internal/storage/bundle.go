package storage

import (
	"path/filepath"
	"sync"

	"enclave-chat/go-node/internal/securestore"
)

const prefsTable = "prefs"

// Preference keys shared across components.
const (
	PrefKeepTransportInBackground = "keep_transport_in_background"
	PrefLastOnion                 = "last_onion"
)

// Bundle groups the four sealed tables plus the preference map under one
// data directory and passphrase.
type Bundle struct {
	Identities *IdentityStore
	Contacts   *ContactStore
	Messages   *MessageStore
	Invites    *InviteStore
	Prefs      *PrefStore
}

// OpenBundle opens every table file under dataDir.
func OpenBundle(dataDir, passphrase string) (Bundle, error) {
	identities, err := NewIdentityStore(filepath.Join(dataDir, "identities.enc"), passphrase)
	if err != nil {
		return Bundle{}, err
	}
	contacts, err := NewContactStore(filepath.Join(dataDir, "contacts.enc"), passphrase)
	if err != nil {
		return Bundle{}, err
	}
	messages, err := NewMessageStore(filepath.Join(dataDir, "messages.enc"), passphrase)
	if err != nil {
		return Bundle{}, err
	}
	invites, err := NewInviteStore(filepath.Join(dataDir, "invites.enc"), passphrase)
	if err != nil {
		return Bundle{}, err
	}
	prefs, err := NewPrefStore(filepath.Join(dataDir, "prefs.enc"), passphrase)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		Identities: identities,
		Contacts:   contacts,
		Messages:   messages,
		Invites:    invites,
		Prefs:      prefs,
	}, nil
}

// PrefStore is a small sealed string map for node preferences.
type PrefStore struct {
	mu         sync.RWMutex
	values     map[string]string
	path       string
	passphrase string
}

func NewPrefStore(path, passphrase string) (*PrefStore, error) {
	s := &PrefStore{
		values:     make(map[string]string),
		path:       path,
		passphrase: passphrase,
	}
	if s.path != "" {
		var snapshot map[string]string
		ok, err := securestore.ReadSealedJSON(s.path, s.passphrase, prefsTable, &snapshot)
		if err != nil {
			return nil, err
		}
		if ok && snapshot != nil {
			s.values = snapshot
		}
	}
	return s, nil
}

func (s *PrefStore) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *PrefStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	if value == "" {
		delete(next, key)
	} else {
		next[key] = value
	}
	if s.path != "" {
		if err := securestore.WriteSealedJSON(s.path, s.passphrase, prefsTable, next); err != nil {
			return err
		}
	}
	s.values = next
	return nil
}
