package storage

import (
	"sync"

	"enclave-chat/go-node/internal/securestore"
	"enclave-chat/go-node/pkg/models"
)

const invitesTable = "invites"

type InviteStore struct {
	mu         sync.RWMutex
	invites    map[string]models.Invite
	path       string
	passphrase string
}

func NewInviteStore(path, passphrase string) (*InviteStore, error) {
	s := &InviteStore{
		invites:    make(map[string]models.Invite),
		path:       path,
		passphrase: passphrase,
	}
	if s.path != "" {
		var snapshot map[string]models.Invite
		ok, err := securestore.ReadSealedJSON(s.path, s.passphrase, invitesTable, &snapshot)
		if err != nil {
			return nil, err
		}
		if ok && snapshot != nil {
			s.invites = snapshot
		}
	}
	return s, nil
}

func (s *InviteStore) Insert(inv models.Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneInvites(s.invites)
	next[inv.Token] = inv
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.invites = next
	return nil
}

func (s *InviteStore) Get(token string) (models.Invite, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[token]
	return inv, ok
}

// MarkUsedIfValid is the at-most-once gate: it succeeds only if the invite
// exists, is unused, and is unexpired at now. Exactly one caller wins.
func (s *InviteStore) MarkUsedIfValid(token string, nowMs int64, consumerHint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[token]
	if !ok || !inv.Live(nowMs) {
		return false, nil
	}
	inv.UsedAtMs = nowMs
	inv.ConsumerHint = consumerHint
	next := cloneInvites(s.invites)
	next[token] = inv
	if err := s.persistLocked(next); err != nil {
		return false, err
	}
	s.invites = next
	return true, nil
}

// PurgeDead drops used and expired invites; returns how many remain live.
func (s *InviteStore) PurgeDead(nowMs int64) (live int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.Invite, len(s.invites))
	for token, inv := range s.invites {
		if inv.Live(nowMs) {
			next[token] = inv
		}
	}
	if len(next) == len(s.invites) {
		return len(next), nil
	}
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.invites = next
	return len(next), nil
}

// LiveCount reports how many invites are currently claimable.
func (s *InviteStore) LiveCount(nowMs int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := 0
	for _, inv := range s.invites {
		if inv.Live(nowMs) {
			live++
		}
	}
	return live
}

func (s *InviteStore) persistLocked(invites map[string]models.Invite) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSealedJSON(s.path, s.passphrase, invitesTable, invites)
}

func cloneInvites(in map[string]models.Invite) map[string]models.Invite {
	out := make(map[string]models.Invite, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
