package storage

import (
	"errors"
	"sort"
	"sync"

	"enclave-chat/go-node/internal/securestore"
	"enclave-chat/go-node/pkg/models"
)

const messagesTable = "messages"

var ErrMessageNotFound = errors.New("message not found")

type MessageStore struct {
	mu         sync.RWMutex
	messages   map[string]models.Message
	path       string
	passphrase string
}

func NewMessageStore(path, passphrase string) (*MessageStore, error) {
	s := &MessageStore{
		messages:   make(map[string]models.Message),
		path:       path,
		passphrase: passphrase,
	}
	if s.path != "" {
		var snapshot map[string]models.Message
		ok, err := securestore.ReadSealedJSON(s.path, s.passphrase, messagesTable, &snapshot)
		if err != nil {
			return nil, err
		}
		if ok && snapshot != nil {
			s.messages = snapshot
		}
	}
	return s, nil
}

// Insert stores a row keyed by its id. Re-inserting an existing id is a
// no-op reporting inserted=false; envelope redelivery never duplicates rows.
func (s *MessageStore) Insert(msg models.Message) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return false, nil
	}
	next := cloneMessages(s.messages)
	next[msg.ID] = msg
	if err := s.persistLocked(next); err != nil {
		return false, err
	}
	s.messages = next
	return true, nil
}

func (s *MessageStore) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	return msg, ok
}

// SetStatus transitions a row's delivery state and error bookkeeping.
func (s *MessageStore) SetStatus(id string, status models.MessageStatus, lastError string) error {
	return s.mutate(id, func(m models.Message) models.Message {
		m.Status = status
		m.LastError = lastError
		return m
	})
}

// RecordAttempt bumps the attempt counter and schedules the next retry.
func (s *MessageStore) RecordAttempt(id string, lastError string, nextRetryAtMs int64) error {
	return s.mutate(id, func(m models.Message) models.Message {
		m.Attempts++
		m.LastError = lastError
		m.NextRetryAtMs = nextRetryAtMs
		return m
	})
}

// ListConversation returns the peer's messages newest-first by the later of
// receipt and creation time.
func (s *MessageStore) ListConversation(convID string, limit int) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ConvID == convID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderKey() != out[j].OrderKey() {
			return out[i].OrderKey() > out[j].OrderKey()
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// DueRetries returns Queued rows whose retry time has arrived.
func (s *MessageStore) DueRetries(nowMs int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.Direction == models.DirectionOut && msg.Status == models.StatusQueued && msg.NextRetryAtMs <= nowMs {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAtMs < out[j].NextRetryAtMs })
	return out
}

func (s *MessageStore) mutate(id string, fn func(models.Message) models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	next := cloneMessages(s.messages)
	next[id] = fn(msg)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.messages = next
	return nil
}

func (s *MessageStore) persistLocked(messages map[string]models.Message) error {
	if s.path == "" {
		return nil
	}
	return securestore.WriteSealedJSON(s.path, s.passphrase, messagesTable, messages)
}

func cloneMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
