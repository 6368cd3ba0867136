package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"enclave-chat/go-node/internal/tor"
)

// runtimeSnapshot is the debug state file: {v:1,state,onion?,localPort?,
// socksHost?,socksPort?,errorCode?,errorDetail?,ts}.
type runtimeSnapshot struct {
	V           int    `json:"v"`
	State       string `json:"state"`
	Onion       string `json:"onion,omitempty"`
	LocalPort   int    `json:"localPort,omitempty"`
	SocksHost   string `json:"socksHost,omitempty"`
	SocksPort   int    `json:"socksPort,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorDetail string `json:"errorDetail,omitempty"`
	TS          int64  `json:"ts"`
}

// Snapshot renders the current runtime state for the debug surface.
func (s *Supervisor) Snapshot() any {
	return s.snapshotOf(s.orch.Hub().Current())
}

func (s *Supervisor) snapshotOf(state tor.State) runtimeSnapshot {
	return runtimeSnapshot{
		V:           1,
		State:       string(state.Kind),
		Onion:       state.Onion,
		LocalPort:   s.ingress.Port(),
		SocksHost:   state.SocksHost,
		SocksPort:   state.SocksPort,
		ErrorCode:   string(state.ErrCode),
		ErrorDetail: state.ErrDetail,
		TS:          time.Now().UnixMilli(),
	}
}

// RunSnapshotWriter mirrors every state transition into runtime.json. Debug
// builds only; the file is advisory and never read back by the node.
func (s *Supervisor) RunSnapshotWriter(ctx context.Context, path string) {
	current, updates, cancel := s.orch.Hub().Subscribe()
	defer cancel()
	s.writeSnapshot(path, current)
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			s.writeSnapshot(path, state)
		}
	}
}

func (s *Supervisor) writeSnapshot(path string, state tor.State) {
	data, err := json.Marshal(s.snapshotOf(state))
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o600)
}
