// Package tor wraps the external anonymizing-network runtime: control
// channel, bootstrap tracking, hidden-service publication, and the SOCKS
// endpoint used for outbound delivery. The runtime process itself is
// managed outside; this package speaks its control protocol.
package tor

import (
	"sync"
)

// StateKind tags the orchestrator's observable state.
type StateKind string

const (
	StateStopped                 StateKind = "stopped"
	StateStarting                StateKind = "starting"
	StateBootstrapping           StateKind = "bootstrapping"
	StateTransportReady          StateKind = "transport_ready"
	StateHiddenServicePublishing StateKind = "hidden_service_publishing"
	StateReady                   StateKind = "ready"
	StateError                   StateKind = "error"
)

// ErrorCode classifies orchestrator failures.
type ErrorCode string

const (
	ErrCodeBootstrapTimeout   ErrorCode = "bootstrap_timeout"
	ErrCodeHSPublishTimeout   ErrorCode = "hidden_service_publish_timeout"
	ErrCodeControlUnavailable ErrorCode = "control_unavailable"
	ErrCodeIo                 ErrorCode = "io"
	ErrCodeUnknown            ErrorCode = "unknown"
)

// State is one published snapshot. Field relevance follows Kind: progress
// fields for Bootstrapping, socks fields from TransportReady on, onion from
// HiddenServicePublishing on, error fields for Error.
type State struct {
	Kind StateKind

	Progress int
	Tag      string
	Summary  string

	SocksHost string
	SocksPort int

	Onion string

	ErrCode     ErrorCode
	ErrDetail   string
	Recoverable bool
	OnionHint   string
}

// Hub publishes state snapshots to subscribers. Slow subscribers are
// dropped rather than allowed to stall the publisher.
type Hub struct {
	mu      sync.Mutex
	current State
	subs    map[int]chan State
	nextSub int
}

func NewHub() *Hub {
	return &Hub{
		current: State{Kind: StateStopped},
		subs:    make(map[int]chan State),
	}
}

// Publish replaces the current state and fans it out.
func (h *Hub) Publish(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = s
	for id, ch := range h.subs {
		select {
		case ch <- s:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

// Current returns the latest snapshot.
func (h *Hub) Current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Subscribe returns the current snapshot, a stream of updates, and a cancel
// function.
func (h *Hub) Subscribe() (State, <-chan State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	ch := make(chan State, 16)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return h.current, ch, cancel
}
