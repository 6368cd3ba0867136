// Package supervisor drives the node's reachability: the ordered boot
// sequence, the watchdog that rebuilds it after a loss, and the background
// workers (invite GC, outbound retry). A boot generation counter makes
// stale boot attempts abort instead of fighting the active one.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"enclave-chat/go-node/internal/identity"
	"enclave-chat/go-node/internal/ingress"
	"enclave-chat/go-node/internal/invite"
	"enclave-chat/go-node/internal/metrics"
	"enclave-chat/go-node/internal/outbound"
	"enclave-chat/go-node/internal/tor"
)

const (
	bootstrapWait    = 180 * time.Second
	watchdogBase     = 2 * time.Second
	watchdogCap      = 30 * time.Second
	retryInterval    = 30 * time.Second
	socksHTTPTimeout = 2 * time.Minute
	loopbackTimeout  = 15 * time.Second
)

// ErrStaleBoot aborts a boot that lost the generation race.
var ErrStaleBoot = errors.New("boot superseded by a newer generation")

// Config tunes the supervisor.
type Config struct {
	// VirtualPort is the hidden service's public port.
	VirtualPort int
}

// Supervisor owns the boot lifecycle.
type Supervisor struct {
	cfg     Config
	vault   *identity.Vault
	orch    *tor.Orchestrator
	ingress *ingress.Server
	sender  *outbound.Sender
	invites *invite.Manager
	metrics *metrics.Metrics
	log     *slog.Logger

	bootID atomic.Int64
}

func New(cfg Config, vault *identity.Vault, orch *tor.Orchestrator, ing *ingress.Server, sender *outbound.Sender, invites *invite.Manager, m *metrics.Metrics, log *slog.Logger) *Supervisor {
	if cfg.VirtualPort <= 0 {
		cfg.VirtualPort = 80
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		vault:   vault,
		orch:    orch,
		ingress: ing,
		sender:  sender,
		invites: invites,
		metrics: m,
		log:     log,
	}
}

// Run boots the node and keeps it booted until ctx is done. Background
// workers run for the whole lifetime.
func (s *Supervisor) Run(ctx context.Context) error {
	go s.invites.RunGC(ctx)
	go s.sender.RunRetryLoop(ctx, retryInterval)

	backoff := watchdogBase
	for {
		id := s.bootID.Add(1)
		err := s.boot(ctx, id)
		switch {
		case err == nil:
			backoff = watchdogBase
			if !s.awaitLoss(ctx) {
				s.teardown()
				return ctx.Err()
			}
			s.log.Warn("readiness lost; watchdog rebooting")
			continue
		case errors.Is(err, ctx.Err()) && ctx.Err() != nil:
			s.teardown()
			return ctx.Err()
		case errors.Is(err, tor.ErrPublishTimeoutReset):
			// The orchestrator wiped its state; go straight into the one
			// retry it bought us.
			s.log.Warn("transport state reset after publish timeout; rebooting")
			continue
		case errors.Is(err, ErrStaleBoot):
			continue
		}

		s.log.Error("boot failed", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > watchdogCap {
			backoff = watchdogCap
		}
	}
}

// boot is the single ordered sequence for all reachability.
func (s *Supervisor) boot(ctx context.Context, id int64) error {
	s.log.Info("boot starting", "generation", id)

	// ensure_identity
	self, err := s.vault.EnsureIdentity()
	if err != nil {
		return err
	}
	if err := s.stillActive(ctx, id); err != nil {
		return err
	}

	// detach_sender: no sends against a half-built transport.
	s.sender.DetachSocksClient()

	// start_or_reset_transport
	s.orch.Stop()
	if err := s.orch.Start(ctx); err != nil {
		return err
	}
	if err := s.stillActive(ctx, id); err != nil {
		return err
	}

	// await_bootstrap
	bootstrapCtx, cancel := context.WithTimeout(ctx, bootstrapWait)
	err = s.orch.AwaitReady(bootstrapCtx)
	cancel()
	if err != nil {
		return err
	}
	socksHost, socksPort, ok := s.orch.SocksEndpoint()
	if !ok {
		return errors.New("socks endpoint missing after bootstrap")
	}
	if err := s.stillActive(ctx, id); err != nil {
		return err
	}

	// start_local_ingress
	s.ingress.Stop()
	if err := s.ingress.Start(ctx); err != nil {
		return err
	}
	if err := s.stillActive(ctx, id); err != nil {
		s.ingress.Stop()
		return err
	}

	// ensure_hidden_service
	onion, err := s.orch.EnsureHiddenService(ctx, s.ingress.Port(), s.cfg.VirtualPort)
	if err != nil {
		s.ingress.Stop()
		return err
	}

	// bind_onion_to_identity
	if _, err := s.vault.BindOnion(onion); err != nil {
		s.ingress.Stop()
		return err
	}

	// attach_socks_client_to_sender
	socksClient, err := tor.NewSocksHTTPClient(socksHost, socksPort, socksHTTPTimeout)
	if err != nil {
		s.ingress.Stop()
		return err
	}
	s.sender.AttachSocksClient(socksClient)
	s.sender.AttachLoopback(s.ingress.BaseURL(), &http.Client{Timeout: loopbackTimeout})

	if err := s.stillActive(ctx, id); err != nil {
		s.ingress.Stop()
		return err
	}

	// emit READY
	s.orch.MarkReady()
	if s.metrics != nil {
		s.metrics.TransportState.Set(5)
	}
	s.log.Info("boot complete", "generation", id, "onion", onion, "fingerprint", self.Fingerprint)
	return nil
}

// awaitLoss blocks until readiness is lost (true) or ctx ends (false).
func (s *Supervisor) awaitLoss(ctx context.Context) bool {
	current, updates, cancel := s.orch.Hub().Subscribe()
	defer cancel()
	if lost(current) {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case state, ok := <-updates:
			if !ok {
				// Dropped as a slow subscriber; resubscribe via recursion.
				return s.awaitLoss(ctx)
			}
			if s.metrics != nil {
				s.metrics.TransportState.Set(stateOrdinal(state))
			}
			if lost(state) {
				return true
			}
		}
	}
}

func (s *Supervisor) stillActive(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.bootID.Load() != id {
		return ErrStaleBoot
	}
	return nil
}

func (s *Supervisor) teardown() {
	s.sender.DetachSocksClient()
	s.ingress.Stop()
	s.orch.Stop()
}

func lost(state tor.State) bool {
	switch state.Kind {
	case tor.StateError, tor.StateStopped:
		return true
	default:
		return false
	}
}

func stateOrdinal(state tor.State) float64 {
	switch state.Kind {
	case tor.StateStopped:
		return 0
	case tor.StateStarting:
		return 1
	case tor.StateBootstrapping:
		return 2
	case tor.StateTransportReady:
		return 3
	case tor.StateHiddenServicePublishing:
		return 4
	case tor.StateReady:
		return 5
	default:
		return -1
	}
}
