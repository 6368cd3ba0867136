package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	bootstrapPollInterval = 750 * time.Millisecond
	bootstrapBudget       = 120 * time.Second
	publishBudget         = 120 * time.Second
)

const (
	hsKeyFileName = "hidden_service_key.enc"
	onionSuffix   = ".onion"
)

var (
	// ErrPublishTimeout is a descriptor-upload timeout after the one-shot
	// auto reset was already spent since the last successful publish.
	ErrPublishTimeout = errors.New("hidden service descriptor upload timed out")
	// ErrPublishTimeoutReset is the first upload timeout since the last
	// successful publish; the runtime state was wiped and the caller should
	// restart the boot.
	ErrPublishTimeoutReset = errors.New("hidden service publish timed out; transport state was reset")
	// ErrBootstrapTimeout is the bootstrap budget running out.
	ErrBootstrapTimeout = errors.New("transport bootstrap timed out")
	// ErrNotStarted means an operation needs a live control channel.
	ErrNotStarted = errors.New("transport is not started")
)

// HintStore persists the last published onion for display across restarts.
// The hint is never treated as reachable.
type HintStore interface {
	LastOnion() string
	SetLastOnion(onion string) error
}

// Config wires the orchestrator to the external runtime.
type Config struct {
	ControlAddr string
	CookiePath  string
	SocksHost   string
	SocksPort   int

	// DataDir holds the sealed hidden-service key file.
	DataDir string
	// RuntimeDirs are wiped during a transport reset.
	RuntimeDirs []string
	// KEK is the 32-byte device key sealing the hidden-service key.
	KEK []byte
}

// Dialer opens a control connection.
type Dialer func(ctx context.Context) (Control, error)

// Orchestrator drives the runtime from Stopped to Ready and publishes every
// transition on its Hub.
type Orchestrator struct {
	cfg  Config
	hub  *Hub
	dial Dialer
	log  *slog.Logger

	mu            sync.Mutex
	control       Control
	transportUp   bool
	primaryOnion  string
	inviteID      string
	inviteOnion   string
	autoResetUsed bool
	waiters       map[string]chan struct{}
	recentUploads map[string]time.Time
	dispatchStop  chan struct{}
	hints         HintStore
}

// New builds an orchestrator. dial may be nil, which selects the production
// control client.
func New(cfg Config, hub *Hub, hints HintStore, dial Dialer, log *slog.Logger) *Orchestrator {
	if dial == nil {
		dial = func(ctx context.Context) (Control, error) {
			return DialControl(ctx, cfg.ControlAddr, cfg.CookiePath)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:           cfg,
		hub:           hub,
		dial:          dial,
		log:           log,
		waiters:       make(map[string]chan struct{}),
		recentUploads: make(map[string]time.Time),
		hints:         hints,
	}
}

// Hub exposes the state stream.
func (o *Orchestrator) Hub() *Hub {
	return o.hub
}

// Start opens the control channel. The publish auto-reset budget is NOT
// renewed here: it only renews on a successful publish, so a persistently
// failing descriptor upload wipes state once, not on every watchdog cycle.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.publish(State{Kind: StateStarting, OnionHint: o.onionHint()})

	control, err := o.dial(ctx)
	if err != nil {
		o.publishError(ErrCodeControlUnavailable, err.Error(), true)
		return fmt.Errorf("control dial: %w", err)
	}

	o.mu.Lock()
	o.control = control
	o.transportUp = false
	o.dispatchStop = make(chan struct{})
	stop := o.dispatchStop
	o.mu.Unlock()

	go o.dispatchUploads(control, stop)
	return nil
}

// Stop tears the control channel down and reports Stopped.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	control := o.control
	o.control = nil
	o.transportUp = false
	o.inviteID = ""
	o.inviteOnion = ""
	if o.dispatchStop != nil {
		close(o.dispatchStop)
		o.dispatchStop = nil
	}
	o.mu.Unlock()

	if control != nil {
		_ = control.Close()
	}
	o.publish(State{Kind: StateStopped, OnionHint: o.onionHint()})
}

// Reconnect cycles the control channel.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	o.Stop()
	return o.Start(ctx)
}

// StopService retires both hidden services and the control channel, for a
// user-requested full transport shutdown.
func (o *Orchestrator) StopService() {
	o.DropInviteHiddenService()
	o.Stop()
}

// AwaitReady polls bootstrap progress until the runtime reports done, then
// publishes TransportReady.
func (o *Orchestrator) AwaitReady(ctx context.Context) error {
	control, err := o.requireControl()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(bootstrapBudget)
	ticker := time.NewTicker(bootstrapPollInterval)
	defer ticker.Stop()

	for {
		progress, tag, summary, err := control.BootstrapPhase()
		if err != nil {
			o.publishError(ErrCodeControlUnavailable, err.Error(), true)
			return fmt.Errorf("bootstrap poll: %w", err)
		}
		if progress >= 100 && tag == "done" {
			o.mu.Lock()
			o.transportUp = true
			o.mu.Unlock()
			o.publish(State{
				Kind:      StateTransportReady,
				SocksHost: o.cfg.SocksHost,
				SocksPort: o.cfg.SocksPort,
				OnionHint: o.onionHint(),
			})
			return nil
		}
		o.publish(State{
			Kind:      StateBootstrapping,
			Progress:  progress,
			Tag:       tag,
			Summary:   summary,
			OnionHint: o.onionHint(),
		})
		if time.Now().After(deadline) {
			o.publishError(ErrCodeBootstrapTimeout, "bootstrap did not reach 100%", true)
			return ErrBootstrapTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// EnsureHiddenService publishes the primary hidden service, reusing the
// persisted key when one exists. It blocks until the descriptor upload is
// confirmed or the publish budget runs out. The first timeout since the last
// successful publish wipes the runtime state and asks the caller to restart.
func (o *Orchestrator) EnsureHiddenService(ctx context.Context, localPort, virtualPort int) (string, error) {
	control, err := o.requireControl()
	if err != nil {
		return "", err
	}

	keySpec := "NEW:ED25519-V3"
	persisted, err := o.loadHSKey()
	if err != nil {
		o.log.Warn("sealed hidden service key unreadable; generating fresh", "error", err)
	} else if persisted != "" {
		keySpec = "ED25519-V3:" + persisted
	}

	serviceID, privateKey, err := control.AddOnion(keySpec, virtualPort, localPort, false)
	if err != nil {
		o.publishError(ErrCodeControlUnavailable, err.Error(), true)
		return "", fmt.Errorf("add onion: %w", err)
	}
	if privateKey != "" {
		if err := o.storeHSKey(privateKey); err != nil {
			return "", fmt.Errorf("persist hidden service key: %w", err)
		}
	}
	onion := serviceID + onionSuffix
	o.publish(State{Kind: StateHiddenServicePublishing, Onion: onion, OnionHint: o.onionHint()})

	if err := o.awaitUpload(ctx, serviceID, publishBudget); err != nil {
		o.publishError(ErrCodeHSPublishTimeout, "descriptor upload not confirmed", true)
		return "", o.handlePublishTimeout()
	}

	o.mu.Lock()
	o.primaryOnion = onion
	o.autoResetUsed = false
	o.mu.Unlock()
	if o.hints != nil {
		if err := o.hints.SetLastOnion(onion); err != nil {
			o.log.Warn("persist onion hint", "error", err)
		}
	}
	return onion, nil
}

// EnsureInviteHiddenService publishes the ephemeral invite service. The key
// never touches disk; repeated calls return the memoized address.
func (o *Orchestrator) EnsureInviteHiddenService(ctx context.Context, localPort, virtualPort int) (string, error) {
	o.mu.Lock()
	if o.inviteOnion != "" {
		onion := o.inviteOnion
		o.mu.Unlock()
		return onion, nil
	}
	o.mu.Unlock()

	control, err := o.requireControl()
	if err != nil {
		return "", err
	}
	serviceID, _, err := control.AddOnion("NEW:ED25519-V3", virtualPort, localPort, true)
	if err != nil {
		return "", fmt.Errorf("add invite onion: %w", err)
	}
	if err := o.awaitUpload(ctx, serviceID, publishBudget); err != nil {
		_ = control.DelOnion(serviceID)
		return "", ErrPublishTimeout
	}

	onion := serviceID + onionSuffix
	o.mu.Lock()
	o.inviteID = serviceID
	o.inviteOnion = onion
	o.mu.Unlock()
	return onion, nil
}

// DropInviteHiddenService removes the ephemeral service, best effort.
func (o *Orchestrator) DropInviteHiddenService() {
	o.mu.Lock()
	id := o.inviteID
	control := o.control
	o.inviteID = ""
	o.inviteOnion = ""
	o.mu.Unlock()

	if id != "" && control != nil {
		if err := control.DelOnion(id); err != nil {
			o.log.Debug("drop invite onion", "error", err)
		}
	}
}

// MarkReady publishes the terminal Ready state.
func (o *Orchestrator) MarkReady() {
	o.mu.Lock()
	onion := o.primaryOnion
	o.mu.Unlock()
	o.publish(State{
		Kind:      StateReady,
		Onion:     onion,
		SocksHost: o.cfg.SocksHost,
		SocksPort: o.cfg.SocksPort,
		OnionHint: onion,
	})
}

// SocksEndpoint reports the SOCKS address once the transport bootstrapped.
func (o *Orchestrator) SocksEndpoint() (host string, port int, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.transportUp {
		return "", 0, false
	}
	return o.cfg.SocksHost, o.cfg.SocksPort, true
}

// ResetTransportOnly wipes the hidden-service key, runtime directories and
// the onion hint, then reports Stopped.
func (o *Orchestrator) ResetTransportOnly() {
	o.Stop()
	o.wipeRuntimeState()
	if o.hints != nil {
		_ = o.hints.SetLastOnion("")
	}
	o.publish(State{Kind: StateStopped})
}

func (o *Orchestrator) handlePublishTimeout() error {
	o.mu.Lock()
	alreadyUsed := o.autoResetUsed
	o.autoResetUsed = true
	o.mu.Unlock()
	if alreadyUsed {
		return ErrPublishTimeout
	}
	o.log.Warn("descriptor upload timed out; wiping transport state once")
	o.wipeRuntimeState()
	return ErrPublishTimeoutReset
}

func (o *Orchestrator) wipeRuntimeState() {
	if err := os.Remove(o.hsKeyPath()); err != nil && !os.IsNotExist(err) {
		o.log.Warn("remove hidden service key", "error", err)
	}
	for _, dir := range o.cfg.RuntimeDirs {
		if err := os.RemoveAll(dir); err != nil {
			o.log.Warn("remove runtime dir", "error", err)
		}
	}
}

// awaitUpload blocks until the dispatcher confirms the service's descriptor
// upload. An upload that raced ahead of registration is served from the
// recent-uploads buffer.
func (o *Orchestrator) awaitUpload(ctx context.Context, serviceID string, budget time.Duration) error {
	ch := make(chan struct{}, 1)
	o.mu.Lock()
	if at, ok := o.recentUploads[serviceID]; ok && time.Since(at) < budget {
		delete(o.recentUploads, serviceID)
		o.mu.Unlock()
		return nil
	}
	o.waiters[serviceID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, serviceID)
		o.mu.Unlock()
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchUploads completes waiters by service-id match. The dispatcher of a
// previous boot exits when its stop channel closes.
func (o *Orchestrator) dispatchUploads(control Control, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case serviceID, ok := <-control.HSDescUploaded():
			if !ok {
				return
			}
			o.mu.Lock()
			waiter := o.waiters[serviceID]
			if waiter == nil {
				o.recentUploads[serviceID] = time.Now()
				for id, at := range o.recentUploads {
					if time.Since(at) > publishBudget {
						delete(o.recentUploads, id)
					}
				}
			}
			o.mu.Unlock()
			if waiter != nil {
				select {
				case waiter <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (o *Orchestrator) requireControl() (Control, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.control == nil {
		return nil, ErrNotStarted
	}
	return o.control, nil
}

func (o *Orchestrator) loadHSKey() (string, error) {
	raw, err := os.ReadFile(o.hsKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return OpenHSKey(o.cfg.KEK, string(raw))
}

func (o *Orchestrator) storeHSKey(keyMaterial string) error {
	// ADD_ONION replies carry the algorithm prefix; strip it so the sealed
	// file holds bare key material.
	material := keyMaterial
	if v, ok := cutAlgoPrefix(material); ok {
		material = v
	}
	sealed, err := SealHSKey(o.cfg.KEK, material)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.hsKeyPath()), 0o700); err != nil {
		return err
	}
	return os.WriteFile(o.hsKeyPath(), []byte(sealed), 0o600)
}

func (o *Orchestrator) hsKeyPath() string {
	return filepath.Join(o.cfg.DataDir, hsKeyFileName)
}

func (o *Orchestrator) onionHint() string {
	o.mu.Lock()
	if o.primaryOnion != "" {
		onion := o.primaryOnion
		o.mu.Unlock()
		return onion
	}
	o.mu.Unlock()
	if o.hints != nil {
		return o.hints.LastOnion()
	}
	return ""
}

func (o *Orchestrator) publish(s State) {
	o.hub.Publish(s)
}

func (o *Orchestrator) publishError(code ErrorCode, detail string, recoverable bool) {
	o.hub.Publish(State{
		Kind:        StateError,
		ErrCode:     code,
		ErrDetail:   detail,
		Recoverable: recoverable,
		OnionHint:   o.onionHint(),
	})
}

func cutAlgoPrefix(material string) (string, bool) {
	const prefix = "ED25519-V3:"
	if len(material) > len(prefix) && material[:len(prefix)] == prefix {
		return material[len(prefix):], true
	}
	return material, false
}
