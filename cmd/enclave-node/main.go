package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"enclave-chat/go-node/internal/config"
	"enclave-chat/go-node/internal/crypto"
	"enclave-chat/go-node/internal/identity"
	"enclave-chat/go-node/internal/inbound"
	"enclave-chat/go-node/internal/ingress"
	"enclave-chat/go-node/internal/invite"
	"enclave-chat/go-node/internal/metrics"
	"enclave-chat/go-node/internal/outbound"
	"enclave-chat/go-node/internal/platform/privacylog"
	"enclave-chat/go-node/internal/platform/ratelimiter"
	"enclave-chat/go-node/internal/replay"
	"enclave-chat/go-node/internal/storage"
	"enclave-chat/go-node/internal/supervisor"
	"enclave-chat/go-node/internal/tor"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to node.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (optional)")
	pin := flag.String("pin", "", "Store PIN when PIN protection is enabled")
	flag.Parse()
	if *showVersion {
		fmt.Printf("enclave-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logger := slog.New(privacylog.Wrap(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	node, err := buildNode(cfg, *pin, logger)
	if err != nil {
		log.Fatalf("enclave-node failed to initialize: %v", err)
	}

	if cfg.Debug.Enabled {
		go node.RunSnapshotWriter(ctx, filepath.Join(cfg.DataDir, "runtime.json"))
	}

	logger.Info("enclave-node starting", "version", version)
	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("enclave-node failed: %v", err)
	}
	logger.Info("enclave-node stopped")
}

func buildNode(cfg config.Config, pin string, logger *slog.Logger) (*supervisor.Supervisor, error) {
	passphrase, err := storage.ResolveMasterPassphrase(cfg.DataDir, pin)
	if err != nil {
		return nil, err
	}
	bundle, err := storage.OpenBundle(cfg.DataDir, passphrase)
	if err != nil {
		return nil, err
	}

	vault := identity.NewVault(bundle.Identities, passphrase, cfg.DeviceName)
	codec := crypto.NewPGPCodec()
	m := metrics.New()
	hub := tor.NewHub()

	// The hidden-service key KEK is bound to the store master key but kept
	// distinct from it.
	kek := sha256.Sum256([]byte("hs-kek:" + passphrase))

	orch := tor.New(tor.Config{
		ControlAddr: cfg.Tor.ControlAddr,
		CookiePath:  cfg.Tor.CookiePath,
		SocksHost:   cfg.Tor.SocksHost,
		SocksPort:   cfg.Tor.SocksPort,
		DataDir:     cfg.DataDir,
		RuntimeDirs: cfg.Tor.RuntimeDirs,
		KEK:         kek[:],
	}, hub, prefHints{prefs: bundle.Prefs}, nil, logger)

	guard := replay.NewGuard()
	pipeline := inbound.New(inbound.Config{
		StrictVerified: cfg.StrictVerified(),
		DebugPlaintext: cfg.Debug.Enabled,
	}, vault, bundle.Contacts, bundle.Messages, guard, codec, m, logger)

	inviteMgr := invite.NewManager(bundle.Invites, vault, orch, m, logger)
	sender := outbound.New(outbound.Config{
		AllowDirectHTTP: cfg.Debug.Enabled,
	}, vault, bundle.Contacts, bundle.Messages, codec, m, logger)

	// The ingress debug surface reads the supervisor's snapshot; the
	// supervisor drives the ingress lifecycle. Break the cycle with a late
	// binding.
	var sup *supervisor.Supervisor
	snapshot := func() any {
		if sup == nil {
			return nil
		}
		return sup.Snapshot()
	}
	ing := ingress.New(ingress.Config{Debug: cfg.Debug.Enabled}, pipeline, inviteMgr, bundle.Contacts, vault, hub,
		ratelimiter.New(5, 20, 0), m, snapshot, logger)
	sup = supervisor.New(supervisor.Config{VirtualPort: cfg.VirtualPort}, vault, orch, ing, sender, inviteMgr, m, logger)
	return sup, nil
}

// prefHints persists the last published onion through the preference table.
type prefHints struct {
	prefs *storage.PrefStore
}

func (h prefHints) LastOnion() string {
	return h.prefs.Get(storage.PrefLastOnion)
}

func (h prefHints) SetLastOnion(onion string) error {
	return h.prefs.Set(storage.PrefLastOnion, onion)
}
