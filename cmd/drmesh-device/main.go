// Command drmesh-device wires one device process end to end: a
// DelegateManager identity, a SessionManager orchestrator, and an
// in-memory transport/storage pair, following the shape of
// cmd/daemon/main.go in the teacher repo (flag parsing, a
// signal-cancelled context, fatal on init error). The real go-waku
// transport lives behind the "real_waku" build tag in
// internal/transport; this binary demonstrates the wiring against the
// mock relay, which is what the default build includes.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ardentmesh/internal/appkeys"
	"ardentmesh/internal/drconfig"
	"ardentmesh/internal/drlog"
	"ardentmesh/internal/sessionmanager"
	"ardentmesh/internal/storage"
	"ardentmesh/internal/transport"
	"ardentmesh/pkg/wireevent"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	ownerHex := flag.String("owner", "", "hex-encoded owner public key to join as a new device (omit to start a fresh owner identity)")
	discover := flag.Bool("discover", false, "join without a known owner; wait for any owner's AppKeys to authorize this device (mutually exclusive with --owner)")
	send := flag.String("send", "", "once active, send this text to the owner's devices and exit")
	flag.Parse()
	if *discover && *ownerHex != "" {
		log.Fatalf("drmesh-device: --discover and --owner are mutually exclusive")
	}
	if *showVersion {
		fmt.Printf("drmesh-device version=%s commit=%s\n", version, commit)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := drconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("drmesh-device: load config: %v", err)
	}

	logger := slog.New(drlog.Wrap(slog.NewTextHandler(os.Stderr, nil)))

	reg := prometheus.NewRegistry()
	relay := transport.NewMockRelayWithMetrics(transport.NewMetrics(reg))

	var store storage.Storage
	if cfg.StoragePath != "" {
		fileStore, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageSecret)
		if err != nil {
			log.Fatalf("drmesh-device: open storage: %v", err)
		}
		store = fileStore
	} else {
		store = storage.NewMemoryStore()
	}

	ownerPublic, delegate, appKeysMgr, err := bootstrapIdentity(ctx, *ownerHex, *discover, cfg.ActivationWait, relay, reg, logger)
	if err != nil {
		log.Fatalf("drmesh-device: bootstrap identity: %v", err)
	}

	manager := sessionmanager.New(sessionmanager.Deps{
		Relay:    relay,
		Storage:  store,
		Delegate: delegate,
		Config:   cfg,
		Metrics:  sessionmanager.NewMetrics(reg),
		Logger:   logger,
	})
	if err := manager.Init(ctx); err != nil {
		log.Fatalf("drmesh-device: init session manager: %v", err)
	}
	defer manager.Close()

	unsubscribe := manager.OnEvent(func(rumor wireevent.Rumor, owner []byte) {
		logger.Info("message received", "owner", hex.EncodeToString(owner), "kind", rumor.Kind, "content", rumor.Content)
	})
	defer unsubscribe()

	// A self-bootstrapped owner authorizes its own first device
	// immediately; publish that so the device activates without
	// waiting on a second process to add it.
	if appKeysMgr != nil {
		appKeysMgr.AddDevice(delegate.DeviceID, delegate.IdentityPublic, time.Now())
		if err := appKeysMgr.Publish(sessionmanager.AppKeysCanonicalID); err != nil {
			logger.Warn("publish initial app-keys failed", "err", err)
		}
	}

	logger.Info("drmesh-device started", "deviceId", delegate.DeviceID, "owner", hex.EncodeToString(ownerPublic))

	if *send != "" {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.ActivationWait)
		defer cancel()
		if err := delegate.WaitForActivation(waitCtx); err != nil {
			log.Fatalf("drmesh-device: device never activated: %v", err)
		}
		if _, err := manager.SendMessage(ctx, ownerPublic, wireevent.KindChatRumor, *send, nil); err != nil {
			log.Fatalf("drmesh-device: send message: %v", err)
		}
		logger.Info("message sent", "content", *send)
		return
	}

	<-ctx.Done()
	logger.Info("drmesh-device stopped")
}

// bootstrapIdentity resolves one of three ways a device process can
// start: joining an existing owner it already knows (ownerHex
// non-empty), discovering an owner it doesn't know yet by listening
// for any owner's AppKeys to authorize it (discover=true, spec.md
// §4.5's second activation mode), or minting a fresh owner identity
// for this, its first device — in which case it also returns the
// AppKeysManager the caller must use to self-authorize that first
// device, since nothing else will.
func bootstrapIdentity(ctx context.Context, ownerHex string, discover bool, activationWait time.Duration, relay transport.Relay, reg *prometheus.Registry, logger *slog.Logger) ([]byte, *appkeys.DelegateManager, *appkeys.AppKeysManager, error) {
	if ownerHex != "" {
		ownerPublic, err := hex.DecodeString(ownerHex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("decode --owner: %w", err)
		}
		delegate, err := appkeys.NewDelegateManager(ownerPublic, rand.Reader)
		if err != nil {
			return nil, nil, nil, err
		}
		return ownerPublic, delegate, nil, nil
	}

	if discover {
		return discoverIdentity(ctx, activationWait, relay, logger)
	}

	ownerPub, ownerPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	delegate, err := appkeys.NewDelegateManager(ownerPub, rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	publisher := sessionmanager.AppKeysPublisher(context.Background(), relay)
	appKeysMgr := appkeys.RestoreAppKeysManager(ownerPub, ownerPriv, nil, publisher)
	logger.Info("minted new owner identity", "owner", hex.EncodeToString(ownerPub))
	return ownerPub, delegate, appKeysMgr, nil
}

// discoverIdentity mints a new device identity with no owner bound,
// listens on the wildcard AppKeys filter for any owner that authorizes
// it, and returns once one does (or activationWait elapses). The
// caller still owns the decision of what to do if discovery times
// out — here that's a fatal error, since there's nothing useful a
// SessionManager can do without an owner.
func discoverIdentity(ctx context.Context, activationWait time.Duration, relay transport.Relay, logger *slog.Logger) ([]byte, *appkeys.DelegateManager, *appkeys.AppKeysManager, error) {
	delegate, err := appkeys.NewDelegateManagerUnbound(rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("waiting to be discovered by an owner", "deviceId", delegate.DeviceID)

	unsub, err := delegate.ListenForOwner(ctx, relay)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen for owner: %w", err)
	}
	defer unsub()

	waitCtx, cancel := context.WithTimeout(ctx, activationWait)
	defer cancel()
	if err := delegate.WaitForActivation(waitCtx); err != nil {
		return nil, nil, nil, fmt.Errorf("discover owner: %w", err)
	}
	ownerPublic := delegate.DiscoveredOwner()
	logger.Info("discovered owner", "owner", hex.EncodeToString(ownerPublic), "deviceId", delegate.DeviceID)
	return ownerPublic, delegate, nil, nil
}
