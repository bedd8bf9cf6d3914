// Package host wires one host process together: the message fabric
// client, the claims & link store, the authorizer, the RPC router, the
// component engine, the provider supervisor, and the lifecycle
// orchestrator that drives them (spec.md §2). Everything downstream of
// this package talks to the wired subsystems through the narrow
// interfaces those packages already define; Host's only job is
// construction order and shutdown order.
//
// Grounded on agent/federation/orchestrator.go's top-level "owns every
// subsystem, exposes Start/Shutdown" shape, generalized from a single
// federation controller to the full host composition root spec.md §9
// calls a HostContext: the signing key, lattice id, and authorizer are
// established once here and handed out read-only from then on.
package host

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/cache"
	"github.com/wasmlattice/wasmlatticed/internal/metrics"
	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/authz"
	"github.com/wasmlattice/wasmlatticed/lattice/claims"
	"github.com/wasmlattice/wasmlatticed/lattice/engine"
	"github.com/wasmlattice/wasmlatticed/lattice/fabric"
	"github.com/wasmlattice/wasmlatticed/lattice/orchestrator"
	"github.com/wasmlattice/wasmlatticed/lattice/rpc"
	"github.com/wasmlattice/wasmlatticed/lattice/store"
	"github.com/wasmlattice/wasmlatticed/lattice/store/durable"
	"github.com/wasmlattice/wasmlatticed/lattice/supervisor"
)

// defaultLinkName is the link-name segment of this host's own inbound
// subjects (spec.md §6): "<host_id>.<link_name>.rpc" etc. A host has
// exactly one inbound subject set regardless of how many links it
// brokers for its components, so this is a constant rather than a
// config knob.
const defaultLinkName = "default"

// Host is one running lattice host process: the composition root for
// every subsystem in spec.md §2's component table.
type Host struct {
	ID        string
	LatticeID string
	Labels    map[string]string
	StartedAt time.Time

	signingKey claims.Keypair
	trust      *claims.TrustStore

	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	Fabric       *fabric.Client
	Store        *store.Store
	Authorizer   authz.Authorizer
	Router       *rpc.Router
	Runtime      *engine.StubRuntime
	Engine       *engine.Engine
	Supervisor   *supervisor.Supervisor
	Orchestrator *orchestrator.Orchestrator

	blobCache *cache.Manager

	drainEvents context.CancelFunc
	wg          sync.WaitGroup
}

// Option customizes Host construction.
type Option func(*Host)

// New constructs a Host from cfg, generating (or loading, if
// cfg.Host.SeedPath is set) its signing keypair and wiring every
// subsystem in spec.md §2's dependency order: fabric client first (leaf
// dependency of store and router), then store, then authorizer, then
// router, then engine, then supervisor, then orchestrator.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Host, error) {
	id, err := generateHostID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate host id: %v", lattice.ErrFatal, err)
	}

	signingKey, err := loadOrGenerateKeypair(cfg.Host.SeedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: host signing key: %v", lattice.ErrFatal, err)
	}

	trust := claims.NewTrustStore(nil)
	trust.Trust(id, signingKey.Public)

	hostLogger := logger.With(zap.String("host_id", id), zap.String("lattice_id", cfg.Host.LatticeID))
	m := metrics.NewCollector("wasmlatticed", hostLogger)

	h := &Host{
		ID:         id,
		LatticeID:  cfg.Host.LatticeID,
		Labels:     cfg.Host.Labels,
		signingKey: signingKey,
		trust:      trust,
		cfg:        cfg,
		logger:     hostLogger,
		metrics:    m,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.Fabric = fabric.New(cfg.Fabric, cfg.Host.LatticeID, hostLogger)

	storeOpts := []store.Option{store.WithMetrics(m)}
	if cfg.Store.DurablePath != "" {
		mirror, err := durable.Open(cfg.Store.DurablePath, hostLogger)
		if err != nil {
			return nil, fmt.Errorf("%w: open durable store mirror: %v", lattice.ErrFatal, err)
		}
		storeOpts = append(storeOpts, store.WithDurableMirror(mirror))
	}
	h.Store = store.New(cfg.Store, cfg.Host.LatticeID, id, hostLogger, storeOpts...)

	h.Authorizer = authz.NewDefaultAuthorizer(trust, id)

	h.Router = rpc.New(cfg.RPC, h.Fabric, h.Store, h.Authorizer, id, defaultLinkName, hostLogger, rpc.WithMetrics(m))

	if cfg.Engine.BlobCacheAddr != "" {
		bc, err := cache.NewManager(cache.Config{Addr: cfg.Engine.BlobCacheAddr, DefaultTTL: cfg.Engine.BlobCacheTTL}, hostLogger)
		if err != nil {
			hostLogger.Warn("blob object cache unavailable, proceeding without it", zap.Error(err))
		} else {
			h.blobCache = bc
		}
	}

	h.Runtime = engine.NewStubRuntime()
	engineOpts := []engine.Option{engine.WithMetrics(m)}
	if h.blobCache != nil {
		engineOpts = append(engineOpts, engine.WithBlobCache(h.blobCache, cfg.Engine.BlobCacheTTL))
	}
	h.Engine = engine.New(cfg.Engine, h.Runtime, h.Router, h.Store, trust, id, defaultLinkName, hostLogger, engineOpts...)

	h.Supervisor = supervisor.New(cfg.Supervisor, id, h.Store, hostLogger, supervisor.WithMetrics(m))

	h.Orchestrator = orchestrator.New(h.Engine, h.Supervisor, h.Store, hostLogger)

	return h, nil
}

// Metrics returns the host's Prometheus metrics collector, so the
// owning process can register it against an HTTP /metrics handler.
func (h *Host) Metrics() *metrics.Collector { return h.metrics }

// Trust exposes the host's trust store so callers bootstrapping a
// lattice (tests, or an operator seeding additional cluster issuers)
// can add issuers before components/providers start presenting claims.
func (h *Host) Trust() *claims.TrustStore { return h.trust }

// SigningKey returns the host's own Ed25519 keypair, usable to sign
// claims for locally originated test fixtures.
func (h *Host) SigningKey() claims.Keypair { return h.signingKey }

// Start brings every long-lived subsystem online: the store's change
// subscription, then the router's inbound subscription. Order matters
// because the router's authorizer consults the store for origin claims
// from the moment it starts accepting traffic.
func (h *Host) Start(ctx context.Context) error {
	h.StartedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	h.drainEvents = cancel

	if err := h.Store.Start(ctx); err != nil {
		return fmt.Errorf("host: start store: %w", err)
	}

	// A config update (store.LinkUpdate) must reach any provider this
	// host runs without the link itself being put again — ordinary
	// store.LinkPut events are already forwarded by
	// orchestrator.PutLink's own direct call to the supervisor, so only
	// the synthetic re-bind needs a subscriber here. A provider not
	// running locally answers ErrNotFound, which is expected and not
	// logged as a failure.
	h.Store.Subscribe(func(ev store.Event) {
		if ev.Type != store.LinkUpdate {
			return
		}
		if err := h.Supervisor.PutLink(ctx, ev.Link); err != nil && !errors.Is(err, lattice.ErrNotFound) {
			h.logger.Warn("failed to re-bind link to local provider",
				zap.String("link_key", ev.LinkKey), zap.Error(err))
		}
	})

	if err := h.Router.Start(ctx); err != nil {
		return fmt.Errorf("host: start router: %w", err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-h.Engine.Events():
				if !ok {
					return
				}
				if !ev.Success {
					h.logger.Warn("component invocation failed",
						zap.String("component_id", ev.ComponentID),
						zap.String("export", ev.Export),
						zap.Error(ev.Err))
				}
			}
		}
	}()

	h.logger.Info("host started", zap.Time("started_at", h.StartedAt))
	return nil
}

// Health reports the host's health as spec.md §7 requires: a boolean
// plus an optional message. The default check is a liveness check
// only — it does not probe the fabric broker or durable store, which
// each already fail fast on their own operations.
func (h *Host) Health() (healthy bool, message string) {
	return true, ""
}

// Shutdown notifies every long-lived task via the broadcast context
// cancellation installed in Start, then closes owned resources in
// reverse construction order, matching spec.md §5's "notifies a
// broadcast channel that every long-lived task observes; tasks
// unsubscribe, flush the fabric client, then exit."
func (h *Host) Shutdown(ctx context.Context) error {
	if h.drainEvents != nil {
		h.drainEvents()
	}
	h.wg.Wait()

	h.Engine.Close()
	if err := h.Router.Close(); err != nil {
		h.logger.Warn("router close error", zap.Error(err))
	}
	if err := h.Store.Close(); err != nil {
		h.logger.Warn("store close error", zap.Error(err))
	}
	if err := h.Fabric.Close(); err != nil {
		h.logger.Warn("fabric close error", zap.Error(err))
	}

	h.logger.Info("host stopped")
	return nil
}

func generateHostID() (string, error) {
	b := make([]byte, 28)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func loadOrGenerateKeypair(seedPath string) (claims.Keypair, error) {
	if seedPath == "" {
		return claims.GenerateKeypair()
	}
	if _, err := os.Stat(seedPath); err != nil {
		return claims.Keypair{}, fmt.Errorf("read seed file %q: %w", seedPath, err)
	}
	// A real nkeys-format seed decoder belongs here; the core's claims
	// package only defines Ed25519 keypairs, so a configured seed path
	// that exists but can't be parsed as one is a fatal misconfiguration
	// rather than a silent fallback to an ephemeral key.
	return claims.Keypair{}, fmt.Errorf("seed file %q: loading a persisted signing key is not yet implemented", seedPath)
}
