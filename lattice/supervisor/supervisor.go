// Package supervisor drives provider lifecycle: establishing each
// provider's control channel, serializing link puts/deletes per link
// key, and replaying a provider's current links whenever it
// (re)starts so a restart never loses a link (spec.md §4.6).
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/metrics"
	"github.com/wasmlattice/wasmlatticed/lattice"
)

// LinkSource is the subset of lattice/store.Store the supervisor needs
// to replay links on provider (re)start.
type LinkSource interface {
	LinksForTarget(targetID string) []lattice.Link
}

type providerState struct {
	provider lattice.Provider
	conn     ControlConn
	healthy  bool
}

// Supervisor owns one host's providers and their control channels.
type Supervisor struct {
	hostID  string
	cfg     config.SupervisorConfig
	links   LinkSource
	metrics *metrics.Collector
	logger  *zap.Logger

	mu        sync.RWMutex
	providers map[string]*providerState

	linkLocks sync.Map // link key (string) -> *sync.Mutex
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithMetrics attaches a metrics collector for link-operation counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New constructs a Supervisor for hostID. links resolves a provider's
// current links for restart replay (typically *lattice/store.Store).
func New(cfg config.SupervisorConfig, hostID string, links LinkSource, logger *zap.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		hostID:    hostID,
		cfg:       cfg,
		links:     links,
		logger:    logger.With(zap.String("component", "supervisor")),
		providers: make(map[string]*providerState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) lockFor(key string) *sync.Mutex {
	v, _ := s.linkLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// StartProvider registers provider with an established control
// connection and replays every link currently targeting it before
// marking it healthy, so a provider that crashed and reconnected finds
// its links already restored by the time it accepts traffic.
func (s *Supervisor) StartProvider(ctx context.Context, provider lattice.Provider, conn ControlConn) error {
	s.mu.Lock()
	if existing, ok := s.providers[provider.ID]; ok {
		_ = existing.conn.Close()
	}
	state := &providerState{provider: provider, conn: conn}
	s.providers[provider.ID] = state
	s.mu.Unlock()

	replay := s.links.LinksForTarget(provider.ID)
	count := 0
	for _, link := range replay {
		if count >= s.cfg.RestartReplayLimit {
			s.logger.Warn("restart replay truncated at configured limit",
				zap.String("provider_id", provider.ID), zap.Int("limit", s.cfg.RestartReplayLimit))
			break
		}
		if err := s.sendPutLink(ctx, provider.ID, link); err != nil {
			return fmt.Errorf("supervisor: replay link %s for provider %q: %w", link.Key(), provider.ID, err)
		}
		count++
	}

	s.mu.Lock()
	state.healthy = true
	s.mu.Unlock()

	s.logger.Info("provider started", zap.String("provider_id", provider.ID), zap.Int("links_replayed", count))
	return nil
}

// StopProvider sends a shutdown frame and closes provider's control
// channel. The provider's last-known links remain in the store so a
// future StartProvider for the same id replays them.
func (s *Supervisor) StopProvider(ctx context.Context, providerID string) error {
	s.mu.Lock()
	state, ok := s.providers[providerID]
	delete(s.providers, providerID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: provider %q is not running", lattice.ErrNotFound, providerID)
	}

	_, err := state.conn.Send(ctx, ControlFrame{Type: FrameShutdown})
	closeErr := state.conn.Close()
	if err != nil {
		return fmt.Errorf("supervisor: shutdown provider %q: %w", providerID, err)
	}
	return closeErr
}

// PutLink serializes the put against every other put/delete for the
// same link key, then sends a put-link frame to link's target
// provider. Puts for distinct keys run fully in parallel.
func (s *Supervisor) PutLink(ctx context.Context, link lattice.Link) error {
	lock := s.lockFor(link.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := s.sendPutLink(ctx, link.TargetID, link); err != nil {
		return err
	}
	s.recordLinkOp(link.TargetID, "put")
	return nil
}

func (s *Supervisor) sendPutLink(ctx context.Context, providerID string, link lattice.Link) error {
	s.mu.RLock()
	state, ok := s.providers[providerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: provider %q is not running", lattice.ErrNotFound, providerID)
	}

	ack, err := state.conn.Send(ctx, ControlFrame{Type: FramePutLink, Link: toLinkPayload(link)})
	if err != nil {
		return fmt.Errorf("supervisor: send put-link to %q: %w", providerID, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: provider %q rejected link %s: %s", lattice.ErrProviderRejected, providerID, link.Key(), ack.Error)
	}
	return nil
}

// RemoveLink serializes the delete against every other put/delete for
// the same link key and sends a delete-link frame to providerID.
func (s *Supervisor) RemoveLink(ctx context.Context, providerID, sourceID, ns, pkg, linkName string) error {
	key := (lattice.Link{SourceID: sourceID, Namespace: ns, Package: pkg, LinkName: linkName}).Key()
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	state, ok := s.providers[providerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: provider %q is not running", lattice.ErrNotFound, providerID)
	}

	ack, err := state.conn.Send(ctx, ControlFrame{Type: FrameDeleteLink, LinkKey: key})
	if err != nil {
		return fmt.Errorf("supervisor: send delete-link to %q: %w", providerID, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: provider %q rejected delete of link %s: %s", lattice.ErrProviderRejected, providerID, key, ack.Error)
	}
	s.recordLinkOp(providerID, "delete")
	return nil
}

// HealthCheck sends a health-request frame to providerID and reports
// whether it acknowledged. A failed or timed-out check marks the
// provider unhealthy but does not remove it; StopProvider/StartProvider
// own lifecycle transitions.
func (s *Supervisor) HealthCheck(ctx context.Context, providerID string) (bool, error) {
	s.mu.RLock()
	state, ok := s.providers[providerID]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: provider %q is not running", lattice.ErrNotFound, providerID)
	}

	ack, err := state.conn.Send(ctx, ControlFrame{Type: FrameHealthRequest})
	healthy := err == nil && ack.Accepted

	s.mu.Lock()
	state.healthy = healthy
	s.mu.Unlock()

	return healthy, err
}

// IsHealthy reports the last-observed health of providerID.
func (s *Supervisor) IsHealthy(providerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.providers[providerID]
	return ok && state.healthy
}

func (s *Supervisor) recordLinkOp(providerID, op string) {
	if s.metrics != nil {
		s.metrics.RecordLinkOp(providerID, op)
	}
}

func toLinkPayload(l lattice.Link) *linkPayload {
	return &linkPayload{
		SourceID:     l.SourceID,
		TargetID:     l.TargetID,
		Namespace:    l.Namespace,
		Package:      l.Package,
		Interfaces:   l.Interfaces,
		LinkName:     l.LinkName,
		SourceConfig: l.SourceConfig,
		TargetConfig: l.TargetConfig,
	}
}
