// Package orchestrator translates the host's coarse desired-state
// operations (scale a component, start/stop a provider, put/remove a
// link, put a config) into the sequence of engine/supervisor/store
// calls spec.md §4.7 describes.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/supervisor"
)

// ComponentEngine is the subset of lattice/engine.Engine the
// orchestrator drives.
type ComponentEngine interface {
	Loaded(componentID string) bool
	LoadComponent(ctx context.Context, componentID, imageRef string, imageBytes []byte, signedClaims string, maxExecTime time.Duration) error
	Scale(componentID string, count int) error
}

// ProviderSupervisor is the subset of lattice/supervisor.Supervisor
// the orchestrator drives.
type ProviderSupervisor interface {
	StartProvider(ctx context.Context, provider lattice.Provider, conn supervisor.ControlConn) error
	StopProvider(ctx context.Context, providerID string) error
	PutLink(ctx context.Context, link lattice.Link) error
	RemoveLink(ctx context.Context, providerID, sourceID, ns, pkg, linkName string) error
}

// LinkStore is the subset of lattice/store.Store the orchestrator
// drives for link and config durability.
type LinkStore interface {
	PutLink(ctx context.Context, link lattice.Link) error
	RemoveLink(ctx context.Context, sourceID, ns, pkg, linkName string) error
	PutConfig(ctx context.Context, c lattice.Config) error
	GetLink(sourceID, ns, pkg, linkName string) (lattice.Link, bool)
}

// Orchestrator applies the host's desired-state operations.
type Orchestrator struct {
	engine     ComponentEngine
	supervisor ProviderSupervisor
	store      LinkStore
	logger     *zap.Logger
}

// New constructs an Orchestrator over the given engine, supervisor, and
// store.
func New(engine ComponentEngine, sup ProviderSupervisor, st LinkStore, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{engine: engine, supervisor: sup, store: st, logger: logger.With(zap.String("component", "orchestrator"))}
}

// ScaleComponent ensures componentID has a compiled module for
// imageRef (loading it from imageBytes/signedClaims only the first
// time) and adjusts its live instance count to count. Scaling to zero
// destroys instances but retains the module, matching spec.md §4.7.
func (o *Orchestrator) ScaleComponent(ctx context.Context, componentID, imageRef string, imageBytes []byte, signedClaims string, count int, maxExecTime time.Duration) error {
	if !o.engine.Loaded(componentID) {
		if err := o.engine.LoadComponent(ctx, componentID, imageRef, imageBytes, signedClaims, maxExecTime); err != nil {
			return fmt.Errorf("orchestrator: scale component %q: %w", componentID, err)
		}
	}
	if err := o.engine.Scale(componentID, count); err != nil {
		return fmt.Errorf("orchestrator: scale component %q to %d: %w", componentID, count, err)
	}
	o.logger.Info("component scaled", zap.String("component_id", componentID), zap.Int("count", count))
	return nil
}

// StartProvider registers provider with an already-established control
// connection and replays its current links (delegated to the
// supervisor). Establishing conn (a websocket dial, or an in-process
// LocalConn for a co-located provider) is the caller's responsibility:
// the orchestrator drives provider lifecycle, it does not own
// transport construction, mirroring the decoupling already used
// between lattice/engine and lattice/rpc.
func (o *Orchestrator) StartProvider(ctx context.Context, provider lattice.Provider, conn supervisor.ControlConn) error {
	if err := o.supervisor.StartProvider(ctx, provider, conn); err != nil {
		return fmt.Errorf("orchestrator: start provider %q: %w", provider.ID, err)
	}
	o.logger.Info("provider started", zap.String("provider_id", provider.ID))
	return nil
}

// StopProvider stops providerID, shutting down its control channel.
func (o *Orchestrator) StopProvider(ctx context.Context, providerID string) error {
	if err := o.supervisor.StopProvider(ctx, providerID); err != nil {
		return fmt.Errorf("orchestrator: stop provider %q: %w", providerID, err)
	}
	o.logger.Info("provider stopped", zap.String("provider_id", providerID))
	return nil
}

// PutLink writes link through the store, then ensures the link's
// target provider has been notified, matching spec.md §4.7's
// "write through §4.2, then ensure each affected local provider has
// been notified".
func (o *Orchestrator) PutLink(ctx context.Context, link lattice.Link) error {
	if err := o.store.PutLink(ctx, link); err != nil {
		return fmt.Errorf("orchestrator: put link %s: %w", link.Key(), err)
	}
	if err := o.supervisor.PutLink(ctx, link); err != nil {
		return fmt.Errorf("orchestrator: notify provider of link %s: %w", link.Key(), err)
	}
	return nil
}

// RemoveLink is idempotent: removing an already-absent link succeeds
// without contacting any provider.
func (o *Orchestrator) RemoveLink(ctx context.Context, sourceID, ns, pkg, linkName string) error {
	link, ok := o.store.GetLink(sourceID, ns, pkg, linkName)
	if !ok {
		return nil
	}
	if err := o.supervisor.RemoveLink(ctx, link.TargetID, sourceID, ns, pkg, linkName); err != nil {
		return fmt.Errorf("orchestrator: notify provider of link removal %s: %w", link.Key(), err)
	}
	if err := o.store.RemoveLink(ctx, sourceID, ns, pkg, linkName); err != nil {
		return fmt.Errorf("orchestrator: remove link %s: %w", link.Key(), err)
	}
	return nil
}

// PutConfig writes a named configuration through the store; link
// fanout to referencing links is the store's own responsibility
// (lattice/store.Store.PutConfig).
func (o *Orchestrator) PutConfig(ctx context.Context, c lattice.Config) error {
	if err := o.store.PutConfig(ctx, c); err != nil {
		return fmt.Errorf("orchestrator: put config %q: %w", c.Name, err)
	}
	return nil
}
