package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/cache"
	"github.com/wasmlattice/wasmlatticed/internal/channel"
	"github.com/wasmlattice/wasmlatticed/internal/metrics"
	"github.com/wasmlattice/wasmlatticed/internal/pool"
	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/claims"
	"github.com/wasmlattice/wasmlatticed/lattice/rpc"
)

// CompletionEvent is emitted on the engine's supervision channel after
// every export invocation, successful or not (spec.md §4.5).
type CompletionEvent struct {
	ComponentID string
	Export      string
	Success     bool
	Err         error
}

// loaded is one component's engine-owned state: its compiled module,
// validated claims (if any), and the per-export handlers registered
// with the router.
type loaded struct {
	id       string
	imageRef string
	handle   lattice.ModuleHandle
	claims   *lattice.Claims
	maxExec  time.Duration
	exports  []string
	count    int
}

// Router is the subset of *lattice/rpc.Router the engine needs: it
// registers a handler per component export and drives capability
// imports through Invoke. Embeds Dispatcher so Imports can be built
// from the same value.
type Router interface {
	Dispatcher
	RegisterHandler(targetID string, handler rpc.Handler)
	UnregisterHandler(targetID string)
}

// Engine is the component engine for one host: it holds every loaded
// component's pre-compiled module and drives invocations against fresh
// or pooled instances under a per-instance epoch deadline.
type Engine struct {
	cfg     config.EngineConfig
	runtime ComponentRuntime
	router  Router
	links   LinkResolver
	trust   *claims.TrustStore
	hostID  string
	linkName string

	workers *pool.GoroutinePool
	events  *channel.TunableChannel[CompletionEvent]

	metrics      *metrics.Collector
	blobCache    *cache.Manager
	blobCacheTTL time.Duration
	logger       *zap.Logger

	mu         sync.RWMutex
	components map[string]*loaded
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMetrics attaches a metrics collector for invoke/deadline counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBlobCache fronts every instance's blobstore get-object import
// with a Redis-addressed TTL cache, so repeated reads of a hot object
// skip the outbound RPC to the linked provider (spec.md §6 blob store).
func WithBlobCache(c *cache.Manager, ttl time.Duration) Option {
	return func(e *Engine) { e.blobCache = c; e.blobCacheTTL = ttl }
}

// New constructs an Engine for hostID, bound to runtime for compilation
// and instantiation, router for capability-import dispatch and export
// registration, links for resolving which provider a capability call
// should reach, and trust for validating component claims at load time.
func New(cfg config.EngineConfig, runtime ComponentRuntime, router Router, links LinkResolver, trust *claims.TrustStore, hostID, linkName string, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		runtime:    runtime,
		router:     router,
		links:      links,
		trust:      trust,
		hostID:     hostID,
		linkName:   linkName,
		workers:    pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: cfg.InstancePoolSize, QueueSize: cfg.InstanceQueueSize, IdleTimeout: time.Minute}),
		events:     channel.NewTunableChannel[CompletionEvent](channel.DefaultTunableConfig()),
		logger:     logger.With(zap.String("component", "engine")),
		components: make(map[string]*loaded),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the channel completion events are published on.
// Callers (typically lattice/host) drain it to observe invocation
// outcomes for supervision/telemetry.
func (e *Engine) Events() <-chan CompletionEvent {
	return e.events.Chan()
}

// LoadComponent extracts and validates signedClaims (if non-empty),
// compiles imageBytes under imageRef, and registers a router handler
// for every export the compiled module reports. maxExecTime bounds
// every future invocation of this component; zero uses the engine's
// configured default.
//
// Claims extraction and validation happens before compilation exactly
// as spec.md §4.5 requires: an invalid token aborts loading with
// lattice.ErrFatal, never reaching ComponentRuntime.Compile.
func (e *Engine) LoadComponent(ctx context.Context, componentID, imageRef string, imageBytes []byte, signedClaims string, maxExecTime time.Duration) error {
	var parsedClaims *lattice.Claims
	if signedClaims != "" {
		c, err := claims.Parse(signedClaims, e.trust)
		if err != nil {
			return fmt.Errorf("%w: component %q claims: %v", lattice.ErrFatal, componentID, err)
		}
		if err := claims.Validate(c, time.Now()); err != nil {
			return fmt.Errorf("%w: component %q claims: %v", lattice.ErrFatal, componentID, err)
		}
		parsedClaims = &c
	}

	handle, err := e.runtime.Compile(ctx, imageRef, imageBytes)
	if err != nil {
		return fmt.Errorf("%w: compile component %q: %v", lattice.ErrFatal, componentID, err)
	}

	if maxExecTime <= 0 {
		maxExecTime = e.cfg.DefaultMaxExecutionTime
	}

	lc := &loaded{
		id:       componentID,
		imageRef: imageRef,
		handle:   handle,
		claims:   parsedClaims,
		maxExec:  maxExecTime,
		exports:  e.runtime.Exports(handle),
		count:    1,
	}

	e.mu.Lock()
	e.components[componentID] = lc
	e.mu.Unlock()

	for _, export := range lc.exports {
		export := export
		e.router.RegisterHandler(exportTarget(componentID, export), func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
			return e.invokeExport(ctx, componentID, export, inv)
		})
	}
	// The component id itself also answers invocations that name no
	// particular export-qualified target (single-export components,
	// and capability-import replies routed back to the origin).
	e.router.RegisterHandler(componentID, func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
		return e.invoke(ctx, componentID, inv.Operation, inv)
	})

	e.logger.Info("component loaded",
		zap.String("component_id", componentID),
		zap.String("image_ref", imageRef),
		zap.Strings("exports", lc.exports),
		zap.Duration("max_execution_time", maxExecTime),
	)
	return nil
}

// Loaded reports whether componentID already has a compiled module, so
// callers can skip a redundant LoadComponent call when only the
// instance count is changing.
func (e *Engine) Loaded(componentID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.components[componentID]
	return ok
}

func exportTarget(componentID, export string) string {
	return componentID + "#" + export
}

// Inventory reports every component currently loaded on this engine, for
// the host's get-host-inventory operation (spec.md §6).
func (e *Engine) Inventory() []lattice.Component {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]lattice.Component, 0, len(e.components))
	for _, lc := range e.components {
		out = append(out, lattice.Component{
			ID:       lc.id,
			Claims:   lc.claims,
			ImageRef: lc.imageRef,
			Module:   lc.handle,
			Count:    lc.count,
		})
	}
	return out
}

// Scale adjusts the live instance count recorded for componentID
// in-place instances are created per invocation regardless, so scaling
// to zero stops new invocations from finding a registered handler
// without discarding the pre-compiled module; scaling back up re-
// registers it (spec.md §4.7's ScaleComponent).
func (e *Engine) Scale(componentID string, count int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	lc, ok := e.components[componentID]
	if !ok {
		return fmt.Errorf("%w: component %q is not loaded", lattice.ErrNotFound, componentID)
	}
	prev := lc.count
	lc.count = count
	if count == 0 {
		e.router.UnregisterHandler(componentID)
		for _, export := range lc.exports {
			e.router.UnregisterHandler(exportTarget(componentID, export))
		}
	} else if prev == 0 {
		for _, export := range lc.exports {
			export := export
			e.router.RegisterHandler(exportTarget(componentID, export), func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
				return e.invokeExport(ctx, componentID, export, inv)
			})
		}
		e.router.RegisterHandler(componentID, func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
			return e.invoke(ctx, componentID, inv.Operation, inv)
		})
	}
	return nil
}

// Unload destroys componentID's instances and drops its module. The
// module is not recompiled if the component is scaled back up; a fresh
// LoadComponent call is required.
func (e *Engine) Unload(componentID string) {
	e.mu.Lock()
	lc, ok := e.components[componentID]
	delete(e.components, componentID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.router.UnregisterHandler(componentID)
	for _, export := range lc.exports {
		e.router.UnregisterHandler(exportTarget(componentID, export))
	}
}

// invokeExport is the router handler bound to one specific export.
func (e *Engine) invokeExport(ctx context.Context, componentID, export string, inv lattice.Invocation) lattice.InvocationResponse {
	return e.invoke(ctx, componentID, export, inv)
}

// invoke instantiates (or reuses) componentID, drives export under its
// epoch deadline, and publishes a CompletionEvent.
func (e *Engine) invoke(ctx context.Context, componentID, export string, inv lattice.Invocation) lattice.InvocationResponse {
	e.mu.RLock()
	lc, ok := e.components[componentID]
	e.mu.RUnlock()
	if !ok || lc.count == 0 {
		return lattice.InvocationResponse{InvocationID: inv.ID, Error: fmt.Sprintf("%v: component %q not loaded", lattice.ErrNotFound, componentID)}
	}

	deadline := lc.maxExec
	if deadline <= 0 {
		deadline = e.cfg.DefaultMaxExecutionTime
	}
	instCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	imports := newImports(componentID, e.hostID, e.linkName, e.router, e.links, e.logFunc(componentID))
	if e.blobCache != nil {
		imports = imports.WithBlobCache(e.blobCache, e.blobCacheTTL)
	}
	instCtx = withImports(instCtx, imports)

	// Instantiation and the export call both run inside the engine's
	// goroutine pool, so the number of components executing at once is
	// bounded by EngineConfig.InstancePoolSize regardless of how many
	// invocations land concurrently.
	var result []byte
	var runErr error
	start := time.Now()
	poolErr := e.workers.SubmitWait(instCtx, func(taskCtx context.Context) error {
		instance, err := e.runtime.NewInstance(taskCtx, lc.handle)
		if err != nil {
			runErr = err
			return err
		}
		defer instance.Close()
		result, runErr = instance.Invoke(taskCtx, export, inv.Msg)
		return runErr
	})

	if runErr == nil && poolErr != nil {
		runErr = poolErr
	}
	if runErr != nil {
		if instCtx.Err() != nil {
			destroyErr := fmt.Errorf("%w: component %q export %q exceeded %s", lattice.ErrExecutionDeadline, componentID, export, deadline)
			e.recordDeadline(componentID)
			e.publishCompletion(componentID, export, false, destroyErr)
			return lattice.InvocationResponse{InvocationID: inv.ID, Error: destroyErr.Error()}
		}
		e.publishCompletion(componentID, export, false, runErr)
		return lattice.InvocationResponse{InvocationID: inv.ID, Error: runErr.Error()}
	}

	e.recordInvoke(componentID, export, time.Since(start))
	e.publishCompletion(componentID, export, true, nil)
	return lattice.InvocationResponse{InvocationID: inv.ID, Msg: result, ContentLength: uint64(len(result))}
}

func (e *Engine) logFunc(componentID string) func(level, msg string) {
	return func(level, msg string) {
		fields := []zap.Field{zap.String("component_id", componentID)}
		switch level {
		case "trace", "debug":
			e.logger.Debug(msg, fields...)
		case "warn":
			e.logger.Warn(msg, fields...)
		case "error":
			e.logger.Error(msg, fields...)
		default:
			e.logger.Info(msg, fields...)
		}
	}
}

func (e *Engine) recordInvoke(componentID, export string, _ time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordEngineInvoke(componentID, export, true)
	}
}

func (e *Engine) recordDeadline(componentID string) {
	if e.metrics != nil {
		e.metrics.RecordExecutionDeadline(componentID)
	}
}

func (e *Engine) publishCompletion(componentID, export string, success bool, err error) {
	ev := CompletionEvent{ComponentID: componentID, Export: export, Success: success, Err: err}
	if !e.events.TrySend(ev) {
		e.logger.Warn("completion event dropped, supervision channel full",
			zap.String("component_id", componentID), zap.String("export", export))
	}
	if !success && e.metrics != nil {
		e.metrics.RecordEngineInvoke(componentID, export, false)
	}
}

// Close releases the engine's worker pool and closes its event channel.
func (e *Engine) Close() {
	e.workers.Close()
	e.events.Close()
}
