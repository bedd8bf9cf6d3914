// Router implements spec.md §4.4: it subscribes to one host's inbound
// invocation subject under the competing-consumer queue group "rpc",
// authorizes and dispatches each invocation to a local handler or
// across the fabric to a remote host, and wraps the outcome into an
// InvocationResponse. It also serves outbound calls from local
// components (the component engine's capability imports re-enter the
// router exactly like an inbound call, per spec.md §4.5).
//
// Grounded on agent/protocol/a2a's message-handling style (typed
// request struct in, typed response struct out, validate-then-
// dispatch) and agent/federation/orchestrator.go's inbound-subject
// subscription loop, combined with lattice/fabric's queue-subscribe
// transport. Inbound rate limiting uses golang.org/x/time/rate,
// already part of the teacher's dependency surface.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/metrics"
	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/authz"
	"github.com/wasmlattice/wasmlatticed/lattice/fabric"
)

// injectTraceContext carries ctx's active span (if any) into an
// outbound invocation's trace_context map (spec.md §3/§4.1/§4.4) using
// the globally configured propagator — propagation.TraceContext{} plus
// propagation.Baggage{} when telemetry is enabled (internal/telemetry),
// a no-op propagator otherwise. tc is reused if non-nil so callers that
// already seeded trace_context (e.g. forwarding a received invocation)
// keep any headers the propagator itself doesn't own.
func injectTraceContext(ctx context.Context, tc map[string]string) map[string]string {
	if tc == nil {
		tc = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(tc))
	return tc
}

// extractTraceContext returns a ctx carrying the span described by an
// inbound invocation's trace_context map, so invocations dispatched
// locally from it (and any further outbound hop) continue the same
// trace.
func extractTraceContext(ctx context.Context, tc map[string]string) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(tc))
}

// Handler answers one invocation dispatched to a locally registered
// target. It must return promptly relative to the invocation's
// execution deadline; long-running work belongs in the component
// engine, not the router.
type Handler func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse

// ClaimsSource resolves the claims registered for a subject (component
// or provider id), as lattice/store does. Kept as an interface here so
// the router doesn't import the store package directly — it only needs
// this one read.
type ClaimsSource interface {
	GetClaims(subject string) (lattice.Claims, bool)
}

// Router is one host's RPC router.
type Router struct {
	hostID   string
	linkName string

	fab       *fabric.Client
	claimsSrc ClaimsSource
	authz     authz.Authorizer
	cfg       config.RPCConfig
	limiter   *rate.Limiter
	metrics   *metrics.Collector
	logger    *zap.Logger

	mu         sync.RWMutex
	subscriber map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Router at construction.
type Option func(*Router)

// WithMetrics attaches a metrics collector for invocation counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

// New builds a Router for hostID's linkName-scoped inbound subject.
func New(cfg config.RPCConfig, fab *fabric.Client, claimsSrc ClaimsSource, authorizer authz.Authorizer, hostID, linkName string, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		hostID:     hostID,
		linkName:   linkName,
		fab:        fab,
		claimsSrc:  claimsSrc,
		authz:      authorizer,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.InboundRatePerS), cfg.InboundBurst),
		logger:     logger.With(zap.String("component", "rpc_router")),
		subscriber: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) inboundSubject() string {
	return r.hostID + "." + r.linkName + ".rpc"
}

// RegisterHandler binds targetID (a component or provider id) to
// handler in the local subscriber table, so invocations addressed to
// it dispatch in-process instead of over the fabric.
func (r *Router) RegisterHandler(targetID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriber[targetID] = handler
}

// UnregisterHandler removes targetID from the subscriber table.
func (r *Router) UnregisterHandler(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriber, targetID)
}

func (r *Router) localHandler(targetID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.subscriber[targetID]
	return h, ok
}

// Start begins draining this host's inbound invocation subject under
// the "rpc" queue group.
func (r *Router) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	msgs, err := r.fab.QueueSubscribe(ctx, r.inboundSubject(), "rpc")
	if err != nil {
		return fmt.Errorf("rpc: subscribe inbound: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				go r.handleInbound(ctx, m)
			}
		}
	}()

	return nil
}

func (r *Router) handleInbound(ctx context.Context, m fabric.Message) {
	if !r.limiter.Allow() {
		r.logger.Warn("inbound invocation dropped by rate limiter")
		return
	}

	replyTo := m.Headers["reply-to"]

	resp := r.processEnvelope(ctx, m.Payload)

	if replyTo == "" {
		return
	}
	if err := r.fab.Reply(ctx, replyTo, EncodeResponse(resp), nil); err != nil {
		r.logger.Warn("failed to publish invocation reply", zap.Error(err))
	}
}

// processEnvelope runs the full inbound pipeline on a single envelope
// and always returns a response — callers that had no reply subject
// may discard it. handleInbound replies to every message that carries
// a reply subject and passes the inbound rate limiter; a message the
// limiter drops gets no reply.
func (r *Router) processEnvelope(ctx context.Context, payload []byte) lattice.InvocationResponse {
	inv, err := DecodeEnvelope(payload)
	if err != nil {
		return errorResponse("", err)
	}
	ctx = extractTraceContext(ctx, inv.TraceContext)

	if resp, denied := r.authorize(inv); denied {
		return resp
	}

	return r.dispatch(ctx, inv)
}

func (r *Router) authorize(inv lattice.Invocation) (lattice.InvocationResponse, bool) {
	originID := originSubject(inv.Origin)

	originClaims, ok := r.claimsSrc.GetClaims(originID)
	if !ok {
		return errorResponse(inv.ID, fmt.Errorf("%w: no claims registered for origin %q", lattice.ErrUnauthorized, originID)), true
	}

	decision := r.authz.Authorize(inv, originClaims, inv.Target)
	if !decision.Permitted {
		if r.metrics != nil {
			r.metrics.RecordInvocation(inv.Operation, "unauthorized", 0)
		}
		return errorResponse(inv.ID, fmt.Errorf("%w: %s", lattice.ErrUnauthorized, decision.Reason)), true
	}

	return lattice.InvocationResponse{}, false
}

// dispatch sends inv to a local handler if one is registered for the
// target, otherwise publishes it to the target's host over the fabric
// and awaits a reply within the configured RPC timeout.
func (r *Router) dispatch(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
	start := time.Now()
	targetID := targetSubject(inv.Target)

	if handler, ok := r.localHandler(targetID); ok {
		resp := handler(ctx, inv)
		r.recordOutcome(inv.Operation, resp, start)
		return resp
	}

	if r.fab == nil {
		return errorResponse(inv.ID, fmt.Errorf("%w: target %q not registered locally and no fabric client available", lattice.ErrNotFound, targetID))
	}

	resp, err := r.Invoke(ctx, inv)
	if err != nil {
		return errorResponse(inv.ID, err)
	}
	r.recordOutcome(inv.Operation, resp, start)
	return resp
}

// Invoke is the entry point for outbound calls originating locally
// (component capability imports, provider-originated invocations): it
// checks the subscriber table first, then falls back to a remote
// publish-and-await over the fabric. Used directly by callers that
// already hold an lattice.Invocation rather than a wire envelope.
func (r *Router) Invoke(ctx context.Context, inv lattice.Invocation) (lattice.InvocationResponse, error) {
	targetID := targetSubject(inv.Target)

	if handler, ok := r.localHandler(targetID); ok {
		return handler(ctx, inv), nil
	}

	inv.TraceContext = injectTraceContext(ctx, inv.TraceContext)

	encoded, err := EncodeEnvelope(inv)
	if err != nil {
		return lattice.InvocationResponse{}, fmt.Errorf("rpc: encode outbound invocation: %w", err)
	}

	headers := map[string]string{}
	for k, v := range inv.TraceContext {
		headers[k] = v
	}

	reply, err := r.fab.Request(ctx, targetRPCSubject(inv), encoded, headers, r.cfg.Timeout)
	if err != nil {
		return lattice.InvocationResponse{}, fmt.Errorf("%w: %v", lattice.ErrTimeout, err)
	}

	resp, err := DecodeResponse(reply.Payload)
	if err != nil {
		return lattice.InvocationResponse{}, fmt.Errorf("rpc: decode reply: %w", err)
	}
	return resp, nil
}

func (r *Router) recordOutcome(operation string, resp lattice.InvocationResponse, start time.Time) {
	if r.metrics == nil {
		return
	}
	outcome := "ok"
	if resp.Error != "" {
		outcome = "error"
	}
	r.metrics.RecordInvocation(operation, outcome, time.Since(start))
}

// targetRPCSubject derives the inbound subject of the host that owns
// inv.Target. In this implementation the target's owning host id is
// carried by the caller setting inv.HostID to the destination host
// before calling Invoke for a known-remote target; callers resolving
// targets via the link store set this from the link's target host.
func targetRPCSubject(inv lattice.Invocation) string {
	return inv.HostID + ".default.rpc"
}

func originSubject(e lattice.Entity) string {
	if e.Component != nil {
		return e.Component.ID
	}
	if e.Capability != nil {
		return e.Capability.ID
	}
	return ""
}

func targetSubject(e lattice.Entity) string {
	if e.Component != nil {
		return e.Component.ID
	}
	if e.Capability != nil {
		return e.Capability.ID
	}
	return ""
}

func errorResponse(invocationID string, err error) lattice.InvocationResponse {
	return lattice.InvocationResponse{InvocationID: invocationID, Error: err.Error()}
}

// Close stops the inbound subscription loop.
func (r *Router) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}
