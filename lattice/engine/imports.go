package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/wasmlattice/wasmlatticed/internal/cache"
	"github.com/wasmlattice/wasmlatticed/internal/ctxkeys"
	"github.com/wasmlattice/wasmlatticed/lattice"
)

// Dispatcher is the subset of *lattice/rpc.Router the capability
// imports need: the ability to drive an outbound invocation as a
// component's origin. engine depends on this interface, not the
// concrete router type, so it stays decoupled from router construction
// (grounded in lattice/rpc.ClaimsSource's narrow-interface idiom).
type Dispatcher interface {
	Invoke(ctx context.Context, inv lattice.Invocation) (lattice.InvocationResponse, error)
}

// LinkResolver looks up the provider bound to a component for a given
// WIT interface and link-name, as lattice/store does.
type LinkResolver interface {
	GetLink(sourceID, ns, pkg, linkName string) (lattice.Link, bool)
}

// Imports is the fixed set of host capability interfaces bound into
// every component instance's import namespace (spec.md §4.5, §6):
// logging, configuration, key/value, blobstore, messaging, and the
// HTTP outgoing-handler. Every capability but logging becomes an
// outbound Invocation through the router, tagged with the interface it
// was dispatched from (ctxkeys.WithReplacedInstanceTarget) so the
// router reaches the provider this component is linked to for that
// interface and link-name.
type Imports struct {
	componentID string
	hostID      string
	linkName    string
	router      Dispatcher
	links       LinkResolver
	logf        func(level, msg string)

	// blobCache, when set, fronts BlobGetObject with a Redis-addressed
	// TTL cache (internal/cache.Manager) keyed by container/object so a
	// hot object is not re-fetched from the linked provider on every
	// read. Adapted from the teacher's cache manager, which was
	// otherwise unwired in this domain.
	blobCache    *cache.Manager
	blobCacheTTL time.Duration
}

func newImports(componentID, hostID, linkName string, router Dispatcher, links LinkResolver, logf func(level, msg string)) *Imports {
	return &Imports{componentID: componentID, hostID: hostID, linkName: linkName, router: router, links: links, logf: logf}
}

type importsCtxKey struct{}

// withImports attaches im to ctx so a StubRuntime (or any ComponentRuntime
// whose instances run in-process, unable to accept Imports through a
// wasm import namespace directly) can retrieve it with ImportsFromContext.
func withImports(ctx context.Context, im *Imports) context.Context {
	return context.WithValue(ctx, importsCtxKey{}, im)
}

// ImportsFromContext retrieves the Imports bound to an invocation's
// context by the engine. StubModule handlers call this to reach host
// capabilities; ok is false outside of an engine-driven invocation.
func ImportsFromContext(ctx context.Context) (*Imports, bool) {
	im, ok := ctx.Value(importsCtxKey{}).(*Imports)
	return im, ok
}

// WithBlobCache attaches a blob object cache to im, returning im for
// chaining at construction time.
func (im *Imports) WithBlobCache(c *cache.Manager, ttl time.Duration) *Imports {
	im.blobCache = c
	im.blobCacheTTL = ttl
	return im
}

func blobCacheKey(container, object string) string {
	return "blob:" + container + "/" + object
}

// Log satisfies the logging import directly, without an RPC hop — the
// host always serves logging itself, never a linked provider.
func (im *Imports) Log(level, msg string) {
	if im.logf != nil {
		im.logf(level, msg)
	}
}

// call resolves the provider linked for (ns, pkg) under this
// component's link-name and invokes it with operation, marshaling req
// to JSON and unmarshaling the response into resp (if non-nil).
func (im *Imports) call(ctx context.Context, ns, pkg, operation string, req, resp any) error {
	link, ok := im.links.GetLink(im.componentID, ns, pkg, im.linkName)
	if !ok {
		return fmt.Errorf("%w: no link for %s:%s on link-name %q", lattice.ErrNotFound, ns, pkg, im.linkName)
	}

	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("engine: marshal capability request: %w", err)
		}
	}

	ctx = ctxkeys.WithReplacedInstanceTarget(ctx, ns+":"+pkg)

	// Carry the invoking component's active span (if any) onto the
	// outbound capability call's trace_context map (spec.md §3/§4.1),
	// using whichever propagator internal/telemetry registered globally.
	traceContext := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceContext))

	inv := lattice.Invocation{
		Origin:        lattice.Entity{Component: &lattice.ComponentEntity{ID: im.componentID}},
		Target:        lattice.Entity{Capability: &lattice.CapabilityEntity{ID: link.TargetID, ContractID: ns + ":" + pkg, LinkName: im.linkName}},
		Operation:     operation,
		Msg:           payload,
		ContentLength: uint64(len(payload)),
		HostID:        im.hostID,
		TraceContext:  traceContext,
	}

	out, err := im.router.Invoke(ctx, inv)
	if err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("engine: capability call %s.%s failed: %s", pkg, operation, out.Error)
	}
	if resp != nil && len(out.Msg) > 0 {
		if err := json.Unmarshal(out.Msg, resp); err != nil {
			return fmt.Errorf("engine: decode capability response: %w", err)
		}
	}
	return nil
}

// ConfigLookup resolves a named configuration value through
// wasi:config/store. ok is false when the provider has no value under
// name, not when the call itself fails.
func (im *Imports) ConfigLookup(ctx context.Context, name string) (value string, ok bool, err error) {
	var resp struct {
		Value string `json:"value"`
		Found bool   `json:"found"`
	}
	if err := im.call(ctx, "wasi", "config", "get", struct {
		Name string `json:"name"`
	}{Name: name}, &resp); err != nil {
		return "", false, err
	}
	return resp.Value, resp.Found, nil
}

// KVGet reads key through wasi:keyvalue/store.
func (im *Imports) KVGet(ctx context.Context, key string) (value []byte, ok bool, err error) {
	var resp struct {
		Value []byte `json:"value"`
		Found bool   `json:"found"`
	}
	if err := im.call(ctx, "wasi", "keyvalue", "get", struct {
		Key string `json:"key"`
	}{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// KVSet writes key/value through wasi:keyvalue/store.
func (im *Imports) KVSet(ctx context.Context, key string, value []byte) error {
	return im.call(ctx, "wasi", "keyvalue", "set", struct {
		Key   string `json:"key"`
		Value []byte `json:"value"`
	}{Key: key, Value: value}, nil)
}

// KVDelete removes key through wasi:keyvalue/store.
func (im *Imports) KVDelete(ctx context.Context, key string) error {
	return im.call(ctx, "wasi", "keyvalue", "delete", struct {
		Key string `json:"key"`
	}{Key: key}, nil)
}

// KVExists reports whether key is present through wasi:keyvalue/store.
func (im *Imports) KVExists(ctx context.Context, key string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := im.call(ctx, "wasi", "keyvalue", "exists", struct {
		Key string `json:"key"`
	}{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// KVIncrement atomically adds delta to key through wasi:keyvalue/atomics.
func (im *Imports) KVIncrement(ctx context.Context, key string, delta int64) (int64, error) {
	var resp struct {
		Value int64 `json:"value"`
	}
	if err := im.call(ctx, "wasi", "keyvalue", "increment", struct {
		Key   string `json:"key"`
		Delta int64  `json:"delta"`
	}{Key: key, Delta: delta}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// KVCompareAndSwap atomically replaces key's value with newValue if its
// current value equals oldValue, through wasi:keyvalue/atomics.
func (im *Imports) KVCompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) (swapped bool, err error) {
	var resp struct {
		Swapped bool `json:"swapped"`
	}
	if err := im.call(ctx, "wasi", "keyvalue", "cas", struct {
		Key string `json:"key"`
		Old []byte `json:"old"`
		New []byte `json:"new"`
	}{Key: key, Old: oldValue, New: newValue}, &resp); err != nil {
		return false, err
	}
	return resp.Swapped, nil
}

// BlobCreateContainer creates a blobstore container through wasi:blobstore/blobstore.
func (im *Imports) BlobCreateContainer(ctx context.Context, name string) error {
	return im.call(ctx, "wasi", "blobstore", "create-container", struct {
		Name string `json:"name"`
	}{Name: name}, nil)
}

// BlobRemoveContainer removes a blobstore container.
func (im *Imports) BlobRemoveContainer(ctx context.Context, name string) error {
	return im.call(ctx, "wasi", "blobstore", "remove-container", struct {
		Name string `json:"name"`
	}{Name: name}, nil)
}

// BlobPutObject writes an object's bytes into container. Any cached
// read of the same object is invalidated so a subsequent GetObject
// does not serve stale bytes.
func (im *Imports) BlobPutObject(ctx context.Context, container, object string, data []byte) error {
	if err := im.call(ctx, "wasi", "blobstore", "put-object", struct {
		Container string `json:"container"`
		Object    string `json:"object"`
		Data      []byte `json:"data"`
	}{Container: container, Object: object, Data: data}, nil); err != nil {
		return err
	}
	im.invalidateBlobCache(ctx, container, object)
	return nil
}

// BlobGetObject reads an object's bytes from container, serving from
// the blob cache when one is attached and the object is cached. Large
// objects are delivered in the same response; chunked streaming is a
// provider transport concern, not visible at this import boundary.
func (im *Imports) BlobGetObject(ctx context.Context, container, object string) ([]byte, error) {
	if im.blobCache != nil {
		var cached struct {
			Data []byte `json:"data"`
		}
		if err := im.blobCache.GetJSON(ctx, blobCacheKey(container, object), &cached); err == nil {
			return cached.Data, nil
		}
	}

	var resp struct {
		Data []byte `json:"data"`
	}
	if err := im.call(ctx, "wasi", "blobstore", "get-object", struct {
		Container string `json:"container"`
		Object    string `json:"object"`
	}{Container: container, Object: object}, &resp); err != nil {
		return nil, err
	}

	if im.blobCache != nil {
		_ = im.blobCache.SetJSON(ctx, blobCacheKey(container, object), resp, im.blobCacheTTL)
	}
	return resp.Data, nil
}

func (im *Imports) invalidateBlobCache(ctx context.Context, container, object string) {
	if im.blobCache == nil {
		return
	}
	_ = im.blobCache.Delete(ctx, blobCacheKey(container, object))
}

// BlobListObjects lists the object names present in container.
func (im *Imports) BlobListObjects(ctx context.Context, container string) ([]string, error) {
	var resp struct {
		Objects []string `json:"objects"`
	}
	if err := im.call(ctx, "wasi", "blobstore", "list-objects", struct {
		Container string `json:"container"`
	}{Container: container}, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// BlobDeleteObject removes an object from container.
func (im *Imports) BlobDeleteObject(ctx context.Context, container, object string) error {
	if err := im.call(ctx, "wasi", "blobstore", "delete-object", struct {
		Container string `json:"container"`
		Object    string `json:"object"`
	}{Container: container, Object: object}, nil); err != nil {
		return err
	}
	im.invalidateBlobCache(ctx, container, object)
	return nil
}

// MessagingPublish publishes payload to subject through
// wasmcloud:messaging/consumer.
func (im *Imports) MessagingPublish(ctx context.Context, subject string, payload []byte) error {
	return im.call(ctx, "wasmcloud", "messaging", "publish", struct {
		Subject string `json:"subject"`
		Payload []byte `json:"payload"`
	}{Subject: subject, Payload: payload}, nil)
}

// MessagingRequest publishes payload to subject and waits for a single
// reply through wasmcloud:messaging/consumer.
func (im *Imports) MessagingRequest(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	var resp struct {
		Payload []byte `json:"payload"`
	}
	if err := im.call(ctx, "wasmcloud", "messaging", "request", struct {
		Subject string `json:"subject"`
		Payload []byte `json:"payload"`
	}{Subject: subject, Payload: payload}, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// HTTPRequest is the outgoing-handler's request shape.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is the outgoing-handler's response shape.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPOutgoingHandle drives an HTTP request through
// wasi:http/outgoing-handler.
func (im *Imports) HTTPOutgoingHandle(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	var resp HTTPResponse
	if err := im.call(ctx, "wasi", "http", "handle", req, &resp); err != nil {
		return HTTPResponse{}, err
	}
	return resp, nil
}
