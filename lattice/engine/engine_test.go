package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/claims"
	"github.com/wasmlattice/wasmlatticed/lattice/rpc"
)

// fakeRouter is a minimal Router: it dispatches RegisterHandler targets
// in-process and never reaches a real fabric, which is all the engine
// needs to exercise LoadComponent/invoke without a redis dependency.
type fakeRouter struct {
	mu       sync.RWMutex
	handlers map[string]rpc.Handler
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{handlers: make(map[string]rpc.Handler)}
}

func (f *fakeRouter) RegisterHandler(targetID string, h rpc.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[targetID] = h
}

func (f *fakeRouter) UnregisterHandler(targetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, targetID)
}

func (f *fakeRouter) Invoke(ctx context.Context, inv lattice.Invocation) (lattice.InvocationResponse, error) {
	f.mu.RLock()
	h, ok := f.handlers[inv.Target.Capability.ID]
	f.mu.RUnlock()
	if !ok {
		return lattice.InvocationResponse{}, lattice.ErrNotFound
	}
	return h(ctx, inv), nil
}

type fakeLinks struct{}

func (fakeLinks) GetLink(sourceID, ns, pkg, linkName string) (lattice.Link, bool) {
	return lattice.Link{}, false
}

func testEngine(t *testing.T) (*Engine, *StubRuntime, *fakeRouter) {
	t.Helper()
	runtime := NewStubRuntime()
	router := newFakeRouter()
	trust := claims.NewTrustStore(nil)
	eng := New(config.DefaultEngineConfig(), runtime, router, fakeLinks{}, trust, "HHOST", "default", zap.NewNop())
	t.Cleanup(eng.Close)
	return eng, runtime, router
}

func TestEngine_LoadComponentRegistersExportHandlers(t *testing.T) {
	eng, runtime, router := testEngine(t)

	runtime.Register(StubModule{
		ImageRef: "registry.example/echo:0.1.0",
		Handlers: map[string]HandlerFunc{
			"echo": func(ctx context.Context, payload []byte) ([]byte, error) {
				return payload, nil
			},
		},
	})

	err := eng.LoadComponent(context.Background(), "MECHO", "registry.example/echo:0.1.0", nil, "", 0)
	require.NoError(t, err)

	router.mu.RLock()
	_, hasExport := router.handlers[exportTarget("MECHO", "echo")]
	_, hasBare := router.handlers["MECHO"]
	router.mu.RUnlock()
	assert.True(t, hasExport)
	assert.True(t, hasBare)
}

func TestEngine_LoadComponentRejectsInvalidClaims(t *testing.T) {
	eng, runtime, _ := testEngine(t)
	runtime.Register(StubModule{ImageRef: "registry.example/echo:0.1.0", Handlers: map[string]HandlerFunc{}})

	err := eng.LoadComponent(context.Background(), "MECHO", "registry.example/echo:0.1.0", nil, "not-a-jwt", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, lattice.ErrFatal)
}

func TestEngine_InvokeReturnsExportResult(t *testing.T) {
	eng, runtime, router := testEngine(t)
	runtime.Register(StubModule{
		ImageRef: "registry.example/echo:0.1.0",
		Handlers: map[string]HandlerFunc{
			"echo": func(ctx context.Context, payload []byte) ([]byte, error) {
				return append([]byte("echo:"), payload...), nil
			},
		},
	})
	require.NoError(t, eng.LoadComponent(context.Background(), "MECHO", "registry.example/echo:0.1.0", nil, "", 0))

	handler, ok := router.handlers[exportTarget("MECHO", "echo")]
	require.True(t, ok)

	resp := handler(context.Background(), lattice.Invocation{ID: "I1", Msg: []byte("hi")})
	assert.Empty(t, resp.Error)
	assert.Equal(t, "echo:hi", string(resp.Msg))
}

func TestEngine_InvokeTimesOutUnderEpochDeadline(t *testing.T) {
	eng, runtime, router := testEngine(t)
	runtime.Register(StubModule{
		ImageRef: "registry.example/slow:0.1.0",
		Handlers: map[string]HandlerFunc{
			"slow": func(ctx context.Context, payload []byte) ([]byte, error) {
				select {
				case <-time.After(time.Second):
					return []byte("late"), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	})
	require.NoError(t, eng.LoadComponent(context.Background(), "MSLOW", "registry.example/slow:0.1.0", nil, "", 10*time.Millisecond))

	handler, ok := router.handlers[exportTarget("MSLOW", "slow")]
	require.True(t, ok)

	resp := handler(context.Background(), lattice.Invocation{ID: "I2"})
	require.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Error, "execution deadline")
}

func TestEngine_ScaleToZeroUnregistersHandlers(t *testing.T) {
	eng, runtime, router := testEngine(t)
	runtime.Register(StubModule{
		ImageRef: "registry.example/echo:0.1.0",
		Handlers: map[string]HandlerFunc{"echo": func(ctx context.Context, payload []byte) ([]byte, error) { return payload, nil }},
	})
	require.NoError(t, eng.LoadComponent(context.Background(), "MECHO", "registry.example/echo:0.1.0", nil, "", 0))

	require.NoError(t, eng.Scale("MECHO", 0))

	router.mu.RLock()
	_, hasExport := router.handlers[exportTarget("MECHO", "echo")]
	router.mu.RUnlock()
	assert.False(t, hasExport)
}

func TestEngine_EventsReceivesCompletionForEachInvocation(t *testing.T) {
	eng, runtime, router := testEngine(t)
	runtime.Register(StubModule{
		ImageRef: "registry.example/echo:0.1.0",
		Handlers: map[string]HandlerFunc{"echo": func(ctx context.Context, payload []byte) ([]byte, error) { return payload, nil }},
	})
	require.NoError(t, eng.LoadComponent(context.Background(), "MECHO", "registry.example/echo:0.1.0", nil, "", 0))

	handler := router.handlers[exportTarget("MECHO", "echo")]
	handler(context.Background(), lattice.Invocation{ID: "I3", Msg: []byte("x")})

	select {
	case ev := <-eng.Events():
		assert.Equal(t, "MECHO", ev.ComponentID)
		assert.True(t, ev.Success)
	case <-time.After(time.Second):
		t.Fatal("expected completion event")
	}
}
