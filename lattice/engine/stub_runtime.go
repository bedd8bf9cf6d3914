package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wasmlattice/wasmlatticed/lattice"
)

// HandlerFunc is the behavior a StubModule exposes under one export
// name. Test code (and, in a real deployment, a generator that
// snapshots a component's actual behavior) registers these directly
// instead of supplying compiled wasm bytes.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// StubModule is a named set of exports, registered against an image
// reference so StubRuntime.Compile can resolve it without real
// component bytes.
type StubModule struct {
	ImageRef string
	Handlers map[string]HandlerFunc
}

// StubRuntime is the engine's default ComponentRuntime: modules are
// pre-registered by image reference instead of compiled from wasm
// bytes, so the full load → instantiate → invoke → deadline pipeline
// can be exercised without an embedded WebAssembly engine.
type StubRuntime struct {
	mu        sync.RWMutex
	templates map[string]StubModule
}

// NewStubRuntime constructs an empty StubRuntime.
func NewStubRuntime() *StubRuntime {
	return &StubRuntime{templates: make(map[string]StubModule)}
}

// Register makes module resolvable by its ImageRef. Registering the
// same ImageRef again replaces the previous module, modeling an image
// update.
func (r *StubRuntime) Register(module StubModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[module.ImageRef] = module
}

// Compile resolves imageRef against the registered templates;
// imageBytes is ignored since StubRuntime carries no real wasm engine.
func (r *StubRuntime) Compile(_ context.Context, imageRef string, _ []byte) (lattice.ModuleHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[imageRef]
	if !ok {
		return nil, fmt.Errorf("engine: no stub module registered for image %q", imageRef)
	}
	return &tmpl, nil
}

// Exports lists handle's export names in sorted order.
func (r *StubRuntime) Exports(handle lattice.ModuleHandle) []string {
	m := handle.(*StubModule)
	out := make([]string, 0, len(m.Handlers))
	for name := range m.Handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewInstance returns a stub instance bound to handle's handler set.
func (r *StubRuntime) NewInstance(_ context.Context, handle lattice.ModuleHandle) (Instance, error) {
	m := handle.(*StubModule)
	return &stubInstance{module: m}, nil
}

type stubInstance struct{ module *StubModule }

func (s *stubInstance) Invoke(ctx context.Context, export string, payload []byte) ([]byte, error) {
	h, ok := s.module.Handlers[export]
	if !ok {
		return nil, fmt.Errorf("engine: export %q not found on image %q", export, s.module.ImageRef)
	}

	done := make(chan struct{})
	var result []byte
	var err error
	go func() {
		defer close(done)
		result, err = h(ctx, payload)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stubInstance) Close() error { return nil }
