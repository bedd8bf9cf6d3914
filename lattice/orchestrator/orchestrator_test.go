package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/supervisor"
)

type fakeEngine struct {
	mu     sync.Mutex
	loaded map[string]bool
	counts map[string]int

	loadErr  error
	scaleErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{loaded: map[string]bool{}, counts: map[string]int{}}
}

func (f *fakeEngine) Loaded(componentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[componentID]
}

func (f *fakeEngine) LoadComponent(_ context.Context, componentID, _ string, _ []byte, _ string, _ time.Duration) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[componentID] = true
	return nil
}

func (f *fakeEngine) Scale(componentID string, count int) error {
	if f.scaleErr != nil {
		return f.scaleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded[componentID] {
		return lattice.ErrNotFound
	}
	f.counts[componentID] = count
	return nil
}

type fakeSupervisor struct {
	mu        sync.Mutex
	started   map[string]bool
	putLinks  []lattice.Link
	removed   []string
	rejectPut bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{started: map[string]bool{}}
}

func (f *fakeSupervisor) StartProvider(_ context.Context, provider lattice.Provider, _ supervisor.ControlConn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[provider.ID] = true
	return nil
}

func (f *fakeSupervisor) StopProvider(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, providerID)
	return nil
}

func (f *fakeSupervisor) PutLink(_ context.Context, link lattice.Link) error {
	if f.rejectPut {
		return lattice.ErrProviderRejected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLinks = append(f.putLinks, link)
	return nil
}

func (f *fakeSupervisor) RemoveLink(_ context.Context, providerID, sourceID, ns, pkg, linkName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, (lattice.Link{SourceID: sourceID, Namespace: ns, Package: pkg, LinkName: linkName}).Key())
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	links   map[string]lattice.Link
	configs map[string]lattice.Config
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{links: map[string]lattice.Link{}, configs: map[string]lattice.Config{}}
}

func (f *fakeStore) PutLink(_ context.Context, link lattice.Link) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[link.Key()] = link
	return nil
}

func (f *fakeStore) RemoveLink(_ context.Context, sourceID, ns, pkg, linkName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, (lattice.Link{SourceID: sourceID, Namespace: ns, Package: pkg, LinkName: linkName}).Key())
	return nil
}

func (f *fakeStore) PutConfig(_ context.Context, c lattice.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[c.Name] = c
	return nil
}

func (f *fakeStore) GetLink(sourceID, ns, pkg, linkName string) (lattice.Link, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[(lattice.Link{SourceID: sourceID, Namespace: ns, Package: pkg, LinkName: linkName}).Key()]
	return l, ok
}

func testLink() lattice.Link {
	return lattice.Link{
		SourceID: "MCOMPONENT", TargetID: "VPROVIDER",
		Namespace: "wasi", Package: "keyvalue", LinkName: "default",
	}
}

func TestOrchestrator_ScaleComponentLoadsThenScales(t *testing.T) {
	eng := newFakeEngine()
	o := New(eng, newFakeSupervisor(), newFakeStore(), zap.NewNop())

	require.NoError(t, o.ScaleComponent(context.Background(), "MCOMPONENT", "file://hello.wasm", nil, "", 3, time.Second))
	assert.True(t, eng.Loaded("MCOMPONENT"))
	assert.Equal(t, 3, eng.counts["MCOMPONENT"])
}

func TestOrchestrator_ScaleComponentSkipsReloadWhenAlreadyLoaded(t *testing.T) {
	eng := newFakeEngine()
	o := New(eng, newFakeSupervisor(), newFakeStore(), zap.NewNop())

	require.NoError(t, o.ScaleComponent(context.Background(), "MCOMPONENT", "file://hello.wasm", nil, "", 1, time.Second))
	eng.loadErr = errors.New("must not be called again")
	require.NoError(t, o.ScaleComponent(context.Background(), "MCOMPONENT", "file://hello.wasm", nil, "", 0, time.Second))
	assert.Equal(t, 0, eng.counts["MCOMPONENT"])
}

func TestOrchestrator_PutLinkWritesStoreThenNotifiesProvider(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSupervisor()
	o := New(newFakeEngine(), sup, st, zap.NewNop())

	link := testLink()
	require.NoError(t, o.PutLink(context.Background(), link))

	_, ok := st.GetLink(link.SourceID, link.Namespace, link.Package, link.LinkName)
	assert.True(t, ok)
	require.Len(t, sup.putLinks, 1)
	assert.Equal(t, link, sup.putLinks[0])
}

func TestOrchestrator_PutLinkProviderRejectionLeavesErrorVisible(t *testing.T) {
	sup := newFakeSupervisor()
	sup.rejectPut = true
	o := New(newFakeEngine(), sup, newFakeStore(), zap.NewNop())

	err := o.PutLink(context.Background(), testLink())
	require.Error(t, err)
	assert.ErrorIs(t, err, lattice.ErrProviderRejected)
}

func TestOrchestrator_RemoveLinkIsNoOpWhenAbsent(t *testing.T) {
	sup := newFakeSupervisor()
	o := New(newFakeEngine(), sup, newFakeStore(), zap.NewNop())

	require.NoError(t, o.RemoveLink(context.Background(), "MCOMPONENT", "wasi", "keyvalue", "default"))
	assert.Empty(t, sup.removed)
}

func TestOrchestrator_RemoveLinkNotifiesProviderThenRemovesFromStore(t *testing.T) {
	st := newFakeStore()
	sup := newFakeSupervisor()
	o := New(newFakeEngine(), sup, st, zap.NewNop())

	link := testLink()
	require.NoError(t, o.PutLink(context.Background(), link))
	require.NoError(t, o.RemoveLink(context.Background(), link.SourceID, link.Namespace, link.Package, link.LinkName))

	require.Len(t, sup.removed, 1)
	assert.Equal(t, link.Key(), sup.removed[0])
	_, ok := st.GetLink(link.SourceID, link.Namespace, link.Package, link.LinkName)
	assert.False(t, ok)
}

func TestOrchestrator_PutConfigWritesThroughStore(t *testing.T) {
	st := newFakeStore()
	o := New(newFakeEngine(), newFakeSupervisor(), st, zap.NewNop())

	require.NoError(t, o.PutConfig(context.Background(), lattice.Config{Name: "cfg1", Values: map[string]string{"host": "v1.local"}}))
	assert.Equal(t, "v1.local", st.configs["cfg1"].Values["host"])
}

func TestOrchestrator_StartAndStopProvider(t *testing.T) {
	sup := newFakeSupervisor()
	o := New(newFakeEngine(), sup, newFakeStore(), zap.NewNop())

	require.NoError(t, o.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, supervisor.NewLocalConn(func(context.Context, supervisor.ControlFrame) supervisor.ControlAck {
		return supervisor.ControlAck{Accepted: true}
	})))
	assert.True(t, sup.started["VPROVIDER"])

	require.NoError(t, o.StopProvider(context.Background(), "VPROVIDER"))
	assert.False(t, sup.started["VPROVIDER"])
}
