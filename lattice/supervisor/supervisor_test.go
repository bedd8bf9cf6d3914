package supervisor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/lattice"
)

type fakeLinkSource struct {
	byTarget map[string][]lattice.Link
}

func (f fakeLinkSource) LinksForTarget(targetID string) []lattice.Link {
	return f.byTarget[targetID]
}

type recordingConn struct {
	mu     sync.Mutex
	frames []ControlFrame
	accept bool
}

func (c *recordingConn) Send(ctx context.Context, frame ControlFrame) (ControlAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return ControlAck{Accepted: c.accept}, nil
}

func (c *recordingConn) Close() error { return nil }

func testLink(linkName string) lattice.Link {
	return lattice.Link{
		SourceID:  "MCOMPONENT",
		TargetID:  "VPROVIDER",
		Namespace: "wasi",
		Package:   "keyvalue",
		LinkName:  linkName,
	}
}

func TestSupervisor_StartProviderReplaysExistingLinks(t *testing.T) {
	links := fakeLinkSource{byTarget: map[string][]lattice.Link{
		"VPROVIDER": {testLink("default"), testLink("secondary")},
	}}
	sup := New(config.DefaultSupervisorConfig(), "HHOST", links, zap.NewNop())

	conn := &recordingConn{accept: true}
	require.NoError(t, sup.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, conn))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.frames, 2)
	assert.Equal(t, FramePutLink, conn.frames[0].Type)
	assert.Equal(t, FramePutLink, conn.frames[1].Type)
	assert.True(t, sup.IsHealthy("VPROVIDER"))
}

func TestSupervisor_PutLinkRejectedByProviderIsReported(t *testing.T) {
	links := fakeLinkSource{}
	sup := New(config.DefaultSupervisorConfig(), "HHOST", links, zap.NewNop())
	conn := &recordingConn{accept: false}
	require.NoError(t, sup.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, conn))

	err := sup.PutLink(context.Background(), testLink("default"))
	require.Error(t, err)
	assert.ErrorIs(t, err, lattice.ErrProviderRejected)
}

func TestSupervisor_RemoveLinkSendsDeleteFrameWithKey(t *testing.T) {
	links := fakeLinkSource{}
	sup := New(config.DefaultSupervisorConfig(), "HHOST", links, zap.NewNop())
	conn := &recordingConn{accept: true}
	require.NoError(t, sup.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, conn))

	link := testLink("default")
	require.NoError(t, sup.RemoveLink(context.Background(), "VPROVIDER", link.SourceID, link.Namespace, link.Package, link.LinkName))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	last := conn.frames[len(conn.frames)-1]
	assert.Equal(t, FrameDeleteLink, last.Type)
	assert.Equal(t, link.Key(), last.LinkKey)
}

func TestSupervisor_StopProviderSendsShutdownAndForgetsProvider(t *testing.T) {
	links := fakeLinkSource{}
	sup := New(config.DefaultSupervisorConfig(), "HHOST", links, zap.NewNop())
	conn := &recordingConn{accept: true}
	require.NoError(t, sup.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, conn))

	require.NoError(t, sup.StopProvider(context.Background(), "VPROVIDER"))

	conn.mu.Lock()
	last := conn.frames[len(conn.frames)-1]
	conn.mu.Unlock()
	assert.Equal(t, FrameShutdown, last.Type)

	_, err := sup.HealthCheck(context.Background(), "VPROVIDER")
	assert.ErrorIs(t, err, lattice.ErrNotFound)
}

func TestSupervisor_RestartReplaysLinksAfterCrash(t *testing.T) {
	links := fakeLinkSource{byTarget: map[string][]lattice.Link{
		"VPROVIDER": {testLink("default")},
	}}
	sup := New(config.DefaultSupervisorConfig(), "HHOST", links, zap.NewNop())

	firstConn := &recordingConn{accept: true}
	require.NoError(t, sup.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, firstConn))

	// Simulate the provider process crashing and a new control
	// connection replacing the old one on restart.
	secondConn := &recordingConn{accept: true}
	require.NoError(t, sup.StartProvider(context.Background(), lattice.Provider{ID: "VPROVIDER"}, secondConn))

	secondConn.mu.Lock()
	defer secondConn.mu.Unlock()
	require.Len(t, secondConn.frames, 1)
	assert.Equal(t, FramePutLink, secondConn.frames[0].Type)
}
