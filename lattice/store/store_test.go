package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/lattice"
)

func setupTestStore(t *testing.T, hostID string) (*miniredis.Miniredis, *Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := config.DefaultStoreConfig()
	cfg.RedisAddr = mr.Addr()

	s := New(cfg, "test-lattice", hostID, zap.NewNop())
	return mr, s
}

func testLink(name string) lattice.Link {
	return lattice.Link{
		SourceID:  "MCOMPONENT",
		TargetID:  "VPROVIDER",
		Namespace: "wasi",
		Package:   "keyvalue",
		LinkName:  name,
	}
}

func TestStore_PutLinkIsVisibleImmediately(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	link := testLink("default")
	require.NoError(t, s.PutLink(context.Background(), link))

	got, ok := s.GetLink(link.SourceID, link.Namespace, link.Package, link.LinkName)
	require.True(t, ok)
	assert.Equal(t, link, got)

	links := s.GetLinks()
	assert.Len(t, links, 1)
}

func TestStore_PutLinkFiresHandlerSynchronously(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	var observed Event
	fired := make(chan struct{}, 1)
	s.Subscribe(func(ev Event) {
		observed = ev
		fired <- struct{}{}
	})

	link := testLink("default")
	require.NoError(t, s.PutLink(context.Background(), link))

	select {
	case <-fired:
	default:
		t.Fatal("handler was not invoked synchronously with PutLink")
	}
	assert.Equal(t, LinkPut, observed.Type)
	assert.Equal(t, link.Key(), observed.LinkKey)
}

func TestStore_RemoveLinkClearsCacheAndFiresDelete(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	link := testLink("default")
	require.NoError(t, s.PutLink(context.Background(), link))

	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, s.RemoveLink(context.Background(), link.SourceID, link.Namespace, link.Package, link.LinkName))

	_, ok := s.GetLink(link.SourceID, link.Namespace, link.Package, link.LinkName)
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, LinkDelete, events[0].Type)
	assert.Equal(t, link, events[0].Link)
}

func TestStore_PutConfigEmitsLinkUpdateForReferencingLinks(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	link := testLink("default")
	link.TargetConfig = []string{"kv-bucket"}
	require.NoError(t, s.PutLink(context.Background(), link))

	var updates []Event
	s.Subscribe(func(ev Event) {
		if ev.Type == LinkUpdate {
			updates = append(updates, ev)
		}
	})

	require.NoError(t, s.PutConfig(context.Background(), lattice.Config{
		Name:   "kv-bucket",
		Values: map[string]string{"bucket": "default"},
	}))

	require.Len(t, updates, 1)
	assert.Equal(t, link.Key(), updates[0].LinkKey)
}

func TestStore_ConcurrentLinkAdds(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- s.PutLink(context.Background(), testLink(linkNameFor(i)))
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	assert.Len(t, s.GetLinks(), n)
}

func linkNameFor(i int) string {
	names := []string{"l0", "l1", "l2", "l3", "l4", "l5", "l6", "l7", "l8", "l9"}
	return names[i]
}

func TestStore_ClaimsAndAliasRoundTrip(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	c := lattice.Claims{Subject: "MCOMPONENT", CallAlias: "hello", Expires: time.Now().Add(time.Hour)}
	require.NoError(t, s.PutClaims(context.Background(), c))

	got, ok := s.GetClaims("MCOMPONENT")
	require.True(t, ok)
	assert.Equal(t, c.CallAlias, got.CallAlias)

	require.NoError(t, s.PutCallAlias(context.Background(), "hello", "MCOMPONENT"))
	id, ok := s.ResolveAlias("hello")
	require.True(t, ok)
	assert.Equal(t, "MCOMPONENT", id)
}

func TestStore_LinksForTargetSupportsRestartReplay(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	l1 := testLink("one")
	l2 := testLink("two")
	l2.TargetID = "other-provider"
	require.NoError(t, s.PutLink(context.Background(), l1))
	require.NoError(t, s.PutLink(context.Background(), l2))

	replay := s.LinksForTarget("VPROVIDER")
	require.Len(t, replay, 1)
	assert.Equal(t, l1.Key(), replay[0].Key())
}

func TestStore_RefreshBypassesCache(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	require.NoError(t, s.PutLink(context.Background(), testLink("default")))
	require.NoError(t, s.Refresh(context.Background()))

	assert.Len(t, s.GetLinks(), 1)
}

func TestStore_RemoteEventsFromOtherHostsUpdateCacheViaStart(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.DefaultStoreConfig()
	cfg.RedisAddr = mr.Addr()

	writer := New(cfg, "test-lattice", "host-writer", zap.NewNop())
	defer writer.Close()

	reader := New(cfg, "test-lattice", "host-reader", zap.NewNop())
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reader.Start(ctx))

	time.Sleep(50 * time.Millisecond)

	link := testLink("default")
	require.NoError(t, writer.PutLink(context.Background(), link))

	require.Eventually(t, func() bool {
		_, ok := reader.GetLink(link.SourceID, link.Namespace, link.Package, link.LinkName)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_SelfOriginatedEchoIsNotDoubleApplied(t *testing.T) {
	mr, s := setupTestStore(t, "host-1")
	defer mr.Close()
	defer s.Close()

	var count int
	s.Subscribe(func(ev Event) {
		if ev.Type == LinkPut {
			count++
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.PutLink(context.Background(), testLink("default")))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, count)
}
