package durable

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasmlattice/wasmlatticed/lattice"
)

func setupTestMirror(t *testing.T) *Mirror {
	path := filepath.Join(t.TempDir(), "store.db")
	m, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMirror_SaveAndLoadLink(t *testing.T) {
	m := setupTestMirror(t)

	link := lattice.Link{
		SourceID:     "MCOMPONENT",
		TargetID:     "VPROVIDER",
		Namespace:    "wasi",
		Package:      "keyvalue",
		LinkName:     "default",
		Interfaces:   []string{"store"},
		SourceConfig: []string{"a"},
		TargetConfig: []string{"b"},
	}
	require.NoError(t, m.SaveLink(link))

	links, _, _, _, err := m.LoadAll()
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, link, links[0])
}

func TestMirror_DeleteLink(t *testing.T) {
	m := setupTestMirror(t)

	link := lattice.Link{SourceID: "MCOMPONENT", Namespace: "wasi", Package: "keyvalue", LinkName: "default"}
	require.NoError(t, m.SaveLink(link))
	require.NoError(t, m.DeleteLink(link.Key()))

	links, _, _, _, err := m.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestMirror_SaveAndLoadClaims(t *testing.T) {
	m := setupTestMirror(t)

	c := lattice.Claims{
		Issuer:       "CISSUER",
		Subject:      "MCOMPONENT",
		CallAlias:    "hello",
		Capabilities: []string{"wasi:http/incoming-handler"},
		Version:      "0.1.0",
		Expires:      time.Unix(2000000000, 0).UTC(),
		NotBefore:    time.Unix(1000000000, 0).UTC(),
	}
	require.NoError(t, m.SaveClaims(c))

	_, claimsList, _, _, err := m.LoadAll()
	require.NoError(t, err)
	require.Len(t, claimsList, 1)
	assert.Equal(t, c, claimsList[0])
}

func TestMirror_SaveAndLoadConfig(t *testing.T) {
	m := setupTestMirror(t)

	cfg := lattice.Config{Name: "kv-bucket", Values: map[string]string{"bucket": "default"}}
	require.NoError(t, m.SaveConfig(cfg))

	_, _, configs, _, err := m.LoadAll()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, cfg, configs[0])
}

func TestMirror_SaveAndLoadAlias(t *testing.T) {
	m := setupTestMirror(t)

	require.NoError(t, m.SaveAlias("hello", "MCOMPONENT"))

	_, _, _, aliases, err := m.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, "MCOMPONENT", aliases["hello"])
}

func TestMirror_SaveLinkUpsertsExisting(t *testing.T) {
	m := setupTestMirror(t)

	link := lattice.Link{SourceID: "MCOMPONENT", Namespace: "wasi", Package: "keyvalue", LinkName: "default", TargetID: "VPROVIDER1"}
	require.NoError(t, m.SaveLink(link))

	link.TargetID = "VPROVIDER2"
	require.NoError(t, m.SaveLink(link))

	links, _, _, _, err := m.LoadAll()
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "VPROVIDER2", links[0].TargetID)
}

func TestMirror_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	m1, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m1.SaveAlias("hello", "MCOMPONENT"))
	require.NoError(t, m1.Close())

	m2, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()

	_, _, _, aliases, err := m2.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, "MCOMPONENT", aliases["hello"])
}
