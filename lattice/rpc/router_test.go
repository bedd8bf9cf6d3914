package rpc

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
	"github.com/wasmlattice/wasmlatticed/lattice/authz"
	"github.com/wasmlattice/wasmlatticed/lattice/claims"
	"github.com/wasmlattice/wasmlatticed/lattice/fabric"
)

type fakeClaimsSource struct {
	claims map[string]lattice.Claims
}

func (f *fakeClaimsSource) GetClaims(subject string) (lattice.Claims, bool) {
	c, ok := f.claims[subject]
	return c, ok
}

func setupTestRouter(t *testing.T, trustedSubjects ...string) (*Router, *fakeClaimsSource) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	fcfg := config.DefaultFabricConfig()
	fcfg.Addr = mr.Addr()
	fab := fabric.New(fcfg, "test-lattice", zap.NewNop())
	t.Cleanup(func() { _ = fab.Close() })

	cs := &fakeClaimsSource{claims: map[string]lattice.Claims{}}
	for _, s := range trustedSubjects {
		cs.claims[s] = lattice.Claims{
			Issuer:  "CISSUER",
			Subject: s,
			Expires: time.Now().Add(time.Hour),
		}
	}

	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	authorizer := authz.NewDefaultAuthorizer(trust, "HHOST")

	rcfg := config.DefaultRPCConfig()
	router := New(rcfg, fab, cs, authorizer, "HHOST", "default", zap.NewNop())
	return router, cs
}

func componentEntity(id string) lattice.Entity {
	return lattice.Entity{Component: &lattice.ComponentEntity{ID: id}}
}

func TestRouter_DispatchesToLocalHandler(t *testing.T) {
	router, _ := setupTestRouter(t, "MCOMPONENT")

	router.RegisterHandler("MCOMPONENT", func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
		return lattice.InvocationResponse{InvocationID: inv.ID, Msg: []byte("pong")}
	})

	inv := lattice.Invocation{
		ID:     "inv-1",
		Origin: componentEntity("MCOMPONENT"),
		Target: componentEntity("MCOMPONENT"),
	}

	resp, err := router.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", resp.InvocationID)
	assert.Equal(t, []byte("pong"), resp.Msg)
}

func TestRouter_ProcessEnvelopeReturnsMatchingInvocationID(t *testing.T) {
	router, _ := setupTestRouter(t, "MCOMPONENT")

	router.RegisterHandler("VPROVIDER", func(ctx context.Context, inv lattice.Invocation) lattice.InvocationResponse {
		return lattice.InvocationResponse{InvocationID: inv.ID, Msg: []byte("ok")}
	})

	inv := lattice.Invocation{
		ID:     "inv-42",
		Origin: componentEntity("MCOMPONENT"),
		Target: lattice.Entity{Capability: &lattice.CapabilityEntity{ID: "VPROVIDER", ContractID: "", LinkName: "default"}},
	}
	payload, err := EncodeEnvelope(inv)
	require.NoError(t, err)

	resp := router.processEnvelope(context.Background(), payload)
	assert.Equal(t, inv.ID, resp.InvocationID)
	assert.Empty(t, resp.Error)
}

func TestRouter_DeniesInvocationFromUnknownOrigin(t *testing.T) {
	router, _ := setupTestRouter(t) // no trusted subjects registered

	inv := lattice.Invocation{
		ID:     "inv-1",
		Origin: componentEntity("MUNKNOWN"),
		Target: componentEntity("MCOMPONENT"),
	}
	payload, err := EncodeEnvelope(inv)
	require.NoError(t, err)

	resp := router.processEnvelope(context.Background(), payload)
	assert.NotEmpty(t, resp.Error)
}

func TestRouter_ReturnsDeserializeErrorForMalformedEnvelope(t *testing.T) {
	router, _ := setupTestRouter(t)

	resp := router.processEnvelope(context.Background(), []byte{1, 2, 3})
	assert.NotEmpty(t, resp.Error)
}

func TestRouter_NotFoundWhenTargetUnregisteredAndNoRemoteRoute(t *testing.T) {
	router, _ := setupTestRouter(t, "MCOMPONENT")
	router.fab = nil

	inv := lattice.Invocation{
		ID:     "inv-1",
		Origin: componentEntity("MCOMPONENT"),
		Target: componentEntity("MOTHER"),
	}
	payload, err := EncodeEnvelope(inv)
	require.NoError(t, err)

	resp := router.processEnvelope(context.Background(), payload)
	assert.Contains(t, resp.Error, lattice.ErrNotFound.Error())
}
