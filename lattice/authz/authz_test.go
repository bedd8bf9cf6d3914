package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/claims"
)

func trustedClaims(issuer string, capabilities ...string) lattice.Claims {
	return lattice.Claims{
		Issuer:       issuer,
		Subject:      "MCOMPONENT",
		Capabilities: capabilities,
		Expires:      time.Now().Add(time.Hour),
		NotBefore:    time.Now().Add(-time.Minute),
	}
}

func capabilityTarget(contractID string) lattice.Entity {
	return lattice.Entity{Capability: &lattice.CapabilityEntity{ID: "VPROVIDER", ContractID: contractID, LinkName: "default"}}
}

func TestDefaultAuthorizer_PermitsTrustedUnexpiredCoveredCall(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER", "wasi:keyvalue/store")
	inv := lattice.Invocation{HostID: "other-host"}

	d := a.Authorize(inv, c, capabilityTarget("wasi:keyvalue/store"))
	assert.True(t, d.Permitted)
}

func TestDefaultAuthorizer_DeniesUntrustedIssuer(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER")
	d := a.Authorize(lattice.Invocation{}, c, lattice.Entity{})

	assert.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "not a trusted cluster issuer")
}

func TestDefaultAuthorizer_DeniesExpiredClaims(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER")
	c.Expires = time.Now().Add(-time.Hour)

	d := a.Authorize(lattice.Invocation{}, c, lattice.Entity{})
	assert.False(t, d.Permitted)
}

func TestDefaultAuthorizer_DeniesNotYetValidClaims(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER")
	c.NotBefore = time.Now().Add(time.Hour)

	d := a.Authorize(lattice.Invocation{}, c, lattice.Entity{})
	assert.False(t, d.Permitted)
}

func TestDefaultAuthorizer_DeniesInboundCallWithUnresolvedTarget(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER")
	inv := lattice.Invocation{HostID: "HHOST"}

	d := a.Authorize(inv, c, lattice.Entity{})
	require.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "does not name this host's subject")
}

func TestDefaultAuthorizer_DeniesUncoveredContract(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER", "wasi:http/outgoing-handler")
	d := a.Authorize(lattice.Invocation{}, c, capabilityTarget("wasi:keyvalue/store"))

	require.False(t, d.Permitted)
	assert.Contains(t, d.Reason, "does not cover target contract")
}

func TestDefaultAuthorizer_PermitsComponentTargetWithoutContract(t *testing.T) {
	trust := claims.NewTrustStore(nil)
	trust.Trust("CISSUER", nil)
	a := NewDefaultAuthorizer(trust, "HHOST")

	c := trustedClaims("CISSUER")
	target := lattice.Entity{Component: &lattice.ComponentEntity{ID: "MCOMPONENT"}}

	d := a.Authorize(lattice.Invocation{}, c, target)
	assert.True(t, d.Permitted)
}
