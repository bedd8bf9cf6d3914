package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmlattice/wasmlatticed/lattice"
)

func TestSignAndParseRoundTrip(t *testing.T) {
	issuer, err := GenerateKeypair()
	require.NoError(t, err)

	trust := NewTrustStore(nil)
	trust.Trust("CISSUER", issuer.Public)

	c := lattice.Claims{
		Issuer:       "CISSUER",
		Subject:      "MCOMPONENT",
		CallAlias:    "hello",
		Capabilities: []string{"wasi:http/incoming-handler"},
		Version:      "0.1.0",
		Expires:      time.Now().Add(time.Hour),
		NotBefore:    time.Now().Add(-time.Minute),
	}

	token, err := Sign(c, issuer)
	require.NoError(t, err)

	got, err := Parse(token, trust)
	require.NoError(t, err)

	assert.Equal(t, c.Issuer, got.Issuer)
	assert.Equal(t, c.Subject, got.Subject)
	assert.Equal(t, c.CallAlias, got.CallAlias)
	assert.Equal(t, c.Capabilities, got.Capabilities)
	assert.WithinDuration(t, c.Expires, got.Expires, time.Second)
}

func TestParseRejectsUntrustedIssuer(t *testing.T) {
	issuer, err := GenerateKeypair()
	require.NoError(t, err)

	trust := NewTrustStore(nil)

	c := lattice.Claims{
		Issuer:  "CISSUER",
		Subject: "MCOMPONENT",
		Expires: time.Now().Add(time.Hour),
	}

	token, err := Sign(c, issuer)
	require.NoError(t, err)

	_, err = Parse(token, trust)
	assert.Error(t, err)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issuer, err := GenerateKeypair()
	require.NoError(t, err)

	trust := NewTrustStore(nil)
	trust.Trust("CISSUER", issuer.Public)

	c := lattice.Claims{
		Issuer:  "CISSUER",
		Subject: "MCOMPONENT",
		Expires: time.Now().Add(-time.Hour),
	}

	token, err := Sign(c, issuer)
	require.NoError(t, err)

	_, err = Parse(token, trust)
	assert.Error(t, err)
}

func TestValidateChecksTimeWindow(t *testing.T) {
	now := time.Now()

	expired := lattice.Claims{Subject: "x", Expires: now.Add(-time.Second)}
	assert.Error(t, Validate(expired, now))

	notYet := lattice.Claims{Subject: "x", NotBefore: now.Add(time.Second)}
	assert.Error(t, Validate(notYet, now))

	valid := lattice.Claims{Subject: "x", Expires: now.Add(time.Hour), NotBefore: now.Add(-time.Hour)}
	assert.NoError(t, Validate(valid, now))
}
