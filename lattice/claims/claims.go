// Package claims signs and validates the tokens attached to components
// and providers (and, by extension, to every invocation originating
// from them). Tokens are EdDSA-signed JWTs whose claim set matches
// lattice.Claims; validation enforces signature, expiration, and
// not-before exactly as spec.md §3 and §4.3 require, leaving policy
// over the capability list itself to lattice/authz.
package claims

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wasmlattice/wasmlatticed/lattice"
)

// Keypair is an Ed25519 signing identity: a cluster issuer (trusted to
// sign claims and invocation tokens across the lattice) or a per-entity
// subject key.
type Keypair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("claims: generate keypair: %w", err)
	}
	return Keypair{Public: pub, private: priv}, nil
}

// CanSign reports whether this keypair holds a private key.
func (k Keypair) CanSign() bool { return k.private != nil }

// tokenClaims is the JWT claim set carried by a signed token; it embeds
// jwt.RegisteredClaims for standard exp/nbf/iss/sub handling and adds
// the lattice-specific fields.
type tokenClaims struct {
	jwt.RegisteredClaims
	CallAlias    string   `json:"call_alias,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// Sign produces a JWT encoding c, signed by issuer's private key. c's
// Issuer/Expires/NotBefore fields become the token's iss/exp/nbf.
func Sign(c lattice.Claims, issuer Keypair) (string, error) {
	if !issuer.CanSign() {
		return "", fmt.Errorf("claims: sign: issuer keypair has no private key")
	}

	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  c.Issuer,
			Subject: c.Subject,
		},
		CallAlias:    c.CallAlias,
		Capabilities: c.Capabilities,
		Version:      c.Version,
	}
	if !c.Expires.IsZero() {
		tc.ExpiresAt = jwt.NewNumericDate(c.Expires)
	}
	if !c.NotBefore.IsZero() {
		tc.NotBefore = jwt.NewNumericDate(c.NotBefore)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tc)
	return token.SignedString(issuer.private)
}

// TrustStore is the set of cluster issuer public keys a host trusts to
// sign claims and invocation tokens. It is established once at host
// construction and is read-only thereafter (spec.md §9, "global mutable
// state").
type TrustStore struct {
	issuers map[string]ed25519.PublicKey
}

// NewTrustStore builds a TrustStore from a set of trusted issuer keys,
// keyed by their Claims.Issuer identifier.
func NewTrustStore(issuers map[string]ed25519.PublicKey) *TrustStore {
	cp := make(map[string]ed25519.PublicKey, len(issuers))
	for k, v := range issuers {
		cp[k] = v
	}
	return &TrustStore{issuers: cp}
}

// Trust adds an additional trusted issuer.
func (t *TrustStore) Trust(issuerID string, pub ed25519.PublicKey) {
	t.issuers[issuerID] = pub
}

// IsTrusted reports whether issuerID is a known cluster issuer.
func (t *TrustStore) IsTrusted(issuerID string) bool {
	_, ok := t.issuers[issuerID]
	return ok
}

// Parse validates tokenStr against trust and, if valid, returns the
// decoded lattice.Claims. Validation fails if the signature does not
// verify against a trusted issuer key, the token is expired, or it is
// not yet valid (not-before in the future).
func Parse(tokenStr string, trust *TrustStore) (lattice.Claims, error) {
	var tc tokenClaims

	token, err := jwt.ParseWithClaims(tokenStr, &tc, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("claims: unexpected signing method %q", t.Method.Alg())
		}
		iss, err := t.Claims.GetIssuer()
		if err != nil {
			return nil, err
		}
		pub, ok := trust.issuers[iss]
		if !ok {
			return nil, fmt.Errorf("claims: issuer %q is not a trusted cluster issuer", iss)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithExpirationRequired())
	if err != nil {
		return lattice.Claims{}, fmt.Errorf("claims: parse: %w", err)
	}
	if !token.Valid {
		return lattice.Claims{}, fmt.Errorf("claims: token is not valid")
	}

	out := lattice.Claims{
		Issuer:       tc.Issuer,
		Subject:      tc.Subject,
		CallAlias:    tc.CallAlias,
		Capabilities: tc.Capabilities,
		Version:      tc.Version,
	}
	if tc.ExpiresAt != nil {
		out.Expires = tc.ExpiresAt.Time
	}
	if tc.NotBefore != nil {
		out.NotBefore = tc.NotBefore.Time
	}
	return out, nil
}

// Validate re-checks an already-decoded Claims value's time window
// against now, without re-verifying the signature. Used by the
// component engine and RPC router once claims have already been
// extracted and parsed, to check liveness at the point of use.
func Validate(c lattice.Claims, now time.Time) error {
	if !c.Expires.IsZero() && now.After(c.Expires) {
		return fmt.Errorf("claims: token for subject %q expired at %s", c.Subject, c.Expires)
	}
	if !c.NotBefore.IsZero() && now.Before(c.NotBefore) {
		return fmt.Errorf("claims: token for subject %q not valid until %s", c.Subject, c.NotBefore)
	}
	return nil
}
