// Package authz implements the authorizer: a pure function of an
// invocation, the claims of its origin, and its target, deciding
// whether the call is permitted. The default policy enforces the
// issuer/expiry/not-before checks lattice/claims already validates at
// parse time, plus two checks specific to authorization: that an
// inbound call's target names the local host's subject, and that the
// origin's declared capability set covers the target's contract.
//
// Grounded on agent/guardrails' validator-chain idiom (ordered checks,
// first failure wins, detailed rejection reason) but simplified to a
// single ordered function rather than a registerable chain, since
// spec.md pins the check order and the set of checks rather than
// leaving it open to plugins beyond swapping the whole Authorizer.
package authz

import (
	"fmt"
	"time"

	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/claims"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Permitted bool
	Reason    string
}

func permit() Decision        { return Decision{Permitted: true} }
func deny(reason string) Decision { return Decision{Permitted: false, Reason: reason} }

// Authorizer decides whether an invocation from origin, carrying
// originClaims, against target is permitted. Implementations must be
// safe for concurrent use; the core consults exactly one Authorizer,
// established at host construction and read-only thereafter.
type Authorizer interface {
	Authorize(inv lattice.Invocation, originClaims lattice.Claims, target lattice.Entity) Decision
}

// DefaultAuthorizer implements spec.md's default policy: the origin's
// claims must be signed by a trusted cluster issuer, unexpired, and
// past their not-before instant; an inbound invocation's target must
// name the local host's subject; and the origin's declared capability
// set must cover the target's contract.
type DefaultAuthorizer struct {
	trust       *claims.TrustStore
	localHostID string
	now         func() time.Time
}

// NewDefaultAuthorizer builds the default authorizer for a host whose
// identifier is localHostID, consulting trust for issuer membership.
func NewDefaultAuthorizer(trust *claims.TrustStore, localHostID string) *DefaultAuthorizer {
	return &DefaultAuthorizer{trust: trust, localHostID: localHostID, now: time.Now}
}

// Authorize runs the default policy's checks in the order spec.md §4.3
// describes, short-circuiting on the first failure.
func (a *DefaultAuthorizer) Authorize(inv lattice.Invocation, originClaims lattice.Claims, target lattice.Entity) Decision {
	if !a.trust.IsTrusted(originClaims.Issuer) {
		return deny(fmt.Sprintf("issuer %q is not a trusted cluster issuer", originClaims.Issuer))
	}

	if err := claims.Validate(originClaims, a.now()); err != nil {
		return deny(err.Error())
	}

	if inv.HostID == a.localHostID {
		if !a.targetIsLocalSubject(target) {
			return deny("inbound invocation target does not name this host's subject")
		}
	}

	contract := targetContract(target)
	if contract != "" && !capabilitiesCover(originClaims.Capabilities, contract) {
		return deny(fmt.Sprintf("origin capability set does not cover target contract %q", contract))
	}

	return permit()
}

// targetIsLocalSubject reports whether target names a component or
// capability endpoint that the local host is authoritative for. The
// RPC router only calls Authorize for inbound invocations once it has
// already resolved target to a locally known entity, so this check is
// really "is target non-empty and locally resolved" — expressed here
// for symmetry with spec.md's phrasing.
func (a *DefaultAuthorizer) targetIsLocalSubject(target lattice.Entity) bool {
	if target.Component != nil {
		return target.Component.ID != ""
	}
	if target.Capability != nil {
		return target.Capability.ID != ""
	}
	return false
}

func targetContract(target lattice.Entity) string {
	if target.Capability != nil {
		return target.Capability.ContractID
	}
	return ""
}

func capabilitiesCover(capabilities []string, contract string) bool {
	for _, c := range capabilities {
		if c == contract {
			return true
		}
	}
	return false
}
