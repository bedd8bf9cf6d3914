// Package lattice defines the data model shared by every lattice
// subsystem: hosts, components, providers, links, claims, and the
// invocation envelope that moves between them.
package lattice

import "time"

// Host identifies one process participating in a lattice.
type Host struct {
	ID        string
	LatticeID string
	Labels    map[string]string
	StartedAt time.Time
}

// Component is a loaded WebAssembly component: its identity, optional
// signed claims, the image it was loaded from, and the handle of its
// pre-compiled module (owned by lattice/engine).
type Component struct {
	ID       string
	Claims   *Claims
	ImageRef string
	Module   ModuleHandle
	Count    int
}

// ModuleHandle is an opaque reference to a pre-compiled module, owned by
// whichever ComponentRuntime produced it.
type ModuleHandle interface{}

// Provider is a capability implementor bound to components via links.
type Provider struct {
	ID         string
	ImageRef   string
	Interfaces []string
	LinkName   string
}

// Link asserts that Source uses Target for a WIT interface under a
// link-name. The tuple (SourceID, Namespace, Package, LinkName) is the
// unique key.
type Link struct {
	SourceID      string
	TargetID      string
	Namespace     string
	Package       string
	Interfaces    []string
	LinkName      string
	SourceConfig  []string
	TargetConfig  []string
}

// Key returns the unique link-store key for this link.
func (l Link) Key() string {
	return l.SourceID + "/" + l.Namespace + "/" + l.Package + "/" + l.LinkName
}

// Config is a named map of string values referenced by links and
// provider bindings.
type Config struct {
	Name   string
	Values map[string]string
}

// Claims is a signed token describing an entity's identity, capability
// set, and validity window.
type Claims struct {
	Issuer       string
	Subject      string
	CallAlias    string
	Capabilities []string
	Version      string
	Expires      time.Time
	NotBefore    time.Time
}

// Entity is a tagged union: either a Component or a Capability endpoint.
// Exactly one of the two embedded pointers is non-nil.
type Entity struct {
	Component  *ComponentEntity
	Capability *CapabilityEntity
}

// ComponentEntity names a component by id.
type ComponentEntity struct {
	ID string
}

// CapabilityEntity names a capability endpoint served by a provider.
type CapabilityEntity struct {
	ID         string
	ContractID string
	LinkName   string
}

// Invocation is one request exchanged between two entities.
type Invocation struct {
	ID            string
	Origin        Entity
	Target        Entity
	Operation     string
	Msg           []byte
	ContentLength uint64
	ChunkRef      string
	TraceContext  map[string]string
	HostID        string
}

// InvocationResponse is the reply to an Invocation.
type InvocationResponse struct {
	InvocationID  string
	Msg           []byte
	Error         string
	ContentLength uint64
}

// LifecycleState enumerates the states a Component, Provider, or Link
// moves through.
type LifecycleState int

const (
	StateAbsent LifecycleState = iota
	StateStarting
	StateReady
	StateDraining
	StateActive
	StateUpdating
)

func (s LifecycleState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateActive:
		return "active"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}
