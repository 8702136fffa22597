package model

import "strings"

// Console capabilities.
const (
	CapWorkflowRead  = "workflow:read"
	CapWorkflowWrite = "workflow:write"
	CapSocialRender  = "social:render"
	CapBackendRead   = "backend:read"
)

// CapabilitySet is a set of capabilities granted to a user. Keys may end in
// ":*" to grant a whole namespace, and "*" grants everything.
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern (which may end in ":*") matches cap.
//
//	"*"          matches anything
//	"workflow:*" matches "workflow:write"
//	"workflow"   does NOT match "workflow:write"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capability set of a session.
type CapabilityResolver interface {
	Resolve(s *Session) (CapabilitySet, error)
}
