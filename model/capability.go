package model

import "strings"

// Capabilities checked by the HTTP surface.
const (
	CapContractsRead     = "contracts:read"
	CapContractsManage   = "contracts:manage"
	CapAssignmentsManage = "assignments:manage"
	CapExecutionsRead    = "executions:read"
	CapExecutionsCreate  = "executions:create"
	CapExecutionsMove    = "executions:move"
	CapExecutionsManage  = "executions:manage"
)

// CapabilitySet is a set of capabilities granted to a user. Keys may include
// wildcards (e.g. "executions:*").
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

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"            matches anything
//	"executions:*" matches "executions:move"
//	"executions"   does NOT match "executions:move"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator maps a request's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}
