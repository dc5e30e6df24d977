/*
kind.go - Obligation kind registration and lookup

PURPOSE:
  Provides a registry for domain packages to register their obligation
  kinds. This lets storage and JSON decoding turn a stored kind string
  back into the concrete kind without the generic package importing
  any domain package.

HOW IT WORKS:
  1. Domain packages define their ObligationKind implementations
  2. Domain packages register them in init()
  3. Factory and stores use the registry to reconstruct kinds

USAGE:
  // In ptax/types.go
  func init() {
      generic.RegisterKind(KindPTax)
  }

  // In a store
  kind := generic.GetOrCreateKind("omc_ptax")  // returns ptax.KindPTax

SEE ALSO:
  - types.go: ObligationKind interface definition
  - ptax/types.go, bdc/types.go, receivables/types.go: Registered kinds
*/
package generic

import (
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// KIND REGISTRY
// =============================================================================

var (
	kindRegistry = make(map[string]ObligationKind)
	registryMu   sync.RWMutex
)

// RegisterKind adds an obligation kind to the global registry.
// Call this from domain package init() functions.
func RegisterKind(k ObligationKind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	kindRegistry[k.KindID()] = k
}

// LookupKind finds a registered kind by ID. Returns nil if not found.
func LookupKind(id string) ObligationKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return kindRegistry[id]
}

// MustLookupKind finds a registered kind or panics.
func MustLookupKind(id string) ObligationKind {
	k := LookupKind(id)
	if k == nil {
		panic(fmt.Sprintf("obligation kind not registered: %s", id))
	}
	return k
}

// ListKinds returns all registered kinds ordered by ID.
func ListKinds() []ObligationKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	result := make([]ObligationKind, 0, len(kindRegistry))
	for _, k := range kindRegistry {
		result = append(result, k)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].KindID() < result[j].KindID() })
	return result
}

// ListKindsByDomain returns kinds for a specific domain.
func ListKindsByDomain(domain string) []ObligationKind {
	var result []ObligationKind
	for _, k := range ListKinds() {
		if k.KindDomain() == domain {
			result = append(result, k)
		}
	}
	return result
}

// =============================================================================
// STRING KIND - For testing and fallback
// =============================================================================

// StringKind is a plain string-backed kind for tests, and for rows whose
// domain package is not linked into the binary.
type StringKind struct {
	ID     string
	Domain string
}

func (k StringKind) KindID() string     { return k.ID }
func (k StringKind) KindDomain() string { return k.Domain }

// NewStringKind creates a StringKind with "unknown" domain.
func NewStringKind(id string) StringKind {
	return StringKind{ID: id, Domain: "unknown"}
}

// GetOrCreateKind looks up a kind, or falls back to a StringKind.
func GetOrCreateKind(id string) ObligationKind {
	if k := LookupKind(id); k != nil {
		return k
	}
	return NewStringKind(id)
}

// KindIDOf returns the kind's ID, or "" for a nil kind.
func KindIDOf(k ObligationKind) string {
	if k == nil {
		return ""
	}
	return k.KindID()
}
