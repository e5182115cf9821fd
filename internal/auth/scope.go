package auth

import (
	"gorm.io/gorm"
)

// Scope is the tenant-isolation filter derived from a Principal. It is
// applied at the data-access layer so no query path can return
// cross-provider rows, regardless of what the HTTP layer does.
type Scope struct {
	all        bool
	providerID uint
	customerID uint
}

// ScopeFor derives the isolation boundary for a principal:
// platform_owner sees all providers, isp_provider only its own provider,
// customer only its own record.
func ScopeFor(p Principal) Scope {
	if p.HasRole(RolePlatformOwner) {
		return Scope{all: true}
	}
	if p.HasRole(RoleISPProvider) {
		return Scope{providerID: p.ProviderID}
	}
	return Scope{customerID: p.CustomerID, providerID: p.ProviderID}
}

// All reports an unrestricted (platform_owner) scope.
func (s Scope) All() bool { return s.all }

// ProviderID is the provider filter; zero with All() unset means a
// customer-only scope.
func (s Scope) ProviderID() uint { return s.providerID }

// CustomerID is nonzero for customer-only scopes.
func (s Scope) CustomerID() uint { return s.customerID }

// Apply narrows a query to provider-owned rows. Tables using this must
// carry a provider_id column.
func (s Scope) Apply(tx *gorm.DB) *gorm.DB {
	if s.all {
		return tx
	}
	return tx.Where("provider_id = ?", s.providerID)
}

// ApplyCustomer narrows a customers query: a customer principal is pinned
// to its own row on top of the provider filter.
func (s Scope) ApplyCustomer(tx *gorm.DB) *gorm.DB {
	tx = s.Apply(tx)
	if s.customerID != 0 {
		tx = tx.Where("id = ?", s.customerID)
	}
	return tx
}

// Owns reports whether a row with the given provider is visible in scope.
func (s Scope) Owns(providerID uint) bool {
	return s.all || s.providerID == providerID
}
