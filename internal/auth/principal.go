package auth

import (
	"errors"
)

type Role string

const (
	RolePlatformOwner Role = "platform_owner"
	RoleISPProvider   Role = "isp_provider"
	RoleCustomer      Role = "customer"
)

// Capability names the operations a role may perform. Authorization is
// role-set based: a principal holding several roles gets the union.
type Capability string

const (
	CapManageProviders Capability = "manage-providers"
	CapManageRouters   Capability = "manage-routers"
	CapManageResources Capability = "manage-resources"
	CapManageCustomers Capability = "manage-customers"
	CapTriggerSync     Capability = "trigger-sync"
	CapViewOwnAccount  Capability = "view-own-account"
)

var roleCaps = map[Role][]Capability{
	RolePlatformOwner: {
		CapManageProviders, CapManageRouters, CapManageResources,
		CapManageCustomers, CapTriggerSync,
	},
	RoleISPProvider: {
		CapManageRouters, CapManageResources, CapManageCustomers, CapTriggerSync,
	},
	RoleCustomer: {CapViewOwnAccount},
}

// Principal is the explicit identity value threaded through every
// authorization check. There is no ambient current-user state.
type Principal struct {
	Roles      []Role
	ProviderID uint   // owning provider for isp_provider principals
	CustomerID uint   // own record for customer principals
	Subject    string // opaque identity-provider subject, for audit only
}

func (p Principal) HasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func (p Principal) Can(c Capability) bool {
	for _, r := range p.Roles {
		for _, have := range roleCaps[r] {
			if have == c {
				return true
			}
		}
	}
	return false
}

var ErrForbidden = errors.New("forbidden")

// Require returns ErrForbidden unless the principal holds the capability.
func (p Principal) Require(c Capability) error {
	if !p.Can(c) {
		return ErrForbidden
	}
	return nil
}
