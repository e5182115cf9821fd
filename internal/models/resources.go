package models

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// Kind enumerates the reconcilable resource kinds.
type Kind string

const (
	KindVLAN     Kind = "vlan"
	KindFirewall Kind = "firewall"
	KindNAT      Kind = "nat"
	KindMangle   Kind = "mangle"
	KindDHCP     Kind = "dhcp"
	KindQueue    Kind = "queue"
	KindPPPoE    Kind = "pppoe"
	KindHotspot  Kind = "hotspot"
)

var allKinds = []Kind{
	KindVLAN, KindFirewall, KindNAT, KindMangle,
	KindDHCP, KindQueue, KindPPPoE, KindHotspot,
}

func Kinds() []Kind { return allKinds }

func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind: %q", s)
}

// Ordered reports whether device evaluation order matters for the kind.
// Ordered kinds are reconciled in ascending position.
func (k Kind) Ordered() bool {
	switch k {
	case KindFirewall, KindNAT, KindMangle:
		return true
	}
	return false
}

// NetworkResource is one desired-state row. Kind-specific fields live in
// Attrs as a flat JSON string map keyed by device property name.
//
// Rows are soft-deleted (gorm.Model.DeletedAt): a deleted row is the
// tombstone that tells the reconciler the matching device resource is
// managed and due for removal. Device resources with no row at all, live
// or deleted, are foreign and never touched.
type NetworkResource struct {
	gorm.Model
	UUID       string `gorm:"column:uuid;uniqueIndex" json:"uuid"`
	ProviderID uint   `gorm:"index" json:"provider_id"`
	RouterID   uint   `gorm:"index" json:"router_id"`
	Kind       Kind   `gorm:"index;type:varchar(16)" json:"kind"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	// Chain groups ordered rules (firewall/nat/mangle); empty otherwise.
	Chain string `json:"chain,omitempty"`
	// Position is the evaluation order within (router, chain) for ordered
	// kinds. Unique per (router, chain); collisions are validation errors.
	Position int `json:"position"`
	// Priority is the queue precedence tier (lower = served first). Ties
	// are broken by creation order, so reconciliation output is stable.
	Priority int `json:"priority,omitempty"`
	// ExternalID is the device-assigned identifier once applied.
	ExternalID string `gorm:"column:external_id;index" json:"external_id,omitempty"`
	Attrs      string `gorm:"type:text" json:"-"`
}

func (r *NetworkResource) Fields() (map[string]string, error) {
	if r.Attrs == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(r.Attrs), &m); err != nil {
		return nil, fmt.Errorf("resource %s: bad attrs: %w", r.UUID, err)
	}
	return m, nil
}

func (r *NetworkResource) SetFields(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	r.Attrs = string(b)
	return nil
}

// DeviceResource is the protocol-neutral wire form shared by the adapter
// and the reconciliation engine for both desired and actual state.
type DeviceResource struct {
	ExternalID string            `json:"external_id,omitempty"`
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	Chain      string            `json:"chain,omitempty"`
	Position   int               `json:"position"`
	Priority   int               `json:"priority,omitempty"`
	Fields     map[string]string `json:"fields"`
}

// ToDevice converts a desired row into its wire form.
func (r *NetworkResource) ToDevice() (DeviceResource, error) {
	f, err := r.Fields()
	if err != nil {
		return DeviceResource{}, err
	}
	return DeviceResource{
		ExternalID: r.ExternalID,
		Name:       r.Name,
		Enabled:    r.Enabled,
		Chain:      r.Chain,
		Position:   r.Position,
		Priority:   r.Priority,
		Fields:     f,
	}, nil
}
