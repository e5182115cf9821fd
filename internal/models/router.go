package models

import (
	"time"

	"gorm.io/gorm"
)

type RouterStatus string

const (
	RouterOnline      RouterStatus = "online"
	RouterOffline     RouterStatus = "offline"
	RouterWarning     RouterStatus = "warning"
	RouterMaintenance RouterStatus = "maintenance"
)

// Provider is the owning ISP tenant. Every router, resource and customer
// belongs to exactly one provider.
type Provider struct {
	gorm.Model
	UUID         string `gorm:"column:uuid;uniqueIndex" json:"uuid"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email"`
}

// Router is a managed device. Credentials are stored here but never
// serialized; only the adapter package reads them.
type Router struct {
	gorm.Model
	UUID          string       `gorm:"column:uuid;uniqueIndex" json:"uuid"`
	ProviderID    uint         `gorm:"index" json:"provider_id"`
	Name          string       `json:"name"`
	Manufacturer  string       `json:"manufacturer"`
	HardwareModel string       `gorm:"column:hw_model" json:"hw_model"`
	Address       string       `json:"address"`
	Port          int          `json:"port"`
	Protocol      string       `json:"protocol"` // mikrotik-api | ssh | snmp | rest
	Username      string       `json:"-"`
	Password      string       `json:"-"`
	Status        RouterStatus `json:"status"`
	LastSeen      *time.Time   `json:"last_seen,omitempty"`
	Version       string       `json:"version,omitempty"`
	Uptime        string       `json:"uptime,omitempty"`
}

// RouterStatusHistory records every observed status change.
type RouterStatusHistory struct {
	gorm.Model
	RouterID uint         `gorm:"index" json:"router_id"`
	Status   RouterStatus `json:"status"`
	Detail   string       `json:"detail,omitempty"`
}

// TelemetrySnapshot is the last telemetry read for a router, cached on the
// read side. Stale is derived from TakenAt by the caller.
type TelemetrySnapshot struct {
	gorm.Model
	RouterID uint      `gorm:"uniqueIndex" json:"router_id"`
	Payload  string    `gorm:"type:text" json:"-"`
	TakenAt  time.Time `json:"taken_at"`
	Partial  bool      `json:"partial"`
}
