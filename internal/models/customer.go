package models

import (
	"time"

	"gorm.io/gorm"
)

type AccountStatus string

const (
	AccountPending      AccountStatus = "pending"
	AccountActive       AccountStatus = "active"
	AccountSuspended    AccountStatus = "suspended"
	AccountDisconnected AccountStatus = "disconnected"
)

// Customer is a subscriber. Its network access is gated by the bound
// credential resource (a PPPoE secret or hotspot user row).
type Customer struct {
	gorm.Model
	UUID       string `gorm:"column:uuid;uniqueIndex" json:"uuid"`
	ProviderID uint   `gorm:"index" json:"provider_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`

	AccountStatus AccountStatus `json:"account_status"`
	// PaymentOverride suppresses automatic suspension regardless of
	// billing status. OverrideUntil, when set, time-bounds the override.
	PaymentOverride bool       `json:"payment_override"`
	OverrideUntil   *time.Time `json:"override_until,omitempty"`
	// AutoDisconnect=false removes this customer from the billing sweep
	// entirely, independent of PaymentOverride.
	AutoDisconnect bool `gorm:"column:auto_disconnect_enabled;default:true" json:"auto_disconnect_enabled"`

	AssignedRouterID *uint `json:"assigned_router_id,omitempty"`
	// CredentialID points at the NetworkResource row (pppoe or hotspot)
	// whose enabled flag carries this customer's network access.
	CredentialID *uint `json:"credential_id,omitempty"`
}

// NetworkEnabled is the boolean the device must converge to.
func (c *Customer) NetworkEnabled() bool {
	return c.AccountStatus == AccountActive
}

// OverrideActive reports whether an operator override currently shields
// the customer from auto-suspension. OverrideUntil, when set, bounds the
// override in time; an expired override no longer shields.
func (c *Customer) OverrideActive(now time.Time) bool {
	if !c.PaymentOverride {
		return false
	}
	return c.OverrideUntil == nil || c.OverrideUntil.After(now)
}

type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "unpaid"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceVoid   InvoiceStatus = "void"
)

type Invoice struct {
	gorm.Model
	ProviderID uint          `gorm:"index" json:"provider_id"`
	CustomerID uint          `gorm:"index" json:"customer_id"`
	Amount     float64       `json:"amount"`
	Status     InvoiceStatus `json:"status"`
	DueDate    time.Time     `json:"due_date"`
	PaidAt     *time.Time    `json:"paid_at,omitempty"`
}
