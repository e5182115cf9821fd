// Package access maps a customer's billing state to the enabled flag of
// its bound device credential (PPPoE secret or hotspot user).
package access

import (
	"context"
	"fmt"
	"time"

	"nexus/internal/adapter"
	"nexus/internal/logs"
	"nexus/internal/models"

	"github.com/sirupsen/logrus"
)

type CustomerStore interface {
	Save(c *models.Customer) error
	SweepCandidates(now time.Time) ([]models.Customer, error)
	HasOverdue(customerID uint, now time.Time) (bool, error)
}

type CredentialStore interface {
	GetByID(id uint) (*models.NetworkResource, error)
	SaveEnabled(id uint, enabled bool) error
}

type RouterStore interface {
	ByID(id uint) (*models.Router, error)
}

// Pusher applies one credential resource through the per-router queue.
// Satisfied by *recon.Engine.
type Pusher interface {
	PushCredential(ctx context.Context, router *models.Router, row *models.NetworkResource) (adapter.ApplyResult, error)
}

type Machine struct {
	customers CustomerStore
	creds     CredentialStore
	routers   RouterStore
	pusher    Pusher
	log       *logrus.Entry
}

func NewMachine(customers CustomerStore, creds CredentialStore, routers RouterStore, pusher Pusher) *Machine {
	return &Machine{
		customers: customers,
		creds:     creds,
		routers:   routers,
		pusher:    pusher,
		log:       logs.Logger.WithField("component", "access"),
	}
}

var legal = map[models.AccountStatus][]models.AccountStatus{
	models.AccountPending:      {models.AccountActive, models.AccountDisconnected},
	models.AccountActive:       {models.AccountSuspended, models.AccountDisconnected},
	models.AccountSuspended:    {models.AccountActive, models.AccountDisconnected},
	models.AccountDisconnected: {models.AccountActive},
}

func allowed(from, to models.AccountStatus) bool {
	for _, t := range legal[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves a customer to the target status. When the derived
// network-enabled boolean changes, exactly one device apply is issued
// against the bound credential before the new status is persisted; a
// failed push leaves the customer in its previous state. Same-state
// transitions are idempotent no-ops.
func (m *Machine) Transition(ctx context.Context, c *models.Customer, target models.AccountStatus) error {
	if c.AccountStatus == target {
		return nil
	}
	if !allowed(c.AccountStatus, target) {
		return fmt.Errorf("illegal transition %s -> %s", c.AccountStatus, target)
	}

	before := c.NetworkEnabled()
	after := target == models.AccountActive

	if before != after {
		if err := m.push(ctx, c, after); err != nil {
			return err
		}
	}

	c.AccountStatus = target
	if err := m.customers.Save(c); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"customer": c.UUID, "status": target, "network_enabled": after,
	}).Info("account transition")
	return nil
}

// push flips the credential's enabled flag in the store and applies it
// to the device. A customer without a bound credential transitions
// store-only.
func (m *Machine) push(ctx context.Context, c *models.Customer, enabled bool) error {
	if c.CredentialID == nil {
		m.log.WithField("customer", c.UUID).Warn("no bound credential, store-only transition")
		return nil
	}
	row, err := m.creds.GetByID(*c.CredentialID)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}
	router, err := m.routers.ByID(row.RouterID)
	if err != nil {
		return fmt.Errorf("router lookup: %w", err)
	}

	row.Enabled = enabled
	if _, err := m.pusher.PushCredential(ctx, router, row); err != nil {
		return fmt.Errorf("device push: %w", err)
	}
	return m.creds.SaveEnabled(row.ID, enabled)
}

// SetOverride flips the operator payment override. Turning it on while
// suspended reactivates the customer immediately.
func (m *Machine) SetOverride(ctx context.Context, c *models.Customer, on bool, until *time.Time) error {
	c.PaymentOverride = on
	c.OverrideUntil = until
	if err := m.customers.Save(c); err != nil {
		return err
	}
	if on && c.AccountStatus == models.AccountSuspended {
		return m.Transition(ctx, c, models.AccountActive)
	}
	return nil
}

// PaymentReceived reactivates a suspended customer once nothing overdue
// remains.
func (m *Machine) PaymentReceived(ctx context.Context, c *models.Customer, now time.Time) error {
	if c.AccountStatus != models.AccountSuspended {
		return nil
	}
	overdue, err := m.customers.HasOverdue(c.ID, now)
	if err != nil {
		return err
	}
	if overdue {
		return nil
	}
	return m.Transition(ctx, c, models.AccountActive)
}

// SweepReport summarizes one billing sweep.
type SweepReport struct {
	Examined  int `json:"examined"`
	Suspended int `json:"suspended"`
	Shielded  int `json:"shielded"` // skipped due to an active override
	Failed    int `json:"failed"`
}

// Sweep auto-suspends overdue customers. Candidates already exclude
// auto_disconnect_enabled=false; overrides are checked here so shielded
// customers are visible in the report.
func (m *Machine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport
	candidates, err := m.customers.SweepCandidates(now)
	if err != nil {
		return rep, err
	}
	for i := range candidates {
		c := &candidates[i]
		rep.Examined++
		if c.OverrideActive(now) {
			rep.Shielded++
			continue
		}
		if err := m.Transition(ctx, c, models.AccountSuspended); err != nil {
			rep.Failed++
			m.log.WithField("customer", c.UUID).Warnf("auto-suspend failed: %v", err)
		} else {
			rep.Suspended++
		}
	}
	if rep.Examined > 0 {
		m.log.WithFields(logrus.Fields{
			"examined": rep.Examined, "suspended": rep.Suspended,
			"shielded": rep.Shielded, "failed": rep.Failed,
		}).Info("billing sweep finished")
	}
	return rep, nil
}

// RunSweeper runs the billing sweep on an interval until ctx ends.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := m.Sweep(ctx, now); err != nil {
				m.log.Errorf("billing sweep: %v", err)
			}
		}
	}
}
