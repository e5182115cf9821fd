package repo

import (
	"fmt"

	"nexus/internal/auth"
	"nexus/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Resources struct{ db *gorm.DB }

func NewResources(db *gorm.DB) *Resources { return &Resources{db: db} }

// checkPosition enforces position uniqueness per (router, chain) for
// ordered kinds. A collision is a Conflict, never silently renumbered.
func (r *Resources) checkPosition(m *models.NetworkResource) error {
	if !m.Kind.Ordered() {
		return nil
	}
	var n int64
	q := r.db.Model(&models.NetworkResource{}).
		Where("router_id = ? AND kind = ? AND chain = ? AND position = ?",
			m.RouterID, m.Kind, m.Chain, m.Position)
	if m.ID != 0 {
		q = q.Where("id <> ?", m.ID)
	}
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: position %d already used in chain %q", models.ErrConflict, m.Position, m.Chain)
	}
	return nil
}

func (r *Resources) Create(scope auth.Scope, m *models.NetworkResource) error {
	if !scope.All() {
		m.ProviderID = scope.ProviderID()
	}
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if err := r.checkPosition(m); err != nil {
		return err
	}
	return r.db.Create(m).Error
}

func (r *Resources) Update(scope auth.Scope, m *models.NetworkResource) error {
	if !scope.Owns(m.ProviderID) {
		return auth.ErrForbidden
	}
	if err := r.checkPosition(m); err != nil {
		return err
	}
	return r.db.Save(m).Error
}

func (r *Resources) Get(scope auth.Scope, id string) (*models.NetworkResource, error) {
	var m models.NetworkResource
	if err := scope.Apply(r.db).Where("uuid = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Resources) GetByID(id uint) (*models.NetworkResource, error) {
	var m models.NetworkResource
	if err := r.db.First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Resources) List(scope auth.Scope, routerID uint, kind models.Kind) ([]models.NetworkResource, error) {
	var out []models.NetworkResource
	q := scope.Apply(r.db).Where("router_id = ?", routerID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	// Position then id: the id tiebreak keeps equal-priority queues in
	// creation order so reconciliation output is stable across runs.
	err := q.Order("position, id").Find(&out).Error
	return out, err
}

// Delete soft-deletes the row. The tombstone tells the reconciler the
// device-side resource is managed and due for removal; it is purged only
// after the device confirms.
func (r *Resources) Delete(scope auth.Scope, id string) error {
	m, err := r.Get(scope, id)
	if err != nil {
		return err
	}
	return r.db.Delete(m).Error
}

// Desired returns the live desired set for one (router, kind), ordered
// by position with creation-order tiebreak.
func (r *Resources) Desired(routerID uint, kind models.Kind) ([]models.NetworkResource, error) {
	var out []models.NetworkResource
	err := r.db.Where("router_id = ? AND kind = ?", routerID, kind).
		Order("position, id").Find(&out).Error
	return out, err
}

// Tombstones returns soft-deleted rows: managed resources awaiting
// removal from the device.
func (r *Resources) Tombstones(routerID uint, kind models.Kind) ([]models.NetworkResource, error) {
	var out []models.NetworkResource
	err := r.db.Unscoped().
		Where("router_id = ? AND kind = ? AND deleted_at IS NOT NULL", routerID, kind).
		Order("position, id").Find(&out).Error
	return out, err
}

// SetExternalID records the device-assigned id after a successful apply.
func (r *Resources) SetExternalID(id uint, externalID string) error {
	return r.db.Model(&models.NetworkResource{}).Where("id = ?", id).
		Update("external_id", externalID).Error
}

// SaveEnabled flips the desired enabled flag on one row. Used by the
// access-control machine so the store and the device agree on the
// customer's network access.
func (r *Resources) SaveEnabled(id uint, enabled bool) error {
	return r.db.Model(&models.NetworkResource{}).Where("id = ?", id).
		Update("enabled", enabled).Error
}

// Purge removes a tombstone for good once the device removal succeeded.
func (r *Resources) Purge(id uint) error {
	return r.db.Unscoped().Delete(&models.NetworkResource{}, id).Error
}

// Adopt takes ownership of a foreign device resource by creating a
// desired row mirroring it. Until adopted, foreign resources are never
// touched by reconciliation.
func (r *Resources) Adopt(scope auth.Scope, routerID uint, kind models.Kind, dev models.DeviceResource) (*models.NetworkResource, error) {
	m := &models.NetworkResource{
		UUID:       uuid.NewString(),
		RouterID:   routerID,
		Kind:       kind,
		Name:       dev.Name,
		Enabled:    dev.Enabled,
		Chain:      dev.Chain,
		Position:   dev.Position,
		Priority:   dev.Priority,
		ExternalID: dev.ExternalID,
	}
	if !scope.All() {
		m.ProviderID = scope.ProviderID()
	}
	if err := m.SetFields(dev.Fields); err != nil {
		return nil, err
	}
	if err := r.checkPosition(m); err != nil {
		return nil, err
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}
