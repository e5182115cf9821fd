package repo

import (
	"errors"
	"time"

	"nexus/internal/auth"
	"nexus/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = gorm.ErrRecordNotFound

type Routers struct{ db *gorm.DB }

func NewRouters(db *gorm.DB) *Routers { return &Routers{db: db} }

func (r *Routers) Create(scope auth.Scope, m *models.Router) error {
	if !scope.All() {
		// Non-owner principals can only create under their own provider.
		m.ProviderID = scope.ProviderID()
	}
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.RouterOffline
	}
	return r.db.Create(m).Error
}

func (r *Routers) List(scope auth.Scope) ([]models.Router, error) {
	var out []models.Router
	err := scope.Apply(r.db.Order("id")).Find(&out).Error
	return out, err
}

func (r *Routers) Get(scope auth.Scope, id string) (*models.Router, error) {
	var m models.Router
	if err := scope.Apply(r.db).Where("uuid = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Routers) Update(scope auth.Scope, m *models.Router) error {
	if !scope.Owns(m.ProviderID) {
		return auth.ErrForbidden
	}
	return r.db.Save(m).Error
}

func (r *Routers) Delete(scope auth.Scope, id string) error {
	m, err := r.Get(scope, id)
	if err != nil {
		return err
	}
	return r.db.Delete(m).Error
}

// ByID loads a router by primary key, without tenant scoping. For
// internal collaborators that already hold a scoped reference.
func (r *Routers) ByID(id uint) (*models.Router, error) {
	var m models.Router
	if err := r.db.First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// All lists every router regardless of tenant; reserved for the system
// loops (health prober, telemetry poller, billing sweep).
func (r *Routers) All() ([]models.Router, error) {
	var out []models.Router
	err := r.db.Order("id").Find(&out).Error
	return out, err
}

// SetStatus updates a router's observed status and appends a history
// row when the status actually changed.
func (r *Routers) SetStatus(routerID uint, status models.RouterStatus, detail string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var m models.Router
		if err := tx.First(&m, routerID).Error; err != nil {
			return err
		}
		// Operators park routers in maintenance; the prober must not
		// flap them back online.
		if m.Status == models.RouterMaintenance {
			return nil
		}
		now := time.Now()
		updates := map[string]any{"status": status}
		if status == models.RouterOnline {
			updates["last_seen"] = now
		}
		if err := tx.Model(&m).Updates(updates).Error; err != nil {
			return err
		}
		if m.Status != status {
			h := models.RouterStatusHistory{RouterID: routerID, Status: status, Detail: detail}
			if err := tx.Create(&h).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Routers) SetSystemInfo(routerID uint, version, uptime string) error {
	return r.db.Model(&models.Router{}).Where("id = ?", routerID).
		Updates(map[string]any{"version": version, "uptime": uptime}).Error
}

// SaveTelemetry upserts the cached snapshot for a router.
func (r *Routers) SaveTelemetry(routerID uint, payload string, partial bool, takenAt time.Time) error {
	var snap models.TelemetrySnapshot
	err := r.db.Where("router_id = ?", routerID).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		snap = models.TelemetrySnapshot{RouterID: routerID, Payload: payload, Partial: partial, TakenAt: takenAt}
		return r.db.Create(&snap).Error
	}
	if err != nil {
		return err
	}
	snap.Payload = payload
	snap.Partial = partial
	snap.TakenAt = takenAt
	return r.db.Save(&snap).Error
}

func (r *Routers) Telemetry(scope auth.Scope, id string) (*models.Router, *models.TelemetrySnapshot, error) {
	m, err := r.Get(scope, id)
	if err != nil {
		return nil, nil, err
	}
	var snap models.TelemetrySnapshot
	if err := r.db.Where("router_id = ?", m.ID).First(&snap).Error; err != nil {
		return m, nil, err
	}
	return m, &snap, nil
}

func (r *Routers) History(scope auth.Scope, id string) ([]models.RouterStatusHistory, error) {
	m, err := r.Get(scope, id)
	if err != nil {
		return nil, err
	}
	var out []models.RouterStatusHistory
	err = r.db.Where("router_id = ?", m.ID).Order("id desc").Limit(100).Find(&out).Error
	return out, err
}
