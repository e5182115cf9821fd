package repo

import (
	"nexus/internal/auth"
	"nexus/internal/models"

	"gorm.io/gorm"
)

type SyncRuns struct{ db *gorm.DB }

func NewSyncRuns(db *gorm.DB) *SyncRuns { return &SyncRuns{db: db} }

// Record appends one immutable run record. There is deliberately no
// update method on this repository.
func (r *SyncRuns) Record(run *models.SyncRun) error {
	return r.db.Create(run).Error
}

func (r *SyncRuns) ListForRouter(scope auth.Scope, routerID uint, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.SyncRun
	err := scope.Apply(r.db).
		Where("router_id = ?", routerID).
		Order("id desc").Limit(limit).
		Find(&out).Error
	return out, err
}
