package models

import (
	"time"

	"gorm.io/gorm"
)

type SyncOutcome string

const (
	SyncSettled SyncOutcome = "settled"
	SyncPartial SyncOutcome = "settled-partial"
	SyncFailed  SyncOutcome = "failed"
)

// SyncRun is the immutable audit record of one reconciliation attempt for
// one (router, kind). Rows are only ever created, never updated.
type SyncRun struct {
	gorm.Model
	ProviderID uint        `gorm:"index" json:"provider_id"`
	RouterID   uint        `gorm:"index" json:"router_id"`
	Kind       Kind        `gorm:"type:varchar(16)" json:"kind"`
	Trigger    string      `json:"trigger"` // manual | scheduled | access-control
	Outcome    SyncOutcome `json:"outcome"`
	CreatedN   int         `gorm:"column:created_n" json:"created"`
	UpdatedN   int         `gorm:"column:updated_n" json:"updated"`
	RemovedN   int         `gorm:"column:removed_n" json:"removed"`
	FailedN    int         `gorm:"column:failed_n" json:"failed"`
	Errors     string      `gorm:"type:text" json:"errors,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}
