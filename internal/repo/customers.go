package repo

import (
	"time"

	"nexus/internal/auth"
	"nexus/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Customers struct{ db *gorm.DB }

func NewCustomers(db *gorm.DB) *Customers { return &Customers{db: db} }

func (r *Customers) Create(scope auth.Scope, m *models.Customer) error {
	if !scope.All() {
		m.ProviderID = scope.ProviderID()
	}
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	// New customers start pending until first successful activation.
	if m.AccountStatus == "" {
		m.AccountStatus = models.AccountPending
	}
	return r.db.Create(m).Error
}

func (r *Customers) List(scope auth.Scope) ([]models.Customer, error) {
	var out []models.Customer
	err := scope.ApplyCustomer(r.db.Order("id")).Find(&out).Error
	return out, err
}

func (r *Customers) Get(scope auth.Scope, id string) (*models.Customer, error) {
	var m models.Customer
	if err := scope.ApplyCustomer(r.db).Where("uuid = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Customers) Update(scope auth.Scope, m *models.Customer) error {
	if !scope.Owns(m.ProviderID) {
		return auth.ErrForbidden
	}
	return r.db.Save(m).Error
}

func (r *Customers) Save(m *models.Customer) error {
	return r.db.Save(m).Error
}

// SweepCandidates returns active customers eligible for auto-suspension:
// auto-disconnect on and at least one unpaid invoice past due. Override
// flags are evaluated by the state machine, not here, so the sweep can
// log why a customer was skipped.
func (r *Customers) SweepCandidates(now time.Time) ([]models.Customer, error) {
	var out []models.Customer
	err := r.db.
		Where("account_status = ? AND auto_disconnect_enabled = ?", models.AccountActive, true).
		Where("id IN (?)", r.db.Model(&models.Invoice{}).
			Select("customer_id").
			Where("status = ? AND due_date < ?", models.InvoiceUnpaid, now)).
		Order("id").
		Find(&out).Error
	return out, err
}

// HasOverdue reports whether the customer currently has an unpaid
// invoice past due.
func (r *Customers) HasOverdue(customerID uint, now time.Time) (bool, error) {
	var n int64
	err := r.db.Model(&models.Invoice{}).
		Where("customer_id = ? AND status = ? AND due_date < ?", customerID, models.InvoiceUnpaid, now).
		Count(&n).Error
	return n > 0, err
}

func (r *Customers) CreateInvoice(scope auth.Scope, inv *models.Invoice) error {
	if !scope.All() {
		inv.ProviderID = scope.ProviderID()
	}
	if inv.Status == "" {
		inv.Status = models.InvoiceUnpaid
	}
	return r.db.Create(inv).Error
}

func (r *Customers) Invoices(scope auth.Scope, customerID uint) ([]models.Invoice, error) {
	var out []models.Invoice
	err := scope.Apply(r.db).Where("customer_id = ?", customerID).Order("due_date desc").Find(&out).Error
	return out, err
}

// MarkInvoicePaid settles one invoice.
func (r *Customers) MarkInvoicePaid(scope auth.Scope, invoiceID uint) error {
	now := time.Now()
	res := scope.Apply(r.db.Model(&models.Invoice{})).
		Where("id = ? AND status = ?", invoiceID, models.InvoiceUnpaid).
		Updates(map[string]any{"status": models.InvoicePaid, "paid_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// PayInvoice settles an invoice and returns the updated row.
func (r *Customers) PayInvoice(scope auth.Scope, invoiceID uint) (*models.Invoice, error) {
	if err := r.MarkInvoicePaid(scope, invoiceID); err != nil {
		return nil, err
	}
	var inv models.Invoice
	if err := r.db.First(&inv, invoiceID).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Customers) GetByID(id uint) (*models.Customer, error) {
	var m models.Customer
	if err := r.db.First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
