package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"nexus/internal/access"
	"nexus/internal/auth"
	"nexus/internal/models"
	"nexus/internal/repo"

	"github.com/gorilla/mux"
)

type CustomersHTTP struct {
	customers *repo.Customers
	machine   *access.Machine
}

func NewCustomersHTTP(customers *repo.Customers, machine *access.Machine) *CustomersHTTP {
	return &CustomersHTTP{customers: customers, machine: machine}
}

func (h *CustomersHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/customers", h.create).Methods(http.MethodPost)
	api.HandleFunc("/customers", h.list).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id}", h.update).Methods(http.MethodPut)

	api.HandleFunc("/customers/{id}/activate", h.transitionTo(models.AccountActive)).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}/suspend", h.transitionTo(models.AccountSuspended)).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}/disconnect", h.transitionTo(models.AccountDisconnected)).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}/override", h.override).Methods(http.MethodPost)

	api.HandleFunc("/customers/{id}/invoices", h.createInvoice).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}/invoices", h.invoices).Methods(http.MethodGet)
	api.HandleFunc("/invoices/{id}/pay", h.payInvoice).Methods(http.MethodPost)
}

type customerRequest struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	AssignedRouterID *uint  `json:"assigned_router_id"`
	CredentialID     *uint  `json:"credential_id"`
	AutoDisconnect   *bool  `json:"auto_disconnect_enabled"`
}

func (h *CustomersHTTP) create(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageCustomers); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	var in customerRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "need {name, ...}", nil)
		return
	}
	m := &models.Customer{
		Name:             in.Name,
		Email:            in.Email,
		AssignedRouterID: in.AssignedRouterID,
		CredentialID:     in.CredentialID,
		AutoDisconnect:   true,
	}
	if in.AutoDisconnect != nil {
		m.AutoDisconnect = *in.AutoDisconnect
	}
	if err := h.customers.Create(auth.ScopeFor(p), m); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *CustomersHTTP) list(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	out, err := h.customers.List(auth.ScopeFor(p))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CustomersHTTP) get(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	m, err := h.customers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *CustomersHTTP) update(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageCustomers); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	m, err := h.customers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	var in customerRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	if in.Name != "" {
		m.Name = in.Name
	}
	if in.Email != "" {
		m.Email = in.Email
	}
	if in.AssignedRouterID != nil {
		m.AssignedRouterID = in.AssignedRouterID
	}
	if in.CredentialID != nil {
		m.CredentialID = in.CredentialID
	}
	if in.AutoDisconnect != nil {
		m.AutoDisconnect = *in.AutoDisconnect
	}
	if err := h.customers.Update(auth.ScopeFor(p), m); err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *CustomersHTTP) transitionTo(target models.AccountStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.FromContext(r.Context())
		if err := p.Require(auth.CapManageCustomers); err != nil {
			models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
			return
		}
		m, err := h.customers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
		if err != nil {
			writeNotFound(w, err)
			return
		}
		if err := h.machine.Transition(r.Context(), m, target); err != nil {
			models.WriteProblem(w, http.StatusConflict, "Transition failed", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func (h *CustomersHTTP) override(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageCustomers); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	m, err := h.customers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	var in struct {
		Enabled bool       `json:"enabled"`
		Until   *time.Time `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	if err := h.machine.SetOverride(r.Context(), m, in.Enabled, in.Until); err != nil {
		models.WriteProblem(w, http.StatusConflict, "Override failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *CustomersHTTP) createInvoice(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageCustomers); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	m, err := h.customers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	var in struct {
		Amount  float64   `json:"amount"`
		DueDate time.Time `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DueDate.IsZero() {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "need {amount, due_date}", nil)
		return
	}
	inv := &models.Invoice{CustomerID: m.ID, Amount: in.Amount, DueDate: in.DueDate}
	if err := h.customers.CreateInvoice(auth.ScopeFor(p), inv); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *CustomersHTTP) invoices(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	m, err := h.customers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	out, err := h.customers.Invoices(auth.ScopeFor(p), m.ID)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// payInvoice settles an invoice; a suspended customer with nothing left
// overdue is reactivated in the same request.
func (h *CustomersHTTP) payInvoice(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageCustomers); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	idU, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || idU == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "invalid invoice id", nil)
		return
	}
	scope := auth.ScopeFor(p)
	inv, err := h.customers.PayInvoice(scope, uint(idU))
	if err != nil {
		writeNotFound(w, err)
		return
	}
	if c, err := h.customers.GetByID(inv.CustomerID); err == nil {
		if err := h.machine.PaymentReceived(r.Context(), c, time.Now()); err != nil {
			models.WriteProblem(w, http.StatusConflict, "Reactivation failed", err.Error(), nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, inv)
}
