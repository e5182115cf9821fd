package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"nexus/internal/auth"
	"nexus/internal/models"
	"nexus/internal/recon"
	"nexus/internal/repo"

	"github.com/gorilla/mux"
)

type ResourcesHTTP struct {
	resources *repo.Resources
	routers   *repo.Routers
	engine    *recon.Engine
}

func NewResourcesHTTP(resources *repo.Resources, routers *repo.Routers, engine *recon.Engine) *ResourcesHTTP {
	return &ResourcesHTTP{resources: resources, routers: routers, engine: engine}
}

func (h *ResourcesHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/routers/{id}/resources/{kind}", h.list).Methods(http.MethodGet)
	api.HandleFunc("/routers/{id}/resources/{kind}", h.create).Methods(http.MethodPost)
	api.HandleFunc("/routers/{id}/resources/{kind}/actual", h.actual).Methods(http.MethodGet)
	api.HandleFunc("/routers/{id}/resources/{kind}/adopt", h.adopt).Methods(http.MethodPost)

	api.HandleFunc("/resources/{uuid}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/resources/{uuid}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/resources/{uuid}", h.remove).Methods(http.MethodDelete)
}

type resourceRequest struct {
	Name     string            `json:"name"`
	Enabled  *bool             `json:"enabled"`
	Chain    string            `json:"chain"`
	Position *int              `json:"position"`
	Priority *int              `json:"priority"`
	Fields   map[string]string `json:"fields"`
}

// applyPatch copies the set fields onto the row. Position and priority
// are pointers so a rule can be moved to position 0.
func (in resourceRequest) applyPatch(m *models.NetworkResource) {
	if in.Name != "" {
		m.Name = in.Name
	}
	if in.Enabled != nil {
		m.Enabled = *in.Enabled
	}
	if in.Chain != "" {
		m.Chain = in.Chain
	}
	if in.Position != nil {
		m.Position = *in.Position
	}
	if in.Priority != nil {
		m.Priority = *in.Priority
	}
}

type resourceResponse struct {
	models.NetworkResource
	Fields map[string]string `json:"fields"`
}

func toResponse(m *models.NetworkResource) resourceResponse {
	f, _ := m.Fields()
	return resourceResponse{NetworkResource: *m, Fields: f}
}

func (h *ResourcesHTTP) routerAndKind(w http.ResponseWriter, r *http.Request) (*models.Router, models.Kind, bool) {
	p := auth.FromContext(r.Context())
	m, err := h.routers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return nil, "", false
	}
	kind, err := models.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad kind", err.Error(), nil)
		return nil, "", false
	}
	return m, kind, true
}

func (h *ResourcesHTTP) list(w http.ResponseWriter, r *http.Request) {
	router, kind, ok := h.routerAndKind(w, r)
	if !ok {
		return
	}
	p := auth.FromContext(r.Context())
	rows, err := h.resources.List(auth.ScopeFor(p), router.ID, kind)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	out := make([]resourceResponse, 0, len(rows))
	for i := range rows {
		out = append(out, toResponse(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ResourcesHTTP) create(w http.ResponseWriter, r *http.Request) {
	router, kind, ok := h.routerAndKind(w, r)
	if !ok {
		return
	}
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageResources); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	var in resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	m := &models.NetworkResource{
		RouterID: router.ID,
		Kind:     kind,
		Enabled:  true,
	}
	in.applyPatch(m)
	if err := m.SetFields(in.Fields); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad fields", err.Error(), nil)
		return
	}
	// The validation gate runs here, before the row can ever produce a
	// device call.
	dev, err := m.ToDevice()
	if err == nil {
		err = models.ValidateResource(kind, &dev)
	}
	if err != nil {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation failed", err.Error(), nil)
		return
	}
	_ = m.SetFields(dev.Fields) // keep normalized forms

	if err := h.resources.Create(auth.ScopeFor(p), m); err != nil {
		writeResourceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(m))
}

func (h *ResourcesHTTP) get(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	m, err := h.resources.Get(auth.ScopeFor(p), mux.Vars(r)["uuid"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m))
}

func (h *ResourcesHTTP) update(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageResources); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	m, err := h.resources.Get(auth.ScopeFor(p), mux.Vars(r)["uuid"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	var in resourceRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	in.applyPatch(m)
	if in.Fields != nil {
		if err := m.SetFields(in.Fields); err != nil {
			models.WriteProblem(w, http.StatusBadRequest, "Bad fields", err.Error(), nil)
			return
		}
	}
	dev, err := m.ToDevice()
	if err == nil {
		err = models.ValidateResource(m.Kind, &dev)
	}
	if err != nil {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation failed", err.Error(), nil)
		return
	}
	_ = m.SetFields(dev.Fields)

	if err := h.resources.Update(auth.ScopeFor(p), m); err != nil {
		writeResourceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m))
}

func (h *ResourcesHTTP) remove(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageResources); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	// Soft delete: the row becomes a tombstone and the device-side
	// resource is removed on the next sync.
	if err := h.resources.Delete(auth.ScopeFor(p), mux.Vars(r)["uuid"]); err != nil {
		writeNotFound(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actual lists the device's live resources of one kind, flagging which
// ones are foreign (unmanaged). Read-only.
func (h *ResourcesHTTP) actual(w http.ResponseWriter, r *http.Request) {
	router, kind, ok := h.routerAndKind(w, r)
	if !ok {
		return
	}
	live, err := h.engine.ListActual(r.Context(), router, kind)
	if err != nil {
		models.WriteProblem(w, http.StatusBadGateway, "Device read failed", err.Error(), nil)
		return
	}
	managed, err := h.managedKeys(router.ID, kind)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Error", err.Error(), nil)
		return
	}
	type entry struct {
		models.DeviceResource
		Foreign bool `json:"foreign"`
	}
	out := make([]entry, 0, len(live))
	for _, res := range live {
		out = append(out, entry{DeviceResource: res, Foreign: !managed[recon.ResourceKey(kind, res)]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ResourcesHTTP) managedKeys(routerID uint, kind models.Kind) (map[string]bool, error) {
	managed := map[string]bool{}
	rows, err := h.resources.Desired(routerID, kind)
	if err != nil {
		return nil, err
	}
	tombs, err := h.resources.Tombstones(routerID, kind)
	if err != nil {
		return nil, err
	}
	for _, set := range [][]models.NetworkResource{rows, tombs} {
		for i := range set {
			if dev, err := set[i].ToDevice(); err == nil {
				managed[recon.ResourceKey(kind, dev)] = true
			}
		}
	}
	return managed, nil
}

// adopt takes ownership of a foreign device resource named by
// external_id. Until adopted, foreign state is never touched.
func (h *ResourcesHTTP) adopt(w http.ResponseWriter, r *http.Request) {
	router, kind, ok := h.routerAndKind(w, r)
	if !ok {
		return
	}
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageResources); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	var in struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ExternalID == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "need {external_id}", nil)
		return
	}
	live, err := h.engine.ListActual(r.Context(), router, kind)
	if err != nil {
		models.WriteProblem(w, http.StatusBadGateway, "Device read failed", err.Error(), nil)
		return
	}
	for _, res := range live {
		if res.ExternalID == in.ExternalID {
			m, err := h.resources.Adopt(auth.ScopeFor(p), router.ID, kind, res)
			if err != nil {
				writeResourceErr(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, toResponse(m))
			return
		}
	}
	models.WriteProblem(w, http.StatusNotFound, "Not found", "device has no resource with that id", nil)
}

func writeResourceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrConflict):
		models.WriteProblem(w, http.StatusConflict, "Conflict", err.Error(), nil)
	case models.IsValidation(err):
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation failed", err.Error(), nil)
	case errors.Is(err, auth.ErrForbidden):
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Error", err.Error(), nil)
	}
}
