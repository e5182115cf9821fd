package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nexus/internal/adapter"
	"nexus/internal/auth"
	"nexus/internal/models"
	"nexus/internal/recon"
	"nexus/internal/repo"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// staleAfter marks cached telemetry older than this as stale.
const staleAfter = 5 * time.Minute

type RoutersHTTP struct {
	routers *repo.Routers
	runs    *repo.SyncRuns
	engine  *recon.Engine
}

func NewRoutersHTTP(routers *repo.Routers, runs *repo.SyncRuns, engine *recon.Engine) *RoutersHTTP {
	return &RoutersHTTP{routers: routers, runs: runs, engine: engine}
}

func (h *RoutersHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/routers").Subrouter()

	api.HandleFunc("", h.create).Methods(http.MethodPost)
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/{id}", h.remove).Methods(http.MethodDelete)

	api.HandleFunc("/{id}/test-connection", h.testConnection).Methods(http.MethodPost)
	api.HandleFunc("/{id}/sync/{kind}", h.sync).Methods(http.MethodPost)
	api.HandleFunc("/{id}/stats", h.stats).Methods(http.MethodGet)
	api.HandleFunc("/{id}/syncruns", h.syncRuns).Methods(http.MethodGet)
	api.HandleFunc("/{id}/history", h.history).Methods(http.MethodGet)
}

type routerRequest struct {
	Name          string `json:"name"`
	Manufacturer  string `json:"manufacturer"`
	HardwareModel string `json:"hw_model"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	Protocol      string `json:"protocol"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

func (h *RoutersHTTP) create(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageRouters); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	var in routerRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" || in.Address == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "need {name, address, ...}", nil)
		return
	}
	m := &models.Router{
		Name:          in.Name,
		Manufacturer:  in.Manufacturer,
		HardwareModel: in.HardwareModel,
		Address:       in.Address,
		Port:          in.Port,
		Protocol:      in.Protocol,
		Username:      in.Username,
		Password:      in.Password,
	}
	if err := h.routers.Create(auth.ScopeFor(p), m); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Create failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *RoutersHTTP) list(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	out, err := h.routers.List(auth.ScopeFor(p))
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RoutersHTTP) get(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	m, err := h.routers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *RoutersHTTP) update(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageRouters); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	m, err := h.routers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	var in routerRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", err.Error(), nil)
		return
	}
	if in.Name != "" {
		m.Name = in.Name
	}
	if in.Address != "" {
		m.Address = in.Address
	}
	if in.Port != 0 {
		m.Port = in.Port
	}
	if in.Protocol != "" {
		m.Protocol = in.Protocol
	}
	if in.Username != "" {
		m.Username = in.Username
	}
	if in.Password != "" {
		m.Password = in.Password
	}
	if in.Manufacturer != "" {
		m.Manufacturer = in.Manufacturer
	}
	if in.HardwareModel != "" {
		m.HardwareModel = in.HardwareModel
	}
	if err := h.routers.Update(auth.ScopeFor(p), m); err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Update failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *RoutersHTTP) remove(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapManageRouters); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	if err := h.routers.Delete(auth.ScopeFor(p), mux.Vars(r)["id"]); err != nil {
		writeNotFound(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoutersHTTP) testConnection(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	m, err := h.routers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	res, err := h.engine.TestConnection(r.Context(), m)
	out := struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		adapter.TestResult
	}{Success: err == nil, Message: res.Message, TestResult: res}
	if err != nil {
		out.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RoutersHTTP) sync(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	if err := p.Require(auth.CapTriggerSync); err != nil {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "missing capability", nil)
		return
	}
	m, err := h.routers.Get(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	kind, err := models.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad kind", err.Error(), nil)
		return
	}
	res, err := h.engine.Sync(r.Context(), m, kind, "manual")
	if err != nil {
		models.WriteProblem(w, http.StatusBadGateway, "Sync failed", err.Error(),
			map[string]string{"outcome": string(res.Outcome)})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		recon.Result
	}{Message: "sync " + string(res.Outcome), Result: res})
}

func (h *RoutersHTTP) stats(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	_, snap, err := h.routers.Telemetry(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "no telemetry yet", nil)
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Stats failed", err.Error(), nil)
		return
	}
	out := struct {
		TakenAt   time.Time       `json:"taken_at"`
		Stale     bool            `json:"stale"`
		Partial   bool            `json:"partial"`
		Telemetry json.RawMessage `json:"telemetry"`
	}{
		TakenAt:   snap.TakenAt,
		Stale:     time.Since(snap.TakenAt) > staleAfter,
		Partial:   snap.Partial,
		Telemetry: json.RawMessage(snap.Payload),
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RoutersHTTP) syncRuns(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	scope := auth.ScopeFor(p)
	m, err := h.routers.Get(scope, mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	out, err := h.runs.ListForRouter(scope, m.ID, 0)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RoutersHTTP) history(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	out, err := h.routers.History(auth.ScopeFor(p), mux.Vars(r)["id"])
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "no such router", nil)
		return
	}
	if errors.Is(err, auth.ErrForbidden) {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", err.Error(), nil)
		return
	}
	models.WriteProblem(w, http.StatusInternalServerError, "Error", err.Error(), nil)
}
