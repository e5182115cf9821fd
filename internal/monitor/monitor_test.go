package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nexus/internal/adapter"
	"nexus/internal/models"

	"gorm.io/gorm"
)

type fakeStore struct {
	mu       sync.Mutex
	routers  []models.Router
	statuses map[uint]models.RouterStatus
	details  map[uint]string
	saved    map[uint]string
	partial  map[uint]bool
	versions map[uint]string
}

func newFakeStore(routers ...models.Router) *fakeStore {
	return &fakeStore{
		routers:  routers,
		statuses: map[uint]models.RouterStatus{},
		details:  map[uint]string{},
		saved:    map[uint]string{},
		partial:  map[uint]bool{},
		versions: map[uint]string{},
	}
}

func (f *fakeStore) All() ([]models.Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Router, len(f.routers))
	copy(out, f.routers)
	return out, nil
}

func (f *fakeStore) SetStatus(routerID uint, status models.RouterStatus, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[routerID] = status
	f.details[routerID] = detail
	return nil
}

func (f *fakeStore) SetSystemInfo(routerID uint, version, uptime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[routerID] = version
	return nil
}

func (f *fakeStore) SaveTelemetry(routerID uint, payload string, partial bool, takenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[routerID] = payload
	f.partial[routerID] = partial
	return nil
}

type fakeProber struct {
	errs map[uint]error
	tele adapter.Telemetry
}

func (f *fakeProber) TestConnection(ctx context.Context, router *models.Router) (adapter.TestResult, error) {
	if err := f.errs[router.ID]; err != nil {
		return adapter.TestResult{Message: err.Error()}, err
	}
	return adapter.TestResult{Reachable: true, LatencyMs: 2}, nil
}

func (f *fakeProber) ReadTelemetry(ctx context.Context, router *models.Router) (adapter.Telemetry, error) {
	if err := f.errs[router.ID]; err != nil {
		return adapter.Telemetry{}, err
	}
	return f.tele, nil
}

func router(id uint, name string, status models.RouterStatus) models.Router {
	return models.Router{Model: gorm.Model{ID: id}, Name: name, Address: "203.0.113.10", Status: status}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		err  error
		want models.RouterStatus
	}{
		{nil, models.RouterOnline},
		{adapter.ErrAuthFailed, models.RouterWarning},
		{adapter.ErrPrivateAddress, models.RouterWarning},
		{adapter.ErrProtocolMismatch, models.RouterWarning},
		{adapter.ErrUnreachable, models.RouterOffline},
		{errors.New("dial tcp: timeout"), models.RouterOffline},
	}
	for _, c := range cases {
		got, _ := statusFor(c.err)
		if got != c.want {
			t.Errorf("statusFor(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestProbeAllRecordsStatus(t *testing.T) {
	store := newFakeStore(
		router(1, "edge-1", models.RouterOffline),
		router(2, "edge-2", models.RouterOnline),
	)
	prober := &fakeProber{errs: map[uint]error{2: adapter.ErrAuthFailed}}
	m := New(store, prober)

	m.ProbeAll(context.Background())

	if store.statuses[1] != models.RouterOnline {
		t.Errorf("router 1 status = %s, want online", store.statuses[1])
	}
	if store.statuses[2] != models.RouterWarning {
		t.Errorf("router 2 status = %s, want warning", store.statuses[2])
	}
	if store.details[2] == "" {
		t.Error("warning status should carry a detail message")
	}
}

func TestPollTelemetrySkipsMaintenance(t *testing.T) {
	store := newFakeStore(
		router(1, "edge-1", models.RouterOnline),
		router(2, "edge-2", models.RouterMaintenance),
	)
	prober := &fakeProber{
		errs: map[uint]error{},
		tele: adapter.Telemetry{
			System:  adapter.SystemInfo{Version: "7.14", Uptime: "3d"},
			TakenAt: time.Now(),
		},
	}
	m := New(store, prober)

	m.PollTelemetry(context.Background())

	if store.saved[1] == "" {
		t.Error("no telemetry saved for online router")
	}
	if store.versions[1] != "7.14" {
		t.Errorf("version = %q, want 7.14", store.versions[1])
	}
	if _, ok := store.saved[2]; ok {
		t.Error("maintenance router was polled")
	}
}

func TestPollTelemetryMarksPartial(t *testing.T) {
	store := newFakeStore(router(1, "edge-1", models.RouterOnline))
	prober := &fakeProber{
		errs: map[uint]error{},
		tele: adapter.Telemetry{Partial: true, TakenAt: time.Now()},
	}
	m := New(store, prober)

	m.PollTelemetry(context.Background())

	if !store.partial[1] {
		t.Error("partial snapshot not flagged")
	}
}

func TestPollTelemetryToleratesDeviceError(t *testing.T) {
	store := newFakeStore(router(1, "edge-1", models.RouterOnline))
	prober := &fakeProber{errs: map[uint]error{1: adapter.ErrUnreachable}}
	m := New(store, prober)

	m.PollTelemetry(context.Background())

	if _, ok := store.saved[1]; ok {
		t.Error("telemetry saved despite read failure")
	}
}
