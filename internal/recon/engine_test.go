package recon

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"nexus/internal/adapter"
	"nexus/internal/models"

	"gorm.io/gorm"
)

// memStore is an in-memory DesiredStore.
type memStore struct {
	mu         sync.Mutex
	desired    []models.NetworkResource
	tombstones []models.NetworkResource
	purged     []uint
}

func (s *memStore) Desired(routerID uint, kind models.Kind) ([]models.NetworkResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NetworkResource
	for _, r := range s.desired {
		if r.RouterID == routerID && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Tombstones(routerID uint, kind models.Kind) ([]models.NetworkResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NetworkResource
	for _, r := range s.tombstones {
		if r.RouterID == routerID && r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) SetExternalID(id uint, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.desired {
		if s.desired[i].ID == id {
			s.desired[i].ExternalID = externalID
		}
	}
	return nil
}

func (s *memStore) Purge(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, id)
	for i := range s.tombstones {
		if s.tombstones[i].ID == id {
			s.tombstones = append(s.tombstones[:i], s.tombstones[i+1:]...)
			break
		}
	}
	return nil
}

type memRuns struct {
	mu   sync.Mutex
	runs []models.SyncRun
}

func (r *memRuns) Record(run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func (r *memRuns) last(t *testing.T) models.SyncRun {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runs) == 0 {
		t.Fatal("no sync run recorded")
	}
	return r.runs[len(r.runs)-1]
}

func testRouter() *models.Router {
	return &models.Router{
		Model:   gorm.Model{ID: 1},
		Name:    "edge-1",
		Address: "203.0.113.10",
	}
}

func rule(id uint, name, chain string, pos int, action string) models.NetworkResource {
	r := models.NetworkResource{
		Model:    gorm.Model{ID: id},
		RouterID: 1,
		Kind:     models.KindFirewall,
		Name:     name,
		Enabled:  true,
		Chain:    chain,
		Position: pos,
	}
	_ = r.SetFields(map[string]string{"action": action})
	return r
}

func newTestEngine(fake *adapter.Fake, store *memStore, runs *memRuns) *Engine {
	return NewEngine(fake.Factory(), store, runs, NewRouterLocks(), Config{
		Retries: 1,
		Backoff: time.Millisecond,
	})
}

func TestSyncCreatesInPositionOrder(t *testing.T) {
	fake := adapter.NewFake()
	store := &memStore{desired: []models.NetworkResource{
		rule(2, "allow-dns", "forward", 3, "accept"),
		rule(1, "drop-guests", "forward", 1, "drop"),
	}}
	runs := &memRuns{}
	e := newTestEngine(fake, store, runs)

	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Outcome != models.SyncSettled || res.Created != 2 {
		t.Fatalf("got %+v, want settled with 2 creates", res)
	}

	var applied []string
	for _, c := range fake.CallLog() {
		if c.Op == "apply" {
			applied = append(applied, c.Name)
		}
	}
	if len(applied) != 2 || applied[0] != "drop-guests" || applied[1] != "allow-dns" {
		t.Fatalf("apply order = %v, want ascending position", applied)
	}

	// Device ids flow back into the store.
	for _, row := range store.desired {
		if row.ExternalID == "" {
			t.Errorf("row %d has no external id after sync", row.ID)
		}
	}
	run := runs.last(t)
	if run.Trigger != "manual" || run.CreatedN != 2 || run.Outcome != models.SyncSettled {
		t.Fatalf("recorded run = %+v", run)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	fake := adapter.NewFake()
	store := &memStore{desired: []models.NetworkResource{
		rule(1, "drop-guests", "forward", 1, "drop"),
		rule(2, "allow-dns", "forward", 2, "accept"),
	}}
	runs := &memRuns{}
	e := newTestEngine(fake, store, runs)

	if _, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "scheduled")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if res.Created != 0 || res.Updated != 0 || res.Removed != 0 {
		t.Fatalf("second sync not a no-op: %+v", res)
	}
	if res.Outcome != models.SyncSettled {
		t.Fatalf("outcome = %s, want settled", res.Outcome)
	}
}

func TestSyncUpdatesDriftedResource(t *testing.T) {
	fake := adapter.NewFake()
	// Device has the rule but with the wrong action.
	extID := fake.Seed(models.KindFirewall, models.DeviceResource{
		Name: "drop-guests", Enabled: true, Chain: "forward", Position: 1,
		Fields: map[string]string{"action": "accept"},
	})
	row := rule(1, "drop-guests", "forward", 1, "drop")
	store := &memStore{desired: []models.NetworkResource{row}}
	e := newTestEngine(fake, store, &memRuns{})

	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Updated != 1 || res.Created != 0 {
		t.Fatalf("got %+v, want exactly one update", res)
	}
	devs := fake.Resources(models.KindFirewall)
	if len(devs) != 1 || devs[0].Fields["action"] != "drop" || devs[0].ExternalID != extID {
		t.Fatalf("device state %+v, want converged in place", devs)
	}
}

func TestSyncRemovesTombstonesOnly(t *testing.T) {
	fake := adapter.NewFake()
	managedID := fake.Seed(models.KindFirewall, models.DeviceResource{
		Name: "old-rule", Enabled: true, Chain: "forward", Position: 5,
		Fields: map[string]string{"action": "drop"},
	})
	fake.Seed(models.KindFirewall, models.DeviceResource{
		Name: "operator-rule", Enabled: true, Chain: "input", Position: 9,
		Fields: map[string]string{"action": "accept"},
	})

	tomb := rule(7, "old-rule", "forward", 5, "drop")
	tomb.ExternalID = managedID
	store := &memStore{tombstones: []models.NetworkResource{tomb}}
	e := newTestEngine(fake, store, &memRuns{})

	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("removed = %d, want 1", res.Removed)
	}
	if res.Foreign != 1 {
		t.Fatalf("foreign = %d, want 1", res.Foreign)
	}
	devs := fake.Resources(models.KindFirewall)
	if len(devs) != 1 || devs[0].Name != "operator-rule" {
		t.Fatalf("device state %+v, want foreign rule untouched", devs)
	}
	if len(store.purged) != 1 || store.purged[0] != 7 {
		t.Fatalf("purged = %v, want [7]", store.purged)
	}
}

func TestSyncPurgesTombstoneAlreadyGone(t *testing.T) {
	fake := adapter.NewFake()
	tomb := rule(3, "gone", "forward", 1, "drop")
	store := &memStore{tombstones: []models.NetworkResource{tomb}}
	e := newTestEngine(fake, store, &memRuns{})

	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Removed != 0 {
		t.Fatalf("removed = %d, want 0 for already-absent resource", res.Removed)
	}
	if len(store.purged) != 1 || store.purged[0] != 3 {
		t.Fatalf("purged = %v, want [3]", store.purged)
	}
	for _, c := range fake.CallLog() {
		if c.Op == "remove" {
			t.Fatal("remove issued for a resource already absent")
		}
	}
}

func TestSyncPartialOutcome(t *testing.T) {
	fake := adapter.NewFake()
	fake.FailApply["bad-rule"] = 1
	store := &memStore{desired: []models.NetworkResource{
		rule(1, "good-rule", "forward", 1, "accept"),
		rule(2, "bad-rule", "forward", 2, "drop"),
	}}
	runs := &memRuns{}
	e := newTestEngine(fake, store, runs)

	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Outcome != models.SyncPartial {
		t.Fatalf("outcome = %s, want settled-partial", res.Outcome)
	}
	if res.Created != 1 || res.Failed != 1 {
		t.Fatalf("got %+v, want 1 created 1 failed", res)
	}
	run := runs.last(t)
	if run.FailedN != 1 || run.Errors == "" {
		t.Fatalf("recorded run = %+v, want failure detail", run)
	}
	if !strings.Contains(run.Errors, "bad-rule") {
		t.Fatalf("run errors %q do not name the failed resource", run.Errors)
	}
}

func TestSyncValidationGateSkipsInvalidRow(t *testing.T) {
	bad := models.NetworkResource{
		Model: gorm.Model{ID: 9}, RouterID: 1, Kind: models.KindVLAN,
		Name: "bad-vlan", Enabled: true,
	}
	_ = bad.SetFields(map[string]string{"vlan-id": "5000", "interface": "bridge1"})
	good := models.NetworkResource{
		Model: gorm.Model{ID: 10}, RouterID: 1, Kind: models.KindVLAN,
		Name: "good-vlan", Enabled: true,
	}
	_ = good.SetFields(map[string]string{"vlan-id": "100", "interface": "bridge1"})

	fake := adapter.NewFake()
	store := &memStore{desired: []models.NetworkResource{bad, good}}
	e := newTestEngine(fake, store, &memRuns{})

	res, err := e.Sync(context.Background(), testRouter(), models.KindVLAN, "manual")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Failed != 1 || res.Created != 1 {
		t.Fatalf("got %+v, want invalid row rejected and valid row applied", res)
	}
	for _, c := range fake.CallLog() {
		if c.Op == "apply" && c.Name == "bad-vlan" {
			t.Fatal("invalid resource reached the device")
		}
	}
}

func TestSyncFailsWhenUnreachable(t *testing.T) {
	fake := adapter.NewFake()
	fake.ConnectErr = adapter.ErrUnreachable
	store := &memStore{desired: []models.NetworkResource{
		rule(1, "r1", "forward", 1, "drop"),
	}}
	runs := &memRuns{}
	e := newTestEngine(fake, store, runs)

	res, err := e.Sync(context.Background(), testRouter(), models.KindFirewall, "manual")
	if err == nil {
		t.Fatal("want error for unreachable device")
	}
	if res.Outcome != models.SyncFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if runs.last(t).Outcome != models.SyncFailed {
		t.Fatal("failed run not recorded")
	}
}

func TestSyncSerializesPerRouter(t *testing.T) {
	fake := adapter.NewFake()
	fake.ApplyDelay = 20 * time.Millisecond
	store := &memStore{desired: []models.NetworkResource{
		rule(1, "fw-1", "forward", 1, "drop"),
		rule(2, "fw-2", "forward", 2, "accept"),
		{
			Model: gorm.Model{ID: 3}, RouterID: 1, Kind: models.KindQueue,
			Name: "q-1", Enabled: true, Priority: 1,
			Attrs: `{"target":"10.0.0.5","max-upload":"10M","max-download":"10M"}`,
		},
		{
			Model: gorm.Model{ID: 4}, RouterID: 1, Kind: models.KindQueue,
			Name: "q-2", Enabled: true, Priority: 2,
			Attrs: `{"target":"10.0.0.6","max-upload":"10M","max-download":"10M"}`,
		},
	}}
	e := NewEngine(fake.Factory(), store, &memRuns{}, NewRouterLocks(), Config{
		Retries: 1, Backoff: time.Millisecond, AllowPrivate: true,
	})

	router := testRouter()
	var wg sync.WaitGroup
	for _, kind := range []models.Kind{models.KindFirewall, models.KindQueue} {
		wg.Add(1)
		go func(k models.Kind) {
			defer wg.Done()
			if _, err := e.Sync(context.Background(), router, k, "manual"); err != nil {
				t.Errorf("sync %s: %v", k, err)
			}
		}(kind)
	}
	wg.Wait()

	// Both runs target the same router, so their applies must not
	// interleave: the call log switches kind at most once.
	var kinds []models.Kind
	for _, c := range fake.CallLog() {
		if c.Op == "apply" {
			kinds = append(kinds, c.Kind)
		}
	}
	if len(kinds) != 4 {
		t.Fatalf("apply calls = %v, want 4", kinds)
	}
	switches := 0
	for i := 1; i < len(kinds); i++ {
		if kinds[i] != kinds[i-1] {
			switches++
		}
	}
	if switches > 1 {
		t.Fatalf("interleaved applies across concurrent syncs: %v", kinds)
	}
}

func TestPushCredential(t *testing.T) {
	fake := adapter.NewFake()
	runs := &memRuns{}
	row := models.NetworkResource{
		Model: gorm.Model{ID: 5}, RouterID: 1, Kind: models.KindPPPoE,
		Name: "cust-42", Enabled: false,
	}
	_ = row.SetFields(map[string]string{"password": "s3cret", "profile": "default"})
	store := &memStore{desired: []models.NetworkResource{row}}
	e := newTestEngine(fake, store, runs)

	ar, err := e.PushCredential(context.Background(), testRouter(), &row)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if ar.Outcome != adapter.ApplyCreated || ar.ExternalID == "" {
		t.Fatalf("apply result = %+v", ar)
	}

	run := runs.last(t)
	if run.Trigger != "access-control" || run.Outcome != models.SyncSettled {
		t.Fatalf("recorded run = %+v", run)
	}

	applies := 0
	for _, c := range fake.CallLog() {
		if c.Op == "apply" {
			applies++
		}
	}
	if applies != 1 {
		t.Fatalf("applies = %d, want exactly one", applies)
	}
}

func TestPushCredentialRejectsInvalid(t *testing.T) {
	fake := adapter.NewFake()
	row := models.NetworkResource{
		Model: gorm.Model{ID: 5}, RouterID: 1, Kind: models.KindPPPoE,
		Name: "cust-42", Enabled: true,
	}
	// Missing required password.
	_ = row.SetFields(map[string]string{})
	e := newTestEngine(fake, &memStore{}, &memRuns{})

	if _, err := e.PushCredential(context.Background(), testRouter(), &row); !models.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(fake.CallLog()) != 0 {
		t.Fatal("invalid credential reached the device")
	}
}

func TestResourceKeyStability(t *testing.T) {
	named := models.DeviceResource{Name: "drop-guests", Chain: "forward", Position: 1}
	if got := ResourceKey(models.KindFirewall, named); got != "name:drop-guests" {
		t.Fatalf("key = %q", got)
	}
	unnamedRule := models.DeviceResource{Chain: "forward", Position: 3,
		Fields: map[string]string{"action": "drop"}}
	k1 := ResourceKey(models.KindFirewall, unnamedRule)
	k2 := ResourceKey(models.KindFirewall, unnamedRule)
	if k1 != k2 || k1 == "" {
		t.Fatalf("composite key unstable: %q vs %q", k1, k2)
	}
	vlan := models.DeviceResource{Fields: map[string]string{"vlan-id": "10", "interface": "br0"}}
	if got := ResourceKey(models.KindVLAN, vlan); got != "vlan:10@br0" {
		t.Fatalf("vlan key = %q", got)
	}
}

func TestNeedsUpdate(t *testing.T) {
	base := models.DeviceResource{Name: "r", Enabled: true, Chain: "forward", Position: 1,
		Fields: map[string]string{"action": "drop"}}

	same := base
	if needsUpdate(models.KindFirewall, base, same) {
		t.Fatal("identical resources flagged as drift")
	}

	moved := base
	moved.Position = 2
	if !needsUpdate(models.KindFirewall, base, moved) {
		t.Fatal("position change not detected for ordered kind")
	}

	disabled := base
	disabled.Enabled = false
	if !needsUpdate(models.KindFirewall, base, disabled) {
		t.Fatal("enabled change not detected")
	}

	// Extra device-side fields are not drift; only the managed surface counts.
	extra := base
	extra.Fields = map[string]string{"action": "drop", "log": "yes"}
	if needsUpdate(models.KindFirewall, extra, base) {
		t.Fatal("unmanaged device field counted as drift")
	}
}
