package adapter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"nexus/internal/models"
)

// Call is one recorded device operation, used by tests to assert call
// ordering and per-router serialization.
type Call struct {
	Op   string // test | list | apply | remove | telemetry
	Kind models.Kind
	Name string
	ID   string
}

// Fake is a deterministic in-memory device. Resources live in insertion
// order per kind; every mutation is recorded.
type Fake struct {
	mu     sync.Mutex
	nextID int
	// byKind holds resources in stable insertion order.
	byKind map[models.Kind][]models.DeviceResource

	Calls []Call
	// FailApply[name] makes the next N applies of that resource fail.
	FailApply map[string]int
	// ConnectErr, when set, is returned by TestConnection and every
	// device call.
	ConnectErr error
	// ApplyDelay stretches each apply, letting tests catch interleaved
	// writers.
	ApplyDelay time.Duration
}

func NewFake() *Fake {
	return &Fake{
		byKind:    make(map[models.Kind][]models.DeviceResource),
		FailApply: make(map[string]int),
	}
}

// Factory returns this same fake for every connection config.
func (f *Fake) Factory() Factory {
	return func(cfg ConnConfig) (Adapter, error) {
		if err := GuardDestination(cfg.Address, cfg.AllowPrivate); err != nil {
			return nil, err
		}
		if f.ConnectErr != nil {
			return nil, f.ConnectErr
		}
		return f, nil
	}
}

// Seed places a resource on the fake device without recording a call,
// as if it had been configured out of band.
func (f *Fake) Seed(kind models.Kind, res models.DeviceResource) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res.ExternalID == "" {
		f.nextID++
		res.ExternalID = "*" + strconv.Itoa(f.nextID)
	}
	f.byKind[kind] = append(f.byKind[kind], res)
	return res.ExternalID
}

// Resources returns a copy of the device state for one kind.
func (f *Fake) Resources(kind models.Kind) []models.DeviceResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeviceResource, len(f.byKind[kind]))
	copy(out, f.byKind[kind])
	return out
}

func (f *Fake) CallLog() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func (f *Fake) record(c Call) {
	f.Calls = append(f.Calls, c)
}

func (f *Fake) TestConnection(ctx context.Context) (TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "test"})
	if f.ConnectErr != nil {
		return TestResult{Message: f.ConnectErr.Error()}, f.ConnectErr
	}
	return TestResult{Reachable: true, LatencyMs: 1, Capabilities: models.Kinds(), Message: "fake device"}, nil
}

func (f *Fake) ListResources(ctx context.Context, kind models.Kind) ([]models.DeviceResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "list", Kind: kind})
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	out := make([]models.DeviceResource, len(f.byKind[kind]))
	copy(out, f.byKind[kind])
	// Device evaluation order: ascending position for ordered kinds,
	// insertion order otherwise.
	if kind.Ordered() {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	}
	return out, nil
}

func (f *Fake) ApplyResource(ctx context.Context, kind models.Kind, res models.DeviceResource) (ApplyResult, error) {
	if f.ApplyDelay > 0 {
		time.Sleep(f.ApplyDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "apply", Kind: kind, Name: res.Name, ID: res.ExternalID})
	if f.ConnectErr != nil {
		return ApplyResult{}, f.ConnectErr
	}
	if n := f.FailApply[res.Name]; n > 0 {
		f.FailApply[res.Name] = n - 1
		return ApplyResult{}, fmt.Errorf("device rejected %s %q", kind, res.Name)
	}

	list := f.byKind[kind]
	for i, cur := range list {
		match := cur.ExternalID != "" && cur.ExternalID == res.ExternalID
		if !match && res.ExternalID == "" && cur.Name == res.Name {
			match = true
		}
		if !match {
			continue
		}
		res.ExternalID = cur.ExternalID
		if deviceResourceEqual(cur, res) {
			return ApplyResult{Outcome: ApplyUnchanged, ExternalID: cur.ExternalID}, nil
		}
		list[i] = res
		return ApplyResult{Outcome: ApplyUpdated, ExternalID: cur.ExternalID}, nil
	}

	f.nextID++
	res.ExternalID = "*" + strconv.Itoa(f.nextID)
	f.byKind[kind] = append(list, res)
	return ApplyResult{Outcome: ApplyCreated, ExternalID: res.ExternalID}, nil
}

func (f *Fake) RemoveResource(ctx context.Context, kind models.Kind, externalID string) (RemoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "remove", Kind: kind, ID: externalID})
	if f.ConnectErr != nil {
		return RemoveResult{}, f.ConnectErr
	}
	list := f.byKind[kind]
	for i, cur := range list {
		if cur.ExternalID == externalID {
			f.byKind[kind] = append(list[:i:i], list[i+1:]...)
			return RemoveResult{Found: true}, nil
		}
	}
	return RemoveResult{Found: false}, nil
}

func (f *Fake) ReadTelemetry(ctx context.Context) (Telemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: "telemetry"})
	if f.ConnectErr != nil {
		return Telemetry{}, f.ConnectErr
	}
	t := Telemetry{
		System:  SystemInfo{Version: "7.0-fake", Uptime: "1d"},
		TakenAt: time.Now(),
	}
	for _, q := range f.byKind[models.KindQueue] {
		t.Queues = append(t.Queues, QueueStats{Name: q.Name, Target: q.Fields["target"]})
	}
	return t, nil
}

func (f *Fake) Close() error { return nil }

func deviceResourceEqual(a, b models.DeviceResource) bool {
	if a.Name != b.Name || a.Enabled != b.Enabled || a.Chain != b.Chain ||
		a.Position != b.Position || a.Priority != b.Priority {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for k, v := range a.Fields {
		if b.Fields[k] != v {
			return false
		}
	}
	return true
}
