package adapter

import (
	"context"
	"errors"
	"testing"

	"nexus/internal/models"
)

func TestGuardDestination(t *testing.T) {
	cases := []struct {
		host         string
		allowPrivate bool
		ok           bool
	}{
		{"203.0.113.10", false, true},
		{"8.8.8.8", false, true},
		{"router.example.net", false, true}, // hostnames pass through
		{"192.168.88.1", false, false},
		{"10.0.0.1", false, false},
		{"172.16.5.1", false, false},
		{"127.0.0.1", false, false},
		{"169.254.1.1", false, false},
		{"192.168.88.1", true, true},
		{"127.0.0.1", true, true},
	}
	for _, c := range cases {
		err := GuardDestination(c.host, c.allowPrivate)
		if c.ok && err != nil {
			t.Errorf("GuardDestination(%q, %v) = %v, want nil", c.host, c.allowPrivate, err)
		}
		if !c.ok {
			if !errors.Is(err, ErrPrivateAddress) {
				t.Errorf("GuardDestination(%q, %v) = %v, want ErrPrivateAddress", c.host, c.allowPrivate, err)
			}
		}
	}
}

func TestNewDispatch(t *testing.T) {
	if _, err := New(ConnConfig{Address: "192.168.88.1", Protocol: "mikrotik-api"}); !errors.Is(err, ErrPrivateAddress) {
		t.Fatalf("err = %v, want ErrPrivateAddress before any dial", err)
	}
	if _, err := New(ConnConfig{Address: "203.0.113.10", Protocol: "ssh"}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("ssh err = %v, want ErrUnsupportedCapability", err)
	}
	if _, err := New(ConnConfig{Address: "203.0.113.10", Protocol: "telnet"}); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("telnet err = %v, want ErrProtocolMismatch", err)
	}
}

func TestFakeApplyIdempotent(t *testing.T) {
	f := NewFake()
	res := models.DeviceResource{
		Name: "office", Enabled: true,
		Fields: map[string]string{"vlan-id": "100", "interface": "bridge1"},
	}
	ctx := context.Background()

	first, err := f.ApplyResource(ctx, models.KindVLAN, res)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.Outcome != ApplyCreated || first.ExternalID == "" {
		t.Fatalf("first apply = %+v", first)
	}

	res.ExternalID = first.ExternalID
	second, err := f.ApplyResource(ctx, models.KindVLAN, res)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if second.Outcome != ApplyUnchanged || second.ExternalID != first.ExternalID {
		t.Fatalf("second apply = %+v, want unchanged", second)
	}

	res.Fields["vlan-id"] = "200"
	third, err := f.ApplyResource(ctx, models.KindVLAN, res)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if third.Outcome != ApplyUpdated {
		t.Fatalf("third apply = %+v, want updated", third)
	}
}

func TestFakeRemove(t *testing.T) {
	f := NewFake()
	id := f.Seed(models.KindQueue, models.DeviceResource{Name: "q1", Priority: 1,
		Fields: map[string]string{"target": "10.0.0.5"}})
	ctx := context.Background()

	rr, err := f.RemoveResource(ctx, models.KindQueue, id)
	if err != nil || !rr.Found {
		t.Fatalf("remove = %+v, %v", rr, err)
	}
	rr, err = f.RemoveResource(ctx, models.KindQueue, id)
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if rr.Found {
		t.Fatal("second remove should report already gone")
	}
}

func TestFakeListOrdersByPosition(t *testing.T) {
	f := NewFake()
	f.Seed(models.KindFirewall, models.DeviceResource{Name: "b", Chain: "forward", Position: 2})
	f.Seed(models.KindFirewall, models.DeviceResource{Name: "a", Chain: "forward", Position: 1})

	out, err := f.ListResources(context.Background(), models.KindFirewall)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[0].Name != "a" || out[1].Name != "b" {
		t.Fatalf("order = %+v, want ascending position", out)
	}
}

func TestConfigFromRouterKeepsCredentialsInternal(t *testing.T) {
	r := &models.Router{Address: "203.0.113.10", Port: 8728, Username: "api", Password: "pw"}
	cfg := ConfigFromRouter(r, 0, false)
	if cfg.Address != r.Address || cfg.Username != "api" || cfg.Password != "pw" {
		t.Fatalf("cfg = %+v", cfg)
	}
}
