package httpapi

import (
	"testing"

	"nexus/internal/models"
)

func intp(n int) *int { return &n }

func boolp(b bool) *bool { return &b }

func TestResourcePatchMovesToPositionZero(t *testing.T) {
	m := &models.NetworkResource{
		Name: "drop-guests", Enabled: true, Chain: "forward", Position: 4, Priority: 2,
	}
	resourceRequest{Position: intp(0)}.applyPatch(m)

	if m.Position != 0 {
		t.Fatalf("position = %d, want 0", m.Position)
	}
	if m.Name != "drop-guests" || m.Chain != "forward" || m.Priority != 2 || !m.Enabled {
		t.Fatalf("unrelated fields changed: %+v", m)
	}
}

func TestResourcePatchLeavesUnsetFieldsAlone(t *testing.T) {
	m := &models.NetworkResource{
		Name: "cust-1", Enabled: true, Position: 4, Priority: 2,
	}
	resourceRequest{}.applyPatch(m)
	if m.Position != 4 || m.Priority != 2 || !m.Enabled || m.Name != "cust-1" {
		t.Fatalf("empty patch mutated the row: %+v", m)
	}

	resourceRequest{Enabled: boolp(false), Priority: intp(1)}.applyPatch(m)
	if m.Enabled || m.Priority != 1 || m.Position != 4 {
		t.Fatalf("patch applied wrong: %+v", m)
	}
}
