package recon

import (
	"fmt"

	"nexus/internal/models"
)

// ResourceKey derives the stable identity used to match desired rows
// against device state. Managed resources always carry a name (ordered
// kinds carry it in the device comment field), so the name is the key;
// unnamed device-side resources fall back to a deterministic composite
// so foreign state still keys consistently across runs.
func ResourceKey(kind models.Kind, res models.DeviceResource) string {
	if res.Name != "" {
		return "name:" + res.Name
	}
	switch kind {
	case models.KindVLAN:
		return fmt.Sprintf("vlan:%s@%s", res.Fields["vlan-id"], res.Fields["interface"])
	case models.KindFirewall, models.KindNAT, models.KindMangle:
		return fmt.Sprintf("rule:%s|%d|%s", res.Chain, res.Position, res.Fields["action"])
	default:
		return "id:" + res.ExternalID
	}
}

// needsUpdate compares the actual device resource against the desired
// one over the managed surface only; unmanaged device properties never
// count as drift.
func needsUpdate(kind models.Kind, actual, desired models.DeviceResource) bool {
	if actual.Enabled != desired.Enabled {
		return true
	}
	if kind.Ordered() && (actual.Chain != desired.Chain || actual.Position != desired.Position) {
		return true
	}
	if kind == models.KindQueue && actual.Priority != desired.Priority {
		return true
	}
	for k, v := range desired.Fields {
		if actual.Fields[k] != v {
			return true
		}
	}
	return false
}
