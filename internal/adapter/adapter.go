// Package adapter is the protocol boundary between nexus and routers.
// Everything that talks to a device lives behind the Adapter interface;
// router credentials never leave this package.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"nexus/internal/models"
)

var (
	// ErrUnreachable: network-level failure reaching the device.
	ErrUnreachable = errors.New("device unreachable")
	// ErrPrivateAddress: destination is a private/LAN address not
	// routable from this execution environment. Distinct from
	// ErrUnreachable so operators see a config problem, not an outage.
	ErrPrivateAddress = errors.New("destination is a private address, not routable from this environment")
	// ErrAuthFailed: device reachable but credentials rejected.
	ErrAuthFailed = errors.New("device authentication failed")
	// ErrProtocolMismatch: device reachable but not speaking the
	// configured management protocol.
	ErrProtocolMismatch = errors.New("management protocol mismatch")
	// ErrUnsupportedCapability: protocol backend lacks the resource kind.
	ErrUnsupportedCapability = errors.New("unsupported capability")
)

// ConnConfig carries everything needed to reach one router. Built from a
// models.Router inside this package and handed nowhere else.
type ConnConfig struct {
	Address      string
	Port         int
	Protocol     string
	Username     string
	Password     string
	Timeout      time.Duration
	AllowPrivate bool
}

func ConfigFromRouter(r *models.Router, timeout time.Duration, allowPrivate bool) ConnConfig {
	return ConnConfig{
		Address:      r.Address,
		Port:         r.Port,
		Protocol:     r.Protocol,
		Username:     r.Username,
		Password:     r.Password,
		Timeout:      timeout,
		AllowPrivate: allowPrivate,
	}
}

type TestResult struct {
	Reachable    bool          `json:"reachable"`
	LatencyMs    int64         `json:"latency_ms"`
	Capabilities []models.Kind `json:"capabilities,omitempty"`
	Message      string        `json:"message,omitempty"`
}

type ApplyOutcome string

const (
	ApplyCreated   ApplyOutcome = "created"
	ApplyUpdated   ApplyOutcome = "updated"
	ApplyUnchanged ApplyOutcome = "unchanged"
)

type ApplyResult struct {
	Outcome    ApplyOutcome `json:"outcome"`
	ExternalID string       `json:"external_id"`
}

// RemoveResult.Found=false is not an error: the resource is already gone
// and convergence has happened.
type RemoveResult struct {
	Found bool `json:"found"`
}

type InterfaceStats struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Running bool   `json:"running"`
	RxBytes string `json:"rx_bytes"`
	TxBytes string `json:"tx_bytes"`
}

type QueueStats struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Rate   string `json:"rate,omitempty"`
	Bytes  string `json:"bytes,omitempty"`
}

type SystemInfo struct {
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	CPULoad string `json:"cpu_load,omitempty"`
}

// Telemetry is a best-effort snapshot; Partial marks incomplete reads.
type Telemetry struct {
	Interfaces []InterfaceStats `json:"interfaces"`
	Queues     []QueueStats     `json:"queues"`
	System     SystemInfo       `json:"system"`
	Partial    bool             `json:"partial"`
	TakenAt    time.Time        `json:"taken_at"`
}

// Adapter is the device contract. Calls are idempotent where noted and
// side effects are confined to the target router; an adapter never
// mutates the desired-state store.
type Adapter interface {
	TestConnection(ctx context.Context) (TestResult, error)
	// ListResources returns the device's actual resources of one kind in
	// device evaluation order. An error means the read failed as a
	// whole; a partial result is never returned, so absence in the
	// result really means absence on the device.
	ListResources(ctx context.Context, kind models.Kind) ([]models.DeviceResource, error)
	// ApplyResource is idempotent: re-applying an identical resource
	// yields ApplyUnchanged.
	ApplyResource(ctx context.Context, kind models.Kind, res models.DeviceResource) (ApplyResult, error)
	RemoveResource(ctx context.Context, kind models.Kind, externalID string) (RemoveResult, error)
	ReadTelemetry(ctx context.Context) (Telemetry, error)
	Close() error
}

// Factory builds an adapter for a connection config. Production wiring
// uses New; tests substitute a deterministic fake.
type Factory func(cfg ConnConfig) (Adapter, error)

// New dispatches on the configured management protocol.
func New(cfg ConnConfig) (Adapter, error) {
	switch cfg.Protocol {
	case "mikrotik-api", "":
		return NewMikroTik(cfg)
	case "ssh", "snmp", "rest":
		return nil, fmt.Errorf("%w: protocol %q has no backend yet", ErrUnsupportedCapability, cfg.Protocol)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrProtocolMismatch, cfg.Protocol)
	}
}

// GuardDestination rejects destinations a cloud-hosted reconciler cannot
// reach before any dial is attempted. Hostnames pass through; the check
// applies to literal IPs only.
func GuardDestination(host string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	return nil
}
