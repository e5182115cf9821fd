// Package monitor keeps router status and telemetry fresh. Probing and
// telemetry polling are read-only device calls: they take the read side
// of the router lock and never block a reconciliation for long.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nexus/internal/adapter"
	"nexus/internal/logs"
	"nexus/internal/models"

	"github.com/sirupsen/logrus"
)

type RouterStore interface {
	All() ([]models.Router, error)
	SetStatus(routerID uint, status models.RouterStatus, detail string) error
	SetSystemInfo(routerID uint, version, uptime string) error
	SaveTelemetry(routerID uint, payload string, partial bool, takenAt time.Time) error
}

// Prober is satisfied by *recon.Engine.
type Prober interface {
	TestConnection(ctx context.Context, router *models.Router) (adapter.TestResult, error)
	ReadTelemetry(ctx context.Context, router *models.Router) (adapter.Telemetry, error)
}

type Monitor struct {
	routers RouterStore
	prober  Prober
	log     *logrus.Entry
}

func New(routers RouterStore, prober Prober) *Monitor {
	return &Monitor{
		routers: routers,
		prober:  prober,
		log:     logs.Logger.WithField("component", "monitor"),
	}
}

// statusFor classifies a probe result. Authentication and
// private-address failures mean the destination answered or the config
// is wrong, which is a warning, not an outage.
func statusFor(err error) (models.RouterStatus, string) {
	switch {
	case err == nil:
		return models.RouterOnline, ""
	case errors.Is(err, adapter.ErrAuthFailed),
		errors.Is(err, adapter.ErrPrivateAddress),
		errors.Is(err, adapter.ErrProtocolMismatch):
		return models.RouterWarning, err.Error()
	default:
		return models.RouterOffline, err.Error()
	}
}

// ProbeAll tests every known router once and records status changes.
func (m *Monitor) ProbeAll(ctx context.Context) {
	routers, err := m.routers.All()
	if err != nil {
		m.log.Errorf("list routers: %v", err)
		return
	}
	for i := range routers {
		r := &routers[i]
		res, err := m.prober.TestConnection(ctx, r)
		status, detail := statusFor(err)
		if err := m.routers.SetStatus(r.ID, status, detail); err != nil {
			m.log.Errorf("router %s: set status: %v", r.Name, err)
		}
		if status != models.RouterOnline {
			m.log.WithFields(logrus.Fields{"router": r.Name, "status": status}).
				Debugf("probe: %s", detail)
			continue
		}
		m.log.WithFields(logrus.Fields{"router": r.Name, "latency_ms": res.LatencyMs}).
			Debug("probe ok")
	}
}

// PollTelemetry refreshes the cached telemetry snapshot for every
// online-ish router. Partial snapshots are stored and marked as such.
func (m *Monitor) PollTelemetry(ctx context.Context) {
	routers, err := m.routers.All()
	if err != nil {
		m.log.Errorf("list routers: %v", err)
		return
	}
	for i := range routers {
		r := &routers[i]
		if r.Status == models.RouterMaintenance {
			continue
		}
		t, err := m.prober.ReadTelemetry(ctx, r)
		if err != nil {
			m.log.WithField("router", r.Name).Debugf("telemetry: %v", err)
			continue
		}
		payload, err := json.Marshal(t)
		if err != nil {
			continue
		}
		if err := m.routers.SaveTelemetry(r.ID, string(payload), t.Partial, t.TakenAt); err != nil {
			m.log.Errorf("router %s: save telemetry: %v", r.Name, err)
		}
		if t.System.Version != "" {
			_ = m.routers.SetSystemInfo(r.ID, t.System.Version, t.System.Uptime)
		}
	}
}

// Run drives both loops until ctx ends. Telemetry may poll on a shorter
// interval than probing since it only ever takes read locks.
func (m *Monitor) Run(ctx context.Context, probeEvery, telemetryEvery time.Duration) {
	probe := time.NewTicker(probeEvery)
	defer probe.Stop()
	tele := time.NewTicker(telemetryEvery)
	defer tele.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			m.ProbeAll(ctx)
		case <-tele.C:
			m.PollTelemetry(ctx)
		}
	}
}
