// Package recon converges router state toward the desired-state store.
// One generic diff/apply algorithm serves every resource kind; per-kind
// behavior is confined to key derivation and field comparison (kinds.go).
package recon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"nexus/internal/adapter"
	"nexus/internal/logs"
	"nexus/internal/models"

	"github.com/sirupsen/logrus"
)

// DesiredStore is the engine's view of the desired-state store.
type DesiredStore interface {
	Desired(routerID uint, kind models.Kind) ([]models.NetworkResource, error)
	Tombstones(routerID uint, kind models.Kind) ([]models.NetworkResource, error)
	SetExternalID(id uint, externalID string) error
	Purge(id uint) error
}

// RunRecorder persists immutable sync-run records.
type RunRecorder interface {
	Record(run *models.SyncRun) error
}

type Config struct {
	Retries      int
	Backoff      time.Duration
	DialTimeout  time.Duration
	AllowPrivate bool
}

type Engine struct {
	factory adapter.Factory
	store   DesiredStore
	runs    RunRecorder
	locks   *RouterLocks
	cfg     Config
	log     *logrus.Entry
}

func NewEngine(factory adapter.Factory, store DesiredStore, runs RunRecorder, locks *RouterLocks, cfg Config) *Engine {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Engine{
		factory: factory,
		store:   store,
		runs:    runs,
		locks:   locks,
		cfg:     cfg,
		log:     logs.Logger.WithField("component", "recon"),
	}
}

// Result summarizes one sync run.
type Result struct {
	Outcome models.SyncOutcome `json:"outcome"`
	Created int                `json:"created"`
	Updated int                `json:"updated"`
	Removed int                `json:"removed"`
	Failed  int                `json:"failed"`
	Foreign int                `json:"foreign"`
	Errors  []string           `json:"errors,omitempty"`
}

func (r Result) progress() int { return r.Created + r.Updated + r.Removed }

// Sync reconciles one (router, kind): fetch desired and actual, diff,
// apply creates/updates in ascending position, deletions last. The
// router's write lock is held for the whole run; a second sync for the
// same router queues behind it.
func (e *Engine) Sync(ctx context.Context, router *models.Router, kind models.Kind, trigger string) (Result, error) {
	lock := e.locks.ForRouter(router.ID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	res, err := e.syncLocked(ctx, router, kind)
	e.recordRun(router, kind, trigger, started, res)
	return res, err
}

func (e *Engine) syncLocked(ctx context.Context, router *models.Router, kind models.Kind) (Result, error) {
	var res Result
	log := e.log.WithFields(logrus.Fields{"router": router.Name, "kind": kind})

	// Fetching.
	dev, err := e.factory(adapter.ConfigFromRouter(router, e.cfg.DialTimeout, e.cfg.AllowPrivate))
	if err != nil {
		res.Outcome = models.SyncFailed
		res.Errors = append(res.Errors, err.Error())
		log.Warnf("sync aborted: %v", err)
		return res, err
	}
	defer dev.Close()

	desiredRows, err := e.store.Desired(router.ID, kind)
	if err != nil {
		res.Outcome = models.SyncFailed
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	tombstones, err := e.store.Tombstones(router.ID, kind)
	if err != nil {
		res.Outcome = models.SyncFailed
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	actual, err := dev.ListResources(ctx, kind)
	if err != nil {
		res.Outcome = models.SyncFailed
		res.Errors = append(res.Errors, err.Error())
		log.Warnf("device read failed: %v", err)
		return res, err
	}

	// Diffing.
	actualByKey := make(map[string]models.DeviceResource, len(actual))
	for _, a := range actual {
		actualByKey[ResourceKey(kind, a)] = a
	}

	type applyItem struct {
		rowID uint
		res   models.DeviceResource
	}
	var toApply []applyItem
	managed := make(map[string]bool, len(desiredRows)+len(tombstones))

	for i := range desiredRows {
		row := &desiredRows[i]
		want, err := row.ToDevice()
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		// Validation gate: an invalid desired resource never reaches
		// the device, the rest of the batch is unaffected.
		if err := models.ValidateResource(kind, &want); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		key := ResourceKey(kind, want)
		managed[key] = true
		cur, onDevice := actualByKey[key]
		if onDevice {
			want.ExternalID = cur.ExternalID
			if !needsUpdate(kind, cur, want) {
				continue
			}
		} else {
			want.ExternalID = ""
		}
		toApply = append(toApply, applyItem{rowID: row.ID, res: want})
	}

	// Deletions come last, and only for resources the store recognizes
	// as managed (tombstones). Anything else on the device is foreign
	// and must not be deleted.
	type removeItem struct {
		rowID      uint
		externalID string
	}
	var toRemove []removeItem
	for i := range tombstones {
		row := &tombstones[i]
		want, err := row.ToDevice()
		if err != nil {
			continue
		}
		key := ResourceKey(kind, want)
		managed[key] = true
		cur, onDevice := actualByKey[key]
		if !onDevice {
			// Already gone from the device: just drop the tombstone.
			if err := e.store.Purge(row.ID); err != nil {
				res.Errors = append(res.Errors, err.Error())
			}
			continue
		}
		toRemove = append(toRemove, removeItem{rowID: row.ID, externalID: cur.ExternalID})
	}

	for key := range actualByKey {
		if !managed[key] {
			res.Foreign++
		}
	}
	if res.Foreign > 0 {
		log.Debugf("%d foreign device resource(s) left untouched", res.Foreign)
	}

	// Applying: creates and updates in ascending position so ordered
	// chains never evaluate with a gap, then deletions.
	sort.SliceStable(toApply, func(i, j int) bool {
		if toApply[i].res.Position != toApply[j].res.Position {
			return toApply[i].res.Position < toApply[j].res.Position
		}
		return toApply[i].rowID < toApply[j].rowID
	})

	for _, item := range toApply {
		ar, err := e.applyWithRetry(ctx, dev, kind, item.res)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.res.Name, err))
			continue
		}
		switch ar.Outcome {
		case adapter.ApplyCreated:
			res.Created++
		case adapter.ApplyUpdated:
			res.Updated++
		}
		if ar.ExternalID != "" {
			if err := e.store.SetExternalID(item.rowID, ar.ExternalID); err != nil {
				res.Errors = append(res.Errors, err.Error())
			}
		}
	}

	for _, item := range toRemove {
		if err := e.removeWithRetry(ctx, dev, kind, item.externalID); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("remove %s: %v", item.externalID, err))
			continue
		}
		res.Removed++
		if err := e.store.Purge(item.rowID); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}

	switch {
	case res.Failed == 0:
		res.Outcome = models.SyncSettled
	case res.progress() > 0:
		res.Outcome = models.SyncPartial
	default:
		res.Outcome = models.SyncFailed
	}
	log.WithFields(logrus.Fields{
		"outcome": res.Outcome, "created": res.Created,
		"updated": res.Updated, "removed": res.Removed, "failed": res.Failed,
	}).Info("sync finished")
	return res, nil
}

func (e *Engine) applyWithRetry(ctx context.Context, dev adapter.Adapter, kind models.Kind, res models.DeviceResource) (adapter.ApplyResult, error) {
	var last error
	for attempt := 0; attempt < e.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.cfg.Backoff*time.Duration(attempt)); err != nil {
				return adapter.ApplyResult{}, last
			}
		}
		ar, err := dev.ApplyResource(ctx, kind, res)
		if err == nil {
			return ar, nil
		}
		last = err
	}
	return adapter.ApplyResult{}, last
}

func (e *Engine) removeWithRetry(ctx context.Context, dev adapter.Adapter, kind models.Kind, externalID string) error {
	var last error
	for attempt := 0; attempt < e.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.cfg.Backoff*time.Duration(attempt)); err != nil {
				return last
			}
		}
		// notFound is convergence, not an error.
		if _, err := dev.RemoveResource(ctx, kind, externalID); err == nil {
			return nil
		} else {
			last = err
		}
	}
	return last
}

func (e *Engine) recordRun(router *models.Router, kind models.Kind, trigger string, started time.Time, res Result) {
	run := &models.SyncRun{
		ProviderID: router.ProviderID,
		RouterID:   router.ID,
		Kind:       kind,
		Trigger:    trigger,
		Outcome:    res.Outcome,
		CreatedN:   res.Created,
		UpdatedN:   res.Updated,
		RemovedN:   res.Removed,
		FailedN:    res.Failed,
		Errors:     strings.Join(res.Errors, "\n"),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := e.runs.Record(run); err != nil {
		e.log.Errorf("record sync run: %v", err)
	}
}

// PushCredential applies exactly one credential resource (PPPoE secret
// or hotspot user) through the same per-router queue as full syncs.
// Used by the access-control state machine.
func (e *Engine) PushCredential(ctx context.Context, router *models.Router, row *models.NetworkResource) (adapter.ApplyResult, error) {
	want, err := row.ToDevice()
	if err != nil {
		return adapter.ApplyResult{}, err
	}
	if err := models.ValidateResource(row.Kind, &want); err != nil {
		return adapter.ApplyResult{}, err
	}

	lock := e.locks.ForRouter(router.ID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	var res Result
	dev, err := e.factory(adapter.ConfigFromRouter(router, e.cfg.DialTimeout, e.cfg.AllowPrivate))
	if err != nil {
		res.Outcome = models.SyncFailed
		res.Errors = append(res.Errors, err.Error())
		e.recordRun(router, row.Kind, "access-control", started, res)
		return adapter.ApplyResult{}, err
	}
	defer dev.Close()

	ar, err := e.applyWithRetry(ctx, dev, row.Kind, want)
	if err != nil {
		res.Outcome = models.SyncFailed
		res.Failed = 1
		res.Errors = append(res.Errors, err.Error())
		e.recordRun(router, row.Kind, "access-control", started, res)
		return adapter.ApplyResult{}, err
	}
	switch ar.Outcome {
	case adapter.ApplyCreated:
		res.Created = 1
	case adapter.ApplyUpdated:
		res.Updated = 1
	}
	res.Outcome = models.SyncSettled
	if ar.ExternalID != "" {
		if err := e.store.SetExternalID(row.ID, ar.ExternalID); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	e.recordRun(router, row.Kind, "access-control", started, res)
	return ar, nil
}

// TestConnection probes a router read-only; it shares the read side of
// the router lock so it never overlaps a write.
func (e *Engine) TestConnection(ctx context.Context, router *models.Router) (adapter.TestResult, error) {
	lock := e.locks.ForRouter(router.ID)
	lock.RLock()
	defer lock.RUnlock()

	dev, err := e.factory(adapter.ConfigFromRouter(router, e.cfg.DialTimeout, e.cfg.AllowPrivate))
	if err != nil {
		return adapter.TestResult{Message: err.Error()}, err
	}
	defer dev.Close()
	return dev.TestConnection(ctx)
}

// ListActual reads the device's live resources of one kind without
// writing anything; shares the read side of the router lock.
func (e *Engine) ListActual(ctx context.Context, router *models.Router, kind models.Kind) ([]models.DeviceResource, error) {
	lock := e.locks.ForRouter(router.ID)
	lock.RLock()
	defer lock.RUnlock()

	dev, err := e.factory(adapter.ConfigFromRouter(router, e.cfg.DialTimeout, e.cfg.AllowPrivate))
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	return dev.ListResources(ctx, kind)
}

// ReadTelemetry takes a read lock only, so it can run concurrently with
// another read but never with a reconciliation write.
func (e *Engine) ReadTelemetry(ctx context.Context, router *models.Router) (adapter.Telemetry, error) {
	lock := e.locks.ForRouter(router.ID)
	lock.RLock()
	defer lock.RUnlock()

	dev, err := e.factory(adapter.ConfigFromRouter(router, e.cfg.DialTimeout, e.cfg.AllowPrivate))
	if err != nil {
		return adapter.Telemetry{}, err
	}
	defer dev.Close()
	return dev.ReadTelemetry(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
