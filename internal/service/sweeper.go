package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xctf-platform/sandboxnet/internal/model"
	"github.com/xctf-platform/sandboxnet/internal/nft"
	"github.com/xctf-platform/sandboxnet/internal/store"
)

const (
	sweepStatusRunning   = "running"
	sweepStatusCompleted = "completed"
	sweepStatusFailed    = "failed"

	driftOwnerNotLive       = "owner_not_live"
	driftRuleWithoutMapping = "rule_without_mapping"
	driftMappingWithoutRule = "mapping_without_rule"
)

// Sweeper periodically re-establishes the consistency contract: the
// packet-filter state must be exactly the image of the mapping store's
// active entries. On-demand sweeps additionally tear down every mapping
// whose owner is no longer in the orchestrator's live set.
type Sweeper struct {
	controller   *SandboxController
	rules        *nft.RuleSetManager
	mappingStore *store.MappingStore
}

func NewSweeper(controller *SandboxController, rules *nft.RuleSetManager, mappingStore *store.MappingStore) *Sweeper {
	return &Sweeper{
		controller:   controller,
		rules:        rules,
		mappingStore: mappingStore,
	}
}

// Start runs scheduled sweeps on a fixed interval. Scheduled sweeps have no
// live set, so they only correct rule/store divergence.
func (s *Sweeper) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			if _, err := s.Sweep(context.Background(), nil, "scheduled"); err != nil {
				slog.Default().With("component", "sweeper").Error("scheduled sweep failed", "error", err)
			}
		}
	}()
}

// Sweep compares the mapping store against the live instance set and the
// kernel ruleset, and corrects every divergence it finds. liveIDs nil means
// every recorded owner is assumed live (scheduled mode); an empty non-nil
// set means nothing is live. The sweep is tolerant of interruption: each
// correction is independent and a re-run picks up whatever remains.
func (s *Sweeper) Sweep(ctx context.Context, liveIDs []string, trigger string) (*model.SweepRunDetailResponse, error) {
	runID := "swp-" + uuid.New().String()[:8]
	now := time.Now().UTC()
	logger := slog.Default().With("component", "sweeper", "run_id", runID)

	run := &store.SweepRunRecord{
		ID:          runID,
		TriggerType: trigger,
		StartedAt:   now,
		Status:      sweepStatusRunning,
	}
	if err := s.mappingStore.CreateSweepRun(ctx, run); err != nil {
		return nil, err
	}

	records, err := s.mappingStore.ListAll(ctx)
	if err != nil {
		_ = s.mappingStore.FinishSweepRun(ctx, runID, sweepStatusFailed, err.Error(), 0, 0, 0, 0, time.Now().UTC())
		return nil, err
	}

	var liveSet map[string]bool
	if liveIDs != nil {
		liveSet = make(map[string]bool, len(liveIDs))
		for _, id := range liveIDs {
			liveSet[id] = true
		}
	}

	driftCount := 0
	fixedCount := 0

	// Pass 1: mappings whose owner is gone get full teardown semantics.
	deadOwners := map[string][]store.MappingRecord{}
	for _, rec := range records {
		if liveSet != nil && !liveSet[rec.InstanceID] {
			deadOwners[rec.InstanceID] = append(deadOwners[rec.InstanceID], rec)
		}
	}
	for instanceID, recs := range deadOwners {
		driftCount += len(recs)
		action := "torn_down"
		if err := s.controller.Teardown(ctx, instanceID); err != nil {
			action = "teardown_failed"
			logger.Warn("drift teardown failed", "instance_id", instanceID, "error", err)
		} else {
			fixedCount += len(recs)
		}
		for _, rec := range recs {
			_ = s.mappingStore.AddSweepItem(ctx, &store.SweepItemRecord{
				RunID:      runID,
				InstanceID: instanceID,
				PublicPort: rec.PublicPort,
				DriftType:  driftOwnerNotLive,
				Action:     action,
				Detail:     "owner not in live instance set",
				CreatedAt:  time.Now().UTC(),
			})
		}
	}

	// Pass 2: reconcile the kernel ruleset against what the store now holds.
	remaining, err := s.mappingStore.ListAll(ctx)
	if err != nil {
		_ = s.mappingStore.FinishSweepRun(ctx, runID, sweepStatusFailed, err.Error(), len(records), len(liveIDs), driftCount, fixedCount, time.Now().UTC())
		return nil, err
	}
	storedByPort := make(map[int]store.MappingRecord, len(remaining))
	for _, rec := range remaining {
		storedByPort[rec.PublicPort] = rec
	}

	mapped, err := s.rules.MappedPorts(ctx)
	if err != nil {
		_ = s.mappingStore.FinishSweepRun(ctx, runID, sweepStatusFailed, err.Error(), len(records), len(liveIDs), driftCount, fixedCount, time.Now().UTC())
		return nil, err
	}

	for port := range mapped {
		if _, ok := storedByPort[port]; ok {
			continue
		}
		driftCount++
		action := "rule_removed"
		if err := s.rules.RemoveMapping(ctx, port); err != nil {
			action = "remove_failed"
			logger.Warn("failed to remove orphan rule", "public_port", port, "error", err)
		} else {
			fixedCount++
		}
		_ = s.mappingStore.AddSweepItem(ctx, &store.SweepItemRecord{
			RunID:      runID,
			PublicPort: port,
			DriftType:  driftRuleWithoutMapping,
			Action:     action,
			Detail:     "rule present in packet filter but not in store",
			CreatedAt:  time.Now().UTC(),
		})
	}

	for port, rec := range storedByPort {
		if rec.IsStatic {
			// Static ports live in the static set, not the vmap.
			continue
		}
		if _, ok := mapped[port]; ok {
			continue
		}
		driftCount++
		action := "rule_restored"
		if err := s.rules.AddMapping(ctx, nft.Mapping{PublicPort: port, ContainerIP: rec.ContainerIP}); err != nil {
			action = "restore_failed"
			logger.Warn("failed to restore missing rule", "public_port", port, "error", err)
		} else {
			fixedCount++
		}
		_ = s.mappingStore.AddSweepItem(ctx, &store.SweepItemRecord{
			RunID:      runID,
			InstanceID: rec.InstanceID,
			PublicPort: port,
			DriftType:  driftMappingWithoutRule,
			Action:     action,
			Detail:     "store entry had no rule in packet filter",
			CreatedAt:  time.Now().UTC(),
		})
	}

	finishedAt := time.Now().UTC()
	if err := s.mappingStore.FinishSweepRun(ctx, runID, sweepStatusCompleted, "", len(records), len(liveIDs), driftCount, fixedCount, finishedAt); err != nil {
		return nil, err
	}
	if driftCount > 0 {
		logger.Info("sweep corrected drift", "drift", driftCount, "fixed", fixedCount)
	}
	return s.GetRun(ctx, runID)
}

// FullTeardown is the disaster-recovery path: best-effort removal of the
// whole xctf table, chain by chain, map, sets, table, suppressing
// already-gone outcomes.
func (s *Sweeper) FullTeardown(ctx context.Context) *nft.TeardownReport {
	return s.rules.TeardownAll(ctx)
}

func (s *Sweeper) ListRuns(ctx context.Context, limit int) (*model.SweepRunListResponse, error) {
	runs, err := s.mappingStore.ListSweepRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]model.SweepRun, 0, len(runs))
	for _, run := range runs {
		items = append(items, sweepRunFromRecord(run))
	}
	return &model.SweepRunListResponse{Items: items}, nil
}

func (s *Sweeper) GetRun(ctx context.Context, runID string) (*model.SweepRunDetailResponse, error) {
	run, err := s.mappingStore.GetSweepRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	items, err := s.mappingStore.ListSweepItems(ctx, runID)
	if err != nil {
		return nil, err
	}
	respItems := make([]model.SweepItem, 0, len(items))
	for _, item := range items {
		respItems = append(respItems, model.SweepItem{
			ID:         item.ID,
			RunID:      item.RunID,
			InstanceID: item.InstanceID,
			PublicPort: item.PublicPort,
			DriftType:  item.DriftType,
			Action:     item.Action,
			Detail:     item.Detail,
			CreatedAt:  item.CreatedAt,
		})
	}
	return &model.SweepRunDetailResponse{
		Run:   sweepRunFromRecord(*run),
		Items: respItems,
	}, nil
}

func sweepRunFromRecord(run store.SweepRunRecord) model.SweepRun {
	return model.SweepRun{
		ID:          run.ID,
		TriggerType: run.TriggerType,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		TotalStore:  run.TotalStore,
		TotalLive:   run.TotalLive,
		DriftCount:  run.DriftCount,
		FixedCount:  run.FixedCount,
		Status:      run.Status,
		Error:       run.Error,
	}
}
