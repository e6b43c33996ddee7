package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func initTestDB(t *testing.T) {
	t.Helper()
	if err := InitDB(filepath.Join(t.TempDir(), "sandboxnet.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := CloseDB(); err != nil {
			t.Fatalf("CloseDB() error = %v", err)
		}
	})
}

func TestMappingStoreCreateListDeleteFlow(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewMappingStore()
	now := time.Now().UTC()

	recs := []MappingRecord{
		{PublicPort: 33000, InstanceID: "chal-1", ContainerIP: "10.0.5.2", ContainerPort: 8000, CreatedAt: now},
		{PublicPort: 33001, InstanceID: "chal-1", ContainerIP: "10.0.5.2", ContainerPort: 8001, CreatedAt: now},
		{PublicPort: 9001, InstanceID: "chal-2", ContainerIP: "10.0.5.3", ContainerPort: 8000, IsStatic: true, CreatedAt: now},
	}
	if err := s.CreateBatch(ctx, recs); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	got, err := s.GetByPort(ctx, 33000)
	if err != nil {
		t.Fatalf("GetByPort() error = %v", err)
	}
	if got == nil || got.InstanceID != "chal-1" || got.ContainerPort != 8000 {
		t.Fatalf("GetByPort() = %+v", got)
	}

	missing, err := s.GetByPort(ctx, 50000)
	if err != nil {
		t.Fatalf("GetByPort() missing error = %v", err)
	}
	if missing != nil {
		t.Fatalf("GetByPort() for unknown port = %+v, want nil", missing)
	}

	byInstance, err := s.ListByInstance(ctx, "chal-1")
	if err != nil {
		t.Fatalf("ListByInstance() error = %v", err)
	}
	if len(byInstance) != 2 {
		t.Fatalf("ListByInstance() len = %d, want 2", len(byInstance))
	}

	ids, err := s.ListInstanceIDs(ctx)
	if err != nil {
		t.Fatalf("ListInstanceIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "chal-1" || ids[1] != "chal-2" {
		t.Fatalf("ListInstanceIDs() = %v", ids)
	}

	if err := s.DeleteByInstance(ctx, "chal-1"); err != nil {
		t.Fatalf("DeleteByInstance() error = %v", err)
	}
	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 1 || all[0].PublicPort != 9001 || !all[0].IsStatic {
		t.Fatalf("ListAll() after delete = %+v", all)
	}

	// Deleting an unknown port is a no-op.
	if err := s.DeleteByPort(ctx, 55555); err != nil {
		t.Fatalf("DeleteByPort() unknown port error = %v", err)
	}
}

func TestMappingStoreCreateBatchIsAtomic(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewMappingStore()
	now := time.Now().UTC()

	if err := s.CreateBatch(ctx, []MappingRecord{
		{PublicPort: 33000, InstanceID: "chal-1", ContainerIP: "10.0.5.2", ContainerPort: 8000, CreatedAt: now},
	}); err != nil {
		t.Fatalf("CreateBatch() seed error = %v", err)
	}

	// Second batch collides on the primary key; no row of it may survive.
	err := s.CreateBatch(ctx, []MappingRecord{
		{PublicPort: 34000, InstanceID: "chal-2", ContainerIP: "10.0.5.3", ContainerPort: 8000, CreatedAt: now},
		{PublicPort: 33000, InstanceID: "chal-2", ContainerIP: "10.0.5.3", ContainerPort: 8001, CreatedAt: now},
	})
	if err == nil {
		t.Fatalf("CreateBatch() with duplicate port did not fail")
	}

	all, listErr := s.ListAll(ctx)
	if listErr != nil {
		t.Fatalf("ListAll() error = %v", listErr)
	}
	if len(all) != 1 || all[0].InstanceID != "chal-1" {
		t.Fatalf("partial batch persisted: %+v", all)
	}
}

func TestMappingStoreSweepRunFlow(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewMappingStore()
	now := time.Now().UTC()

	run := &SweepRunRecord{
		ID:          "swp-1234",
		TriggerType: "manual",
		StartedAt:   now,
		Status:      "running",
	}
	if err := s.CreateSweepRun(ctx, run); err != nil {
		t.Fatalf("CreateSweepRun() error = %v", err)
	}

	if err := s.AddSweepItem(ctx, &SweepItemRecord{
		RunID:      run.ID,
		InstanceID: "chal-1",
		PublicPort: 33000,
		DriftType:  "owner_not_live",
		Action:     "torn_down",
		Detail:     "instance not in live set",
		CreatedAt:  now,
	}); err != nil {
		t.Fatalf("AddSweepItem() error = %v", err)
	}

	if err := s.FinishSweepRun(ctx, run.ID, "completed", "", 2, 1, 1, 1, now.Add(time.Second)); err != nil {
		t.Fatalf("FinishSweepRun() error = %v", err)
	}

	fetched, err := s.GetSweepRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetSweepRun() error = %v", err)
	}
	if fetched == nil || fetched.Status != "completed" || fetched.DriftCount != 1 || fetched.FinishedAt == nil {
		t.Fatalf("GetSweepRun() = %+v", fetched)
	}

	items, err := s.ListSweepItems(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListSweepItems() error = %v", err)
	}
	if len(items) != 1 || items[0].Action != "torn_down" || items[0].PublicPort != 33000 {
		t.Fatalf("ListSweepItems() = %+v", items)
	}

	runs, err := s.ListSweepRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListSweepRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("ListSweepRuns() = %+v", runs)
	}

	none, err := s.GetSweepRun(ctx, "swp-missing")
	if err != nil {
		t.Fatalf("GetSweepRun() missing error = %v", err)
	}
	if none != nil {
		t.Fatalf("GetSweepRun() for unknown id = %+v, want nil", none)
	}
}
