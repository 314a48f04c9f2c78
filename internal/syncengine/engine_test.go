package syncengine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/store/memstore"
)

func newTestEngine() (*Engine, *memstore.Store, *int64) {
	ms := memstore.New()
	now := int64(100)
	clock := func() int64 { return now }
	e := New(ms, model.DefaultCacheLimits, clock, zerolog.Nop())
	return e, ms, &now
}

func rc(id, name string, phones, emails []string, version, ts int64) model.RawContact {
	return model.RawContact{
		ExternalContactID:    id,
		DisplayName:          name,
		Phones:               phones,
		Emails:               emails,
		SourceVersion:        version,
		SourceLastModifiedMs: ts,
	}
}

func TestFreshFullSyncInsert(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	summary, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", []string{"+1 555-0001"}, []string{"ALEX@EXAMPLE.COM"}, 1, 100),
		rc("c2", "Priya", []string{"+1 555-0002"}, []string{"priya@example.com"}, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 10, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Inserted != 2 || summary.Deleted != 0 || summary.InvalidDropped != 0 {
		t.Errorf("summary = %+v", summary)
	}

	count, err := ms.CountActiveContacts(ctx, "pixel8-bt")
	if err != nil || count != 2 {
		t.Errorf("count = %d, err = %v", count, err)
	}

	rows, err := ms.ListActiveContacts(ctx, "pixel8-bt", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ExternalContactID != "c1" || rows[1].ExternalContactID != "c2" {
		t.Fatalf("unexpected order: %+v", rows)
	}
	if rows[0].Emails[0] != "alex@example.com" {
		t.Errorf("email = %q, want alex@example.com", rows[0].Emails[0])
	}
	if rows[0].Phones[0] != "+15550001" {
		t.Errorf("phone = %q, want +15550001", rows[0].Phones[0])
	}
}

func TestCompleteSnapshotDeletesMissing(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
		rc("c2", "Priya", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 10, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	summary, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c2", "Priya", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 11, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", summary.Deleted)
	}

	count, _ := ms.CountActiveContacts(ctx, "pixel8-bt")
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestPartialSnapshotDoesNotDelete(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
		rc("c2", "Priya", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 10, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	summary, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c2", "Priya", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 11, CompleteSnapshot: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Deleted != 0 || !summary.PartialSnapshot {
		t.Errorf("summary = %+v", summary)
	}

	count, _ := ms.CountActiveContacts(ctx, "pixel8-bt")
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDeltaUpsertDeleteConflictKeepsUpsert(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", []string{"+1 555-0001"}, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 10, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	summary, err := e.ApplyDeltaSync(ctx, "pixel8-bt",
		[]model.RawContact{rc("c1", "Alex", []string{"+1 555-7777"}, nil, 2, 200)},
		[]string{"c1"},
		model.SyncMetadata{SourceSyncSequence: 16})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Updated != 1 || summary.Deleted != 0 {
		t.Errorf("summary = %+v", summary)
	}

	rows, _ := ms.ListActiveContacts(ctx, "pixel8-bt", "", 0)
	if len(rows) != 1 || rows[0].Phones[0] != "+15557777" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestStaleVersionIgnored(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", []string{"+1 555-0001"}, nil, 2, 200),
	}, model.SyncMetadata{SourceSyncSequence: 10, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	summary, err := e.ApplyDeltaSync(ctx, "pixel8-bt",
		[]model.RawContact{rc("c1", "Alex", []string{"+1 555-9999"}, nil, 1, 100)},
		nil,
		model.SyncMetadata{SourceSyncSequence: 11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.StaleIgnored != 1 {
		t.Errorf("summary = %+v", summary)
	}

	rows, _ := ms.ListActiveContacts(ctx, "pixel8-bt", "", 0)
	if rows[0].Phones[0] != "+15550001" {
		t.Errorf("phone = %q, want unchanged +15550001", rows[0].Phones[0])
	}
}

func TestSequenceRegressionRejected(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 20, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	_, err = e.ApplyDeltaSync(ctx, "pixel8-bt",
		[]model.RawContact{rc("c1", "Alex Changed", nil, nil, 2, 200)},
		nil,
		model.SyncMetadata{SourceSyncSequence: 19})

	var rejected *SyncRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected SyncRejectedError, got %v", err)
	}
	if rejected.Incoming != 19 || rejected.Previous != 20 {
		t.Errorf("rejected = %+v", rejected)
	}

	rows, _ := ms.ListActiveContacts(ctx, "pixel8-bt", "", 0)
	if rows[0].DisplayName != "Alex" {
		t.Errorf("store was mutated despite rejection: %+v", rows[0])
	}
}

func TestSequenceRegressionAllowed(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 20, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	_, err = e.ApplyDeltaSync(ctx, "pixel8-bt",
		[]model.RawContact{rc("c1", "Alex Changed", nil, nil, 2, 200)},
		nil,
		model.SyncMetadata{SourceSyncSequence: 19, AllowSequenceRegression: true})
	if err != nil {
		t.Fatalf("expected regression to be allowed, got %v", err)
	}
}

func TestEqualSequenceIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
	}, model.SyncMetadata{SourceSyncSequence: 20, CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	_, err = e.ApplyDeltaSync(ctx, "pixel8-bt",
		[]model.RawContact{rc("c1", "Alex Still", nil, nil, 2, 200)},
		nil,
		model.SyncMetadata{SourceSyncSequence: 20})
	if err != nil {
		t.Fatalf("expected equal sequence to be accepted, got %v", err)
	}
}

func TestDuplicateIDsInBatchKeepNewest(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	summary, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("dup", "First", []string{"+1-555-1000"}, nil, 1, 100),
		rc("dup", "Second", []string{"+1-555-2000"}, nil, 3, 300),
	}, model.SyncMetadata{CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", summary.Inserted)
	}

	rows, _ := ms.ListActiveContacts(ctx, "pixel8-bt", "", 0)
	if rows[0].Phones[0] != "+15552000" {
		t.Errorf("phone = %q, want +15552000", rows[0].Phones[0])
	}
}

func TestNormalizationAndDrop(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	summary, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("  c1  ", "   ", []string{"+1 (555) 123-4567", "+1 555 123 4567", "bad"},
			[]string{"USER@EXAMPLE.COM", "user@example.com", "no-at"}, 1, 100),
		rc("   ", "invalid", nil, nil, 1, 100),
	}, model.SyncMetadata{CompleteSnapshot: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.InvalidDropped != 1 {
		t.Errorf("InvalidDropped = %d, want 1", summary.InvalidDropped)
	}

	rows, _ := ms.ListActiveContacts(ctx, "pixel8-bt", "", 0)
	if len(rows) != 1 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].DisplayName != "Unknown" {
		t.Errorf("DisplayName = %q, want Unknown", rows[0].DisplayName)
	}
	if len(rows[0].Phones) != 1 || len(rows[0].Emails) != 1 || rows[0].Emails[0] != "user@example.com" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
}

func TestCapacityRejection(t *testing.T) {
	ms := memstore.New()
	limits := model.DefaultCacheLimits
	limits.MaxContactsPerDevice = 1
	e := New(ms, limits, func() int64 { return 100 }, zerolog.Nop())
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "pixel8-bt", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
		rc("c2", "Priya", nil, nil, 1, 100),
	}, model.SyncMetadata{CompleteSnapshot: true})

	var rejected *SyncRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected SyncRejectedError, got %v", err)
	}

	count, _ := ms.CountActiveContacts(ctx, "pixel8-bt")
	if count != 0 {
		t.Errorf("count = %d, want 0 (no partial writes)", count)
	}
}

func TestBlankSourceDeviceIsInvalidInput(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.ApplyFullSync(ctx, "   ", nil, model.SyncMetadata{})
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestIsolationAcrossSources(t *testing.T) {
	e, ms, _ := newTestEngine()
	ctx := context.Background()

	if _, err := e.ApplyFullSync(ctx, "deviceA", []model.RawContact{
		rc("c1", "Alex", nil, nil, 1, 100),
	}, model.SyncMetadata{CompleteSnapshot: true}); err != nil {
		t.Fatalf("deviceA sync failed: %v", err)
	}
	if _, err := e.ApplyFullSync(ctx, "deviceB", []model.RawContact{
		rc("c1", "Priya", nil, nil, 1, 100),
	}, model.SyncMetadata{CompleteSnapshot: true}); err != nil {
		t.Fatalf("deviceB sync failed: %v", err)
	}

	rowsA, _ := ms.ListActiveContacts(ctx, "deviceA", "", 0)
	rowsB, _ := ms.ListActiveContacts(ctx, "deviceB", "", 0)
	if len(rowsA) != 1 || rowsA[0].DisplayName != "Alex" {
		t.Errorf("deviceA rows = %+v", rowsA)
	}
	if len(rowsB) != 1 || rowsB[0].DisplayName != "Priya" {
		t.Errorf("deviceB rows = %+v", rowsB)
	}

	// Deleting in deviceA must never touch deviceB's row with the same id.
	if _, err := e.ApplyDeltaSync(ctx, "deviceA", nil, []string{"c1"}, model.SyncMetadata{}); err != nil {
		t.Fatalf("deviceA delta failed: %v", err)
	}
	countB, _ := ms.CountActiveContacts(ctx, "deviceB")
	if countB != 1 {
		t.Errorf("deviceB count = %d, want 1 (isolation violated)", countB)
	}
}

func TestRepeatedFullSyncIsIdempotentAfterFirstApplication(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	contacts := []model.RawContact{
		rc("c1", "Alex", []string{"+1 555-0001"}, []string{"alex@example.com"}, 1, 100),
		rc("c2", "Priya", []string{"+1 555-0002"}, []string{"priya@example.com"}, 1, 100),
	}
	metadata := model.SyncMetadata{SourceSyncSequence: 10, CompleteSnapshot: true}

	if _, err := e.ApplyFullSync(ctx, "pixel8-bt", contacts, metadata); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	summary, err := e.ApplyFullSync(ctx, "pixel8-bt", contacts, metadata)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if summary.Inserted != 0 || summary.Updated != 0 || summary.Unchanged != 2 || summary.Deleted != 0 {
		t.Errorf("second-sync summary = %+v, want all unchanged", summary)
	}
}
