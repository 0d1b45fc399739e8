package database

import (
	"context"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Init(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db
}

func TestDailyUserSnapshotUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertDailyUserSnapshot(ctx, "2026-08-17", "all", []string{"u1", "u2"}); err != nil {
		t.Fatalf("Failed to upsert snapshot: %v", err)
	}

	t.Run("read back", func(t *testing.T) {
		snapshots, err := db.GetDailyUserSnapshots(ctx, "2026-08-17", "2026-08-17", "all")
		if err != nil {
			t.Fatalf("Failed to get snapshots: %v", err)
		}
		if len(snapshots) != 1 {
			t.Fatalf("Got %d snapshots, want 1", len(snapshots))
		}
		if snapshots[0].UserCount != 2 {
			t.Errorf("UserCount = %d, want 2", snapshots[0].UserCount)
		}
		ids, err := snapshots[0].UserIDs()
		if err != nil {
			t.Fatalf("Failed to decode user ids: %v", err)
		}
		if len(ids) != 2 || ids[0] != "u1" || ids[1] != "u2" {
			t.Errorf("UserIDs = %v, want [u1 u2]", ids)
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		if err := db.UpsertDailyUserSnapshot(ctx, "2026-08-17", "all", []string{"u3"}); err != nil {
			t.Fatalf("Failed to upsert snapshot: %v", err)
		}
		snapshots, err := db.GetDailyUserSnapshots(ctx, "2026-08-17", "2026-08-17", "all")
		if err != nil {
			t.Fatalf("Failed to get snapshots: %v", err)
		}
		if len(snapshots) != 1 {
			t.Fatalf("Got %d snapshots after re-upsert, want 1", len(snapshots))
		}
		if snapshots[0].UserCount != 1 {
			t.Errorf("UserCount after re-upsert = %d, want 1", snapshots[0].UserCount)
		}
	})

	t.Run("segments are independent keys", func(t *testing.T) {
		if err := db.UpsertDailyUserSnapshot(ctx, "2026-08-17", "reach", []string{"u1"}); err != nil {
			t.Fatalf("Failed to upsert snapshot: %v", err)
		}
		snapshots, err := db.GetDailyUserSnapshots(ctx, "2026-08-17", "2026-08-17", "all")
		if err != nil {
			t.Fatalf("Failed to get snapshots: %v", err)
		}
		if len(snapshots) != 1 {
			t.Errorf("all-segment query returned %d rows, want 1", len(snapshots))
		}
	})

	t.Run("empty set persists as zero", func(t *testing.T) {
		if err := db.UpsertDailyUserSnapshot(ctx, "2026-08-18", "all", nil); err != nil {
			t.Fatalf("Failed to upsert empty snapshot: %v", err)
		}
		snapshots, err := db.GetDailyUserSnapshots(ctx, "2026-08-18", "2026-08-18", "all")
		if err != nil {
			t.Fatalf("Failed to get snapshots: %v", err)
		}
		if len(snapshots) != 1 || snapshots[0].UserCount != 0 {
			t.Errorf("empty snapshot not persisted correctly: %+v", snapshots)
		}
		ids, err := snapshots[0].UserIDs()
		if err != nil {
			t.Fatalf("Failed to decode empty user ids: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("UserIDs = %v, want empty", ids)
		}
	})
}

func TestDailyUserSnapshotRangeOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	days := []string{"2026-08-19", "2026-08-17", "2026-08-18"}
	for _, day := range days {
		if err := db.UpsertDailyUserSnapshot(ctx, day, "all", []string{"u1"}); err != nil {
			t.Fatalf("Failed to upsert %s: %v", day, err)
		}
	}

	snapshots, err := db.GetDailyUserSnapshots(ctx, "2026-08-17", "2026-08-19", "all")
	if err != nil {
		t.Fatalf("Failed to get snapshots: %v", err)
	}
	if len(snapshots) != 3 {
		t.Fatalf("Got %d snapshots, want 3", len(snapshots))
	}
	for i, want := range []string{"2026-08-17", "2026-08-18", "2026-08-19"} {
		if snapshots[i].MetricDate != want {
			t.Errorf("snapshots[%d].MetricDate = %s, want %s", i, snapshots[i].MetricDate, want)
		}
	}
}

func TestMetricSnapshotUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	retention := 42.5
	snapshot := &MetricSnapshot{
		PeriodType:     "weekly",
		PeriodKey:      "2026-W34",
		PeriodStart:    "2026-08-17T00:00:00Z",
		PeriodEnd:      "2026-08-24T00:00:00Z",
		NewSignups:     10,
		WAU:            120,
		ActivationRate: 33.33,
		D7Retention:    &retention,
		MRR:            1234.56,
	}
	if err := snapshot.SetExtras(map[string]any{"top_features": []string{"tarot_drawn"}}); err != nil {
		t.Fatalf("Failed to set extras: %v", err)
	}

	if err := db.UpsertMetricSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("Failed to upsert metric snapshot: %v", err)
	}

	t.Run("read back", func(t *testing.T) {
		snapshots, err := db.GetMetricSnapshots(ctx, "weekly", 10)
		if err != nil {
			t.Fatalf("Failed to get metric snapshots: %v", err)
		}
		if len(snapshots) != 1 {
			t.Fatalf("Got %d snapshots, want 1", len(snapshots))
		}
		got := snapshots[0]
		if got.ActivationRate != 33.33 {
			t.Errorf("ActivationRate = %v, want 33.33", got.ActivationRate)
		}
		if got.D7Retention == nil || *got.D7Retention != 42.5 {
			t.Errorf("D7Retention = %v, want 42.5", got.D7Retention)
		}
		extras, err := got.Extras()
		if err != nil {
			t.Fatalf("Failed to decode extras: %v", err)
		}
		if _, ok := extras["top_features"]; !ok {
			t.Error("extras missing top_features")
		}
	})

	t.Run("same period key replaces", func(t *testing.T) {
		snapshot.NewSignups = 12
		if err := db.UpsertMetricSnapshot(ctx, snapshot); err != nil {
			t.Fatalf("Failed to re-upsert: %v", err)
		}
		snapshots, err := db.GetMetricSnapshots(ctx, "weekly", 10)
		if err != nil {
			t.Fatalf("Failed to get metric snapshots: %v", err)
		}
		if len(snapshots) != 1 {
			t.Fatalf("Got %d snapshots after re-upsert, want 1", len(snapshots))
		}
		if snapshots[0].NewSignups != 12 {
			t.Errorf("NewSignups = %d, want 12", snapshots[0].NewSignups)
		}
	})
}

func TestMetricSnapshotsMostRecentFirst(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	weeks := []struct{ key, start string }{
		{"2026-W33", "2026-08-10T00:00:00Z"},
		{"2026-W35", "2026-08-24T00:00:00Z"},
		{"2026-W34", "2026-08-17T00:00:00Z"},
	}
	for _, week := range weeks {
		err := db.UpsertMetricSnapshot(ctx, &MetricSnapshot{
			PeriodType:  "weekly",
			PeriodKey:   week.key,
			PeriodStart: week.start,
			PeriodEnd:   week.start,
		})
		if err != nil {
			t.Fatalf("Failed to upsert %s: %v", week.key, err)
		}
	}

	snapshots, err := db.GetMetricSnapshots(ctx, "weekly", 2)
	if err != nil {
		t.Fatalf("Failed to get metric snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("Got %d snapshots, want 2", len(snapshots))
	}
	if snapshots[0].PeriodKey != "2026-W35" || snapshots[1].PeriodKey != "2026-W34" {
		t.Errorf("Order = [%s, %s], want [2026-W35, 2026-W34]",
			snapshots[0].PeriodKey, snapshots[1].PeriodKey)
	}
}

func TestLatestDailySnapshotDates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, day := range []string{"2026-08-17", "2026-08-18"} {
		if err := db.UpsertDailyUserSnapshot(ctx, day, "all", []string{"u1"}); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
	}
	if err := db.UpsertDailyUserSnapshot(ctx, "2026-08-17", "reach", []string{"u1"}); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	dates, err := db.LatestDailySnapshotDates(ctx)
	if err != nil {
		t.Fatalf("Failed to get latest dates: %v", err)
	}
	if dates["all"] != "2026-08-18" {
		t.Errorf("latest all = %s, want 2026-08-18", dates["all"])
	}
	if dates["reach"] != "2026-08-17" {
		t.Errorf("latest reach = %s, want 2026-08-17", dates["reach"])
	}

	count, err := db.CountDailySnapshots(ctx)
	if err != nil {
		t.Fatalf("Failed to count snapshots: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
