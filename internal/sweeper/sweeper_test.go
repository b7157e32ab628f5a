package sweeper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

func TestSweepMarksSilentDriversOfflineAndEvicts(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	drivers := storage.NewMemoryDriverDirectory()
	drivers.Put(models.Driver{ID: "fresh", Online: true, LastSeenAt: now.Add(-time.Minute)})
	drivers.Put(models.Driver{ID: "stale", Online: true, LastSeenAt: now.Add(-10 * time.Minute)})
	drivers.Put(models.Driver{ID: "already-off", Online: false, LastSeenAt: now.Add(-time.Hour)})

	ctx := context.Background()
	gidx := geo.NewIndex()
	_ = gidx.Upsert(ctx, "fresh", 41.31, 69.24)
	_ = gidx.Upsert(ctx, "stale", 41.32, 69.25)

	s := &Sweeper{
		Drivers:       drivers,
		Locations:     storage.NewMemoryLocationStore(),
		Geo:           gidx,
		Logger:        slog.Default(),
		OfflineAfter:  5 * time.Minute,
		SweepInterval: time.Minute,
		PurgeInterval: 24 * time.Hour,
		RetentionDays: 7,
		Now:           func() time.Time { return now },
	}
	s.SweepOnce(ctx)

	if d, _ := drivers.Get("stale"); d.Online {
		t.Fatal("stale driver still online")
	}
	if d, _ := drivers.Get("fresh"); !d.Online {
		t.Fatal("fresh driver flipped offline")
	}
	near, _ := gidx.Nearby(ctx, 41.31, 69.24, 50)
	for _, c := range near {
		if c.DriverID == "stale" {
			t.Fatal("stale driver still in geo index")
		}
	}
	if len(near) != 1 {
		t.Fatalf("expected fresh driver to remain, got %+v", near)
	}
}

func TestPurgeRespectsRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	locs := storage.NewMemoryLocationStore()
	ctx := context.Background()
	_ = locs.Append(ctx, models.LocationSample{EntityID: "d1", Kind: models.KindDriver, Timestamp: now.AddDate(0, 0, -8)})
	_ = locs.Append(ctx, models.LocationSample{EntityID: "d1", Kind: models.KindDriver, OrderID: "o1", Timestamp: now.AddDate(0, 0, -2)})

	s := &Sweeper{
		Drivers:       storage.NewMemoryDriverDirectory(),
		Locations:     locs,
		Geo:           geo.NewIndex(),
		Logger:        slog.Default(),
		OfflineAfter:  5 * time.Minute,
		RetentionDays: 7,
		Now:           func() time.Time { return now },
	}
	s.PurgeOnce(ctx)

	remaining, _ := locs.PurgeOlderThan(ctx, now.AddDate(0, 0, 1))
	if remaining != 1 {
		t.Fatalf("expected exactly the recent sample to survive, %d purged in check", remaining)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := &Sweeper{
		Drivers:       storage.NewMemoryDriverDirectory(),
		Locations:     storage.NewMemoryLocationStore(),
		Geo:           geo.NewIndex(),
		Logger:        slog.Default(),
		OfflineAfter:  5 * time.Minute,
		SweepInterval: 10 * time.Millisecond,
		PurgeInterval: time.Hour,
		RetentionDays: 7,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
