package geo

import (
	"context"
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineTashkentFixture(t *testing.T) {
	// origin/destination pair used throughout the pricing tests
	d := HaversineKm(41.311081, 69.240562, 41.327, 69.281)
	if d < 3.7 || d > 4.2 {
		t.Fatalf("unexpected distance %f km", d)
	}
}

func TestNearbyRadiusAndOrder(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, "near", 41.312, 69.241)
	_ = idx.Upsert(ctx, "mid", 41.320, 69.260)
	_ = idx.Upsert(ctx, "far", 41.500, 69.500)

	got, err := idx.Nearby(ctx, 41.311081, 69.240562, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("wrong order: %+v", got)
	}
	for _, c := range got {
		if c.DistanceKm > 5 {
			t.Fatalf("candidate %s outside radius: %f", c.DriverID, c.DistanceKm)
		}
	}
}

func TestNearbyEmptyIsValid(t *testing.T) {
	idx := NewIndex()
	got, err := idx.Nearby(context.Background(), 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, "d1", 1, 1)
	_ = idx.Remove(ctx, "d1")
	got, _ := idx.Nearby(ctx, 1, 1, 100)
	if len(got) != 0 {
		t.Fatalf("driver still present after remove")
	}
	// removing an unknown driver is a no-op
	if err := idx.Remove(ctx, "ghost"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
}

func TestUpsertLastWriteWins(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, "d1", 10, 10)
	_ = idx.Upsert(ctx, "d1", 41.311081, 69.240562)
	got, _ := idx.Nearby(ctx, 41.311081, 69.240562, 1)
	if len(got) != 1 {
		t.Fatalf("expected updated position in range, got %+v", got)
	}
	if math.Abs(got[0].DistanceKm) > 0.001 {
		t.Fatalf("expected ~0 distance, got %f", got[0].DistanceKm)
	}
}
