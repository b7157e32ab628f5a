package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Sweeper periodically marks silent drivers offline and purges old location
// history. Both passes are idempotent; missing a tick only delays cleanup.
type Sweeper struct {
	Drivers   storage.DriverDirectory
	Locations storage.LocationStore
	Geo       geo.Geo
	Logger    *slog.Logger

	OfflineAfter  time.Duration
	SweepInterval time.Duration
	PurgeInterval time.Duration
	RetentionDays int

	Now func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks until ctx is cancelled, driving both tickers.
func (s *Sweeper) Run(ctx context.Context) {
	sweep := time.NewTicker(s.SweepInterval)
	purge := time.NewTicker(s.PurgeInterval)
	defer sweep.Stop()
	defer purge.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.SweepOnce(ctx)
		case <-purge.C:
			s.PurgeOnce(ctx)
		}
	}
}

// SweepOnce flips drivers silent for OfflineAfter to offline and evicts them
// from the geo index so they stop receiving requests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := s.now().Add(-s.OfflineAfter)
	ids, err := s.Drivers.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		s.Logger.Error("stale driver sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.Geo.Remove(ctx, id); err != nil {
			s.Logger.Warn("geo evict failed", "driver_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		observability.SweepsMarked.Add(float64(len(ids)))
		s.Logger.Info("stale drivers marked offline", "count", len(ids))
	}
}

// PurgeOnce deletes location samples older than the retention window.
func (s *Sweeper) PurgeOnce(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.RetentionDays)
	n, err := s.Locations.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.Logger.Error("location purge failed", "error", err)
		return
	}
	s.Logger.Info("location history purged", "deleted", n, "cutoff", cutoff)
}
