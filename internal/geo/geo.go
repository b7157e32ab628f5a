package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/taxi-dispatch/internal/models"
)

// Geo is the live index of current driver positions. Entries exist only
// while a driver is online; staleness up to one ping interval is tolerated.
type Geo interface {
	Upsert(ctx context.Context, driverID string, lat, lng float64) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Coord)}
}

func (g *Index) Upsert(ctx context.Context, driverID string, lat, lng float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = models.Coord{Lat: lat, Lng: lng}
	return nil
}

func (g *Index) Remove(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; in prod use Redis GEO or H3
func (g *Index) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Candidate, error) {
	g.mu.RLock()
	out := make([]models.Candidate, 0)
	for id, c := range g.drivers {
		d := HaversineKm(lat, lng, c.Lat, c.Lng)
		if d <= radiusKm {
			out = append(out, models.Candidate{DriverID: id, DistanceKm: d})
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

func (g *Index) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
