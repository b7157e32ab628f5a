package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

type roomEvent struct {
	Room  string
	Event string
}

type fakeRooms struct {
	mu     sync.Mutex
	events []roomEvent
}

func (f *fakeRooms) EmitToRoom(room, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, roomEvent{Room: room, Event: event})
}

type failingLocations struct{}

func (failingLocations) Append(ctx context.Context, s models.LocationSample) error {
	return errors.New("disk on fire")
}
func (failingLocations) RouteByOrder(ctx context.Context, orderID string) ([]models.LocationSample, error) {
	return nil, nil
}
func (failingLocations) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func newService(t *testing.T) (*Service, *storage.MemoryDriverDirectory, *geo.Index, *fakeRooms, *storage.MemoryOrderStore) {
	t.Helper()
	drivers := storage.NewMemoryDriverDirectory()
	drivers.Put(models.Driver{ID: "d1", Online: true})
	gidx := geo.NewIndex()
	rooms := &fakeRooms{}
	orders := storage.NewMemoryOrderStore()
	s := &Service{
		Locations: storage.NewMemoryLocationStore(),
		Drivers:   drivers,
		Users:     storage.NewMemoryUserDirectory("p1"),
		Orders:    orders,
		Geo:       gidx,
		Notify:    rooms,
		Now:       func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return s, drivers, gidx, rooms, orders
}

func seedOrder(t *testing.T, orders *storage.MemoryOrderStore, id string) {
	t.Helper()
	err := orders.Create(context.Background(), &models.Order{ID: id, UserID: "p1", Status: models.StatusAccepted})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDriverPingUpdatesGeoAndLastSeen(t *testing.T) {
	s, drivers, gidx, rooms, orders := newService(t)
	seedOrder(t, orders, "o1")
	ctx := context.Background()

	sample, err := s.SaveDriverLocation(ctx, DriverPing{DriverID: "d1", OrderID: "o1", Lat: 41.31, Lng: 69.24})
	if err != nil {
		t.Fatal(err)
	}
	if sample.Kind != models.KindDriver {
		t.Fatalf("kind=%s", sample.Kind)
	}
	near, _ := gidx.Nearby(ctx, 41.31, 69.24, 1)
	if len(near) != 1 || near[0].DriverID != "d1" {
		t.Fatalf("geo not updated: %+v", near)
	}
	d, _ := drivers.Get("d1")
	if !d.LastSeenAt.Equal(s.Now()) {
		t.Fatalf("last seen not bumped: %v", d.LastSeenAt)
	}
	if len(rooms.events) != 1 || rooms.events[0].Room != "order:o1" || rooms.events[0].Event != "location:driver-updated" {
		t.Fatalf("room push wrong: %+v", rooms.events)
	}
}

func TestDriverPingUnknownDriver(t *testing.T) {
	s, _, _, _, _ := newService(t)
	_, err := s.SaveDriverLocation(context.Background(), DriverPing{DriverID: "ghost", Lat: 1, Lng: 1})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDriverPingUnknownOrder(t *testing.T) {
	s, _, _, _, _ := newService(t)
	_, err := s.SaveDriverLocation(context.Background(), DriverPing{DriverID: "d1", OrderID: "missing", Lat: 1, Lng: 1})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDriverPingMalformedCoordinates(t *testing.T) {
	s, _, _, _, _ := newService(t)
	_, err := s.SaveDriverLocation(context.Background(), DriverPing{DriverID: "d1", Lat: 120, Lng: 0})
	if !errors.Is(err, models.ErrBadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestDriverPingSurvivesHistoryStoreFailure(t *testing.T) {
	s, _, gidx, _, _ := newService(t)
	s.Locations = failingLocations{}
	ctx := context.Background()

	// a broken history store must not stall the live stream
	if _, err := s.SaveDriverLocation(ctx, DriverPing{DriverID: "d1", Lat: 41.31, Lng: 69.24}); err != nil {
		t.Fatalf("expected swallowed error, got %v", err)
	}
	near, _ := gidx.Nearby(ctx, 41.31, 69.24, 1)
	if len(near) != 1 {
		t.Fatal("geo update skipped after history failure")
	}
}

func TestPassengerPingNeverTouchesGeo(t *testing.T) {
	s, _, gidx, rooms, orders := newService(t)
	seedOrder(t, orders, "o1")
	ctx := context.Background()

	if _, err := s.SavePassengerLocation(ctx, PassengerPing{UserID: "p1", OrderID: "o1", Lat: 41.31, Lng: 69.24}); err != nil {
		t.Fatal(err)
	}
	near, _ := gidx.Nearby(ctx, 41.31, 69.24, 5)
	if len(near) != 0 {
		t.Fatalf("passenger leaked into geo index: %+v", near)
	}
	if len(rooms.events) != 1 || rooms.events[0].Event != "location:passenger-updated" {
		t.Fatalf("room push wrong: %+v", rooms.events)
	}
}

func TestGetRouteOrderingAndNotFound(t *testing.T) {
	s, _, _, _, orders := newService(t)
	seedOrder(t, orders, "o1")
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Minute), base, base.Add(time.Minute)}
	for i, ts := range times {
		tsCopy := ts
		s.Now = func() time.Time { return tsCopy }
		kind := DriverPing{DriverID: "d1", OrderID: "o1", Lat: 41.31 + float64(i)*0.001, Lng: 69.24}
		if _, err := s.SaveDriverLocation(ctx, kind); err != nil {
			t.Fatal(err)
		}
	}

	route, err := s.GetRoute(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if len(route) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(route))
	}
	for i := 1; i < len(route); i++ {
		if route[i].Timestamp.Before(route[i-1].Timestamp) {
			t.Fatalf("route not ascending: %v then %v", route[i-1].Timestamp, route[i].Timestamp)
		}
	}

	if _, err := s.GetRoute(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
