package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// RoomNotifier is the slice of the connection registry the ingest path uses.
type RoomNotifier interface {
	EmitToRoom(room, event string, payload interface{})
}

// Publisher pushes samples onto the location firehose.
type Publisher interface {
	PublishSample(s models.LocationSample) error
}

// Service handles the high-frequency position stream. Reference validation
// errors propagate to the caller; everything downstream of validation is
// best-effort so one bad write cannot stall live tracking.
type Service struct {
	Locations storage.LocationStore
	Drivers   storage.DriverDirectory
	Users     storage.UserDirectory
	Orders    storage.OrderStore
	Geo       geo.Geo
	Notify    RoomNotifier
	Producer  Publisher // optional
	Logger    *slog.Logger

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type DriverPing struct {
	DriverID string   `json:"driver_id"`
	OrderID  string   `json:"order_id,omitempty"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Speed    *float64 `json:"speed,omitempty"`
	Bearing  *float64 `json:"bearing,omitempty"`
}

type PassengerPing struct {
	UserID   string   `json:"user_id"`
	OrderID  string   `json:"order_id,omitempty"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// SaveDriverLocation validates the ping, appends history, refreshes the geo
// index and last-seen, and pushes the position into the order room.
func (s *Service) SaveDriverLocation(ctx context.Context, in DriverPing) (*models.LocationSample, error) {
	if err := checkCoord(in.Lat, in.Lng); err != nil {
		observability.PingsInvalid.Inc()
		return nil, err
	}
	ok, err := s.Drivers.Exists(ctx, in.DriverID)
	if err != nil {
		return nil, fmt.Errorf("driver lookup: %w", err)
	}
	if !ok {
		observability.PingsInvalid.Inc()
		return nil, fmt.Errorf("driver %s: %w", in.DriverID, models.ErrNotFound)
	}
	if in.OrderID != "" {
		if _, err := s.Orders.Get(ctx, in.OrderID); err != nil {
			observability.PingsInvalid.Inc()
			return nil, err
		}
	}

	sample := models.LocationSample{
		EntityID:  in.DriverID,
		Kind:      models.KindDriver,
		OrderID:   in.OrderID,
		Lat:       in.Lat,
		Lng:       in.Lng,
		Speed:     in.Speed,
		Bearing:   in.Bearing,
		Timestamp: s.now(),
	}

	// history, geo and last-seen are deliberately non-transactional; a miss
	// self-heals on the next ping
	if err := s.Locations.Append(ctx, sample); err != nil {
		s.log().Error("append driver sample failed", "driver_id", in.DriverID, "error", err)
	}
	if err := s.Geo.Upsert(ctx, in.DriverID, in.Lat, in.Lng); err != nil {
		s.log().Error("geo upsert failed", "driver_id", in.DriverID, "error", err)
	}
	if err := s.Drivers.Touch(ctx, in.DriverID, sample.Timestamp); err != nil {
		s.log().Error("touch driver failed", "driver_id", in.DriverID, "error", err)
	}
	if s.Producer != nil {
		if err := s.Producer.PublishSample(sample); err != nil {
			s.log().Warn("publish driver sample failed", "driver_id", in.DriverID, "error", err)
		}
	}
	if in.OrderID != "" {
		s.Notify.EmitToRoom(dispatch.OrderRoom(in.OrderID), "location:driver-updated", sample)
	}

	observability.PingsIngested.Inc()
	return &sample, nil
}

// SavePassengerLocation is the passenger half of the stream. Passengers are
// not matchable, so the geo index is never touched here.
func (s *Service) SavePassengerLocation(ctx context.Context, in PassengerPing) (*models.LocationSample, error) {
	if err := checkCoord(in.Lat, in.Lng); err != nil {
		observability.PingsInvalid.Inc()
		return nil, err
	}
	ok, err := s.Users.Exists(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	if !ok {
		observability.PingsInvalid.Inc()
		return nil, fmt.Errorf("user %s: %w", in.UserID, models.ErrNotFound)
	}
	if in.OrderID != "" {
		if _, err := s.Orders.Get(ctx, in.OrderID); err != nil {
			observability.PingsInvalid.Inc()
			return nil, err
		}
	}

	sample := models.LocationSample{
		EntityID:  in.UserID,
		Kind:      models.KindPassenger,
		OrderID:   in.OrderID,
		Lat:       in.Lat,
		Lng:       in.Lng,
		Accuracy:  in.Accuracy,
		Timestamp: s.now(),
	}
	if err := s.Locations.Append(ctx, sample); err != nil {
		s.log().Error("append passenger sample failed", "user_id", in.UserID, "error", err)
	}
	if s.Producer != nil {
		if err := s.Producer.PublishSample(sample); err != nil {
			s.log().Warn("publish passenger sample failed", "user_id", in.UserID, "error", err)
		}
	}
	if in.OrderID != "" {
		s.Notify.EmitToRoom(dispatch.OrderRoom(in.OrderID), "location:passenger-updated", sample)
	}

	observability.PingsIngested.Inc()
	return &sample, nil
}

// GetRoute returns the full ordered driver and passenger history for an
// order, for trip playback.
func (s *Service) GetRoute(ctx context.Context, orderID string) ([]models.LocationSample, error) {
	if _, err := s.Orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.Locations.RouteByOrder(ctx, orderID)
}

func checkCoord(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("coordinates out of range (%f, %f): %w", lat, lng, models.ErrBadRequest)
	}
	return nil
}
