package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// OrderStatus is the order lifecycle enum. pending -> accepted -> on_the_way
// -> completed, with cancelled reachable from pending and accepted.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusOnTheWay  OrderStatus = "on_the_way"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// ValidStatus reports whether s is a member of the order status enum.
func ValidStatus(s OrderStatus) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusOnTheWay, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	DriverID    string      `json:"driver_id,omitempty"` // empty until accepted
	Status      OrderStatus `json:"status"`
	Origin      Coord       `json:"origin"`
	Destination Coord       `json:"destination"`
	Price       float64     `json:"price"`
	DistanceKm  float64     `json:"distance_km"`
	DurationMin float64     `json:"duration_min"`
	CategoryID  string      `json:"taxi_category_id,omitempty"`
	PromoCode   string      `json:"promo_code,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
)

type Payment struct {
	OrderID string        `json:"order_id"`
	Amount  float64       `json:"amount"`
	Method  PaymentMethod `json:"method"`
	Status  PaymentStatus `json:"status"`
	HoldID  string        `json:"hold_id,omitempty"` // card holds only
	PaidAt  *time.Time    `json:"paid_at,omitempty"`
}

// PricingRule is read-only to the dispatch core. At most one rule is active.
type PricingRule struct {
	ID              string
	BaseFare        float64
	PerKm           float64
	PerMin          float64
	SurgeMultiplier float64
	Active          bool
	UpdatedAt       time.Time
}

type PromoCode struct {
	Code            string
	DiscountPercent float64
	ValidFrom       time.Time
	ValidTo         *time.Time // nil means open-ended
	Active          bool
}

type TaxiCategory struct {
	ID     string
	Price  float64
	Active bool
}

type Driver struct {
	ID         string    `json:"id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ActorKind distinguishes driver and passenger location streams.
type ActorKind string

const (
	KindDriver    ActorKind = "driver"
	KindPassenger ActorKind = "passenger"
)

// LocationSample is append-only position history. Samples are never updated,
// only created and eventually purged.
type LocationSample struct {
	EntityID  string    `json:"id"`
	Kind      ActorKind `json:"type"`
	OrderID   string    `json:"order_id,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Candidate is one nearby-driver hit from the geo index.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// AppliedPromo describes a discount taken during pricing.
type AppliedPromo struct {
	Code            string  `json:"code"`
	DiscountPercent float64 `json:"discount_percent"`
	DiscountAmount  float64 `json:"discount_amount"`
}
