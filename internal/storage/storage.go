package storage

import (
	"context"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// OrderStore persists orders. CompareAndAccept is the one operation with a
// hard atomicity requirement: the pending check and the driver assignment
// must be a single conditional write in the backing store.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	Update(ctx context.Context, o *models.Order) error
	// CompareAndAccept atomically sets driver and status=accepted iff the
	// order is still pending. Returns ErrConflict when another driver won,
	// ErrNotFound when the order does not exist.
	CompareAndAccept(ctx context.Context, orderID, driverID string) (*models.Order, error)
	ListByRequester(ctx context.Context, userID string) ([]*models.Order, error)
}

// PaymentStore keeps one payment row per order.
type PaymentStore interface {
	// CreatePending fails with ErrConflict if the order already has a payment.
	CreatePending(ctx context.Context, orderID string, amount float64, method models.PaymentMethod) error
	Get(ctx context.Context, orderID string) (*models.Payment, error)
	MarkSuccess(ctx context.Context, orderID string, at time.Time) error
	// ResetPending rewrites amount/method and clears paid_at after a reprice.
	ResetPending(ctx context.Context, orderID string, amount float64, method models.PaymentMethod) error
	SetHold(ctx context.Context, orderID, holdID string) error
}

// LocationStore is the append-only position history.
type LocationStore interface {
	Append(ctx context.Context, s models.LocationSample) error
	// RouteByOrder returns driver and passenger samples for the order,
	// ascending by timestamp.
	RouteByOrder(ctx context.Context, orderID string) ([]models.LocationSample, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserDirectory validates requester references.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// DriverDirectory owns driver online state and last-seen bookkeeping.
type DriverDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
	// Touch bumps last_seen and marks the driver online.
	Touch(ctx context.Context, id string, at time.Time) error
	// MarkStaleOffline flips online drivers silent since cutoff to offline
	// and returns their ids so callers can evict them from the geo index.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// PricingRuleStore returns the single active rule, ErrNotFound when none.
type PricingRuleStore interface {
	ActiveRule(ctx context.Context) (*models.PricingRule, error)
}

// PromoCodeStore looks up an active promo whose validity window contains at.
// A missing or inactive code returns (nil, nil); absence is not an error.
type PromoCodeStore interface {
	Find(ctx context.Context, code string, at time.Time) (*models.PromoCode, error)
}

type TaxiCategoryStore interface {
	Find(ctx context.Context, id string) (*models.TaxiCategory, error)
}

// WalletLedger applies balance movements for settlement.
type WalletLedger interface {
	Credit(ctx context.Context, actorID string, amount float64) error
	Debit(ctx context.Context, actorID string, amount float64) error
}
