package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Notifier is the push surface the engine needs from the connection registry.
type Notifier interface {
	EmitToActor(actor, event string, payload interface{})
	EmitToRoom(room, event string, payload interface{})
	EmitToRoomExcept(room, exceptActor, event string, payload interface{})
}

// CardProcessor holds, captures, and releases card funds. Optional;
// cash-only deployments leave it nil.
type CardProcessor interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// Engine owns the order state machine: pricing, nearby-driver fan-out,
// first-accept-wins resolution and settlement.
type Engine struct {
	Orders     storage.OrderStore
	Payments   storage.PaymentStore
	Users      storage.UserDirectory
	Drivers    storage.DriverDirectory
	Rules      storage.PricingRuleStore
	Promos     storage.PromoCodeStore
	Categories storage.TaxiCategoryStore
	Wallet     storage.WalletLedger
	Geo        geo.Geo
	Notify     Notifier
	Cards      CardProcessor

	RadiusKm float64
	Logger   *slog.Logger

	// Now is swappable for deterministic tests.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// OrderRoom is the broadcast scope for one order's bidders and participants.
func OrderRoom(orderID string) string { return "order:" + orderID }

type CreateOrderInput struct {
	UserID        string               `json:"user_id"`
	Origin        models.Coord         `json:"origin"`
	Destination   models.Coord         `json:"destination"`
	CategoryID    string               `json:"taxi_category_id,omitempty"`
	PromoCode     string               `json:"promo_code,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method,omitempty"`
}

type CreateOrderResult struct {
	Order        *models.Order        `json:"order"`
	Drivers      []models.Candidate   `json:"drivers"`
	PromoApplied bool                 `json:"promo_applied"`
	AppliedPromo *models.AppliedPromo `json:"applied_promo,omitempty"`
}

// CreateOrder prices the ride, persists it pending with a pending payment,
// and fans the request out to every driver within the dispatch radius. No
// driver is reserved here; this is a broadcast, not an assignment.
func (e *Engine) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	ok, err := e.Users.Exists(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", in.UserID, models.ErrNotFound)
	}
	if err := validCoord(in.Origin); err != nil {
		return nil, err
	}
	if err := validCoord(in.Destination); err != nil {
		return nil, err
	}

	quote, promo, err := e.price(ctx, in.Origin, in.Destination, in.CategoryID, in.PromoCode)
	if err != nil {
		return nil, err
	}

	method := in.PaymentMethod
	if method == "" {
		method = models.PaymentCash
	}

	now := e.now()
	order := &models.Order{
		ID:          newID(),
		UserID:      in.UserID,
		Status:      models.StatusPending,
		Origin:      in.Origin,
		Destination: in.Destination,
		Price:       quote.price,
		DistanceKm:  quote.distanceKm,
		DurationMin: quote.durationMin,
		CategoryID:  in.CategoryID,
		PromoCode:   in.PromoCode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	if err := e.Payments.CreatePending(ctx, order.ID, order.Price, method); err != nil {
		return nil, fmt.Errorf("persist payment: %w", err)
	}
	if method == models.PaymentCard && e.Cards != nil {
		// best-effort hold; a declined hold surfaces at completion, not here
		if holdID, err := e.Cards.Hold(ctx, toMinorUnits(order.Price), "uzs", in.UserID); err != nil {
			e.log().Warn("card hold failed", "order_id", order.ID, "error", err)
		} else if err := e.Payments.SetHold(ctx, order.ID, holdID); err != nil {
			e.log().Warn("persist hold id failed", "order_id", order.ID, "error", err)
		}
	}

	candidates, err := e.Geo.Nearby(ctx, in.Origin.Lat, in.Origin.Lng, e.RadiusKm)
	if err != nil {
		e.log().Error("nearby lookup failed", "order_id", order.ID, "error", err)
		candidates = nil
	}
	for _, c := range candidates {
		e.Notify.EmitToActor(c.DriverID, "order:request", map[string]interface{}{
			"order_id":      order.ID,
			"distance_km":   c.DistanceKm,
			"price":         order.Price,
			"promo_applied": promo != nil,
		})
	}

	observability.OrdersCreated.Inc()
	e.log().Info("order created", "order_id", order.ID, "user_id", in.UserID,
		"price", order.Price, "distance_km", order.DistanceKm, "candidates", len(candidates))

	return &CreateOrderResult{Order: order, Drivers: candidates, PromoApplied: promo != nil, AppliedPromo: promo}, nil
}

// AcceptOrder resolves the race for an order. At most one driver wins: the
// transition is a single conditional write in the order store, never a
// read-then-write here.
func (e *Engine) AcceptOrder(ctx context.Context, driverID, orderID string) (*models.Order, error) {
	ok, err := e.Drivers.Exists(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("driver lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}

	order, err := e.Orders.CompareAndAccept(ctx, orderID, driverID)
	if err != nil {
		if isConflict(err) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}

	// losing bidders get an explicit cancel, not silence
	e.Notify.EmitToRoomExcept(OrderRoom(orderID), driverID, "order:cancelled", map[string]interface{}{
		"order_id": orderID,
	})
	accepted := map[string]interface{}{"order_id": orderID, "status": order.Status}
	e.Notify.EmitToActor(order.UserID, "order:accepted", accepted)
	e.Notify.EmitToActor(driverID, "order:accepted", accepted)

	observability.AcceptsWon.Inc()
	e.log().Info("order accepted", "order_id", orderID, "driver_id", driverID)
	return order, nil
}

// CompleteOrder settles a ride. The commission side depends on the payment
// method: cash debits the driver 5%, card debits the passenger 10%; the
// driver is credited price minus the applied commission either way.
func (e *Engine) CompleteOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DriverID == "" {
		return nil, fmt.Errorf("order %s has no driver: %w", orderID, models.ErrNotFound)
	}
	payment, err := e.Payments.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var commission float64
	if payment.Method == models.PaymentCash {
		commission = order.Price * 0.05
		if err := e.Wallet.Debit(ctx, order.DriverID, commission); err != nil {
			return nil, fmt.Errorf("debit driver commission: %w", err)
		}
	} else {
		commission = order.Price * 0.10
		if err := e.Wallet.Debit(ctx, order.UserID, commission); err != nil {
			return nil, fmt.Errorf("debit passenger commission: %w", err)
		}
	}
	driverEarn := order.Price - commission
	if err := e.Wallet.Credit(ctx, order.DriverID, driverEarn); err != nil {
		return nil, fmt.Errorf("credit driver: %w", err)
	}

	now := e.now()
	order.Status = models.StatusCompleted
	order.FinishedAt = &now
	order.UpdatedAt = now
	if err := e.Orders.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("finish order: %w", err)
	}
	if err := e.Payments.MarkSuccess(ctx, orderID, now); err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	if payment.Method == models.PaymentCard && e.Cards != nil && payment.HoldID != "" {
		if err := e.Cards.Capture(ctx, payment.HoldID); err != nil {
			e.log().Error("card capture failed", "order_id", orderID, "hold_id", payment.HoldID, "error", err)
		}
	}

	// a driver on a finished ride is no longer matchable until the next ping
	if err := e.Geo.Remove(ctx, order.DriverID); err != nil {
		e.log().Warn("geo remove failed", "driver_id", order.DriverID, "error", err)
	}

	e.Notify.EmitToActor(order.DriverID, "order:completed", map[string]interface{}{
		"order_id": orderID,
		"amount":   driverEarn,
	})

	observability.OrdersCompleted.Inc()
	e.log().Info("order completed", "order_id", orderID, "driver_id", order.DriverID, "driver_earn", driverEarn)
	return order, nil
}

// UpdateOrderStatus applies a caller-chosen status after validating it
// against the enum. completed delegates to CompleteOrder.
func (e *Engine) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q: %w", status, models.ErrBadRequest)
	}
	order, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Status = status
	order.UpdatedAt = e.now()
	if err := e.Orders.Update(ctx, order); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"order_id": order.ID, "status": order.Status}
	if order.DriverID != "" {
		e.Notify.EmitToActor(order.DriverID, "order:status_updated", payload)
	}
	e.Notify.EmitToActor(order.UserID, "order:status_updated", payload)

	if status == models.StatusCompleted {
		return e.CompleteOrder(ctx, orderID)
	}
	if status == models.StatusCancelled {
		e.releaseCardHold(ctx, orderID)
	}
	e.log().Info("order status updated", "order_id", orderID, "status", status)
	return order, nil
}

// releaseCardHold frees held card funds when an order dies before
// completion. Best-effort; the hold lapses on its own if this fails.
func (e *Engine) releaseCardHold(ctx context.Context, orderID string) {
	if e.Cards == nil {
		return
	}
	payment, err := e.Payments.Get(ctx, orderID)
	if err != nil || payment.Method != models.PaymentCard || payment.HoldID == "" {
		return
	}
	if err := e.Cards.Cancel(ctx, payment.HoldID); err != nil {
		e.log().Warn("card hold release failed", "order_id", orderID, "hold_id", payment.HoldID, "error", err)
	}
}

type UpdateOrderInput struct {
	Origin        *models.Coord         `json:"origin,omitempty"`
	Destination   *models.Coord         `json:"destination,omitempty"`
	CategoryID    *string               `json:"taxi_category_id,omitempty"`
	PromoCode     *string               `json:"promo_code,omitempty"`
	PaymentMethod *models.PaymentMethod `json:"payment_method,omitempty"`
}

// UpdateOrder edits a not-yet-finished order. A route change reprices the
// ride exactly the way CreateOrder does; a promo code alone discounts the
// current fare. Either way the payment is reset to pending at the new price.
func (e *Engine) UpdateOrder(ctx context.Context, orderID string, in UpdateOrderInput) (*CreateOrderResult, error) {
	order, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusPending && order.Status != models.StatusAccepted {
		return nil, fmt.Errorf("only pending or accepted orders can be updated: %w", models.ErrBadRequest)
	}

	if in.Origin != nil {
		if err := validCoord(*in.Origin); err != nil {
			return nil, err
		}
		order.Origin = *in.Origin
	}
	if in.Destination != nil {
		if err := validCoord(*in.Destination); err != nil {
			return nil, err
		}
		order.Destination = *in.Destination
	}
	if in.CategoryID != nil {
		order.CategoryID = *in.CategoryID
	}
	if in.PromoCode != nil {
		order.PromoCode = *in.PromoCode
	}

	var promo *models.AppliedPromo
	if in.Origin != nil && in.Destination != nil {
		quote, appliedPromo, err := e.price(ctx, order.Origin, order.Destination, order.CategoryID, order.PromoCode)
		if err != nil {
			return nil, err
		}
		order.Price = quote.price
		order.DistanceKm = quote.distanceKm
		order.DurationMin = quote.durationMin
		promo = appliedPromo
	} else if in.PromoCode != nil && *in.PromoCode != "" {
		// a promo supplied without a route change discounts the current fare
		found, err := e.Promos.Find(ctx, *in.PromoCode, e.now())
		if err != nil {
			return nil, fmt.Errorf("promo lookup: %w", err)
		}
		if found != nil {
			discount := order.Price * found.DiscountPercent / 100
			order.Price -= discount
			if order.Price < 0 {
				order.Price = 0
			}
			promo = &models.AppliedPromo{Code: found.Code, DiscountPercent: found.DiscountPercent, DiscountAmount: discount}
		}
	}

	order.UpdatedAt = e.now()
	if err := e.Orders.Update(ctx, order); err != nil {
		return nil, err
	}

	method := models.PaymentCash
	if payment, err := e.Payments.Get(ctx, orderID); err == nil {
		method = payment.Method
	}
	if in.PaymentMethod != nil {
		method = *in.PaymentMethod
	}
	if err := e.Payments.ResetPending(ctx, orderID, order.Price, method); err != nil {
		return nil, fmt.Errorf("reset payment: %w", err)
	}

	if order.DriverID != "" {
		e.Notify.EmitToActor(order.DriverID, "order:updated", map[string]interface{}{
			"order_id":      orderID,
			"new_price":     order.Price,
			"promo_applied": promo != nil,
		})
	}

	e.log().Info("order updated", "order_id", orderID, "price", order.Price)
	return &CreateOrderResult{Order: order, PromoApplied: promo != nil, AppliedPromo: promo}, nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return e.Orders.Get(ctx, orderID)
}

func (e *Engine) ListOrdersByRequester(ctx context.Context, userID string) ([]*models.Order, error) {
	ok, err := e.Users.Exists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	return e.Orders.ListByRequester(ctx, userID)
}

type quote struct {
	price       float64
	distanceKm  float64
	durationMin float64
}

// price computes the fare: base + perKm*d + perMin*(2d) + categoryPrice, then
// surge, then promo percent off floored at zero.
func (e *Engine) price(ctx context.Context, origin, dest models.Coord, categoryID, promoCode string) (quote, *models.AppliedPromo, error) {
	rule, err := e.Rules.ActiveRule(ctx)
	if err != nil {
		return quote{}, nil, err
	}

	distanceKm := geo.HaversineKm(origin.Lat, origin.Lng, dest.Lat, dest.Lng)
	durationMin := distanceKm * 2 // fixed 2 min/km heuristic

	var categoryPrice float64
	if categoryID != "" {
		category, err := e.Categories.Find(ctx, categoryID)
		if err != nil {
			return quote{}, nil, err
		}
		categoryPrice = category.Price
	}

	price := rule.BaseFare + rule.PerKm*distanceKm + rule.PerMin*durationMin + categoryPrice
	price *= rule.SurgeMultiplier

	var applied *models.AppliedPromo
	if promoCode != "" {
		promo, err := e.Promos.Find(ctx, promoCode, e.now())
		if err != nil {
			return quote{}, nil, fmt.Errorf("promo lookup: %w", err)
		}
		if promo != nil {
			discount := price * promo.DiscountPercent / 100
			price -= discount
			if price < 0 {
				price = 0
			}
			applied = &models.AppliedPromo{Code: promo.Code, DiscountPercent: promo.DiscountPercent, DiscountAmount: discount}
		}
	}

	return quote{price: price, distanceKm: distanceKm, durationMin: durationMin}, applied, nil
}

func validCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("coordinates out of range (%f, %f): %w", c.Lat, c.Lng, models.ErrBadRequest)
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, models.ErrConflict)
}

func toMinorUnits(amount float64) int64 { return int64(amount * 100) }

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
