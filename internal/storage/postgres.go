package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

// PostgresStore implements every store interface over one *sql.DB so the
// server needs a single DSN.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(id, user_id, driver_id, status, origin_lat, origin_lng, dest_lat, dest_lng, price, distance_km, duration_min, taxi_category_id, promo_code, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),NULLIF($13,''),$14,$15)`,
		o.ID, o.UserID, o.DriverID, o.Status, o.Origin.Lat, o.Origin.Lng, o.Destination.Lat, o.Destination.Lng,
		o.Price, o.DistanceKm, o.DurationMin, o.CategoryID, o.PromoCode, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, user_id, COALESCE(driver_id,''), status, origin_lat, origin_lng, dest_lat, dest_lng, price, distance_km, duration_min, COALESCE(taxi_category_id,''), COALESCE(promo_code,''), created_at, updated_at, finished_at
		FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	var finished sql.NullTime
	err := row.Scan(&o.ID, &o.UserID, &o.DriverID, &o.Status, &o.Origin.Lat, &o.Origin.Lng,
		&o.Destination.Lat, &o.Destination.Lng, &o.Price, &o.DistanceKm, &o.DurationMin,
		&o.CategoryID, &o.PromoCode, &o.CreatedAt, &o.UpdatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		o.FinishedAt = &finished.Time
	}
	return &o, nil
}

func (p *PostgresStore) Update(ctx context.Context, o *models.Order) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET driver_id=NULLIF($1,''), status=$2, origin_lat=$3, origin_lng=$4, dest_lat=$5, dest_lng=$6, price=$7, distance_km=$8, duration_min=$9, taxi_category_id=NULLIF($10,''), promo_code=NULLIF($11,''), finished_at=$12, updated_at=now() WHERE id=$13`,
		o.DriverID, o.Status, o.Origin.Lat, o.Origin.Lng, o.Destination.Lat, o.Destination.Lng,
		o.Price, o.DistanceKm, o.DurationMin, o.CategoryID, o.PromoCode, o.FinishedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrNotFound)
	}
	return nil
}

// CompareAndAccept relies on the database evaluating the WHERE clause and the
// assignment as one statement; no read-then-write from the application side.
func (p *PostgresStore) CompareAndAccept(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET driver_id=$1, status='accepted', updated_at=now() WHERE id=$2 AND status='pending'`,
		driverID, orderID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// distinguish a missing order from a lost race
		var status string
		err := p.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("order %s already %s: %w", orderID, status, models.ErrConflict)
	}
	return p.Get(ctx, orderID)
}

func (p *PostgresStore) ListByRequester(ctx context.Context, userID string) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, COALESCE(driver_id,''), status, origin_lat, origin_lng, dest_lat, dest_lng, price, distance_km, duration_min, COALESCE(taxi_category_id,''), COALESCE(promo_code,''), created_at, updated_at, finished_at
		FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		var o models.Order
		var finished sql.NullTime
		if err := rows.Scan(&o.ID, &o.UserID, &o.DriverID, &o.Status, &o.Origin.Lat, &o.Origin.Lng,
			&o.Destination.Lat, &o.Destination.Lng, &o.Price, &o.DistanceKm, &o.DurationMin,
			&o.CategoryID, &o.PromoCode, &o.CreatedAt, &o.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			o.FinishedAt = &finished.Time
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreatePending(ctx context.Context, orderID string, amount float64, method models.PaymentMethod) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO payments(order_id, amount, method, status) VALUES($1,$2,$3,'pending') ON CONFLICT (order_id) DO NOTHING`,
		orderID, amount, method)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment for order %s exists: %w", orderID, models.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, orderID string) (*models.Payment, error) {
	var pay models.Payment
	var paid sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT order_id, amount, method, status, COALESCE(hold_id,''), paid_at FROM payments WHERE order_id=$1`, orderID).
		Scan(&pay.OrderID, &pay.Amount, &pay.Method, &pay.Status, &pay.HoldID, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if paid.Valid {
		pay.PaidAt = &paid.Time
	}
	return &pay, nil
}

func (p *PostgresStore) MarkSuccess(ctx context.Context, orderID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE payments SET status='success', paid_at=$1 WHERE order_id=$2`, at, orderID)
	return err
}

func (p *PostgresStore) ResetPending(ctx context.Context, orderID string, amount float64, method models.PaymentMethod) error {
	_, err := p.db.ExecContext(ctx, `UPDATE payments SET amount=$1, method=$2, status='pending', paid_at=NULL WHERE order_id=$3`, amount, method, orderID)
	return err
}

func (p *PostgresStore) SetHold(ctx context.Context, orderID, holdID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE payments SET hold_id=$1 WHERE order_id=$2`, holdID, orderID)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, s models.LocationSample) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_samples(entity_id, kind, order_id, lat, lng, speed, bearing, accuracy, ts)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9)`,
		s.EntityID, s.Kind, s.OrderID, s.Lat, s.Lng, s.Speed, s.Bearing, s.Accuracy, s.Timestamp)
	return err
}

func (p *PostgresStore) RouteByOrder(ctx context.Context, orderID string) ([]models.LocationSample, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT entity_id, kind, COALESCE(order_id,''), lat, lng, speed, bearing, accuracy, ts
		FROM location_samples WHERE order_id=$1 ORDER BY ts ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocationSample
	for rows.Next() {
		var s models.LocationSample
		if err := rows.Scan(&s.EntityID, &s.Kind, &s.OrderID, &s.Lat, &s.Lng, &s.Speed, &s.Bearing, &s.Accuracy, &s.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM location_samples WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id=$1`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) DriverExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM drivers WHERE id=$1`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET last_seen_at=$1, online=true WHERE id=$2`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`UPDATE drivers SET online=false WHERE online=true AND last_seen_at < $1 RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ActiveRule(ctx context.Context) (*models.PricingRule, error) {
	var r models.PricingRule
	err := p.db.QueryRowContext(ctx, `SELECT id, base_fare, per_km, per_min, surge_multiplier, is_active, updated_at
		FROM pricing_rules WHERE is_active=true ORDER BY updated_at DESC LIMIT 1`).
		Scan(&r.ID, &r.BaseFare, &r.PerKm, &r.PerMin, &r.SurgeMultiplier, &r.Active, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active pricing rule: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) Find(ctx context.Context, code string, at time.Time) (*models.PromoCode, error) {
	var promo models.PromoCode
	var validTo sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT code, discount_percent, valid_from, valid_to, is_active
		FROM promo_codes WHERE code=$1 AND is_active=true AND valid_from <= $2 AND (valid_to IS NULL OR valid_to >= $2)`, code, at).
		Scan(&promo.Code, &promo.DiscountPercent, &promo.ValidFrom, &validTo, &promo.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if validTo.Valid {
		promo.ValidTo = &validTo.Time
	}
	return &promo, nil
}

func (p *PostgresStore) FindCategory(ctx context.Context, id string) (*models.TaxiCategory, error) {
	var c models.TaxiCategory
	err := p.db.QueryRowContext(ctx, `SELECT id, price, is_active FROM taxi_categories WHERE id=$1 AND is_active=true`, id).
		Scan(&c.ID, &c.Price, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("taxi category %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) Credit(ctx context.Context, actorID string, amount float64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE wallets SET balance = balance + $1 WHERE user_id=$2`, amount, actorID)
	return err
}

func (p *PostgresStore) Debit(ctx context.Context, actorID string, amount float64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE wallets SET balance = balance - $1 WHERE user_id=$2`, amount, actorID)
	return err
}

// Interface views over PostgresStore for the methods whose names collide
// across store contracts.

type PostgresDrivers struct{ *PostgresStore }

func (d PostgresDrivers) Exists(ctx context.Context, id string) (bool, error) {
	return d.DriverExists(ctx, id)
}

type PostgresCategories struct{ *PostgresStore }

func (c PostgresCategories) Find(ctx context.Context, id string) (*models.TaxiCategory, error) {
	return c.FindCategory(ctx, id)
}

type PostgresPayments struct{ *PostgresStore }

func (p PostgresPayments) Get(ctx context.Context, orderID string) (*models.Payment, error) {
	return p.GetPayment(ctx, orderID)
}
