package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// Memory-backed stores used for tests and DSN-less local runs.

type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryOrderStore) Create(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryOrderStore) Get(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryOrderStore) Update(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, models.ErrNotFound)
	}
	cp := *o
	cp.UpdatedAt = time.Now()
	m.orders[o.ID] = &cp
	return nil
}

// CompareAndAccept holds the store lock across check and write, which makes
// the transition indivisible for every caller of this store.
func (m *MemoryOrderStore) CompareAndAccept(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	if o.Status != models.StatusPending {
		return nil, fmt.Errorf("order %s already %s: %w", orderID, o.Status, models.ErrConflict)
	}
	o.DriverID = driverID
	o.Status = models.StatusAccepted
	o.UpdatedAt = time.Now()
	cp := *o
	return &cp, nil
}

func (m *MemoryOrderStore) ListByRequester(ctx context.Context, userID string) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type MemoryPaymentStore struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{payments: make(map[string]*models.Payment)}
}

func (m *MemoryPaymentStore) CreatePending(ctx context.Context, orderID string, amount float64, method models.PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[orderID]; ok {
		return fmt.Errorf("payment for order %s exists: %w", orderID, models.ErrConflict)
	}
	m.payments[orderID] = &models.Payment{OrderID: orderID, Amount: amount, Method: method, Status: models.PaymentPending}
	return nil
}

func (m *MemoryPaymentStore) Get(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryPaymentStore) MarkSuccess(ctx context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	p.Status = models.PaymentSuccess
	p.PaidAt = &at
	return nil
}

func (m *MemoryPaymentStore) ResetPending(ctx context.Context, orderID string, amount float64, method models.PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	p.Amount = amount
	p.Method = method
	p.Status = models.PaymentPending
	p.PaidAt = nil
	return nil
}

func (m *MemoryPaymentStore) SetHold(ctx context.Context, orderID, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	p.HoldID = holdID
	return nil
}

type MemoryLocationStore struct {
	mu      sync.Mutex
	samples []models.LocationSample
}

func NewMemoryLocationStore() *MemoryLocationStore { return &MemoryLocationStore{} }

func (m *MemoryLocationStore) Append(ctx context.Context, s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *MemoryLocationStore) RouteByOrder(ctx context.Context, orderID string) ([]models.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LocationSample
	for _, s := range m.samples {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryLocationStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var purged int64
	for _, s := range m.samples {
		if s.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return purged, nil
}

type MemoryDriverDirectory struct {
	mu      sync.Mutex
	drivers map[string]*models.Driver
}

func NewMemoryDriverDirectory() *MemoryDriverDirectory {
	return &MemoryDriverDirectory{drivers: make(map[string]*models.Driver)}
}

func (m *MemoryDriverDirectory) Put(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.drivers[d.ID] = &cp
}

func (m *MemoryDriverDirectory) Get(id string) (models.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return *d, true
}

func (m *MemoryDriverDirectory) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.drivers[id]
	return ok, nil
}

func (m *MemoryDriverDirectory) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	d.LastSeenAt = at
	d.Online = true
	return nil
}

func (m *MemoryDriverDirectory) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var offlined []string
	for id, d := range m.drivers {
		if d.Online && d.LastSeenAt.Before(cutoff) {
			d.Online = false
			offlined = append(offlined, id)
		}
	}
	return offlined, nil
}

type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]bool
}

func NewMemoryUserDirectory(ids ...string) *MemoryUserDirectory {
	m := &MemoryUserDirectory{users: make(map[string]bool)}
	for _, id := range ids {
		m.users[id] = true
	}
	return m
}

func (m *MemoryUserDirectory) Add(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = true
}

func (m *MemoryUserDirectory) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[id], nil
}

type MemoryPricingRuleStore struct {
	mu   sync.RWMutex
	rule *models.PricingRule
}

func NewMemoryPricingRuleStore(rule *models.PricingRule) *MemoryPricingRuleStore {
	return &MemoryPricingRuleStore{rule: rule}
}

func (m *MemoryPricingRuleStore) ActiveRule(ctx context.Context) (*models.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rule == nil || !m.rule.Active {
		return nil, fmt.Errorf("active pricing rule: %w", models.ErrNotFound)
	}
	cp := *m.rule
	return &cp, nil
}

type MemoryPromoCodeStore struct {
	mu     sync.RWMutex
	promos map[string]*models.PromoCode
}

func NewMemoryPromoCodeStore(promos ...*models.PromoCode) *MemoryPromoCodeStore {
	m := &MemoryPromoCodeStore{promos: make(map[string]*models.PromoCode)}
	for _, p := range promos {
		m.promos[p.Code] = p
	}
	return m
}

func (m *MemoryPromoCodeStore) Find(ctx context.Context, code string, at time.Time) (*models.PromoCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.promos[code]
	if !ok || !p.Active {
		return nil, nil
	}
	if p.ValidFrom.After(at) {
		return nil, nil
	}
	if p.ValidTo != nil && p.ValidTo.Before(at) {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

type MemoryTaxiCategoryStore struct {
	mu         sync.RWMutex
	categories map[string]*models.TaxiCategory
}

func NewMemoryTaxiCategoryStore(cats ...*models.TaxiCategory) *MemoryTaxiCategoryStore {
	m := &MemoryTaxiCategoryStore{categories: make(map[string]*models.TaxiCategory)}
	for _, c := range cats {
		m.categories[c.ID] = c
	}
	return m
}

func (m *MemoryTaxiCategoryStore) Find(ctx context.Context, id string) (*models.TaxiCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok || !c.Active {
		return nil, fmt.Errorf("taxi category %s: %w", id, models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

type MemoryWalletLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func NewMemoryWalletLedger() *MemoryWalletLedger {
	return &MemoryWalletLedger{balances: make(map[string]float64)}
}

func (m *MemoryWalletLedger) Credit(ctx context.Context, actorID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[actorID] += amount
	return nil
}

func (m *MemoryWalletLedger) Debit(ctx context.Context, actorID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[actorID] -= amount
	return nil
}

func (m *MemoryWalletLedger) Balance(actorID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[actorID]
}
