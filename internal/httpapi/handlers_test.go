package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryDriverDirectory, geo.Geo) {
	t.Helper()
	logger := logging.NewLogger("error")
	gidx := geo.NewIndex()
	orders := storage.NewMemoryOrderStore()
	pays := storage.NewMemoryPaymentStore()
	locs := storage.NewMemoryLocationStore()
	users := storage.NewMemoryUserDirectory("user-1")
	drivers := storage.NewMemoryDriverDirectory()
	drivers.Put(models.Driver{ID: "drv-1", Online: true, LastSeenAt: time.Now()})
	rules := storage.NewMemoryPricingRuleStore(&models.PricingRule{
		ID: "r1", BaseFare: 5000, PerKm: 1000, PerMin: 500, SurgeMultiplier: 1, Active: true,
	})
	reg := registry.New(logger)

	engine := &dispatch.Engine{
		Orders:     orders,
		Payments:   pays,
		Users:      users,
		Drivers:    drivers,
		Rules:      rules,
		Promos:     storage.NewMemoryPromoCodeStore(),
		Categories: storage.NewMemoryTaxiCategoryStore(),
		Wallet:     storage.NewMemoryWalletLedger(),
		Geo:        gidx,
		Notify:     reg,
		RadiusKm:   5,
		Logger:     logger,
	}
	ing := &ingest.Service{
		Locations: locs,
		Drivers:   drivers,
		Users:     users,
		Orders:    orders,
		Geo:       gidx,
		Notify:    reg,
		Logger:    logger,
	}
	return NewServer(engine, ing, reg, logger), drivers, gidx
}

func postJSON(t *testing.T, srv http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func createOrder(t *testing.T, srv http.Handler) dispatch.CreateOrderResult {
	t.Helper()
	w := postJSON(t, srv, "/api/v1/orders", map[string]interface{}{
		"user_id":     "user-1",
		"origin":      map[string]float64{"lat": 41.311081, "lng": 69.240562},
		"destination": map[string]float64{"lat": 41.327, "lng": 69.281},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: status %d body %s", w.Code, w.Body.String())
	}
	var res dispatch.CreateOrderResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return res
}

func TestCreateAndFetchOrder(t *testing.T) {
	srv, _, _ := newTestServer(t)

	res := createOrder(t, srv)
	if res.Order == nil || res.Order.Status != models.StatusPending {
		t.Fatalf("expected pending order, got %+v", res.Order)
	}
	if res.Order.Price <= 0 {
		t.Fatalf("expected positive price, got %v", res.Order.Price)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+res.Order.ID, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get order: status %d", w.Code)
	}
	var got models.Order
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if got.ID != res.Order.ID {
		t.Fatalf("fetched wrong order: %s", got.ID)
	}
}

func TestCreateOrderUnknownUser(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := postJSON(t, srv, "/api/v1/orders", map[string]interface{}{
		"user_id":     "ghost",
		"origin":      map[string]float64{"lat": 41.3, "lng": 69.2},
		"destination": map[string]float64{"lat": 41.32, "lng": 69.28},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateOrderMalformedBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAcceptConflictMapsTo409(t *testing.T) {
	srv, drivers, _ := newTestServer(t)
	drivers.Put(models.Driver{ID: "drv-2", Online: true, LastSeenAt: time.Now()})
	res := createOrder(t, srv)

	first := postJSON(t, srv, fmt.Sprintf("/api/v1/orders/%s/accept", res.Order.ID), map[string]string{"driver_id": "drv-1"})
	if first.Code != http.StatusOK {
		t.Fatalf("first accept: status %d body %s", first.Code, first.Body.String())
	}
	second := postJSON(t, srv, fmt.Sprintf("/api/v1/orders/%s/accept", res.Order.ID), map[string]string{"driver_id": "drv-2"})
	if second.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", second.Code)
	}
}

func TestAcceptUnknownOrderMapsTo404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := postJSON(t, srv, "/api/v1/orders/nope/accept", map[string]string{"driver_id": "drv-1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListOrdersRequiresUserID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDriverLocationEndpoint(t *testing.T) {
	srv, _, gidx := newTestServer(t)
	w := postJSON(t, srv, "/internal/driver/locations", map[string]interface{}{
		"driver_id": "drv-1",
		"lat":       41.311081,
		"lng":       69.240562,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("driver location: status %d body %s", w.Code, w.Body.String())
	}
	hits, err := gidx.Nearby(context.Background(), 41.311081, 69.240562, 1)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 1 || hits[0].DriverID != "drv-1" {
		t.Fatalf("driver not indexed after ping: %+v", hits)
	}
}

func TestRouteUnknownOrder(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/nope/route", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
