package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"quantflow/internal/account"
	"quantflow/internal/events"
	"quantflow/internal/trade"
)

const testSecret = "test-secret"

func testServer(t *testing.T) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil, nil)
	registry := account.NewRegistry(bus, nil)
	executor := trade.NewExecutor(bus, nil, nil)
	return New(bus, registry, executor, testSecret, nil), bus
}

func token(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHealthzOpen(t *testing.T) {
	server, _ := testServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	server, _ := testServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/recent", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestRecentEventsServed(t *testing.T) {
	server, bus := testServer(t)
	_ = bus.Publish(events.New("pm.manager.ready", events.Data{"loaded_count": 1}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+token(t))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); !strings.Contains(body, "pm.manager.ready") {
		t.Fatalf("journal entry missing from response: %s", body)
	}
}

func TestUnknownTask404(t *testing.T) {
	server, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/u1/GHOST", nil)
	req.Header.Set("Authorization", "Bearer "+token(t))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
