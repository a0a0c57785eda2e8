package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BrokerLedger/internal/core"
	"BrokerLedger/internal/lock"
	"BrokerLedger/internal/observability"
	"BrokerLedger/internal/query"
	"BrokerLedger/internal/server"
	"BrokerLedger/internal/store"
)

// Prometheus collectors register against the default registry once per
// binary, so all tests in this package share one Metrics value.
var testMetrics = observability.NewMetrics()

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	st := store.NewMemoryStore(time.Second)
	engine := core.NewEngine(st, lock.NewLocalLocker(), testMetrics, core.Options{LockWait: time.Second})
	queries := query.NewService(st)

	health := observability.NewHealthChecker("store")
	health.MarkUp("store")

	return server.New(engine, queries, health, testMetrics)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func createAccount(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/accounts", map[string]any{
		"name":           "client",
		"split":          "single",
		"your_share_pct": "10",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["account_id"].(string)
}

func TestSettlementLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)
	id := createAccount(t, h)

	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/fundings", id),
		map[string]any{"amount": "1000", "date": "2026-07-01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("funding: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/balance-records", id),
		map[string]any{"balance": "100", "date": "2026-07-02"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("balance record: %d %s", rec.Code, rec.Body.String())
	}
	if state := decodeBody(t, rec)["state"]; state != "loss" {
		t.Errorf("state after balance record = %v", state)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/settlements", id),
		map[string]any{"amount": "10", "date": "2026-07-03"})
	if rec.Code != http.StatusOK {
		t.Fatalf("settlement: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["capital_closed"] != "100" {
		t.Errorf("capital_closed = %v", body["capital_closed"])
	}
	if body["remaining"] != "800" {
		t.Errorf("remaining = %v", body["remaining"])
	}
	if body["settled"] != false {
		t.Errorf("settled = %v", body["settled"])
	}

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/state", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d", rec.Code)
	}
	view := decodeBody(t, rec)
	if view["state"] != "loss" || view["remaining"] != "800" || view["pending"] != "80" {
		t.Errorf("view = %v", view)
	}

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d", rec.Code)
	}
	txs := decodeBody(t, rec)["transactions"].([]any)
	if len(txs) != 3 {
		t.Errorf("transaction count = %d, want 3", len(txs))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestServer(t)
	id := createAccount(t, h)

	// No active episode yet.
	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/settlements", id),
		map[string]any{"amount": "10", "date": "2026-07-01"})
	if rec.Code != http.StatusConflict {
		t.Errorf("settle without episode: %d, want 409", rec.Code)
	}

	doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/fundings", id),
		map[string]any{"amount": "1000", "date": "2026-07-01"})
	doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/balance-records", id),
		map[string]any{"balance": "100", "date": "2026-07-02"})

	// Over the pending share.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/settlements", id),
		map[string]any{"amount": "90.01", "date": "2026-07-03"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("overpayment: %d, want 422", rec.Code)
	}

	// Funding is blocked while the episode is open.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/fundings", id),
		map[string]any{"amount": "50", "date": "2026-07-03"})
	if rec.Code != http.StatusConflict {
		t.Errorf("funding during episode: %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet,
		"/api/v1/accounts/00000000-0000-0000-0000-000000000001/state", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown account: %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/accounts/not-a-uuid/state", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad uuid: %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/settlements", id),
		map[string]any{"amount": "10", "date": "yesterday"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: %d, want 400", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("readyz: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	deps, _ := body["dependencies"].(map[string]any)
	if body["status"] != "ready" || deps["store"] != "up" {
		t.Errorf("readiness body: %v", body)
	}
}

func TestReadiness_DependencyDown(t *testing.T) {
	health := observability.NewHealthChecker("postgres", "nats")
	health.MarkUp("postgres")
	health.MarkUp("nats")
	if !health.IsReady() {
		t.Fatal("all dependencies up, should be ready")
	}

	health.MarkDown("nats")

	rec := httptest.NewRecorder()
	health.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with nats down: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	deps, _ := body["dependencies"].(map[string]any)
	if deps["nats"] != "down" || deps["postgres"] != "up" {
		t.Errorf("readiness body: %v", body)
	}

	health.Drain()
	if health.IsReady() {
		t.Error("drained checker should not be ready")
	}
}
