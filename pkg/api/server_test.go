package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"traderd/pkg/book"
	"traderd/pkg/broker"
	"traderd/pkg/engine"
)

func newTestServer(t *testing.T) (*Server, *book.Registry) {
	t.Helper()
	reg := book.NewRegistry()
	d := engine.New(reg, broker.NewPaper(reg), 100*time.Microsecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	return NewServer(d, reg, zap.NewNop()), reg
}

func doJSON(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
	}
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, out := doJSON(t, s, http.MethodGet, "/health", "")
	if code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("health: %d %v", code, out)
	}
}

func TestSubmitOrderGateway(t *testing.T) {
	s, _ := newTestServer(t)

	code, out := doJSON(t, s, http.MethodPost, "/api/v1/orders",
		`{"symbol":"AAPL","side":"BUY","quantity":5,"price":100}`)
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if out["success"] != true {
		t.Fatalf("reply: %v", out)
	}
	if out["status"] != "NEW" {
		t.Errorf("order status: %v", out["status"])
	}
	// The gateway assigns a client order id when the caller omits one.
	if id, _ := out["client_order_id"].(string); id == "" {
		t.Error("client_order_id not assigned")
	}
}

func TestRawRequestPassThrough(t *testing.T) {
	s, _ := newTestServer(t)

	code, out := doJSON(t, s, http.MethodPost, "/api/v1/requests", `{"type":"account"}`)
	if code != http.StatusOK || out["success"] != true {
		t.Errorf("account: %d %v", code, out)
	}

	_, out = doJSON(t, s, http.MethodPost, "/api/v1/requests", `{"type":"nope"}`)
	if out["success"] != false || out["error"] != "Unknown request type" {
		t.Errorf("unknown type: %v", out)
	}
}

func TestBookSnapshot(t *testing.T) {
	s, reg := newTestServer(t)
	reg.Get("AAPL").Submit(book.Order{Symbol: "AAPL", Side: book.Buy, Quantity: 5, Price: 99})

	code, _ := doJSON(t, s, http.MethodGet, "/api/v1/books/MSFT", "")
	if code != http.StatusNotFound {
		t.Errorf("unknown symbol: got %d, want 404", code)
	}

	code, out := doJSON(t, s, http.MethodGet, "/api/v1/books/AAPL", "")
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if out["best_bid"] != 99.0 {
		t.Errorf("best bid: %v", out["best_bid"])
	}
	if out["best_ask"] != nil {
		t.Errorf("best ask should be null, got %v", out["best_ask"])
	}
	bids := out["bids"].([]any)
	if len(bids) != 1 {
		t.Errorf("bids: %v", bids)
	}
}

func TestCancelOrderGateway(t *testing.T) {
	s, _ := newTestServer(t)

	_, out := doJSON(t, s, http.MethodPost, "/api/v1/orders",
		`{"symbol":"AAPL","side":"BUY","quantity":5,"price":100}`)
	orderID := out["order_id"].(string)

	_, out = doJSON(t, s, http.MethodPost, "/api/v1/orders/cancel",
		`{"order_id":"`+orderID+`"}`)
	if out["success"] != true {
		t.Errorf("cancel: %v", out)
	}

	_, out = doJSON(t, s, http.MethodPost, "/api/v1/orders/cancel",
		`{"order_id":"`+orderID+`"}`)
	if out["success"] != false {
		t.Error("second cancel should fail")
	}
}
