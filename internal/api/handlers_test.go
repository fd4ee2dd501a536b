package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/gate"
	"orion/internal/order"
	"orion/internal/outbox"
	"orion/internal/projection"
	"orion/internal/refdata"
	"orion/internal/rfq"
	"orion/internal/storage"
	"orion/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := testLogger()
	db := storage.NewMemoryDB()
	writer := outbox.NewWriter("dev")
	g := gate.New(gate.Limits{RFQPerSec: 1000, OrdersPerSec: 1000, Burst: 1000}, logger)
	reg := refdata.NewRegistry(logger)
	reg.Seed(
		[]types.Instrument{{
			InstrumentID: "EURUSD", AssetClass: "FX",
			MinSize: decimal.NewFromInt(1000), MaxSize: decimal.NewFromInt(10_000_000),
			Active: true,
		}},
		[]types.Venue{{VenueID: "XOTC", Name: "OTC", Active: true}},
		[]types.LiquidityProvider{{LPID: "lp-1", Active: true}},
	)

	handlers := NewHandlers(
		rfq.NewService(rfq.Config{}, db, writer, g, reg, nil, nil, logger),
		order.NewService(db, writer, g, reg, nil, nil, logger),
		gate.NewService(g, db, writer, nil, logger),
		refdata.NewService(reg, db, writer, nil, logger),
		projection.NewBlotter(logger),
		projection.NewRFQView(logger),
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rfqs", handlers.HandleCreateRFQ)
	mux.HandleFunc("GET /api/rfqs/{id}", handlers.HandleGetRFQ)
	mux.HandleFunc("POST /api/rfqs/{id}/quotes", handlers.HandleRecordQuote)
	mux.HandleFunc("POST /api/orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("POST /api/orders/{id}/amend", handlers.HandleAmendOrder)
	mux.HandleFunc("POST /api/admin/kill-switch", handlers.HandleSetKillSwitch)
	mux.HandleFunc("GET /api/blotter", handlers.HandleBlotter)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orion-Tenant", "tenant-a")
	req.Header.Set("X-Orion-User", "trader-1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestCreateRFQEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/rfqs", createRFQBody{
		InstrumentID: "EURUSD",
		Side:         types.BUY,
		Size:         decimal.NewFromInt(100_000),
		ExpiresAt:    time.Now().Add(30 * time.Second),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got aggregateResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "SENT" || got.ID == "" {
		t.Errorf("response = %+v", got)
	}

	// The aggregate is readable back.
	resp, body = doJSON(t, srv, http.MethodGet, "/api/rfqs/"+got.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var loaded types.RFQ
	if err := json.Unmarshal(body, &loaded); err != nil {
		t.Fatalf("decode rfq: %v", err)
	}
	if loaded.RFQID != got.ID || len(loaded.RoutedLPs) != 1 {
		t.Errorf("rfq = %+v", loaded)
	}
}

func TestValidationErrorShape(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/rfqs", createRFQBody{
		InstrumentID: "EURUSD",
		Side:         "HOLD",
		Size:         decimal.NewFromInt(100_000),
		ExpiresAt:    time.Now().Add(30 * time.Second),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var ce types.CommandError
	if err := json.Unmarshal(body, &ce); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if ce.Code != types.ErrValidationFailed || ce.Field != "side" {
		t.Errorf("error = %+v", ce)
	}
}

func TestNotFoundMapsTo404(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	resp, body := doJSON(t, srv, http.MethodGet, "/api/rfqs/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var ce types.CommandError
	json.Unmarshal(body, &ce)
	if ce.Code != types.ErrNotFound {
		t.Errorf("code = %s", ce.Code)
	}
}

func TestKillSwitchBlocksCommands(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/admin/kill-switch", killSwitchBody{
		Active: true, Reason: "incident drill",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill switch status = %d, body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, srv, http.MethodPost, "/api/rfqs", createRFQBody{
		InstrumentID: "EURUSD",
		Side:         types.BUY,
		Size:         decimal.NewFromInt(100_000),
		ExpiresAt:    time.Now().Add(30 * time.Second),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var ce types.CommandError
	json.Unmarshal(body, &ce)
	if ce.Code != types.ErrKillSwitchActive {
		t.Errorf("code = %s, want KILL_SWITCH_ACTIVE", ce.Code)
	}
}

func TestPlaceAndAmendOrderEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/orders", placeOrderBody{
		InstrumentID:         "EURUSD",
		Side:                 types.BUY,
		Qty:                  decimal.NewFromInt(100_000),
		LimitPrice:           decimal.NewFromFloat(1.0850),
		TimeInForce:          types.TIFGoodTilCancel,
		ClientIdempotencyKey: "key-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("place status = %d, body %s", resp.StatusCode, body)
	}
	var placed aggregateResponse
	json.Unmarshal(body, &placed)

	newQty := decimal.NewFromInt(50_000)
	resp, body = doJSON(t, srv, http.MethodPost, "/api/orders/"+placed.ID+"/amend", amendOrderBody{
		NewQty: &newQty,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("amend status = %d, body %s", resp.StatusCode, body)
	}

	// Empty amendment: structured 400.
	resp, body = doJSON(t, srv, http.MethodPost, "/api/orders/"+placed.ID+"/amend", amendOrderBody{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty amend status = %d, body %s", resp.StatusCode, body)
	}
}

func TestBlotterEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	resp, body := doJSON(t, srv, http.MethodGet, "/api/blotter", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Trades []projection.BlotterRow `json:"trades"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Trades) != 0 {
		t.Errorf("trades = %v, want empty", out.Trades)
	}
}
