package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"perp-gateway/internal/chase"
	"perp-gateway/internal/events"
	"perp-gateway/internal/momentum"
	"perp-gateway/internal/risk"
	"perp-gateway/internal/xerr"
	"perp-gateway/pkg/types"
)

type fakeChases struct {
	startErr error
	cancelled string
}

func (f *fakeChases) Start(ctx context.Context, spec chase.Spec) (*chase.Handle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &chase.Handle{ID: "chase-1"}, nil
}
func (f *fakeChases) Cancel(ctx context.Context, id string) { f.cancelled = id }

type fakeMomentum struct {
	startErr error
}

func (f *fakeMomentum) Start(ctx context.Context, spec momentum.Spec) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "momentum-1", nil
}
func (f *fakeMomentum) Cancel(ctx context.Context, id string) {}

type fakeRisk struct{ err error }

func (f *fakeRisk) Validate(ctx context.Context, req risk.ValidateRequest) error { return f.err }

type fakePrices struct{}

func (fakePrices) Snapshot(symbol string) (types.PriceSnapshot, bool) {
	return types.PriceSnapshot{Symbol: symbol, Mark: decimal.NewFromInt(100), Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101)}, true
}

func newTestHandlers(chases ChaseStarter, mom MomentumStarter, riskGate RiskValidator) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New(logger)
	hub := NewHub(bus, logger)
	return NewHandlers(chases, mom, riskGate, fakePrices{}, hub, logger)
}

func TestHandleStartChaseSuccess(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeChases{}, &fakeMomentum{}, &fakeRisk{})

	body, _ := json.Marshal(StartChaseRequest{SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Quantity: decimal.NewFromInt(1), Leverage: 5})
	req := httptest.NewRequest(http.MethodPost, "/v1/chases", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleStartChase(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp StartChaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "chase-1" {
		t.Fatalf("expected chase-1, got %q", resp.ID)
	}
}

func TestHandleStartChaseRiskRejectionMapsToStatus(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeChases{}, &fakeMomentum{}, &fakeRisk{err: xerr.New(xerr.MaxNotional, "too big")})

	body, _ := json.Marshal(StartChaseRequest{SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Buy, Quantity: decimal.NewFromInt(1), Leverage: 5})
	req := httptest.NewRequest(http.MethodPost, "/v1/chases", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleStartChase(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStartChaseAccountNotFoundMapsTo404(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeChases{}, &fakeMomentum{}, &fakeRisk{err: xerr.New(xerr.AccountNotFound, "no such account")})

	body, _ := json.Marshal(StartChaseRequest{SubAccount: "ghost", Symbol: "BTC-USDT-PERP", Quantity: decimal.NewFromInt(1), Leverage: 5})
	req := httptest.NewRequest(http.MethodPost, "/v1/chases", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleStartChase(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCancelChaseRoutesPathID(t *testing.T) {
	t.Parallel()
	fc := &fakeChases{}
	h := newTestHandlers(fc, &fakeMomentum{}, &fakeRisk{})

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/chases/{id}", h.HandleCancelChase)

	req := httptest.NewRequest(http.MethodDelete, "/v1/chases/chase-9", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if fc.cancelled != "chase-9" {
		t.Fatalf("expected cancel to be routed with id chase-9, got %q", fc.cancelled)
	}
}

func TestHandleStartMomentumSuccess(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeChases{}, &fakeMomentum{}, &fakeRisk{})

	body, _ := json.Marshal(StartMomentumRequest{SubAccount: "acct-1", Symbol: "BTC-USDT-PERP", Side: types.Long, Leverage: 5, MaxNotional: decimal.NewFromInt(10000)})
	req := httptest.NewRequest(http.MethodPost, "/v1/momentum", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleStartMomentum(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp StartMomentumResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "momentum-1" {
		t.Fatalf("expected momentum-1, got %q", resp.ID)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&fakeChases{}, &fakeMomentum{}, &fakeRisk{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
