package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perp-gateway/internal/chase"
	"perp-gateway/internal/momentum"
	"perp-gateway/internal/risk"
	"perp-gateway/pkg/types"
)

var errMissingID = errors.New("missing id path parameter")

// ChaseStarter is the subset of *chase.Engine the API drives.
type ChaseStarter interface {
	Start(ctx context.Context, spec chase.Spec) (*chase.Handle, error)
	Cancel(ctx context.Context, id string)
}

// MomentumStarter is the subset of *momentum.Engine the API drives.
type MomentumStarter interface {
	Start(ctx context.Context, spec momentum.Spec) (string, error)
	Cancel(ctx context.Context, id string)
}

// RiskValidator is the subset of *risk.Gate the API enforces before
// accepting a new chase or momentum instance.
type RiskValidator interface {
	Validate(ctx context.Context, req risk.ValidateRequest) error
}

// PriceSource supplies the reference price the Risk Gate validates a
// request's notional against.
type PriceSource interface {
	Snapshot(symbol string) (types.PriceSnapshot, bool)
}

// Handlers implements the HTTP surface §6 describes: start/cancel a chase
// or momentum instance, health check, and the event WebSocket.
type Handlers struct {
	chases   ChaseStarter
	momentum MomentumStarter
	risk     RiskValidator
	prices   PriceSource
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers wires the HTTP handlers to the already-running engines.
func NewHandlers(chases ChaseStarter, momentumEngine MomentumStarter, riskGate RiskValidator, prices PriceSource, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		chases:   chases,
		momentum: momentumEngine,
		risk:     riskGate,
		prices:   prices,
		hub:      hub,
		logger:   logger.With("component", "api_handlers"),
	}
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStartChase accepts POST /v1/chases.
func (h *Handlers) HandleStartChase(w http.ResponseWriter, r *http.Request) {
	var req StartChaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	price, _ := h.referencePrice(req.Symbol)
	err := h.risk.Validate(r.Context(), risk.ValidateRequest{
		SubAccount:     req.SubAccount,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Leverage:       req.Leverage,
		ReferencePrice: price,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	handle, err := h.chases.Start(r.Context(), chase.Spec{
		SubAccount:     req.SubAccount,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Leverage:       req.Leverage,
		StalkOffsetPct: req.StalkOffsetPct,
		StalkMode:      req.StalkMode,
		MaxDistancePct: req.MaxDistancePct,
		ReduceOnly:     req.ReduceOnly,
		OrderType:      req.OrderType,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, StartChaseResponse{ID: handle.ID})
}

// HandleCancelChase accepts DELETE /v1/chases/{id}.
func (h *Handlers) HandleCancelChase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errMissingID)
		return
	}
	h.chases.Cancel(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStartMomentum accepts POST /v1/momentum.
func (h *Handlers) HandleStartMomentum(w http.ResponseWriter, r *http.Request) {
	var req StartMomentumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	price, _ := h.referencePrice(req.Symbol)
	err := h.risk.Validate(r.Context(), risk.ValidateRequest{
		SubAccount:     req.SubAccount,
		Symbol:         req.Symbol,
		Side:           req.Side.EntrySide(),
		Quantity:       decimal.Zero,
		Leverage:       req.Leverage,
		ReferencePrice: price,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	id, err := h.momentum.Start(r.Context(), momentum.Spec{
		SubAccount:  req.SubAccount,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Leverage:    req.Leverage,
		MaxNotional: req.MaxNotional,
		ProfileName: req.ProfileName,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, StartMomentumResponse{ID: id})
}

// HandleCancelMomentum accepts DELETE /v1/momentum/{id}.
func (h *Handlers) HandleCancelMomentum(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, errMissingID)
		return
	}
	h.momentum.Cancel(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleEvents upgrades GET /v1/events to a WebSocket and registers the
// connection with the hub, optionally filtered by a sub_account query
// parameter.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	newWSClient(h.hub, conn, r.URL.Query().Get("sub_account"))
}

func (h *Handlers) referencePrice(symbol string) (decimal.Decimal, bool) {
	snap, ok := h.prices.Snapshot(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return snap.Mark, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
