// Package events implements the downstream event broadcaster (§6): a single
// fan-out point for every structured event an engine publishes, tagged with
// subAccountId so authenticated subscribers can filter to their own account.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type enumerates every event the gateway publishes.
type Type string

const (
	OrderPlaced          Type = "order_placed"
	OrderFilled          Type = "order_filled"
	OrderCancelled       Type = "order_cancelled"
	ChaseProgress        Type = "chase_progress"
	ChaseFilled          Type = "chase_filled"
	ChaseCancelled       Type = "chase_cancelled"
	PumpChaserProgress   Type = "pump_chaser_progress"
	PumpChaserFill       Type = "pump_chaser_fill"
	PumpChaserScalp      Type = "pump_chaser_scalp"
	PumpChaserDeleverage Type = "pump_chaser_deleverage"
	PumpChaserStopped    Type = "pump_chaser_stopped"
	PositionClosed       Type = "position_closed"
	PositionReduced      Type = "position_reduced"
	PositionUpdated      Type = "position_updated"
	MarginWarning        Type = "margin_warning"
	AdlTriggered         Type = "adl_triggered"
	FullLiquidation      Type = "full_liquidation"
)

// progressTypes are dropped outright when a subscriber's channel is full;
// every other type is a terminal event and gets the eviction handling in
// Publish.
var progressTypes = map[Type]bool{
	ChaseProgress:      true,
	PumpChaserProgress: true,
}

// Event is one broadcast message, tagged with the owning sub-account.
type Event struct {
	Type         Type
	SubAccountID string
	Symbol       string
	Payload      map[string]interface{}
	// SuppressToast marks fills from algorithmically-managed order types
	// (CHASE_LIMIT, SURF_LIMIT, TWAP_SLICE) that should not surface a
	// client-facing toast notification.
	SuppressToast bool
	Time          time.Time
}

const subscriberBuffer = 256

// Bus fans events out to every subscriber. Each subscriber gets its own
// bounded channel. On a full channel a new progress event is dropped, and a
// new terminal event evicts the oldest buffered event, whatever its type,
// to make room. Terminal events are therefore not guaranteed delivery under
// backpressure.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	logger *slog.Logger
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. Callers typically filter the channel by
// SubAccountID themselves.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans out ev to every subscriber without blocking. On a full
// channel a progress event is dropped; a terminal event (anything not in
// progressTypes) removes the oldest buffered event, which may itself be
// terminal, and takes its place, or is dropped with a warning if the
// channel is still full.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if progressTypes[ev.Type] {
				b.logger.Debug("dropping progress event, subscriber channel full", "type", ev.Type)
				continue
			}
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				b.logger.Warn("dropping terminal event, subscriber channel unresponsive", "type", ev.Type)
			}
		}
	}
}
