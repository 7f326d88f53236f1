// ws.go implements the Exchange Connector's market-data streaming surface
// (§4.1): symbols are refcounted and packed into stream groups bounded at
// 100 symbols each; each group opens one combined WebSocket carrying
// markPrice@1s and bookTicker streams for its symbols. Groups run a 30s
// heartbeat and reconnect on two missed pongs or any read error, with a
// fixed 3s reconnect delay. Idle groups (every symbol unreferenced) are
// torn down on a 60s sweep.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	streamGroupCapacity = 100
	heartbeatInterval   = 30 * time.Second
	heartbeatMissLimit  = 2
	reconnectDelay      = 3 * time.Second
	idleSweepInterval   = 60 * time.Second
	wsWriteTimeout      = 10 * time.Second
)

// Tick is one price update fanned out from a stream group.
type Tick struct {
	Symbol string // canonical
	Mark   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

// TickHandler receives every tick a stream group decodes. The handler owns
// any throttling of cache writes or event emission (priceboard).
type TickHandler func(Tick)

// MarketStream owns the set of stream groups backing every subscribed
// symbol and refcounts subscriptions across all callers.
type MarketStream struct {
	mu      sync.Mutex
	baseURL string
	syms    *SymbolCache
	onTick  TickHandler
	logger  *slog.Logger

	refcount map[string]int    // canonical symbol -> subscriber count
	groupOf  map[string]string // canonical symbol -> owning group id
	groups   map[string]*streamGroup

	lastTick map[string]time.Time
	lastMu   sync.RWMutex

	nextGroupID int
}

// NewMarketStream creates an empty market-data stream manager.
func NewMarketStream(baseURL string, syms *SymbolCache, onTick TickHandler, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		baseURL:  baseURL,
		syms:     syms,
		onTick:   onTick,
		logger:   logger.With("component", "ws_market"),
		refcount: make(map[string]int),
		groupOf:  make(map[string]string),
		groups:   make(map[string]*streamGroup),
		lastTick: make(map[string]time.Time),
	}
}

// Run starts the idle-group sweep. Blocks until ctx is cancelled.
func (m *MarketStream) Run(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.sweepIdleGroups()
		}
	}
}

// Subscribe increments the refcount for each symbol and assigns any
// newly-referenced symbol into a stream group with spare capacity, opening
// a new group when none has room.
func (m *MarketStream) Subscribe(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	var fresh []string
	for _, s := range symbols {
		m.refcount[s]++
		if _, assigned := m.groupOf[s]; !assigned {
			fresh = append(fresh, s)
		}
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return m.assign(ctx, fresh)
}

// Unsubscribe decrements the refcount for each symbol. A symbol that drops
// to zero stays assigned to its group until the idle sweep (or an explicit
// forceResubscribe) tears the group down, matching the refcounted-group
// teardown contract.
func (m *MarketStream) Unsubscribe(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		if m.refcount[s] > 0 {
			m.refcount[s]--
		}
	}
}

func (m *MarketStream) assign(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(symbols) > 0 {
		gid, g := m.groupWithRoom()
		if g == nil {
			gid = m.newGroupID()
			g = newStreamGroup(gid, m.baseURL, m)
			m.groups[gid] = g
		}

		room := streamGroupCapacity - len(g.symbols)
		take := symbols
		if len(take) > room {
			take = symbols[:room]
		}
		symbols = symbols[len(take):]

		for _, s := range take {
			g.symbols[s] = struct{}{}
			m.groupOf[s] = gid
		}
		g.restart(ctx)
	}
	return nil
}

func (m *MarketStream) groupWithRoom() (string, *streamGroup) {
	for id, g := range m.groups {
		if len(g.symbols) < streamGroupCapacity {
			return id, g
		}
	}
	return "", nil
}

func (m *MarketStream) newGroupID() string {
	m.nextGroupID++
	return fmt.Sprintf("grp-%d", m.nextGroupID)
}

// getStaleSymbols returns every subscribed symbol whose last tick is older
// than thresholdMs (or has never ticked).
func (m *MarketStream) getStaleSymbols(thresholdMs int64) []string {
	threshold := time.Duration(thresholdMs) * time.Millisecond
	now := time.Now()

	m.mu.Lock()
	all := make([]string, 0, len(m.groupOf))
	for s := range m.groupOf {
		all = append(all, s)
	}
	m.mu.Unlock()

	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	var stale []string
	for _, s := range all {
		last, ok := m.lastTick[s]
		if !ok || now.Sub(last) > threshold {
			stale = append(stale, s)
		}
	}
	return stale
}

// forceResubscribe tears down the group owning symbol and rebuilds it from
// the group's current symbol set.
func (m *MarketStream) forceResubscribe(ctx context.Context, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gid, ok := m.groupOf[symbol]
	if !ok {
		return
	}
	if g := m.groups[gid]; g != nil {
		g.restart(ctx)
	}
}

func (m *MarketStream) sweepIdleGroups() {
	m.mu.Lock()
	var idle []string
	for gid, g := range m.groups {
		allUnreferenced := true
		for s := range g.symbols {
			if m.refcount[s] > 0 {
				allUnreferenced = false
				break
			}
		}
		if allUnreferenced {
			idle = append(idle, gid)
		}
	}
	for _, gid := range idle {
		g := m.groups[gid]
		g.close()
		for s := range g.symbols {
			delete(m.groupOf, s)
			delete(m.refcount, s)
		}
		delete(m.groups, gid)
	}
	m.mu.Unlock()

	for _, gid := range idle {
		m.logger.Info("tore down idle stream group", "group", gid)
	}
}

func (m *MarketStream) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		g.close()
	}
}

func (m *MarketStream) recordTick(t Tick) {
	m.lastMu.Lock()
	m.lastTick[t.Symbol] = t.Time
	m.lastMu.Unlock()
	if m.onTick != nil {
		m.onTick(t)
	}
}

func (m *MarketStream) rawSymbols(g *streamGroup) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(g.symbols))
	for s := range g.symbols {
		if sym, ok := m.syms.ByCanonical(s); ok {
			out = append(out, strings.ToLower(sym.Raw))
		} else {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

// streamGroup owns one combined WebSocket connection for a bounded set of
// symbols.
type streamGroup struct {
	id      string
	baseURL string
	owner   *MarketStream

	symbols map[string]struct{}
	cancel  context.CancelFunc
}

func newStreamGroup(id, baseURL string, owner *MarketStream) *streamGroup {
	return &streamGroup{
		id:      id,
		baseURL: baseURL,
		owner:   owner,
		symbols: make(map[string]struct{}),
	}
}

// restart tears down any existing connection for this group and opens a
// fresh one against the group's current symbol set. Caller holds owner.mu.
func (g *streamGroup) restart(ctx context.Context) {
	g.close()
	groupCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.run(groupCtx)
}

func (g *streamGroup) close() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

func (g *streamGroup) run(ctx context.Context) {
	for {
		err := g.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		g.owner.logger.Warn("stream group disconnected, reconnecting", "group", g.id, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (g *streamGroup) streamURL() string {
	raws := g.owner.rawSymbols(g)
	parts := make([]string, 0, len(raws)*2)
	for _, r := range raws {
		parts = append(parts, r+"@markPrice@1s", r+"@bookTicker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", g.baseURL, strings.Join(parts, "/"))
}

func (g *streamGroup) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	missed := 0
	conn.SetPongHandler(func(string) error {
		missed = 0
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				missed++
				if missed > heartbeatMissLimit {
					conn.Close()
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		g.dispatch(msg)
	}
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type markPriceEvent struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	EventTime int64  `json:"E"`
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

func (g *streamGroup) dispatch(raw []byte) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.owner.logger.Debug("ignoring non-envelope ws message", "group", g.id)
		return
	}

	switch {
	case strings.Contains(env.Stream, "markPrice"):
		var e markPriceEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		mark, err := decimal.NewFromString(e.Price)
		if err != nil {
			return
		}
		g.owner.recordTick(Tick{Symbol: canonicalize(e.Symbol), Mark: mark, Time: time.UnixMilli(e.EventTime)})

	case strings.Contains(env.Stream, "bookTicker"):
		var e bookTickerEvent
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return
		}
		bid, errB := decimal.NewFromString(e.BidPrice)
		ask, errA := decimal.NewFromString(e.AskPrice)
		if errB != nil || errA != nil {
			return
		}
		g.owner.recordTick(Tick{Symbol: canonicalize(e.Symbol), Bid: bid, Ask: ask, Time: time.Now()})

	default:
		g.owner.logger.Debug("unhandled stream type", "stream", env.Stream)
	}
}
