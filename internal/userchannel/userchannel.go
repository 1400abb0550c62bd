// Package userchannel maintains the authoritative view of the operator's own
// orders, forwards fills, and reconciles the local open-order map against
// periodic REST snapshots.
//
// It owns no network connection itself — it consumes the typed wire events
// published by an exchange.WSFeed's user channel (translated to
// pkg/types.Order/Fill) and exposes its authoritative state to the rest of
// the engine via callbacks, following the same event-dispatch idiom as
// internal/exchange/ws.go and the teacher's dispatchUserEvents/routeTrade/
// routeOrder routing, generalized into an owned map instead of fire-and-
// forget channel routing.
package userchannel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"activequoter/pkg/types"
)

// OpenOrdersFetcher is the REST collaborator used for periodic/forced
// reconciliation (exchange.Client.GetOpenOrders).
type OpenOrdersFetcher interface {
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
}

// Manager owns the authoritative open-order map and dispatches order/fill
// callbacks. All exported methods are safe for concurrent use, but per §5's
// shared-resource policy the Orchestrator is expected to be the only caller.
type Manager struct {
	mu         sync.RWMutex
	openOrders map[string]types.Order // order_id -> order; authoritative between reconciles
	seenFills  map[string]bool        // fill key -> true, for dedup across reconcile passes

	client          OpenOrdersFetcher
	refreshInterval time.Duration
	awaitingReconcile bool

	onOrderUpdate func(types.Order)
	onFill        func(types.Fill)

	logger *slog.Logger
}

// New creates a Manager. refreshInterval is the periodic reconcile cadence
// (default 60s per §4.2).
func New(client OpenOrdersFetcher, refreshInterval time.Duration, logger *slog.Logger) *Manager {
	if refreshInterval <= 0 {
		refreshInterval = 60 * time.Second
	}
	return &Manager{
		openOrders:      make(map[string]types.Order),
		seenFills:       make(map[string]bool),
		client:          client,
		refreshInterval: refreshInterval,
		logger:          logger.With("component", "userchannel"),
	}
}

// OnOrderUpdate registers the callback invoked whenever an order's state
// changes in the local authoritative map.
func (m *Manager) OnOrderUpdate(cb func(types.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOrderUpdate = cb
}

// OnFill registers the callback invoked for every newly observed fill.
func (m *Manager) OnFill(cb func(types.Fill)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFill = cb
}

// Run drives the periodic reconciliation ticker until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ReconcileWithSnapshot(ctx); err != nil {
				m.logger.Error("periodic reconcile failed", "error", err)
			}
		}
	}
}

// HandleOrderEvent applies a wire order-lifecycle event to the local map,
// matching the terminal-state handling the teacher's handleOrderEvent does
// (PLACEMENT/UPDATE/CANCELLATION).
func (m *Manager) HandleOrderEvent(w types.WSOrderEvent) {
	order := orderFromWireEvent(w)

	m.mu.Lock()
	m.openOrders[order.OrderID] = order
	if order.Status.Terminal() {
		delete(m.openOrders, order.OrderID)
	}
	cb := m.onOrderUpdate
	m.mu.Unlock()

	if cb != nil {
		cb(order)
	}
}

// HandleTradeEvent converts a wire fill event into a types.Fill, dedupes by
// key, and forwards it to the registered callback. Duplicate trade_ids
// across reconcile passes are dropped silently per §4.2.
func (m *Manager) HandleTradeEvent(w types.WSTradeEvent) {
	fill := fillFromWireEvent(w)
	key := fill.Key()

	m.mu.Lock()
	if m.seenFills[key] {
		m.mu.Unlock()
		return
	}
	m.seenFills[key] = true
	cb := m.onFill
	m.mu.Unlock()

	if cb != nil {
		cb(fill)
	}
}

// OpenOrders returns a snapshot copy of the authoritative open-order map.
func (m *Manager) OpenOrders() map[string]types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.Order, len(m.openOrders))
	for k, v := range m.openOrders {
		out[k] = v
	}
	return out
}

// AwaitingReconcile reports whether OrderManager must hold off placing new
// orders because a forced reconciliation has not completed since the last
// disconnect/gap, per §4.2's failure semantics.
func (m *Manager) AwaitingReconcile() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.awaitingReconcile
}

// MarkDisconnected flags that a forced reconciliation is owed, called by the
// Orchestrator when the user stream disconnects or a gap is detected.
func (m *Manager) MarkDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitingReconcile = true
}

// ReconcileWithSnapshot implements §4.2's three-way diff between the local
// open-order map and the REST /open-orders authoritative snapshot:
//   - local-only, not already terminal -> marked CANCELLED
//   - snapshot-only -> inserted
//   - remaining_size mismatch -> adopt snapshot's value
func (m *Manager) ReconcileWithSnapshot(ctx context.Context) error {
	snapshot, err := m.client.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	snapshotByID := make(map[string]types.OpenOrder, len(snapshot))
	for _, o := range snapshot {
		snapshotByID[o.ID] = o
	}

	m.mu.Lock()
	var toNotify []types.Order

	for id, local := range m.openOrders {
		if _, ok := snapshotByID[id]; !ok {
			local.Status = types.OrderCancelled
			local.UpdatedAt = time.Now()
			delete(m.openOrders, id)
			toNotify = append(toNotify, local)
		}
	}

	for id, wire := range snapshotByID {
		adopted := orderFromSnapshot(wire)
		existing, known := m.openOrders[id]
		if !known {
			m.openOrders[id] = adopted
			toNotify = append(toNotify, adopted)
			continue
		}
		if !existing.RemainingSize.Equal(adopted.RemainingSize) {
			existing.RemainingSize = adopted.RemainingSize
			existing.Status = adopted.Status
			existing.UpdatedAt = time.Now()
			m.openOrders[id] = existing
			toNotify = append(toNotify, existing)
		}
	}

	m.awaitingReconcile = false
	cb := m.onOrderUpdate
	m.mu.Unlock()

	if cb != nil {
		for _, o := range toNotify {
			cb(o)
		}
	}
	return nil
}

func orderFromWireEvent(w types.WSOrderEvent) types.Order {
	orig, _ := parseDecimal(w.OriginalSize)
	rem, _ := parseDecimal(w.RemainingSize)
	price, _ := parseDecimal(w.Price)

	status := types.OrderLive
	switch w.Status {
	case "matched", "FILLED":
		status = types.OrderFilled
	case "canceled", "cancelled", "CANCELLED":
		status = types.OrderCancelled
	case "expired", "EXPIRED":
		status = types.OrderExpired
	case "rejected", "REJECTED":
		status = types.OrderRejected
	default:
		if rem.IsPositive() && !rem.Equal(orig) {
			status = types.OrderPartial
		}
	}

	side := types.BUY
	if w.Side == string(types.SELL) {
		side = types.SELL
	}

	return types.Order{
		OrderID:       w.ID,
		Asset:         w.AssetID,
		Side:          side,
		Price:         price,
		OriginalSize:  orig,
		RemainingSize: rem,
		Status:        status,
		UpdatedAt:     parseTimestamp(w.Timestamp),
	}
}

func orderFromSnapshot(w types.OpenOrder) types.Order {
	orig, _ := parseDecimal(w.OriginalSize)
	rem, _ := parseDecimal(w.RemainingSize)
	price, _ := parseDecimal(w.Price)

	side := types.BUY
	if w.Side == string(types.SELL) {
		side = types.SELL
	}

	status := types.OrderLive
	if rem.IsPositive() && !rem.Equal(orig) {
		status = types.OrderPartial
	}

	return types.Order{
		OrderID:       w.ID,
		Asset:         w.AssetID,
		Side:          side,
		Price:         price,
		OriginalSize:  orig,
		RemainingSize: rem,
		Status:        status,
		UpdatedAt:     time.Now(),
	}
}

func fillFromWireEvent(w types.WSTradeEvent) types.Fill {
	price, _ := parseDecimal(w.Price)
	size, _ := parseDecimal(w.Size)
	fee, _ := parseDecimal(w.FeeRate)

	side := types.BUY
	if w.Side == string(types.SELL) {
		side = types.SELL
	}

	// The user-channel wire event carries only a trade id, not the
	// originating order id separately; OrderID is set equal to it. Fill.Key()
	// prefers TradeID when present so identity/dedup is unaffected.
	return types.Fill{
		TradeID:   w.ID,
		OrderID:   w.ID,
		Asset:     w.AssetID,
		Side:      side,
		Price:     price,
		Size:      size,
		Fee:       fee,
		Timestamp: parseTimestamp(w.Timestamp),
	}
}
