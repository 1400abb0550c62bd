// Package ordermanager translates QuoteEngine intents into exchange
// requests: it caches fee rates, enforces post-only, batches placements
// across assets, and honours RiskManager's scope gating.
//
// It replaces the reconcile half of the teacher's internal/strategy/maker.go
// (diff-against-active-orders, batch POST /orders, batch DELETE /orders)
// with a collaborator that receives already-computed quote.Intents instead
// of computing them itself, and adds the fee-rate TTL cache spec §4.6 asks
// for on top of the exchange.Client's existing dry-run/rate-limit/batch-cap
// handling.
package ordermanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/pkg/types"
)

// FeeFetchFailed is a warning-level error: the asset is skipped this cycle.
type FeeFetchFailed struct {
	Asset string
	Err   error
}

func (e *FeeFetchFailed) Error() string {
	return fmt.Sprintf("fee fetch failed for %s: %v", e.Asset, e.Err)
}

func (e *FeeFetchFailed) Unwrap() error { return e.Err }

// PlacementRejected counts toward RiskManager's consecutive-error budget.
type PlacementRejected struct {
	Asset  string
	Reason string
}

func (e *PlacementRejected) Error() string {
	return fmt.Sprintf("placement rejected for %s: %s", e.Asset, e.Reason)
}

// PostOnlyCross demotes RiskManager to WARNING; quotes are recomputed next
// tick rather than retried immediately.
type PostOnlyCross struct {
	Asset string
}

func (e *PostOnlyCross) Error() string {
	return fmt.Sprintf("post-only cross rejected for %s", e.Asset)
}

// exchangeClient is the subset of exchange.Client the order manager needs,
// narrowed for testability.
type exchangeClient interface {
	GetFeeRate(ctx context.Context, assetID string) (int, error)
	PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	CancelAll(ctx context.Context) (*types.CancelResponse, error)
}

// inventoryReserver is the subset of InventoryManager used to reserve a BUY
// order's size against conservative_exposure while it rests.
type inventoryReserver interface {
	ReservePendingBuy(asset string, size decimal.Decimal)
}

type feeEntry struct {
	bps       int
	fetchedAt time.Time
}

// PlaceRequest groups one asset's desired replacement for batching.
type PlaceRequest struct {
	Asset      string
	TickSize   types.TickSize
	NegRisk    bool
	Bid        *types.UserOrder
	Ask        *types.UserOrder
	CancelIDs  []string // resting order ids to cancel before placing the replacement
}

// Manager implements component F.
type Manager struct {
	client exchangeClient
	inv    inventoryReserver

	mu       sync.Mutex
	feeCache map[string]feeEntry
	feeTTL   time.Duration
	batchMax int

	logger *slog.Logger
}

// New creates an OrderManager.
func New(cfg config.OrderManagerConfig, client exchangeClient, inv inventoryReserver, logger *slog.Logger) *Manager {
	ttl := cfg.FeeCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	batchMax := cfg.BatchMax
	if batchMax <= 0 || batchMax > 15 {
		batchMax = 15
	}
	return &Manager{
		client:   client,
		inv:      inv,
		feeCache: make(map[string]feeEntry),
		feeTTL:   ttl,
		batchMax: batchMax,
		logger:   logger.With("component", "ordermanager"),
	}
}

// FeeRateBps returns the cached fee rate for asset, fetching and caching a
// fresh value if the cached one is stale or missing.
func (m *Manager) FeeRateBps(ctx context.Context, asset string) (int, error) {
	m.mu.Lock()
	entry, ok := m.feeCache[asset]
	m.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < m.feeTTL {
		return entry.bps, nil
	}

	bps, err := m.client.GetFeeRate(ctx, asset)
	if err != nil {
		return 0, &FeeFetchFailed{Asset: asset, Err: err}
	}

	m.mu.Lock()
	m.feeCache[asset] = feeEntry{bps: bps, fetchedAt: time.Now()}
	m.mu.Unlock()
	return bps, nil
}

// CancelAsset cancels resting order ids individually, for immediacy. Per
// §4.6 this must NOT release the BUY-side pending-buy reservation — that
// only happens on terminal confirmation via UserChannelManager.
func (m *Manager) CancelAsset(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	_, err := m.client.CancelOrders(ctx, orderIDs)
	return err
}

// CancelAllScope cancels every resting order for the kill-switch scope.
// scope == "" cancels globally; otherwise it is a condition/market id.
func (m *Manager) CancelAllScope(ctx context.Context, scope string) error {
	if scope == "" {
		_, err := m.client.CancelAll(ctx)
		return err
	}
	_, err := m.client.CancelMarketOrders(ctx, scope)
	return err
}

// ApplyReplacements batches up to batchMax orders per exchange call,
// coalescing across assets, skipping assets RiskManager has halted.
func (m *Manager) ApplyReplacements(ctx context.Context, reqs []PlaceRequest, haltedScope func(asset string) bool) []error {
	var errs []error

	// Cancels are issued individually regardless of batching, for immediacy.
	for _, r := range reqs {
		if err := m.CancelAsset(ctx, r.CancelIDs); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", r.Asset, err))
		}
	}

	var toPlace []types.UserOrder
	var placeAssets []string
	var negRisk bool
	hasNegRisk := false

	flush := func() {
		if len(toPlace) == 0 {
			return
		}
		results, err := m.client.PostOrders(ctx, toPlace, negRisk)
		if err != nil {
			errs = append(errs, fmt.Errorf("post orders: %w", err))
		} else {
			for i, res := range results {
				if !res.Success {
					errs = append(errs, &PlacementRejected{Asset: placeAssets[i], Reason: res.ErrorMsg})
				} else if toPlace[i].Side == types.BUY {
					m.inv.ReservePendingBuy(placeAssets[i], toPlace[i].Size)
				}
			}
		}
		toPlace = nil
		placeAssets = nil
	}

	for _, r := range reqs {
		if haltedScope != nil && haltedScope(r.Asset) {
			continue
		}
		for _, order := range []*types.UserOrder{r.Bid, r.Ask} {
			if order == nil {
				continue
			}
			if hasNegRisk && negRisk != r.NegRisk {
				flush()
			}
			negRisk = r.NegRisk
			hasNegRisk = true
			toPlace = append(toPlace, *order)
			placeAssets = append(placeAssets, r.Asset)
			if len(toPlace) >= m.batchMax {
				flush()
			}
		}
	}
	flush()

	return errs
}

// BuildOrder converts a quote.Intent side into a types.UserOrder, attaching
// the cached fee rate. Returns ok=false if the fee rate could not be
// fetched (caller should skip this asset this cycle).
func (m *Manager) BuildOrder(ctx context.Context, asset string, tick types.TickSize, price, size decimal.Decimal, side types.Side) (types.UserOrder, bool) {
	bps, err := m.FeeRateBps(ctx, asset)
	if err != nil {
		m.logger.Warn("fee fetch failed, skipping asset this cycle", "asset", asset, "error", err)
		return types.UserOrder{}, false
	}
	return types.UserOrder{
		TokenID:    asset,
		Price:      price,
		Size:       size,
		Side:       side,
		OrderType:  types.OrderTypeGTC,
		TickSize:   tick,
		FeeRateBps: bps,
	}, true
}
