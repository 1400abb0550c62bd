// Package inventory tracks confirmed vs. pending positions per asset and
// enforces position/liability limits, per spec §4.3.
//
// It replaces the teacher's internal/strategy/inventory.go (which tracked
// confirmed YES/NO quantity and average entry price for a single market)
// with the full TrackedPosition model: confirmed_size, confirmed_at, a
// pending-fills map, and derived effective_size/conservative_exposure,
// generalized to an arbitrary per-asset set instead of one market's YES/NO
// pair. The average-cost realized-PnL update is carried over from the
// teacher's applyYesFill/applyNoFill min(fill,position) pattern.
package inventory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/pkg/types"
)

// TrackedPosition is the per-asset position state described in spec §3.
type TrackedPosition struct {
	Asset         string
	ConfirmedSize decimal.Decimal
	ConfirmedAt   time.Time
	PendingFills  map[string]types.PendingFill

	AvgEntry    decimal.Decimal // average cost of the confirmed long, updated on every fill
	RealizedPnL decimal.Decimal

	ReservedBuySize decimal.Decimal // sum of remaining_size of live BUY orders
}

func newTrackedPosition(asset string) *TrackedPosition {
	return &TrackedPosition{Asset: asset, PendingFills: make(map[string]types.PendingFill)}
}

// PendingBuys sums pending BUY fill sizes.
func (p *TrackedPosition) PendingBuys() decimal.Decimal {
	sum := decimal.Zero
	for _, pf := range p.PendingFills {
		if pf.Fill.Side == types.BUY {
			sum = sum.Add(pf.Fill.Size)
		}
	}
	return sum
}

// PendingSells sums pending SELL fill sizes.
func (p *TrackedPosition) PendingSells() decimal.Decimal {
	sum := decimal.Zero
	for _, pf := range p.PendingFills {
		if pf.Fill.Side == types.SELL {
			sum = sum.Add(pf.Fill.Size)
		}
	}
	return sum
}

// EffectiveSize = confirmed_size + pending_fill_buys - pending_fill_sells.
func (p *TrackedPosition) EffectiveSize() decimal.Decimal {
	return p.ConfirmedSize.Add(p.PendingBuys()).Sub(p.PendingSells())
}

// ConservativeExposure = confirmed_size + pending_fill_buys + reserved BUY size.
func (p *TrackedPosition) ConservativeExposure() decimal.Decimal {
	return p.ConfirmedSize.Add(p.PendingBuys()).Add(p.ReservedBuySize)
}

// LimitCheck is the result of CheckLimits.
type LimitCheck struct {
	CanBuy  bool
	CanSell bool
	Reasons []string
}

// RiskMultiplierFunc returns the current position-limit multiplier
// (NORMAL=1.0 ... HALTED=0.0) for the scope owning asset, read from
// RiskManager on every call per spec §4.3.
type RiskMultiplierFunc func(asset string) decimal.Decimal

// DataFaultFunc reports a data-integrity fault (e.g. a negative authoritative
// confirmed size) to RiskManager, which per spec §7 is a fatal condition:
// HALT globally and alert.
type DataFaultFunc func(reason string)

// Manager owns every TrackedPosition and the asset->complement pair map
// used for per-market/global liability accounting.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*TrackedPosition
	pairs     map[string]string // asset -> complementary asset

	cfg        config.InventoryConfig
	multiplier RiskMultiplierFunc
	dataFault  DataFaultFunc
	now        func() time.Time

	logger *slog.Logger
}

// New creates an InventoryManager.
func New(cfg config.InventoryConfig, logger *slog.Logger) *Manager {
	return &Manager{
		positions: make(map[string]*TrackedPosition),
		pairs:     make(map[string]string),
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "inventory"),
	}
}

// Configure sets the asset->complementary-asset pair map, supplied by the
// market-discovery collaborator's static metadata.
func (m *Manager) Configure(pairs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs = pairs
}

// SetRiskMultiplierFunc wires the position-limit multiplier source
// (RiskManager.Multiplier).
func (m *Manager) SetRiskMultiplierFunc(f RiskMultiplierFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.multiplier = f
}

// SetDataFaultFunc wires the data-integrity fault sink (RiskManager.
// ReportDataIntegrityFault), invoked when an authoritative snapshot reports
// a negative confirmed size.
func (m *Manager) SetDataFaultFunc(f DataFaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataFault = f
}

func (m *Manager) multiplierFor(asset string) decimal.Decimal {
	if m.multiplier == nil {
		return decimal.NewFromInt(1)
	}
	return m.multiplier(asset)
}

func (m *Manager) positionLocked(asset string) *TrackedPosition {
	p, ok := m.positions[asset]
	if !ok {
		p = newTrackedPosition(asset)
		m.positions[asset] = p
	}
	return p
}

// OnFill records fill as a PendingFill and applies the average-cost update
// to AvgEntry/RealizedPnL immediately (realized P&L is recognized at fill
// time, not at snapshot-confirmation time).
func (m *Manager) OnFill(fill types.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positionLocked(fill.Asset)
	key := fill.Key()
	if _, dup := p.PendingFills[key]; dup {
		return
	}
	p.PendingFills[key] = types.PendingFill{Fill: fill, RecordedAt: m.now()}

	currentQty := p.EffectiveSize().Sub(signedSize(fill))
	switch fill.Side {
	case types.BUY:
		if currentQty.IsZero() {
			p.AvgEntry = fill.Price
		} else {
			totalCost := p.AvgEntry.Mul(currentQty).Add(fill.Price.Mul(fill.Size))
			newQty := currentQty.Add(fill.Size)
			if newQty.IsPositive() {
				p.AvgEntry = totalCost.Div(newQty)
			}
		}
	case types.SELL:
		closedQty := decimal.Min(fill.Size, currentQty)
		p.RealizedPnL = p.RealizedPnL.Add(fill.Price.Sub(p.AvgEntry).Mul(closedQty))
	}
}

// signedSize returns +size for BUY, -size for SELL, used to back out the
// pre-fill effective size for average-cost math.
func signedSize(fill types.Fill) decimal.Decimal {
	if fill.Side == types.SELL {
		return fill.Size.Neg()
	}
	return fill.Size
}

// SetPosition is the authoritative snapshot path (§4.3 "Snapshot
// reconciliation"): absorbs pending fills oldest-first against the delta
// between the new and old confirmed size, then ages out any pending fill
// past its TTL.
func (m *Manager) SetPosition(asset string, snapshotSize decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snapshotSize.IsNegative() {
		m.logger.Error("negative confirmed size in authoritative snapshot",
			"asset", asset, "size", snapshotSize.String())
		if m.dataFault != nil {
			m.dataFault(fmt.Sprintf("negative confirmed size for %s: %s", asset, snapshotSize.String()))
		}
		return
	}

	p := m.positionLocked(asset)
	old := p.ConfirmedSize
	absorbed := snapshotSize.Sub(old)

	if absorbed.Abs().GreaterThanOrEqual(m.epsilon()) {
		m.absorbLocked(p, absorbed)
	}

	p.ConfirmedSize = snapshotSize
	p.ConfirmedAt = ts

	m.ageOutLocked(p, ts)
}

// ForceReconcile is used on gap/disconnect: the streamed view is no longer
// trusted, so every pending fill is cleared outright and any resulting
// discrepancy beyond the epsilon threshold is logged.
func (m *Manager) ForceReconcile(asset string, snapshotSize decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snapshotSize.IsNegative() {
		m.logger.Error("negative confirmed size in force-reconcile snapshot",
			"asset", asset, "size", snapshotSize.String())
		if m.dataFault != nil {
			m.dataFault(fmt.Sprintf("negative confirmed size for %s: %s", asset, snapshotSize.String()))
		}
		return
	}

	p := m.positionLocked(asset)
	discrepancy := snapshotSize.Sub(p.EffectiveSize())
	if discrepancy.Abs().GreaterThanOrEqual(m.epsilon()) {
		m.logger.Warn("force reconcile discrepancy",
			"asset", asset, "discrepancy", discrepancy.String(),
			"pending_fills", len(p.PendingFills))
	}

	for key, pf := range p.PendingFills {
		m.logger.Info("force reconcile clearing pending fill",
			"asset", asset, "key", key, "trade_id", pf.Fill.TradeID, "size", pf.Fill.Size.String())
	}
	p.PendingFills = make(map[string]types.PendingFill)
	p.ConfirmedSize = snapshotSize
	p.ConfirmedAt = m.now()
}

func (m *Manager) epsilon() decimal.Decimal {
	if m.cfg.ReconcileEpsilon <= 0 {
		return decimal.NewFromFloat(0.0001)
	}
	return decimal.NewFromFloat(m.cfg.ReconcileEpsilon)
}

// absorbLocked walks pending fills oldest-first, consuming them against the
// magnitude of absorbed while their side's sign agrees with its direction.
// A fill that fully fits within the remaining absorption budget is removed;
// a fill whose size exceeds what remains is kept whole, and the walk stops.
func (m *Manager) absorbLocked(p *TrackedPosition, absorbed decimal.Decimal) {
	wantSide := types.BUY
	if absorbed.IsNegative() {
		wantSide = types.SELL
	}

	type candidate struct {
		key string
		pf  types.PendingFill
	}
	var candidates []candidate
	for key, pf := range p.PendingFills {
		if pf.Fill.Side == wantSide {
			candidates = append(candidates, candidate{key: key, pf: pf})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].pf.Fill.Timestamp.Before(candidates[j].pf.Fill.Timestamp)
	})

	remaining := absorbed.Abs()
	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		size := c.pf.Fill.Size
		if size.LessThanOrEqual(remaining) {
			delete(p.PendingFills, c.key)
			remaining = remaining.Sub(size)
		} else {
			break
		}
	}
}

// ageOutLocked removes and logs any pending fill older than the configured
// TTL (default 30s), relative to now.
func (m *Manager) ageOutLocked(p *TrackedPosition, now time.Time) {
	ttl := m.cfg.PendingFillTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	netDelta := decimal.Zero
	for key, pf := range p.PendingFills {
		if now.Sub(pf.RecordedAt) < ttl {
			continue
		}
		delta := pf.Fill.Size
		if pf.Fill.Side == types.SELL {
			delta = delta.Neg()
		}
		netDelta = netDelta.Add(delta)
		m.logger.Warn("pending fill aged out",
			"asset", p.Asset, "key", key, "trade_id", pf.Fill.TradeID, "net_delta", delta.String())
		delete(p.PendingFills, key)
	}
	_ = netDelta
}

// AgeOutExpired sweeps every tracked asset for TTL-expired pending fills,
// called periodically by the Orchestrator independent of snapshot arrival.
func (m *Manager) AgeOutExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		m.ageOutLocked(p, now)
	}
}

// CheckLimits reports whether BUY/SELL admission is currently open for
// asset, and the reasons any side is blocked.
func (m *Manager) CheckLimits(asset string) (LimitCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positionLocked(asset)
	mult := m.multiplierFor(asset)
	maxPos := decimal.NewFromFloat(m.cfg.MaxPositionPerMarket).Mul(mult)

	result := LimitCheck{CanBuy: true, CanSell: true}

	if p.ConservativeExposure().GreaterThanOrEqual(maxPos) {
		result.CanBuy = false
		result.Reasons = append(result.Reasons, "max_position_per_market")
	}
	if p.EffectiveSize().LessThanOrEqual(decimal.Zero) {
		result.CanSell = false
		result.Reasons = append(result.Reasons, "no_effective_size")
	}

	if liability := m.pairLiabilityLocked(asset); liability.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MaxLiabilityPerMarket)) {
		result.CanBuy = false
		result.Reasons = append(result.Reasons, "max_liability_per_market")
	}
	if total := m.totalLiabilityLocked(); total.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MaxTotalLiability)) {
		result.CanBuy = false
		result.Reasons = append(result.Reasons, "max_total_liability")
	}

	return result, nil
}

// AdjustedBuySize clamps desired to [0, desired] so that admitting it would
// not push conservative_exposure past max_position_per_market * multiplier.
func (m *Manager) AdjustedBuySize(asset string, desired decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positionLocked(asset)
	mult := m.multiplierFor(asset)
	maxPos := decimal.NewFromFloat(m.cfg.MaxPositionPerMarket).Mul(mult)

	headroom := maxPos.Sub(p.ConservativeExposure())
	if headroom.IsNegative() {
		headroom = decimal.Zero
	}
	return decimal.Min(desired, headroom)
}

// ReservePendingBuy adds size to the open-BUY-order reservation used by
// conservative_exposure, called by OrderManager when a BUY order is placed.
func (m *Manager) ReservePendingBuy(asset string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.positionLocked(asset)
	p.ReservedBuySize = p.ReservedBuySize.Add(size)
}

// ReleasePendingBuy releases size from the reservation, called only on a
// BUY order's terminal confirmation via UserChannelManager.OnOrderUpdate —
// never on a bare cancel request, per §4.6.
func (m *Manager) ReleasePendingBuy(asset string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.positionLocked(asset)
	p.ReservedBuySize = p.ReservedBuySize.Sub(size)
	if p.ReservedBuySize.IsNegative() {
		p.ReservedBuySize = decimal.Zero
	}
}

// EffectiveSize returns asset's current effective size (confirmed +
// pending buys - pending sells), used by QuoteEngine for sizing and skew.
func (m *Manager) EffectiveSize(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[asset]
	if !ok {
		return decimal.Zero
	}
	return p.EffectiveSize()
}

// Snapshot returns a copy of asset's TrackedPosition for reporting/tests.
func (m *Manager) Snapshot(asset string) (TrackedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[asset]
	if !ok {
		return TrackedPosition{}, false
	}
	cp := *p
	cp.PendingFills = make(map[string]types.PendingFill, len(p.PendingFills))
	for k, v := range p.PendingFills {
		cp.PendingFills[k] = v
	}
	return cp, true
}

// UnrealizedPnL computes effective_size * (mid - avg_entry) for asset.
func (m *Manager) UnrealizedPnL(asset string, mid decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[asset]
	if !ok {
		return decimal.Zero
	}
	return p.EffectiveSize().Mul(mid.Sub(p.AvgEntry))
}

// pairLiabilityLocked sums worst-case loss (avg_entry * effective_size) over
// asset and its complementary pair asset, if configured.
func (m *Manager) pairLiabilityLocked(asset string) decimal.Decimal {
	total := m.assetLiabilityLocked(asset)
	if pair, ok := m.pairs[asset]; ok {
		total = total.Add(m.assetLiabilityLocked(pair))
	}
	return total
}

func (m *Manager) assetLiabilityLocked(asset string) decimal.Decimal {
	p, ok := m.positions[asset]
	if !ok {
		return decimal.Zero
	}
	size := p.EffectiveSize()
	if size.IsNegative() {
		return decimal.Zero
	}
	return p.AvgEntry.Mul(size)
}

func (m *Manager) totalLiabilityLocked() decimal.Decimal {
	total := decimal.Zero
	for asset := range m.positions {
		total = total.Add(m.assetLiabilityLocked(asset))
	}
	return total
}
