// Package analytics implements per-fill markout tracking (component H,
// spec §4.8): for every fill it captures the mid price at fill time and
// samples markout at a fixed set of horizons, without spawning a goroutine
// or timer per fill.
//
// It reuses the teacher's flow_tracker.go rolling-window-of-fills idiom
// (append + evict-stale-locked) for holding fills awaiting their next
// horizon, but replaces the toxicity-score output with the asset/aggregate
// markout statistics spec §4.8 asks for. Horizons are evaluated by a single
// periodic Sample call driven by the Orchestrator's loop, not by per-fill
// timers, so the goroutine count stays bounded regardless of fill rate.
package analytics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/pkg/types"
)

// Horizons are the fixed sampling offsets spec §4.8 names.
var Horizons = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Markout is one fill's markout_bps at one horizon.
type Markout struct {
	Asset      string
	Horizon    time.Duration
	Mid        decimal.Decimal // mid price observed at the horizon
	MarkoutBps decimal.Decimal
	Fill       types.Fill
}

type pendingFill struct {
	fill       types.Fill
	midAtFill  decimal.Decimal
	sampledIdx int // index into Horizons already sampled, in order
}

// AssetStats aggregates markout and fee/rebate statistics for one asset.
type AssetStats struct {
	Count            int
	Volume           decimal.Decimal
	GrossFeesPaid    decimal.Decimal
	RebatesReceived  decimal.Decimal
	markoutSum       map[time.Duration]decimal.Decimal
	markoutCount     map[time.Duration]int
	adverseAt5s      int
	sampledAt5sCount int
}

// MeanMarkoutBps returns the mean markout_bps observed at horizon so far.
func (s *AssetStats) MeanMarkoutBps(horizon time.Duration) decimal.Decimal {
	count := s.markoutCount[horizon]
	if count == 0 {
		return decimal.Zero
	}
	return s.markoutSum[horizon].Div(decimal.NewFromInt(int64(count)))
}

// AdverseFillRate is the fraction of fills whose 5s markout was negative.
func (s *AssetStats) AdverseFillRate() decimal.Decimal {
	if s.sampledAt5sCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.adverseAt5s)).Div(decimal.NewFromInt(int64(s.sampledAt5sCount)))
}

func newAssetStats() *AssetStats {
	return &AssetStats{
		markoutSum:   make(map[time.Duration]decimal.Decimal),
		markoutCount: make(map[time.Duration]int),
	}
}

// MidProvider returns the current mid price for asset, used when a horizon
// comes due.
type MidProvider func(asset string) (decimal.Decimal, bool)

// Tracker implements component H.
type Tracker struct {
	mu       sync.Mutex
	pending  []*pendingFill
	byAsset  map[string]*AssetStats
	onResult func(Markout)
}

// New creates a Tracker.
func New() *Tracker {
	return &Tracker{byAsset: make(map[string]*AssetStats)}
}

// OnMarkout registers a callback invoked for every sampled Markout, used to
// persist it via the store.
func (t *Tracker) OnMarkout(cb func(Markout)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResult = cb
}

// RecordFill captures mid-at-fill for a new fill and begins tracking it
// toward its horizons.
func (t *Tracker) RecordFill(fill types.Fill, midAtFill decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, &pendingFill{fill: fill, midAtFill: midAtFill})

	stats := t.statsLocked(fill.Asset)
	stats.Count++
	stats.Volume = stats.Volume.Add(fill.Size)
	if fill.Fee.IsPositive() {
		stats.GrossFeesPaid = stats.GrossFeesPaid.Add(fill.Fee)
	} else {
		stats.RebatesReceived = stats.RebatesReceived.Add(fill.Fee.Abs())
	}
}

func (t *Tracker) statsLocked(asset string) *AssetStats {
	s, ok := t.byAsset[asset]
	if !ok {
		s = newAssetStats()
		t.byAsset[asset] = s
	}
	return s
}

// Sample evaluates every pending fill against now, recording any horizon
// that has come due using mid. Fills with no remaining horizons are
// dropped from the pending set.
func (t *Tracker) Sample(now time.Time, mid MidProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var still []*pendingFill
	for _, pf := range t.pending {
		for pf.sampledIdx < len(Horizons) && now.Sub(pf.fill.Timestamp) >= Horizons[pf.sampledIdx] {
			horizon := Horizons[pf.sampledIdx]
			midNow, ok := mid(pf.fill.Asset)
			if !ok {
				break
			}
			markout := markoutBps(pf.fill, pf.midAtFill, midNow, horizon)
			t.recordMarkoutLocked(markout)
			pf.sampledIdx++
		}
		if pf.sampledIdx < len(Horizons) {
			still = append(still, pf)
		}
	}
	t.pending = still
}

func markoutBps(fill types.Fill, midAtFill, midHorizon decimal.Decimal, horizon time.Duration) Markout {
	sign := decimal.NewFromInt(1)
	if fill.Side == types.SELL {
		sign = decimal.NewFromInt(-1)
	}
	var bps decimal.Decimal
	if fill.Price.IsPositive() {
		bps = decimal.NewFromInt(10000).Mul(midHorizon.Sub(fill.Price)).Mul(sign).Div(fill.Price)
	}
	return Markout{Asset: fill.Asset, Horizon: horizon, Mid: midHorizon, MarkoutBps: bps, Fill: fill}
}

func (t *Tracker) recordMarkoutLocked(m Markout) {
	stats := t.statsLocked(m.Asset)
	stats.markoutSum[m.Horizon] = stats.markoutSum[m.Horizon].Add(m.MarkoutBps)
	stats.markoutCount[m.Horizon]++
	if m.Horizon == 5*time.Second {
		stats.sampledAt5sCount++
		if m.MarkoutBps.IsNegative() {
			stats.adverseAt5s++
		}
	}

	cb := t.onResult
	if cb != nil {
		cb(m)
	}
}

// AssetStatsSnapshot returns a copy of asset's aggregate statistics.
func (t *Tracker) AssetStatsSnapshot(asset string) (AssetStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byAsset[asset]
	if !ok {
		return AssetStats{}, false
	}
	cp := *s
	cp.markoutSum = make(map[time.Duration]decimal.Decimal, len(s.markoutSum))
	cp.markoutCount = make(map[time.Duration]int, len(s.markoutCount))
	for k, v := range s.markoutSum {
		cp.markoutSum[k] = v
	}
	for k, v := range s.markoutCount {
		cp.markoutCount[k] = v
	}
	return cp, true
}

// AggregateStats sums statistics across every tracked asset.
func (t *Tracker) AggregateStats() AssetStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := newAssetStats()
	for _, s := range t.byAsset {
		agg.Count += s.Count
		agg.Volume = agg.Volume.Add(s.Volume)
		agg.GrossFeesPaid = agg.GrossFeesPaid.Add(s.GrossFeesPaid)
		agg.RebatesReceived = agg.RebatesReceived.Add(s.RebatesReceived)
		agg.adverseAt5s += s.adverseAt5s
		agg.sampledAt5sCount += s.sampledAt5sCount
		for horizon, sum := range s.markoutSum {
			agg.markoutSum[horizon] = agg.markoutSum[horizon].Add(sum)
			agg.markoutCount[horizon] += s.markoutCount[horizon]
		}
	}
	return *agg
}
