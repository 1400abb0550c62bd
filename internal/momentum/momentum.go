// Package momentum detects two independent conditions per asset — a
// rolling-window price move and a single-update depth sweep — and arms a
// cooldown that forces the QuoteEngine to cancel rather than quote.
//
// It replaces the teacher's internal/strategy momentum gate (a single
// global "don't quote right after a big trade" flag) with a per-asset
// state machine per spec §4.4, tracked with the same trade-ring-buffer
// idiom the teacher's internal/strategy/flow_tracker.go uses for its own
// rolling window.
package momentum

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/pkg/types"
)

type tradeSample struct {
	price decimal.Decimal
	ts    time.Time
}

type assetState struct {
	trades       []tradeSample // ring of trades within the rolling window, oldest first
	cooldownUntil time.Time
}

// BookLevels is the minimal shape MomentumDetector needs from a book
// snapshot to evaluate the depth-sweep condition: per-side visible size at
// the top N levels, before and after a single delta.
type BookLevels struct {
	BidSize decimal.Decimal
	AskSize decimal.Decimal
}

// Detector tracks per-asset price-momentum and depth-sweep conditions.
type Detector struct {
	mu     sync.Mutex
	states map[string]*assetState

	thresholdTicks      int
	window              time.Duration
	sweepDepthThreshold decimal.Decimal
	cooldown            time.Duration

	now func() time.Time

	logger *slog.Logger
}

// New creates a MomentumDetector from config, applying the defaults named
// in spec §4.4 when a field is left zero.
func New(cfg config.MomentumConfig, logger *slog.Logger) *Detector {
	threshold := cfg.ThresholdTicks
	if threshold <= 0 {
		threshold = 3
	}
	window := cfg.Window
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	sweep := cfg.SweepDepthThreshold
	if sweep <= 0 {
		sweep = 0.5
	}
	cooldown := cfg.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}

	return &Detector{
		states:              make(map[string]*assetState),
		thresholdTicks:      threshold,
		window:              window,
		sweepDepthThreshold: decimal.NewFromFloat(sweep),
		cooldown:            cooldown,
		now:                 time.Now,
		logger:              logger.With("component", "momentum"),
	}
}

func (d *Detector) stateLocked(asset string) *assetState {
	s, ok := d.states[asset]
	if !ok {
		s = &assetState{}
		d.states[asset] = s
	}
	return s
}

// ObserveTrade records a last-trade-price tick and arms the cooldown if the
// rolling window now shows a move of >= thresholdTicks * tick.
func (d *Detector) ObserveTrade(asset string, price decimal.Decimal, tick types.TickSize, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stateLocked(asset)
	s.trades = append(s.trades, tradeSample{price: price, ts: ts})
	s.trades = pruneOlderThan(s.trades, ts.Add(-d.window))

	if len(s.trades) < 2 {
		return
	}
	oldest := s.trades[0].price
	move := price.Sub(oldest).Abs()
	tickSize := tick.Value()
	if tickSize.IsZero() {
		return
	}
	moveTicks := move.Div(tickSize)
	if moveTicks.GreaterThanOrEqual(decimal.NewFromInt(int64(d.thresholdTicks))) {
		d.armLocked(asset, s, ts, "price_momentum")
	}
}

// ObserveBookDelta evaluates the depth-sweep condition across one book
// update: before/after visible top-N size on each side.
func (d *Detector) ObserveBookDelta(asset string, before, after BookLevels, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stateLocked(asset)
	if swept(before.BidSize, after.BidSize, d.sweepDepthThreshold) ||
		swept(before.AskSize, after.AskSize, d.sweepDepthThreshold) {
		d.armLocked(asset, s, ts, "depth_sweep")
	}
}

func swept(before, after, fraction decimal.Decimal) bool {
	if !before.IsPositive() {
		return false
	}
	removed := before.Sub(after)
	if removed.IsNegative() {
		return false
	}
	return removed.Div(before).GreaterThanOrEqual(fraction)
}

func (d *Detector) armLocked(asset string, s *assetState, ts time.Time, reason string) {
	until := ts.Add(d.cooldown)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
	d.logger.Info("cooldown armed", "asset", asset, "reason", reason, "until", until)
}

// InCooldown reports whether asset is currently within an armed cooldown
// window as of now.
func (d *Detector) InCooldown(asset string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.states[asset]
	if !ok {
		return false
	}
	return now.Before(s.cooldownUntil)
}

func pruneOlderThan(trades []tradeSample, cutoff time.Time) []tradeSample {
	i := 0
	for i < len(trades) && trades[i].ts.Before(cutoff) {
		i++
	}
	if i == 0 {
		return trades
	}
	return trades[i:]
}
