// Package quote implements the pricing rule described in spec §4.5: given
// book state, inventory, momentum, and the currently resting orders, it
// decides whether to cancel, keep, or replace a market's quote.
//
// The per-asset "diff desired quote against what's resting" shape is
// carried over from the teacher's internal/strategy/maker.go engine loop;
// the pricing formula itself is new (improve-when-wide plus an inventory
// skew in ticks, replacing the teacher's Avellaneda-Stoikov reservation
// price). Hysteresis and per-asset/global rate control follow the same
// token-bucket idiom as internal/exchange/ratelimit.go, adapted here as a
// non-blocking gate since a quote tick must not stall waiting for a token.
package quote

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/internal/orderbook"
	"activequoter/pkg/types"
)

// Action is the tagged decision QuoteEngine emits for one asset per tick.
type Action int

const (
	// ActionCancelAll means momentum is in cooldown or the book is stale.
	ActionCancelAll Action = iota
	// ActionKeep means the desired quote is within hysteresis of the
	// currently resting orders; no exchange call is needed.
	ActionKeep
	// ActionReplace means the resting orders should be replaced with the
	// computed bid/ask/sizes.
	ActionReplace
)

func (a Action) String() string {
	switch a {
	case ActionCancelAll:
		return "cancel_all"
	case ActionKeep:
		return "keep"
	case ActionReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Intent is QuoteEngine's decision for one asset.
type Intent struct {
	Asset   string
	Action  Action
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	SizeBid decimal.Decimal
	SizeAsk decimal.Decimal
}

// RestingQuote is the operator's current two-sided resting state for an
// asset, read from UserChannelManager.
type RestingQuote struct {
	HasBid bool
	Bid    decimal.Decimal
	HasAsk bool
	Ask    decimal.Decimal
}

// InventoryView is the subset of InventoryManager the engine needs.
type InventoryView interface {
	AdjustedBuySize(asset string, desired decimal.Decimal) decimal.Decimal
	EffectiveSize(asset string) decimal.Decimal
}

// MomentumView is the subset of MomentumDetector the engine needs.
type MomentumView interface {
	InCooldown(asset string, now time.Time) bool
}

// Engine computes quote intents and enforces hysteresis and rate limits.
type Engine struct {
	cfg config.QuoteConfig

	inventory InventoryView
	momentum  MomentumView
	books     *orderbook.Manager

	mu             sync.Mutex
	lastReplaceAt  map[string]time.Time
	globalBucket   *nonBlockingBucket
	now            func() time.Time
}

// New creates a QuoteEngine.
func New(cfg config.QuoteConfig, books *orderbook.Manager, inventory InventoryView, momentum MomentumView) *Engine {
	capPerSec := cfg.GlobalRefreshCapPerSec
	if capPerSec <= 0 {
		capPerSec = 20
	}
	return &Engine{
		cfg:           cfg,
		inventory:     inventory,
		momentum:      momentum,
		books:         books,
		lastReplaceAt: make(map[string]time.Time),
		globalBucket:  newNonBlockingBucket(float64(capPerSec), float64(capPerSec)),
		now:           time.Now,
	}
}

// Evaluate computes the Intent for asset given its resting quote.
func (e *Engine) Evaluate(asset string, resting RestingQuote) Intent {
	now := e.now()

	if e.momentum.InCooldown(asset, now) {
		return Intent{Asset: asset, Action: ActionCancelAll}
	}

	top, ok := e.books.GetTopOfBook(asset)
	if !ok || top.Stale {
		return Intent{Asset: asset, Action: ActionCancelAll}
	}

	tick := top.Tick.Value()
	if tick.IsZero() {
		return Intent{Asset: asset, Action: ActionCancelAll}
	}

	bid, ask := e.priceLocked(asset, top, tick)

	orderSize := decimal.NewFromFloat(e.cfg.OrderSizeUSDC)
	sizeBid := e.inventory.AdjustedBuySize(asset, orderSize)
	effective := e.inventory.EffectiveSize(asset)
	sizeAsk := decimal.Min(orderSize, decimal.Max(decimal.Zero, effective))

	if e.withinHysteresis(resting, bid, ask, tick) {
		return Intent{Asset: asset, Action: ActionKeep}
	}

	if !e.allowReplace(asset, now) {
		return Intent{Asset: asset, Action: ActionKeep}
	}

	return Intent{
		Asset: asset, Action: ActionReplace,
		Bid: bid, Ask: ask, SizeBid: sizeBid, SizeAsk: sizeAsk,
	}
}

// priceLocked implements the §4.5 pricing rule steps 1-4.
func (e *Engine) priceLocked(asset string, top orderbook.TopOfBook, tick decimal.Decimal) (bid, ask decimal.Decimal) {
	bid, ask = top.BestBid, top.BestAsk

	improveThreshold := decimal.NewFromInt(int64(nonZero(e.cfg.ImproveWhenSpreadTicks, 4))).Mul(tick)
	if ask.Sub(bid).GreaterThanOrEqual(improveThreshold) {
		bid = bid.Add(tick)
		ask = ask.Sub(tick)
	}

	effective := e.inventory.EffectiveSize(asset)
	coefficient := e.cfg.InventorySkewCoefficient
	if coefficient == 0 {
		coefficient = 0.1
	}
	skew := decimal.NewFromFloat(coefficient).Mul(effective).Round(0)
	skewAmount := skew.Mul(tick)
	bid = bid.Sub(skewAmount)
	ask = ask.Sub(skewAmount)

	minPrice := tick
	maxPrice := decimal.NewFromInt(1).Sub(tick)
	bid = clamp(bid, minPrice, maxPrice)
	ask = clamp(ask, minPrice, maxPrice)

	if bid.GreaterThan(top.BestAsk.Sub(tick)) {
		bid = top.BestAsk.Sub(tick)
	}
	if ask.LessThan(top.BestBid.Add(tick)) {
		ask = top.BestBid.Add(tick)
	}
	return bid, ask
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// withinHysteresis reports whether both sides of the desired quote are
// within REFRESH_THRESHOLD_TICKS of the resting orders.
func (e *Engine) withinHysteresis(resting RestingQuote, bid, ask, tick decimal.Decimal) bool {
	if !resting.HasBid || !resting.HasAsk {
		return false
	}
	threshold := decimal.NewFromInt(int64(nonZero(e.cfg.RefreshThresholdTicks, 1))).Mul(tick)
	bidDev := bid.Sub(resting.Bid).Abs()
	askDev := ask.Sub(resting.Ask).Abs()
	return bidDev.LessThan(threshold) && askDev.LessThan(threshold)
}

// allowReplace enforces the per-asset minimum replace interval and the
// global replacement rate cap.
func (e *Engine) allowReplace(asset string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	minInterval := e.cfg.MinRefreshInterval
	if last, ok := e.lastReplaceAt[asset]; ok && minInterval > 0 {
		if now.Sub(last) < minInterval {
			return false
		}
	}
	if !e.globalBucket.tryTake(now) {
		return false
	}
	e.lastReplaceAt[asset] = now
	return true
}

// nonBlockingBucket is a token bucket with continuous refill, following the
// same shape as exchange.TokenBucket but exposing a non-blocking tryTake
// instead of a blocking Wait, since a quote tick must never stall.
type nonBlockingBucket struct {
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func newNonBlockingBucket(capacity, ratePerSecond float64) *nonBlockingBucket {
	return &nonBlockingBucket{tokens: capacity, capacity: capacity, rate: ratePerSecond, lastTime: time.Now()}
}

func (b *nonBlockingBucket) tryTake(now time.Time) bool {
	elapsed := now.Sub(b.lastTime).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RestingFromOrders derives a RestingQuote from the open orders map
// UserChannelManager maintains for asset.
func RestingFromOrders(asset string, orders map[string]types.Order) RestingQuote {
	var r RestingQuote
	for _, o := range orders {
		if o.Asset != asset {
			continue
		}
		switch o.Side {
		case types.BUY:
			r.HasBid = true
			r.Bid = o.Price
		case types.SELL:
			r.HasAsk = true
			r.Ask = o.Price
		}
	}
	return r
}
