// Package orderbook maintains a local mirror of the public order book for
// every asset the engine trades, at asset granularity (not per market pair —
// a market's YES and NO tokens are two independent entries here, since
// MomentumDetector and QuoteEngine both operate per-asset).
//
// Book state is updated from five event kinds delivered on the public
// market stream: book (full snapshot), price_change (incremental), and
// best_bid_ask/last_trade_price/tick_size_change (narrower per-field
// updates). Events for a single asset are expected in stream order; the
// Manager does not itself reorder anything, it only detects gaps.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/pkg/types"
)

// TopOfBook is the best bid/ask snapshot returned by GetTopOfBook.
type TopOfBook struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Tick      types.TickSize
	UpdatedAt time.Time
	Stale     bool
}

// book is the per-asset mirror. All mutation happens under Manager.mu.
type book struct {
	bids []types.PriceLevel // descending by price
	asks []types.PriceLevel // ascending by price

	bestBid decimal.Decimal
	bestAsk decimal.Decimal
	tick    types.TickSize

	lastTradePrice decimal.Decimal
	lastSeq        uint64
	updatedAt      time.Time
	stale          bool
	haveSnapshot   bool // true once a "book" full snapshot has been applied
}

// GapDetected is raised when an asset's monotonic sequence number skips
// ahead, indicating a missed update. The Orchestrator forwards this to
// RiskManager per spec §4.1/§4.7.
type GapDetected struct {
	Asset    string
	Expected uint64
	Got      uint64
}

// Manager owns one book per asset and publishes update/trade notifications.
type Manager struct {
	mu    sync.RWMutex
	books map[string]*book

	onUpdate func(asset string)
	onTrade  func(asset string, price decimal.Decimal, ts time.Time)
	onGap    func(GapDetected)
}

// New creates an empty OrderbookManager.
func New() *Manager {
	return &Manager{books: make(map[string]*book)}
}

// Subscribe registers callbacks invoked synchronously from ApplyEvent.
// onUpdate fires on any top-of-book-affecting change; onTrade fires on
// last_trade_price events (the MomentumDetector's input).
func (m *Manager) Subscribe(onUpdate func(asset string), onTrade func(asset string, price decimal.Decimal, ts time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = onUpdate
	m.onTrade = onTrade
}

// OnGap registers a callback invoked when a sequence gap is detected for an
// asset, so the Orchestrator can notify RiskManager.
func (m *Manager) OnGap(cb func(GapDetected)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGap = cb
}

// GetTopOfBook returns the best bid/ask for asset, or false if nothing has
// been observed for it yet. Stale is true if the feed disconnected and no
// fresh snapshot has arrived since reconnect.
func (m *Manager) GetTopOfBook(asset string) (TopOfBook, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[asset]
	if !ok {
		return TopOfBook{}, false
	}
	return TopOfBook{
		BestBid:   b.bestBid,
		BestAsk:   b.bestAsk,
		Tick:      b.tick,
		UpdatedAt: b.updatedAt,
		Stale:     b.stale,
	}, true
}

// GetTopNDepth returns the summed visible size across the top n levels on
// each side of asset's book, used by MomentumDetector's depth-sweep
// condition (§4.4). Returns false if the asset has not been observed yet.
func (m *Manager) GetTopNDepth(asset string, n int) (bidSize, askSize decimal.Decimal, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, found := m.books[asset]
	if !found {
		return decimal.Zero, decimal.Zero, false
	}
	return sumTopN(b.bids, n), sumTopN(b.asks, n), true
}

func sumTopN(levels []types.PriceLevel, n int) decimal.Decimal {
	sum := decimal.Zero
	for i, lvl := range levels {
		if i >= n {
			break
		}
		sum = sum.Add(lvl.Size)
	}
	return sum
}

// ApplyEvent applies one MarketEvent to the relevant asset's book, checking
// for sequence gaps along the way.
func (m *Manager) ApplyEvent(evt types.MarketEvent) {
	m.mu.Lock()

	asset := evt.Asset()
	b := m.bookLocked(asset)
	m.checkGapLocked(asset, b, evt)

	var notifyUpdate, notifyTrade bool
	var tradePrice decimal.Decimal
	var tradeTS time.Time

	switch e := evt.(type) {
	case types.BookSnapshotEvent:
		b.bids = append([]types.PriceLevel(nil), e.Bids...)
		b.asks = append([]types.PriceLevel(nil), e.Asks...)
		sortLevels(b.bids, b.asks)
		b.recomputeTop()
		b.stale = false
		b.haveSnapshot = true
		b.updatedAt = e.OccurredAt()
		notifyUpdate = true

	case types.PriceChangeEvent:
		if !b.haveSnapshot {
			// Without a base snapshot an incremental delta can't be applied
			// safely; wait for the next full book event. A book created just
			// now for this ignored delta is dropped so the asset still reads
			// as unobserved.
			if b.updatedAt.IsZero() {
				delete(m.books, asset)
			}
			m.mu.Unlock()
			return
		}
		for _, ch := range e.Changes {
			b.applyLevelChange(ch)
		}
		sortLevels(b.bids, b.asks)
		b.recomputeTop()
		b.updatedAt = e.OccurredAt()
		notifyUpdate = true

	case types.BestBidAskEvent:
		b.bestBid = e.BestBid
		b.bestAsk = e.BestAsk
		b.updatedAt = e.OccurredAt()
		notifyUpdate = true

	case types.LastTradePriceEvent:
		b.lastTradePrice = e.Price
		b.updatedAt = e.OccurredAt()
		notifyTrade = true
		tradePrice = e.Price
		tradeTS = e.OccurredAt()

	case types.TickSizeChangeEvent:
		b.tick = e.TickSize
		b.updatedAt = e.OccurredAt()
	}

	onUpdate := m.onUpdate
	onTrade := m.onTrade
	m.mu.Unlock()

	if notifyUpdate && onUpdate != nil {
		onUpdate(asset)
	}
	if notifyTrade && onTrade != nil {
		onTrade(asset, tradePrice, tradeTS)
	}
}

// bookLocked returns the book for asset, creating it lazily. Caller holds m.mu.
func (m *Manager) bookLocked(asset string) *book {
	b, ok := m.books[asset]
	if !ok {
		b = &book{}
		m.books[asset] = b
	}
	return b
}

// checkGapLocked compares the event's sequence number against the book's
// last-seen sequence, raising onGap on a detected skip. Sequence 0 means the
// feed does not supply one for this event kind, and is not checked.
func (m *Manager) checkGapLocked(asset string, b *book, evt types.MarketEvent) {
	seq := types.SequenceOf(evt)
	if seq == 0 {
		return
	}
	if b.lastSeq != 0 && seq > b.lastSeq+1 {
		gap := GapDetected{Asset: asset, Expected: b.lastSeq + 1, Got: seq}
		if m.onGap != nil {
			cb := m.onGap
			go cb(gap)
		}
	}
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
}

// MarkStale marks every tracked asset's top-of-book stale, called on public
// feed disconnect per §4.1's failure semantics.
func (m *Manager) MarkStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.books {
		b.stale = true
		b.haveSnapshot = false
	}
}

// MarkAssetStale marks a single asset stale.
func (m *Manager) MarkAssetStale(asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[asset]; ok {
		b.stale = true
		b.haveSnapshot = false
	}
}

// RequireFreshSnapshot reports whether asset needs a full "book" event
// before it can be served again (true until one arrives after a stale mark).
func (m *Manager) RequireFreshSnapshot(asset string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[asset]
	if !ok {
		return true
	}
	return b.stale || !b.haveSnapshot
}

// IsStale reports whether asset's book is currently marked stale.
func (m *Manager) IsStale(asset string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[asset]
	return ok && b.stale
}

// applyLevelChange mutates a single side's level list: removes the level on
// Size == 0, otherwise upserts it.
func (b *book) applyLevelChange(ch types.PriceLevelChange) {
	levels := &b.bids
	if ch.Side == types.SELL {
		levels = &b.asks
	}

	idx := -1
	for i, lvl := range *levels {
		if lvl.Price.Equal(ch.Price) {
			idx = i
			break
		}
	}

	if ch.Size.IsZero() {
		if idx >= 0 {
			*levels = append((*levels)[:idx], (*levels)[idx+1:]...)
		}
		return
	}

	if idx >= 0 {
		(*levels)[idx].Size = ch.Size
	} else {
		*levels = append(*levels, types.PriceLevel{Price: ch.Price, Size: ch.Size})
	}
}

// recomputeTop derives bestBid/bestAsk from the sorted level lists, used
// after a snapshot or price_change application (best_bid_ask events set
// these directly and bypass this derivation, per spec's "preferred input").
func (b *book) recomputeTop() {
	if len(b.bids) > 0 {
		b.bestBid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		b.bestAsk = b.asks[0].Price
	}
}

func sortLevels(bids, asks []types.PriceLevel) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
}
