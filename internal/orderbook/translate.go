package orderbook

import (
	"strconv"
	"time"

	"activequoter/pkg/types"
)

// parseTimestamp converts the exchange's millisecond-epoch timestamp string
// to a time.Time, falling back to now on malformed input.
func parseTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// TranslateBookEvent converts a wire book snapshot into a tagged MarketEvent.
// The exchange's WS protocol does not carry an explicit per-event sequence
// number, so seq is always 0 here; sequence-gap detection activates only for
// feeds that do supply one (see types.SequenceOf).
func TranslateBookEvent(w types.WSBookEvent) types.BookSnapshotEvent {
	bids := make([]types.PriceLevel, len(w.Buys))
	for i, lvl := range w.Buys {
		bids[i] = lvl.Decimal()
	}
	asks := make([]types.PriceLevel, len(w.Sells))
	for i, lvl := range w.Sells {
		asks[i] = lvl.Decimal()
	}
	return types.NewBookSnapshotEvent(w.AssetID, parseTimestamp(w.Timestamp), 0, bids, asks, w.Hash)
}

// TranslatePriceChangeEvent converts a wire incremental update into a tagged
// MarketEvent.
func TranslatePriceChangeEvent(w types.WSPriceChangeEvent) types.PriceChangeEvent {
	changes := make([]types.PriceLevelChange, 0, len(w.PriceChanges))
	for _, pc := range w.PriceChanges {
		lvl := types.WireLevel{Price: pc.Price, Size: pc.Size}.Decimal()
		side := types.BUY
		if pc.Side == string(types.SELL) {
			side = types.SELL
		}
		changes = append(changes, types.PriceLevelChange{Side: side, Price: lvl.Price, Size: lvl.Size})
	}
	hash := ""
	if len(w.PriceChanges) > 0 {
		hash = w.PriceChanges[0].Hash
	}
	return types.NewPriceChangeEvent(w.AssetID, parseTimestamp(w.Timestamp), 0, changes, hash)
}

// TranslateBestBidAskEvent converts a wire top-of-book push into a tagged
// MarketEvent.
func TranslateBestBidAskEvent(w types.WSBestBidAskEvent) types.BestBidAskEvent {
	bid := types.WireLevel{Price: w.BestBid}.Decimal().Price
	ask := types.WireLevel{Price: w.BestAsk}.Decimal().Price
	return types.NewBestBidAskEvent(w.AssetID, parseTimestamp(w.Timestamp), 0, bid, ask)
}

// TranslateLastTradePriceEvent converts a wire trade print into a tagged
// MarketEvent, the MomentumDetector's input.
func TranslateLastTradePriceEvent(w types.WSLastTradePriceEvent) types.LastTradePriceEvent {
	price := types.WireLevel{Price: w.Price}.Decimal().Price
	return types.NewLastTradePriceEvent(w.AssetID, parseTimestamp(w.Timestamp), 0, price)
}

// TranslateTickSizeChangeEvent converts a wire tick-size update into a
// tagged MarketEvent.
func TranslateTickSizeChangeEvent(w types.WSTickSizeChangeEvent) types.TickSizeChangeEvent {
	return types.NewTickSizeChangeEvent(w.AssetID, parseTimestamp(w.Timestamp), 0, types.TickSize(w.TickSize))
}
